package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/driftline/backend/internal/auth"
	"github.com/driftline/backend/internal/config"
	"github.com/driftline/backend/internal/db"
	"github.com/driftline/backend/internal/feed"
	"github.com/driftline/backend/internal/messaging"
	"github.com/driftline/backend/internal/ratelimit"
	"github.com/driftline/backend/internal/realtime"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins (configure appropriately for production)
	},
}

type Server struct {
	cfg              *config.Config
	db               *db.DB
	authService      *auth.Service
	feedService      *feed.Service
	messagingService *messaging.Service
	realtimeService  *realtime.Service
	rateLimiter      *ratelimit.Limiter
}

func main() {
	log.Println("[Server] Starting driftline backend...")

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("[Server] Failed to load config: %v", err)
	}

	database, err := db.NewDB(cfg.DatabaseURL, cfg.RedisURL)
	if err != nil {
		log.Fatalf("[Server] Failed to connect to database: %v", err)
	}
	defer database.Close()

	if err := database.RunMigrations(cfg.MigrationsPath); err != nil {
		log.Fatalf("[Server] Failed to run migrations: %v", err)
	}

	tokens := auth.NewTokenIssuer(cfg.JWTSecret, cfg.TokenLifetime)
	authService := auth.NewService(database.Postgres, tokens)
	feedService := feed.NewService(database.Postgres)
	messagingService := messaging.NewService(database.Postgres, database.Redis)
	rateLimiter := ratelimit.NewLimiter(database.Redis)

	registry := realtime.NewRegistry()
	realtimeService := realtime.NewService(registry, messagingService, authService, cfg.RequireVerifiedJoin)
	realtimeService.SetPresenceTracker(messagingService)
	realtimeService.SetSendLimiter(rateLimiter)

	server := &Server{
		cfg:              cfg,
		db:               database,
		authService:      authService,
		feedService:      feedService,
		messagingService: messagingService,
		realtimeService:  realtimeService,
		rateLimiter:      rateLimiter,
	}

	router := server.setupRouter()

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("[Server] HTTP server listening on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("[Server] Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("[Server] Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		log.Fatalf("[Server] Server forced to shutdown: %v", err)
	}

	log.Println("[Server] Server exited gracefully")
}

func (s *Server) setupRouter() *mux.Router {
	router := mux.NewRouter()

	router.Use(corsMiddleware)

	router.Methods("OPTIONS").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	// Health check
	router.HandleFunc("/health", s.handleHealth).Methods("GET")

	// Auth routes
	router.HandleFunc("/api/auth/register", s.handleRegister).Methods("POST")
	router.HandleFunc("/api/auth/login", s.handleLogin).Methods("POST")

	// User routes (protected)
	router.HandleFunc("/api/users/me", s.authMiddleware(s.handleGetCurrentUser)).Methods("GET")
	router.HandleFunc("/api/users/{id}/presence", s.authMiddleware(s.handleGetPresence)).Methods("GET")

	// Feed routes (protected)
	router.HandleFunc("/api/posts", s.authMiddleware(s.handleListPosts)).Methods("GET")
	router.HandleFunc("/api/posts", s.authMiddleware(s.handleCreatePost)).Methods("POST")
	router.HandleFunc("/api/posts/{id}/like", s.authMiddleware(s.handleLikePost)).Methods("POST")
	router.HandleFunc("/api/posts/{id}/comment", s.authMiddleware(s.handleCommentPost)).Methods("POST")

	// Direct message history (protected)
	router.HandleFunc("/api/messages/{peerID}", s.authMiddleware(s.handleGetConversation)).Methods("GET")

	// Realtime WebSocket
	router.HandleFunc("/api/ws", s.handleWebSocket).Methods("GET")

	return router
}

// Middleware

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Authorization header required", http.StatusUnauthorized)
			return
		}

		// Extract token (format: "Bearer <token>")
		token := authHeader
		if len(authHeader) > 7 && authHeader[:7] == "Bearer " {
			token = authHeader[7:]
		}

		userID, err := s.authService.Tokens().Verify(token)
		if err != nil {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), "userID", userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	}
}

// Handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := s.db.Health(ctx); err != nil {
		http.Error(w, "Database unhealthy", http.StatusServiceUnavailable)
		return
	}

	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// Auth handlers

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name     string `json:"name"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}

	if req.Name == "" || req.Email == "" || req.Password == "" {
		http.Error(w, "name, email and password are required", http.StatusBadRequest)
		return
	}

	user, err := s.authService.CreateUser(r.Context(), req.Name, req.Email, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrUserExists) {
			http.Error(w, "Email already registered", http.StatusBadRequest)
			return
		}
		http.Error(w, "Failed to create user", http.StatusInternalServerError)
		return
	}

	token, err := s.authService.Tokens().Generate(user.ID)
	if err != nil {
		http.Error(w, "Failed to generate token", http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"user":  user,
		"token": token,
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := s.rateLimiter.CheckLogin(r.Context(), clientIP(r)); err != nil {
		http.Error(w, "Too many login attempts", http.StatusTooManyRequests)
		return
	}

	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}

	user, err := s.authService.AuthenticateByEmail(r.Context(), req.Email, req.Password)
	if err != nil {
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}

	token, err := s.authService.Tokens().Generate(user.ID)
	if err != nil {
		http.Error(w, "Failed to generate token", http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"user":  user,
		"token": token,
	})
}

// User handlers

func (s *Server) handleGetCurrentUser(w http.ResponseWriter, r *http.Request) {
	userID := r.Context().Value("userID").(uuid.UUID)

	user, err := s.authService.GetUserByID(r.Context(), userID)
	if err != nil {
		http.Error(w, "User not found", http.StatusNotFound)
		return
	}

	json.NewEncoder(w).Encode(user)
}

func (s *Server) handleGetPresence(w http.ResponseWriter, r *http.Request) {
	targetID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "Invalid user id", http.StatusBadRequest)
		return
	}

	presence, err := s.messagingService.GetPresence(r.Context(), targetID)
	if err != nil {
		http.Error(w, "Presence not available", http.StatusNotFound)
		return
	}

	json.NewEncoder(w).Encode(presence)
}

// Feed handlers

func (s *Server) handleListPosts(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	posts, err := s.feedService.ListPosts(r.Context(), limit, offset)
	if err != nil {
		http.Error(w, "Failed to fetch posts", http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(posts)
}

func (s *Server) handleCreatePost(w http.ResponseWriter, r *http.Request) {
	userID := r.Context().Value("userID").(uuid.UUID)

	if err := s.rateLimiter.CheckPost(r.Context(), userID.String()); err != nil {
		http.Error(w, "Too many posts", http.StatusTooManyRequests)
		return
	}

	var req struct {
		Content string `json:"content"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}

	if req.Content == "" {
		http.Error(w, "content is required", http.StatusBadRequest)
		return
	}

	post, err := s.feedService.CreatePost(r.Context(), userID, req.Content)
	if err != nil {
		http.Error(w, "Failed to create post", http.StatusInternalServerError)
		return
	}

	// The post is durable at this point; fan it out to every live connection
	s.realtimeService.PublishPost(post)

	json.NewEncoder(w).Encode(post)
}

func (s *Server) handleLikePost(w http.ResponseWriter, r *http.Request) {
	userID := r.Context().Value("userID").(uuid.UUID)

	postID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "Invalid post id", http.StatusBadRequest)
		return
	}

	post, err := s.feedService.LikePost(r.Context(), postID, userID)
	if err != nil {
		if errors.Is(err, feed.ErrPostNotFound) {
			http.Error(w, "Post not found", http.StatusNotFound)
			return
		}
		http.Error(w, "Failed to like post", http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(post)
}

func (s *Server) handleCommentPost(w http.ResponseWriter, r *http.Request) {
	userID := r.Context().Value("userID").(uuid.UUID)

	postID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "Invalid post id", http.StatusBadRequest)
		return
	}

	var req struct {
		Content string `json:"content"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}

	if req.Content == "" {
		http.Error(w, "content is required", http.StatusBadRequest)
		return
	}

	post, err := s.feedService.AddComment(r.Context(), postID, userID, req.Content)
	if err != nil {
		if errors.Is(err, feed.ErrPostNotFound) {
			http.Error(w, "Post not found", http.StatusNotFound)
			return
		}
		http.Error(w, "Failed to comment on post", http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(post)
}

// Messaging handlers

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	userID := r.Context().Value("userID").(uuid.UUID)

	peerID, err := uuid.Parse(mux.Vars(r)["peerID"])
	if err != nil {
		http.Error(w, "Invalid peer id", http.StatusBadRequest)
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	messages, err := s.messagingService.GetConversation(r.Context(), userID, peerID, limit, offset)
	if err != nil {
		http.Error(w, "Failed to fetch messages", http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(messages)
}

// Realtime

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	var authID uuid.UUID

	if token := r.URL.Query().Get("token"); token != "" {
		id, err := s.authService.Tokens().Verify(token)
		if err != nil {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}
		authID = id
	} else if s.cfg.RequireVerifiedJoin {
		http.Error(w, "token required", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[Server] Failed to upgrade connection: %v", err)
		return
	}

	client := realtime.NewClient(conn, authID)

	go s.realtimeService.WritePump(client)
	go s.realtimeService.ReadPump(client)
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return forwarded
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
