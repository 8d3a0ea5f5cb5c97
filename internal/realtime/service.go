package realtime

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/driftline/backend/internal/models"
)

const storeTimeout = 5 * time.Second

// MessageStore is the slice of the record store the router needs: durable
// message creation with id and timestamp assigned at persistence time.
type MessageStore interface {
	CreateMessage(ctx context.Context, senderID, recipientID uuid.UUID, content string) (*models.Message, error)
}

// UserDirectory resolves user ids to display names for payload enrichment
type UserDirectory interface {
	DisplayName(ctx context.Context, userID uuid.UUID) (string, error)
}

// PresenceTracker records online/offline transitions. Optional; a nil
// tracker disables presence updates.
type PresenceTracker interface {
	SetOnline(ctx context.Context, userID uuid.UUID) error
	SetOffline(ctx context.Context, userID uuid.UUID) error
}

// SendLimiter throttles send-message events per user. Optional.
type SendLimiter interface {
	CheckSend(ctx context.Context, userID string) error
}

// Service is the presence gateway and broadcast router: it runs each
// connection's lifecycle against the registry and reacts to domain events
// by persisting and fanning out.
type Service struct {
	registry *Registry
	store    MessageStore
	users    UserDirectory
	presence PresenceTracker
	limiter  SendLimiter

	// requireVerifiedJoin makes user-connected joins valid only for the
	// identity the connection's bearer token was issued for.
	requireVerifiedJoin bool
}

func NewService(registry *Registry, store MessageStore, users UserDirectory, requireVerifiedJoin bool) *Service {
	return &Service{
		registry:            registry,
		store:               store,
		users:               users,
		requireVerifiedJoin: requireVerifiedJoin,
	}
}

// SetPresenceTracker wires an optional presence backend
func (s *Service) SetPresenceTracker(p PresenceTracker) {
	s.presence = p
}

// SetSendLimiter wires an optional rate limiter for send-message events
func (s *Service) SetSendLimiter(l SendLimiter) {
	s.limiter = l
}

// Registry exposes the connection registry, mainly for handlers that fan
// out events originating from HTTP requests.
func (s *Service) Registry() *Registry {
	return s.registry
}

// HandleMessage dispatches one inbound websocket event. Malformed events
// are logged and dropped; they never tear down the connection.
func (s *Service) HandleMessage(client *Client, raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		log.Printf("[Realtime] Failed to unmarshal event: %v", err)
		return
	}

	switch env.Type {
	case EventUserConnected:
		s.handleJoin(client, env.Content)

	case EventSendMessage:
		s.handleSendMessage(client, env.Content)

	case EventUserDisconnected:
		s.handleLeave(client, env.Content)

	default:
		log.Printf("[Realtime] Unknown event type: %s", env.Type)
	}
}

// handleJoin moves the connection from connected to joined. A handle is in
// at most one room: joining again under a different identity relocates it.
func (s *Service) handleJoin(client *Client, content json.RawMessage) {
	var userID string
	if err := json.Unmarshal(content, &userID); err != nil {
		log.Printf("[Realtime] Invalid join payload: %v", err)
		return
	}

	parsed, err := uuid.Parse(userID)
	if err != nil {
		log.Printf("[Realtime] Invalid join user id: %v", err)
		return
	}

	if s.requireVerifiedJoin && parsed != client.AuthID {
		log.Printf("[Realtime] Rejected join for %s: identity does not match connection token", userID)
		return
	}

	if prev := client.joinedRoom(); prev != "" && prev != userID {
		s.leaveRoom(client, prev)
	}

	s.registry.Join(userID, client)
	client.setJoinedRoom(userID)

	if s.presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		if err := s.presence.SetOnline(ctx, parsed); err != nil {
			log.Printf("[Realtime] Failed to update presence for %s: %v", userID, err)
		}
	}
}

// handleSendMessage validates, persists, then fans out a direct message.
// Persistence strictly precedes delivery: a message that could not be
// durably saved is never broadcast. Both the recipient's and the sender's
// rooms receive the identical enriched payload so the sender's other
// devices stay consistent.
func (s *Service) handleSendMessage(client *Client, content json.RawMessage) {
	var payload SendMessagePayload
	if err := json.Unmarshal(content, &payload); err != nil {
		log.Printf("[Realtime] Invalid send-message payload: %v", err)
		return
	}

	if payload.Sender == "" || payload.Recipient == "" || payload.Content == "" {
		log.Printf("[Realtime] Dropping send-message with missing fields")
		return
	}

	senderID, err := uuid.Parse(payload.Sender)
	if err != nil {
		log.Printf("[Realtime] Invalid sender id: %v", err)
		return
	}
	recipientID, err := uuid.Parse(payload.Recipient)
	if err != nil {
		log.Printf("[Realtime] Invalid recipient id: %v", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	if s.limiter != nil {
		if err := s.limiter.CheckSend(ctx, payload.Sender); err != nil {
			log.Printf("[Realtime] Send rate limit exceeded for %s", payload.Sender)
			return
		}
	}

	msg, err := s.store.CreateMessage(ctx, senderID, recipientID, payload.Content)
	if err != nil {
		log.Printf("[Realtime] Failed to persist message: %v", err)
		return
	}

	senderName, err := s.users.DisplayName(ctx, senderID)
	if err != nil {
		log.Printf("[Realtime] Failed to resolve sender name for %s: %v", payload.Sender, err)
		return
	}

	data, err := marshalEvent(EventNewMessage, MessageEvent{
		Message:    *msg,
		SenderName: senderName,
	})
	if err != nil {
		log.Printf("[Realtime] Failed to marshal new-message: %v", err)
		return
	}

	s.registry.BroadcastTo(payload.Recipient, data)
	s.registry.BroadcastTo(payload.Sender, data)
}

// handleLeave processes an explicit user-disconnected signal. The
// connection itself stays open; only the room membership is dropped.
func (s *Service) handleLeave(client *Client, content json.RawMessage) {
	var userID string
	if err := json.Unmarshal(content, &userID); err != nil {
		log.Printf("[Realtime] Invalid leave payload: %v", err)
		return
	}

	if client.joinedRoom() != userID {
		return
	}

	s.leaveRoom(client, userID)
	client.setJoinedRoom("")
}

// Disconnect is the single teardown path for a connection. Both abrupt
// transport closures and normal shutdowns converge here; it is safe to
// run more than once.
func (s *Service) Disconnect(client *Client) {
	if userID := client.joinedRoom(); userID != "" {
		s.leaveRoom(client, userID)
		client.setJoinedRoom("")
	}
	client.close()
}

func (s *Service) leaveRoom(client *Client, userID string) {
	s.registry.Leave(userID, client)

	if s.presence != nil && s.registry.HandleCount(userID) == 0 {
		if parsed, err := uuid.Parse(userID); err == nil {
			ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
			defer cancel()
			if err := s.presence.SetOffline(ctx, parsed); err != nil {
				log.Printf("[Realtime] Failed to update presence for %s: %v", userID, err)
			}
		}
	}
}

// PublishPost fans a durably saved post out to every live connection.
// Callers must only invoke this after the record store confirmed the
// insert. Delivery is best-effort per handle; nothing is awaited.
func (s *Service) PublishPost(post *models.Post) {
	data, err := marshalEvent(EventNewPost, post)
	if err != nil {
		log.Printf("[Realtime] Failed to marshal new-post: %v", err)
		return
	}

	s.registry.BroadcastAll(data)
}
