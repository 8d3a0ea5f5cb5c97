package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/driftline/backend/internal/models"
)

type fakeStore struct {
	mu      sync.Mutex
	created []*models.Message
	err     error
}

func (f *fakeStore) CreateMessage(ctx context.Context, senderID, recipientID uuid.UUID, content string) (*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}

	msg := &models.Message{
		ID:          uuid.New(),
		SenderID:    senderID,
		RecipientID: recipientID,
		Content:     content,
		CreatedAt:   time.Now(),
	}
	f.created = append(f.created, msg)
	return msg, nil
}

func (f *fakeStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

type fakeDirectory struct {
	names map[uuid.UUID]string
}

func (f *fakeDirectory) DisplayName(ctx context.Context, userID uuid.UUID) (string, error) {
	name, ok := f.names[userID]
	if !ok {
		return "", errors.New("user not found")
	}
	return name, nil
}

type fakePresence struct {
	mu      sync.Mutex
	online  []uuid.UUID
	offline []uuid.UUID
}

func (f *fakePresence) SetOnline(ctx context.Context, userID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.online = append(f.online, userID)
	return nil
}

func (f *fakePresence) SetOffline(ctx context.Context, userID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offline = append(f.offline, userID)
	return nil
}

func newTestService(store *fakeStore, dir *fakeDirectory, requireVerifiedJoin bool) *Service {
	return NewService(NewRegistry(), store, dir, requireVerifiedJoin)
}

func joinEvent(t *testing.T, userID uuid.UUID) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]interface{}{
		"type":    EventUserConnected,
		"content": userID.String(),
	})
	require.NoError(t, err)
	return raw
}

func leaveEvent(t *testing.T, userID uuid.UUID) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]interface{}{
		"type":    EventUserDisconnected,
		"content": userID.String(),
	})
	require.NoError(t, err)
	return raw
}

func sendEvent(t *testing.T, sender, recipient, content string) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]interface{}{
		"type": EventSendMessage,
		"content": SendMessagePayload{
			Sender:    sender,
			Recipient: recipient,
			Content:   content,
		},
	})
	require.NoError(t, err)
	return raw
}

func receiveMessage(t *testing.T, c *Client) MessageEvent {
	t.Helper()

	select {
	case data := <-c.Send:
		var env Envelope
		require.NoError(t, json.Unmarshal(data, &env))
		require.Equal(t, EventNewMessage, env.Type)

		var event MessageEvent
		require.NoError(t, json.Unmarshal(env.Content, &event))
		return event
	default:
		t.Fatal("expected a new-message event, got none")
		return MessageEvent{}
	}
}

// Scenario: both participants are connected; the message is persisted once
// and the identical enriched payload reaches both rooms.
func TestSendMessageDeliversToBothRooms(t *testing.T) {
	req := require.New(t)

	alice := uuid.New()
	bob := uuid.New()
	store := &fakeStore{}
	dir := &fakeDirectory{names: map[uuid.UUID]string{alice: "Alice", bob: "Bob"}}
	svc := newTestService(store, dir, false)

	a1 := newTestClient()
	b1 := newTestClient()
	svc.HandleMessage(a1, joinEvent(t, alice))
	svc.HandleMessage(b1, joinEvent(t, bob))

	svc.HandleMessage(a1, sendEvent(t, alice.String(), bob.String(), "hi"))

	req.Equal(1, store.count())
	req.Equal(alice, store.created[0].SenderID)
	req.Equal(bob, store.created[0].RecipientID)
	req.Equal("hi", store.created[0].Content)

	got := receiveMessage(t, a1)
	req.Equal("Alice", got.SenderName)
	req.Equal("hi", got.Content)

	gotB := receiveMessage(t, b1)
	req.Equal(got.ID, gotB.ID, "sender and recipient must see the same message")
	req.Equal("Alice", gotB.SenderName)
}

// Multi-device: every handle in the sender's and recipient's rooms gets
// exactly one copy.
func TestSendMessageReachesAllDevices(t *testing.T) {
	req := require.New(t)

	alice := uuid.New()
	bob := uuid.New()
	store := &fakeStore{}
	dir := &fakeDirectory{names: map[uuid.UUID]string{alice: "Alice", bob: "Bob"}}
	svc := newTestService(store, dir, false)

	a1, a2 := newTestClient(), newTestClient()
	b1 := newTestClient()
	svc.HandleMessage(a1, joinEvent(t, alice))
	svc.HandleMessage(a2, joinEvent(t, alice))
	svc.HandleMessage(b1, joinEvent(t, bob))

	svc.HandleMessage(a1, sendEvent(t, alice.String(), bob.String(), "hi"))

	for _, c := range []*Client{a1, a2, b1} {
		receiveMessage(t, c)
	}
	req.Equal(0, drain(a1)+drain(a2)+drain(b1), "no duplicate deliveries")
}

// Scenario: recipient has no live connection. The message is still
// persisted, nothing is delivered, and nothing fails.
func TestSendMessageToOfflineRecipient(t *testing.T) {
	req := require.New(t)

	alice := uuid.New()
	carol := uuid.New()
	store := &fakeStore{}
	dir := &fakeDirectory{names: map[uuid.UUID]string{alice: "Alice", carol: "Carol"}}
	svc := newTestService(store, dir, false)

	a1 := newTestClient()
	svc.HandleMessage(a1, joinEvent(t, alice))

	svc.HandleMessage(a1, sendEvent(t, alice.String(), carol.String(), "anyone home?"))

	req.Equal(1, store.count(), "message must be durable regardless of delivery")
	receiveMessage(t, a1) // sender echo-back still happens
	req.Equal(0, drain(a1))
}

func TestSendMessageValidation(t *testing.T) {
	alice := uuid.New()
	bob := uuid.New()

	tests := []struct {
		name      string
		sender    string
		recipient string
		content   string
	}{
		{"missing sender", "", bob.String(), "hi"},
		{"missing recipient", alice.String(), "", "hi"},
		{"missing content", alice.String(), bob.String(), ""},
		{"malformed sender id", "not-a-uuid", bob.String(), "hi"},
		{"malformed recipient id", alice.String(), "not-a-uuid", "hi"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := require.New(t)

			store := &fakeStore{}
			dir := &fakeDirectory{names: map[uuid.UUID]string{alice: "Alice", bob: "Bob"}}
			svc := newTestService(store, dir, false)

			a1 := newTestClient()
			b1 := newTestClient()
			svc.HandleMessage(a1, joinEvent(t, alice))
			svc.HandleMessage(b1, joinEvent(t, bob))

			svc.HandleMessage(a1, sendEvent(t, tt.sender, tt.recipient, tt.content))

			req.Equal(0, store.count(), "invalid payload must not be persisted")
			req.Equal(0, drain(a1))
			req.Equal(0, drain(b1))
		})
	}
}

// Persistence strictly precedes delivery: when the store fails, neither
// room sees the event.
func TestSendMessagePersistenceFailure(t *testing.T) {
	req := require.New(t)

	alice := uuid.New()
	bob := uuid.New()
	store := &fakeStore{err: errors.New("storage down")}
	dir := &fakeDirectory{names: map[uuid.UUID]string{alice: "Alice", bob: "Bob"}}
	svc := newTestService(store, dir, false)

	a1 := newTestClient()
	b1 := newTestClient()
	svc.HandleMessage(a1, joinEvent(t, alice))
	svc.HandleMessage(b1, joinEvent(t, bob))

	svc.HandleMessage(a1, sendEvent(t, alice.String(), bob.String(), "hi"))

	req.Equal(0, drain(a1))
	req.Equal(0, drain(b1))
}

func TestSendMessageUnknownSenderName(t *testing.T) {
	req := require.New(t)

	alice := uuid.New()
	bob := uuid.New()
	store := &fakeStore{}
	dir := &fakeDirectory{names: map[uuid.UUID]string{}} // no users resolvable
	svc := newTestService(store, dir, false)

	a1 := newTestClient()
	svc.HandleMessage(a1, joinEvent(t, alice))

	svc.HandleMessage(a1, sendEvent(t, alice.String(), bob.String(), "hi"))

	req.Equal(0, drain(a1), "missing sender record aborts delivery")
}

// Scenario: a new post reaches every live connection with the identical
// payload, regardless of who is joined under which user.
func TestPublishPostReachesEveryone(t *testing.T) {
	req := require.New(t)

	users := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	store := &fakeStore{}
	dir := &fakeDirectory{names: map[uuid.UUID]string{}}
	svc := newTestService(store, dir, false)

	clients := make([]*Client, len(users))
	for i, u := range users {
		clients[i] = newTestClient()
		svc.HandleMessage(clients[i], joinEvent(t, u))
	}

	post := &models.Post{
		ID:         uuid.New(),
		Content:    "first post",
		AuthorID:   users[0],
		AuthorName: "Author",
		Likes:      []uuid.UUID{},
		Comments:   []models.Comment{},
		CreatedAt:  time.Now(),
	}
	svc.PublishPost(post)

	var payloads []string
	for i, c := range clients {
		select {
		case data := <-c.Send:
			var env Envelope
			req.NoError(json.Unmarshal(data, &env))
			req.Equal(EventNewPost, env.Type)
			payloads = append(payloads, string(env.Content))
		default:
			t.Fatalf("client %d received no new-post event", i)
		}
	}
	req.Equal(payloads[0], payloads[1])
	req.Equal(payloads[1], payloads[2])
}

// Scenario: abrupt disconnect with no explicit leave. Teardown must clean
// the registry so later broadcasts never touch the dead handle.
func TestDisconnectCleansUpRegistry(t *testing.T) {
	req := require.New(t)

	alice := uuid.New()
	store := &fakeStore{}
	dir := &fakeDirectory{names: map[uuid.UUID]string{alice: "Alice"}}
	svc := newTestService(store, dir, false)

	a1 := newTestClient()
	svc.HandleMessage(a1, joinEvent(t, alice))
	req.Equal(1, svc.Registry().HandleCount(alice.String()))

	svc.Disconnect(a1)
	req.Equal(0, svc.Registry().HandleCount(alice.String()))

	svc.Registry().BroadcastAll([]byte("event"))
	req.Equal(0, drain(a1))

	// Teardown may race between the explicit and implicit paths; a second
	// call must be harmless.
	svc.Disconnect(a1)
}

func TestExplicitLeaveKeepsConnectionUsable(t *testing.T) {
	req := require.New(t)

	alice := uuid.New()
	store := &fakeStore{}
	dir := &fakeDirectory{names: map[uuid.UUID]string{alice: "Alice"}}
	svc := newTestService(store, dir, false)

	a1 := newTestClient()
	svc.HandleMessage(a1, joinEvent(t, alice))
	svc.HandleMessage(a1, leaveEvent(t, alice))

	req.Equal(0, svc.Registry().HandleCount(alice.String()))

	// The transport is still open; the client may re-join
	svc.HandleMessage(a1, joinEvent(t, alice))
	req.Equal(1, svc.Registry().HandleCount(alice.String()))
}

func TestLeaveForDifferentUserIsIgnored(t *testing.T) {
	req := require.New(t)

	alice := uuid.New()
	store := &fakeStore{}
	dir := &fakeDirectory{names: map[uuid.UUID]string{alice: "Alice"}}
	svc := newTestService(store, dir, false)

	a1 := newTestClient()
	svc.HandleMessage(a1, joinEvent(t, alice))
	svc.HandleMessage(a1, leaveEvent(t, uuid.New()))

	req.Equal(1, svc.Registry().HandleCount(alice.String()))
}

func TestRejoinUnderNewIdentityRelocatesHandle(t *testing.T) {
	req := require.New(t)

	alice := uuid.New()
	bob := uuid.New()
	store := &fakeStore{}
	dir := &fakeDirectory{names: map[uuid.UUID]string{}}
	svc := newTestService(store, dir, false)

	c := newTestClient()
	svc.HandleMessage(c, joinEvent(t, alice))
	svc.HandleMessage(c, joinEvent(t, bob))

	req.Equal(0, svc.Registry().HandleCount(alice.String()), "handle belongs to at most one room")
	req.Equal(1, svc.Registry().HandleCount(bob.String()))
}

func TestRequireVerifiedJoin(t *testing.T) {
	req := require.New(t)

	alice := uuid.New()
	mallory := uuid.New()
	store := &fakeStore{}
	dir := &fakeDirectory{names: map[uuid.UUID]string{}}
	svc := newTestService(store, dir, true)

	c := NewClient(nil, alice)

	svc.HandleMessage(c, joinEvent(t, mallory))
	req.Equal(0, svc.Registry().HandleCount(mallory.String()), "join for a foreign identity must be rejected")

	svc.HandleMessage(c, joinEvent(t, alice))
	req.Equal(1, svc.Registry().HandleCount(alice.String()))
}

func TestClientAssertedJoinWhenVerificationDisabled(t *testing.T) {
	req := require.New(t)

	alice := uuid.New()
	store := &fakeStore{}
	dir := &fakeDirectory{names: map[uuid.UUID]string{}}
	svc := newTestService(store, dir, false)

	// Connection carries no token at all; the declared identity is trusted
	c := NewClient(nil, uuid.Nil)
	svc.HandleMessage(c, joinEvent(t, alice))

	req.Equal(1, svc.Registry().HandleCount(alice.String()))
}

func TestMalformedEventsAreDropped(t *testing.T) {
	req := require.New(t)

	store := &fakeStore{}
	dir := &fakeDirectory{names: map[uuid.UUID]string{}}
	svc := newTestService(store, dir, false)

	c := newTestClient()
	svc.HandleMessage(c, []byte("not json"))
	svc.HandleMessage(c, []byte(`{"type":"unknown-event","content":{}}`))
	svc.HandleMessage(c, []byte(fmt.Sprintf(`{"type":%q,"content":42}`, EventUserConnected)))
	svc.HandleMessage(c, []byte(fmt.Sprintf(`{"type":%q,"content":"not-a-uuid"}`, EventUserConnected)))

	req.Equal(0, store.count())
	req.Equal(0, drain(c))
}

func TestPresenceTransitions(t *testing.T) {
	req := require.New(t)

	alice := uuid.New()
	store := &fakeStore{}
	dir := &fakeDirectory{names: map[uuid.UUID]string{alice: "Alice"}}
	svc := newTestService(store, dir, false)

	presence := &fakePresence{}
	svc.SetPresenceTracker(presence)

	a1, a2 := newTestClient(), newTestClient()
	svc.HandleMessage(a1, joinEvent(t, alice))
	svc.HandleMessage(a2, joinEvent(t, alice))

	svc.Disconnect(a1)
	req.Empty(presence.offline, "user still has a live handle")

	svc.Disconnect(a2)
	req.Equal([]uuid.UUID{alice}, presence.offline, "last handle going away marks the user offline")
}

type fakeLimiter struct {
	err error
}

func (f *fakeLimiter) CheckSend(ctx context.Context, userID string) error {
	return f.err
}

func TestSendLimiterBlocksBeforePersist(t *testing.T) {
	req := require.New(t)

	alice := uuid.New()
	bob := uuid.New()
	store := &fakeStore{}
	dir := &fakeDirectory{names: map[uuid.UUID]string{alice: "Alice", bob: "Bob"}}
	svc := newTestService(store, dir, false)
	svc.SetSendLimiter(&fakeLimiter{err: errors.New("rate limited")})

	a1 := newTestClient()
	svc.HandleMessage(a1, joinEvent(t, alice))
	svc.HandleMessage(a1, sendEvent(t, alice.String(), bob.String(), "hi"))

	req.Equal(0, store.count())
	req.Equal(0, drain(a1))
}
