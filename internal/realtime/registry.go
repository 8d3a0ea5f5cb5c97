package realtime

import (
	"sync"
)

// Registry is the process-wide mapping from user identity to the set of
// live connection handles joined under it. One instance is created per
// server process and handed to the gateway explicitly; it is never global.
//
// All operations are safe for concurrent use from independent connection
// lifecycles. Delivery is a non-blocking enqueue per handle, so a stalled
// connection drops events instead of holding up the rest.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]map[*Client]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		rooms: make(map[string]map[*Client]struct{}),
	}
}

// Join adds a handle to the room for userID. Idempotent: re-joining with
// the same handle leaves membership unchanged.
func (r *Registry) Join(userID string, c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	handles, ok := r.rooms[userID]
	if !ok {
		handles = make(map[*Client]struct{})
		r.rooms[userID] = handles
	}
	handles[c] = struct{}{}
}

// Leave removes a handle from the room for userID. A no-op if the handle
// is not present. Empty rooms are pruned so long uptimes do not accumulate
// dead entries.
func (r *Registry) Leave(userID string, c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	handles, ok := r.rooms[userID]
	if !ok {
		return
	}
	delete(handles, c)
	if len(handles) == 0 {
		delete(r.rooms, userID)
	}
}

// BroadcastAll delivers data to every registered handle across all rooms.
// A handle that cannot accept the event is skipped, never aborting
// delivery to the rest.
func (r *Registry) BroadcastAll(data []byte) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, handles := range r.rooms {
		for c := range handles {
			c.enqueue(data)
		}
	}
}

// BroadcastTo delivers data to every handle joined under userID. A no-op
// when the user has no live handles.
func (r *Registry) BroadcastTo(userID string, data []byte) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for c := range r.rooms[userID] {
		c.enqueue(data)
	}
}

// HandleCount reports how many live handles are joined under userID
func (r *Registry) HandleCount(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.rooms[userID])
}
