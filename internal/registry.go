package internal

import (
	"errors"
	"sort"
	"sync"
)

// ErrDuplicateSession is returned when an identity already has a live
// connection. Sessions are not merged; the newcomer is turned away.
var ErrDuplicateSession = errors.New("identity already has an active session")

// ConnectionRegistry is the source of truth for who is online. Exactly one
// connection per identity id at any time.
type ConnectionRegistry struct {
	mu      sync.RWMutex
	clients map[string]*Client // identity id -> connection
}

func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{clients: make(map[string]*Client)}
}

// Register records the connection under its identity id. The caller is
// responsible for the presence broadcast that follows.
func (r *ConnectionRegistry) Register(client *Client) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, online := r.clients[client.identity.ID]; online {
		return ErrDuplicateSession
	}
	r.clients[client.identity.ID] = client
	return nil
}

// Unregister drops the connection if it is still the one on record. A stale
// connection for an identity that reconnected does not evict the live one.
func (r *ConnectionRegistry) Unregister(client *Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, online := r.clients[client.identity.ID]
	if !online || current != client {
		return false
	}
	delete(r.clients, client.identity.ID)
	return true
}

// Lookup finds the live connection for an identity id.
func (r *ConnectionRegistry) Lookup(identityID string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	client, ok := r.clients[identityID]
	return client, ok
}

// Connections snapshots every live connection.
func (r *ConnectionRegistry) Connections() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	all := make([]*Client, 0, len(r.clients))
	for _, client := range r.clients {
		all = append(all, client)
	}
	return all
}

// Identities snapshots the online identity set, ordered by username for a
// stable users_update payload.
func (r *ConnectionRegistry) Identities() []Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	all := make([]Identity, 0, len(r.clients))
	for _, client := range r.clients {
		all = append(all, client.identity)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Username < all[j].Username })
	return all
}
