package internal

import "sync"

// TypingTracker holds the ephemeral (room, identity) typing set. Entries
// carry no TTL: they live until the client sends typing_stop or its
// connection ends, at which point the server clears them itself so no
// indicator is left orphaned.
type TypingTracker struct {
	mu     sync.Mutex
	active map[typingKey]struct{}
}

type typingKey struct {
	room   string
	userID string
}

func NewTypingTracker() *TypingTracker {
	return &TypingTracker{active: make(map[typingKey]struct{})}
}

// Start marks the identity as typing in the room. Returns false when the
// entry already existed, so repeated typing_start events broadcast once.
func (t *TypingTracker) Start(room, userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := typingKey{room: room, userID: userID}
	if _, typing := t.active[key]; typing {
		return false
	}
	t.active[key] = struct{}{}
	return true
}

// Stop clears the entry. Returns false when the identity was not typing.
func (t *TypingTracker) Stop(room, userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := typingKey{room: room, userID: userID}
	if _, typing := t.active[key]; !typing {
		return false
	}
	delete(t.active, key)
	return true
}

// ClearIdentity removes every typing entry owned by the identity and
// returns the rooms it was typing in, so the caller can broadcast
// user_stop_typing for each. Used on disconnect.
func (t *TypingTracker) ClearIdentity(userID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var rooms []string
	for key := range t.active {
		if key.userID == userID {
			rooms = append(rooms, key.room)
			delete(t.active, key)
		}
	}
	return rooms
}

// Typing reports whether the identity currently has an entry for the room.
func (t *TypingTracker) Typing(room, userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, typing := t.active[typingKey{room: room, userID: userID}]
	return typing
}
