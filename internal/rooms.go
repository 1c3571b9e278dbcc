package internal

import "sync"

// RoomDirectory maps room names to live rooms. Rooms are created lazily on
// first join or message and persist for the life of the process; there is
// deliberately no eviction and no cap on log growth.
type RoomDirectory struct {
	mu    sync.RWMutex
	rooms map[string]*Room
}

func NewRoomDirectory() *RoomDirectory {
	return &RoomDirectory{rooms: make(map[string]*Room)}
}

// GetOrCreate returns the named room, creating an empty one on first access.
func (d *RoomDirectory) GetOrCreate(name string) *Room {
	d.mu.Lock()
	defer d.mu.Unlock()
	if room, exists := d.rooms[name]; exists {
		return room
	}
	room := newRoom(name)
	d.rooms[name] = room
	return room
}

// Get retrieves a room without creating it (may return nil).
func (d *RoomDirectory) Get(name string) *Room {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.rooms[name]
}

// Exists reports whether a room has been created.
func (d *RoomDirectory) Exists(name string) bool {
	return d.Get(name) != nil
}

// Room holds the member set and the ordered message log for one channel.
// The room mutex serializes appends, so log order is arrival order at the
// router; unrelated rooms never contend with each other.
//
// Membership is advisory: it drives typing fan-out and join replays, but
// room messages are still broadcast to every connection, matching the
// behavior this server replaces.
type Room struct {
	name string

	mu      sync.RWMutex
	members map[string]Identity // identity id -> identity
	log     []*Message
}

func newRoom(name string) *Room {
	return &Room{
		name:    name,
		members: make(map[string]Identity),
	}
}

func (r *Room) Name() string { return r.name }

// Append adds a message to the log and stamps the room name on it. The log
// is append-only; nothing ever reorders or drops committed entries.
func (r *Room) Append(message *Message) MessageView {
	r.mu.Lock()
	defer r.mu.Unlock()
	message.Room = r.name
	r.log = append(r.log, message)
	return message.view()
}

// Snapshot copies the full log in insertion order, used to replay history
// when a client joins.
func (r *Room) Snapshot() []MessageView {
	r.mu.RLock()
	defer r.mu.RUnlock()
	views := make([]MessageView, len(r.log))
	for i, message := range r.log {
		views[i] = message.view()
	}
	return views
}

// React toggles one user's membership in a reaction set and returns the
// message's updated reaction view. The second value is false when no
// message with that id exists in this room's log.
func (r *Room) React(messageID string, kind ReactionKind, userID string) (map[string][]string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, message := range r.log {
		if message.ID == messageID {
			message.toggleReaction(kind, userID)
			return message.reactionView(), true
		}
	}
	return nil, false
}

// AddMember records the identity as currently viewing the room.
func (r *Room) AddMember(identity Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.members[identity.ID] = identity
}

// RemoveMember drops the identity from the member set. Returns false when
// the identity was not a member.
func (r *Room) RemoveMember(identityID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[identityID]; !ok {
		return false
	}
	delete(r.members, identityID)
	return true
}

// Members snapshots the current member identities.
func (r *Room) Members() []Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := make([]Identity, 0, len(r.members))
	for _, identity := range r.members {
		members = append(members, identity)
	}
	return members
}
