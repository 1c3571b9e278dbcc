package internal

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// Identity is one authenticated participant. The id is the stable account
// id, so private conversations survive reconnects; the registry refuses a
// second concurrent connection for the same id.
type Identity struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// MessageKind discriminates plain text from attachment-bearing messages.
type MessageKind string

const (
	KindText  MessageKind = "text"
	KindImage MessageKind = "image"
	KindFile  MessageKind = "file"
)

func (k MessageKind) valid() bool {
	switch k {
	case KindText, KindImage, KindFile:
		return true
	}
	return false
}

// ReactionKind is the closed set of reactions a client may apply.
type ReactionKind string

const (
	ReactionLike  ReactionKind = "like"
	ReactionLove  ReactionKind = "love"
	ReactionLaugh ReactionKind = "laugh"
	ReactionAngry ReactionKind = "angry"
)

func (r ReactionKind) valid() bool {
	switch r {
	case ReactionLike, ReactionLove, ReactionLaugh, ReactionAngry:
		return true
	}
	return false
}

// FileRef points at a blob held by the upload endpoint. The router only
// stores and forwards it; file bytes are never inspected here.
type FileRef struct {
	URL          string `json:"url"`
	OriginalName string `json:"originalName"`
	MimeType     string `json:"mimeType"`
}

// Message is immutable after creation except for its reaction sets, which
// are toggled in place. All access goes through the owning store's lock.
type Message struct {
	ID        string
	Sender    Identity
	Room      string // room name; empty for private messages
	Recipient string // recipient user id; empty for room messages
	Content   string
	Kind      MessageKind
	File      *FileRef
	Timestamp time.Time

	reactions map[ReactionKind]map[string]struct{}
}

func newMessage(sender Identity, content string, kind MessageKind, file *FileRef) *Message {
	return &Message{
		ID:        uuid.NewString(),
		Sender:    sender,
		Content:   content,
		Kind:      kind,
		File:      file,
		Timestamp: time.Now().UTC(),
	}
}

// toggleReaction flips the user's membership in one reaction set. Applying
// the same kind twice by the same user returns the set to its prior state;
// a user is never listed more than once.
func (m *Message) toggleReaction(kind ReactionKind, userID string) {
	if m.reactions == nil {
		m.reactions = make(map[ReactionKind]map[string]struct{})
	}
	set, ok := m.reactions[kind]
	if !ok {
		set = make(map[string]struct{})
		m.reactions[kind] = set
	}
	if _, applied := set[userID]; applied {
		delete(set, userID)
		if len(set) == 0 {
			delete(m.reactions, kind)
		}
		return
	}
	set[userID] = struct{}{}
}

// reactionView renders the reaction sets into the wire shape, kind to the
// list of user ids. Lists are sorted so repeated renders are stable.
func (m *Message) reactionView() map[string][]string {
	view := make(map[string][]string, len(m.reactions))
	for kind, set := range m.reactions {
		users := make([]string, 0, len(set))
		for id := range set {
			users = append(users, id)
		}
		sort.Strings(users)
		view[string(kind)] = users
	}
	return view
}

// MessageView is the JSON shape clients receive.
type MessageView struct {
	ID        string              `json:"id"`
	Sender    Identity            `json:"sender"`
	Room      string              `json:"room,omitempty"`
	Recipient string              `json:"recipient,omitempty"`
	Content   string              `json:"content"`
	Type      MessageKind         `json:"type"`
	File      *FileRef            `json:"file,omitempty"`
	Timestamp time.Time           `json:"timestamp"`
	Reactions map[string][]string `json:"reactions"`
}

// view copies the message into its wire shape. Callers must hold the lock
// of the store that owns the message.
func (m *Message) view() MessageView {
	return MessageView{
		ID:        m.ID,
		Sender:    m.Sender,
		Room:      m.Room,
		Recipient: m.Recipient,
		Content:   m.Content,
		Type:      m.Kind,
		File:      m.File,
		Timestamp: m.Timestamp,
		Reactions: m.reactionView(),
	}
}
