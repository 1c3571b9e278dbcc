package internal

import "sync"

// ConversationStore keeps the private message log for each pair of
// identities. The pair key is canonical, so either participant resolves
// the same log regardless of argument order. Messages for an offline
// recipient sit here until they are fetched.
type ConversationStore struct {
	mu   sync.RWMutex
	logs map[string][]*Message
}

func NewConversationStore() *ConversationStore {
	return &ConversationStore{logs: make(map[string][]*Message)}
}

// conversationKey canonicalizes an unordered identity pair.
func conversationKey(userA, userB string) string {
	if userB < userA {
		userA, userB = userB, userA
	}
	return userA + "\x00" + userB
}

// Append adds a message to the pair's log, stamping the recipient on it.
func (s *ConversationStore) Append(senderID, recipientID string, message *Message) MessageView {
	s.mu.Lock()
	defer s.mu.Unlock()
	message.Recipient = recipientID
	key := conversationKey(senderID, recipientID)
	s.logs[key] = append(s.logs[key], message)
	return message.view()
}

// Snapshot copies the pair's full log in insertion order.
func (s *ConversationStore) Snapshot(userA, userB string) []MessageView {
	s.mu.RLock()
	defer s.mu.RUnlock()
	log := s.logs[conversationKey(userA, userB)]
	views := make([]MessageView, len(log))
	for i, message := range log {
		views[i] = message.view()
	}
	return views
}
