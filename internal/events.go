package internal

import (
	"encoding/json"
	"errors"
	"strings"
)

// Both directions share one envelope: an event name plus a type-specific
// payload. Inbound payload shapes mirror what the web client sends.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// inbound event names
const (
	evtSendMessage        = "send_message"
	evtSendPrivateMessage = "send_private_message"
	evtJoinRoom           = "join_room"
	evtLeaveRoom          = "leave_room"
	evtTypingStart        = "typing_start"
	evtTypingStop         = "typing_stop"
	evtAddReaction        = "add_reaction"
	evtGetPrivateMessages = "get_private_messages"
	evtMarkMessageRead    = "mark_message_read"
)

// outbound event names
const (
	evtUsersUpdate       = "users_update"
	evtRoomMessages      = "room_messages"
	evtNewMessage        = "new_message"
	evtNewPrivateMessage = "new_private_message"
	evtPrivateMessages   = "private_messages"
	evtUserTyping        = "user_typing"
	evtUserStopTyping    = "user_stop_typing"
	evtUserJoined        = "user_joined"
	evtUserLeft          = "user_left"
	evtReactionUpdate    = "reaction_update"
	evtError             = "error"
)

type sendMessageRequest struct {
	Content string      `json:"content"`
	Room    string      `json:"room"`
	Type    MessageKind `json:"type"`
	File    *FileRef    `json:"file,omitempty"`
}

type sendPrivateMessageRequest struct {
	Content   string      `json:"content"`
	Recipient string      `json:"recipient"`
	Type      MessageKind `json:"type"`
	File      *FileRef    `json:"file,omitempty"`
}

type typingRequest struct {
	Room string `json:"room"`
}

type addReactionRequest struct {
	MessageID string       `json:"messageId"`
	Reaction  ReactionKind `json:"reaction"`
	Room      string       `json:"room"`
}

type getPrivateMessagesRequest struct {
	UserID string `json:"userId"`
}

type markMessageReadRequest struct {
	SenderID string `json:"senderId"`
}

type roomMessagesPayload struct {
	Room     string        `json:"room"`
	Messages []MessageView `json:"messages"`
}

type privateMessagesPayload struct {
	UserID   string        `json:"userId"`
	Messages []MessageView `json:"messages"`
}

type typingPayload struct {
	Room     string `json:"room"`
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

type userEventPayload struct {
	User Identity `json:"user"`
}

type reactionUpdatePayload struct {
	MessageID string              `json:"messageId"`
	Reactions map[string][]string `json:"reactions"`
}

// Error taxonomy surfaced to clients. Transient contention is retried
// inside the router and never reaches the wire.
const (
	codeUnauthorized = "unauthorized"
	codeValidation   = "validation_error"
	codeNotFound     = "not_found"
)

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// wireError is an event-handling failure that maps onto the client-facing
// taxonomy. Anything else that goes wrong stays server-side.
type wireError struct {
	code    string
	message string
}

func (e *wireError) Error() string { return e.code + ": " + e.message }

func validationErr(msg string) *wireError { return &wireError{code: codeValidation, message: msg} }
func notFoundErr(msg string) *wireError   { return &wireError{code: codeNotFound, message: msg} }

// encodeEvent serializes an outbound event once so fan-out pushes the same
// byte slice to every target connection.
func encodeEvent(eventType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: eventType, Payload: raw})
}

// decodeRoomName handles the two shapes the client uses for join/leave: a
// bare JSON string, or an object with a room field.
func decodeRoomName(payload json.RawMessage) (string, error) {
	var name string
	if err := json.Unmarshal(payload, &name); err == nil {
		return strings.TrimSpace(name), nil
	}
	var req typingRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return "", errors.New("room name must be a string or {room} object")
	}
	return strings.TrimSpace(req.Room), nil
}
