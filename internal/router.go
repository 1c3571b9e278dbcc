package internal

import (
	"encoding/json"
	"errors"
	"log"
	"strings"
)

// route dispatches one inbound event. Each handler validates its payload,
// applies the mutation to exactly one store, then fans the result out; a
// rejected event mutates nothing and the error goes back to the sender
// only. Events from a connection that is no longer Active are discarded.
func (s *Server) route(client *Client, envelope Envelope) {
	if !client.active() {
		return
	}
	var err error
	switch envelope.Type {
	case evtSendMessage:
		err = s.handleSendMessage(client, envelope.Payload)
	case evtSendPrivateMessage:
		err = s.handleSendPrivateMessage(client, envelope.Payload)
	case evtJoinRoom:
		err = s.handleJoinRoom(client, envelope.Payload)
	case evtLeaveRoom:
		err = s.handleLeaveRoom(client, envelope.Payload)
	case evtTypingStart:
		err = s.handleTyping(client, envelope.Payload, true)
	case evtTypingStop:
		err = s.handleTyping(client, envelope.Payload, false)
	case evtAddReaction:
		err = s.handleAddReaction(client, envelope.Payload)
	case evtGetPrivateMessages:
		err = s.handleGetPrivateMessages(client, envelope.Payload)
	case evtMarkMessageRead:
		err = s.handleMarkMessageRead(client, envelope.Payload)
	default:
		err = validationErr("unknown event type " + envelope.Type)
	}
	if err != nil {
		s.sendError(client, err)
	}
}

func (s *Server) handleSendMessage(client *Client, payload json.RawMessage) error {
	var req sendMessageRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return validationErr("malformed send_message payload")
	}
	if req.Type == "" {
		req.Type = KindText
	}
	if !req.Type.valid() {
		return validationErr("unknown message type " + string(req.Type))
	}
	content := strings.TrimSpace(req.Content)
	if content == "" && req.Type == KindText {
		return validationErr("message content is empty")
	}
	roomName := strings.TrimSpace(req.Room)
	if roomName == "" {
		return validationErr("room is required")
	}
	if req.Type != KindText && req.File == nil {
		return validationErr("file reference is required for " + string(req.Type) + " messages")
	}

	message := newMessage(client.identity, content, req.Type, req.File)
	view := s.rooms.GetOrCreate(roomName).Append(message)
	s.metrics.IncMessage()

	// Room messages go to every connection, members or not; membership is
	// advisory here.
	s.broadcastAll(evtNewMessage, view)
	return nil
}

func (s *Server) handleSendPrivateMessage(client *Client, payload json.RawMessage) error {
	var req sendPrivateMessageRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return validationErr("malformed send_private_message payload")
	}
	if req.Type == "" {
		req.Type = KindText
	}
	if !req.Type.valid() {
		return validationErr("unknown message type " + string(req.Type))
	}
	content := strings.TrimSpace(req.Content)
	if content == "" && req.Type == KindText {
		return validationErr("message content is empty")
	}
	recipientID := strings.TrimSpace(req.Recipient)
	if recipientID == "" {
		return validationErr("recipient is required")
	}
	if recipientID == client.identity.ID {
		return validationErr("cannot send a private message to yourself")
	}
	// The recipient must exist but need not be online; an offline
	// recipient's messages wait in the conversation store.
	known, err := s.identityExists(recipientID)
	if err != nil {
		return err
	}
	if !known {
		return notFoundErr("recipient " + recipientID + " does not exist")
	}

	message := newMessage(client.identity, content, req.Type, req.File)
	view := s.conversations.Append(client.identity.ID, recipientID, message)
	s.metrics.IncPrivateMessage()

	s.sendEvent(client, evtNewPrivateMessage, view)
	if recipient, online := s.registry.Lookup(recipientID); online {
		s.sendEvent(recipient, evtNewPrivateMessage, view)
	}
	return nil
}

func (s *Server) handleJoinRoom(client *Client, payload json.RawMessage) error {
	roomName, err := decodeRoomName(payload)
	if err != nil {
		return validationErr(err.Error())
	}
	if roomName == "" {
		return validationErr("room is required")
	}
	room := s.rooms.GetOrCreate(roomName)
	room.AddMember(client.identity)
	// Reply with the full history so the joiner catches up; only the
	// joining connection gets the replay.
	s.sendEvent(client, evtRoomMessages, roomMessagesPayload{
		Room:     roomName,
		Messages: room.Snapshot(),
	})
	return nil
}

func (s *Server) handleLeaveRoom(client *Client, payload json.RawMessage) error {
	roomName, err := decodeRoomName(payload)
	if err != nil {
		return validationErr(err.Error())
	}
	if roomName == "" {
		return validationErr("room is required")
	}
	room := s.rooms.Get(roomName)
	if room == nil || !room.RemoveMember(client.identity.ID) {
		return notFoundErr("not a member of room " + roomName)
	}
	// Leaving while typing should not strand the indicator.
	if s.typing.Stop(roomName, client.identity.ID) {
		s.broadcastStopTyping(room, client.identity)
	}
	return nil
}

func (s *Server) handleTyping(client *Client, payload json.RawMessage, start bool) error {
	var req typingRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return validationErr("malformed typing payload")
	}
	roomName := strings.TrimSpace(req.Room)
	if roomName == "" {
		return validationErr("room is required")
	}
	room := s.rooms.Get(roomName)
	if room == nil {
		return notFoundErr("room " + roomName + " does not exist")
	}
	if start {
		if s.typing.Start(roomName, client.identity.ID) {
			s.broadcastToMembers(room, client.identity.ID, evtUserTyping, typingPayload{
				Room:     roomName,
				UserID:   client.identity.ID,
				Username: client.identity.Username,
			})
		}
		return nil
	}
	if s.typing.Stop(roomName, client.identity.ID) {
		s.broadcastStopTyping(room, client.identity)
	}
	return nil
}

func (s *Server) handleAddReaction(client *Client, payload json.RawMessage) error {
	var req addReactionRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return validationErr("malformed add_reaction payload")
	}
	if !req.Reaction.valid() {
		return validationErr("unknown reaction " + string(req.Reaction))
	}
	room := s.rooms.Get(strings.TrimSpace(req.Room))
	if room == nil {
		return notFoundErr("room " + req.Room + " does not exist")
	}
	reactions, found := room.React(req.MessageID, req.Reaction, client.identity.ID)
	if !found {
		return notFoundErr("message " + req.MessageID + " not found in room " + room.Name())
	}
	s.metrics.IncReaction()
	s.broadcastAll(evtReactionUpdate, reactionUpdatePayload{
		MessageID: req.MessageID,
		Reactions: reactions,
	})
	return nil
}

func (s *Server) handleGetPrivateMessages(client *Client, payload json.RawMessage) error {
	var req getPrivateMessagesRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return validationErr("malformed get_private_messages payload")
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return validationErr("userId is required")
	}
	s.sendEvent(client, evtPrivateMessages, privateMessagesPayload{
		UserID:   userID,
		Messages: s.conversations.Snapshot(client.identity.ID, userID),
	})
	return nil
}

// handleMarkMessageRead accepts the event for wire compatibility; no read
// receipt state is kept server-side.
func (s *Server) handleMarkMessageRead(client *Client, payload json.RawMessage) error {
	var req markMessageReadRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return validationErr("malformed mark_message_read payload")
	}
	return nil
}

// sendEvent encodes and queues one event for a single connection.
func (s *Server) sendEvent(client *Client, eventType string, payload any) {
	encoded, err := encodeEvent(eventType, payload)
	if err != nil {
		log.Printf("encode %s: %v", eventType, err)
		return
	}
	client.enqueue(encoded)
}

// broadcastAll pushes one event to every registered connection. The event
// is encoded once; fan-out never blocks on any single consumer.
func (s *Server) broadcastAll(eventType string, payload any) {
	encoded, err := encodeEvent(eventType, payload)
	if err != nil {
		log.Printf("encode %s: %v", eventType, err)
		return
	}
	for _, client := range s.registry.Connections() {
		client.enqueue(encoded)
	}
}

// broadcastToMembers pushes an event to the connections of the room's
// current members, excluding one identity (the typer, usually).
func (s *Server) broadcastToMembers(room *Room, exceptID string, eventType string, payload any) {
	encoded, err := encodeEvent(eventType, payload)
	if err != nil {
		log.Printf("encode %s: %v", eventType, err)
		return
	}
	for _, member := range room.Members() {
		if member.ID == exceptID {
			continue
		}
		if client, online := s.registry.Lookup(member.ID); online {
			client.enqueue(encoded)
		}
	}
}

func (s *Server) broadcastStopTyping(room *Room, identity Identity) {
	s.broadcastToMembers(room, identity.ID, evtUserStopTyping, typingPayload{
		Room:     room.Name(),
		UserID:   identity.ID,
		Username: identity.Username,
	})
}

// sendError reports a failure to the originating connection only. Errors
// outside the wire taxonomy are logged and surfaced as validation errors.
func (s *Server) sendError(client *Client, err error) {
	var wire *wireError
	if !errors.As(err, &wire) {
		log.Printf("event error from %s: %v", client.identity.Username, err)
		wire = validationErr("could not process event")
	}
	s.sendEvent(client, evtError, errorPayload{Code: wire.code, Message: wire.message})
}
