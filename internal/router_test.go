package internal

import (
	"context"
	"encoding/json"
	"strconv"
	"testing"

	"huddle/internal/storage"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	store, err := storage.NewStore("sqlite://file:" + t.Name() + "?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewServer(store, t.TempDir(), 1<<20)
}

// connect registers an active connection without a real websocket; routed
// events land synchronously in the client's send queue.
func connect(t *testing.T, s *Server, id, username string) *Client {
	t.Helper()
	client := newClient(s, nil, Identity{ID: id, Username: username})
	client.setState(stateActive)
	if err := s.registry.Register(client); err != nil {
		t.Fatalf("register %s: %v", username, err)
	}
	return client
}

func send(t *testing.T, s *Server, client *Client, eventType string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	s.route(client, Envelope{Type: eventType, Payload: raw})
}

// nextEvent pops queued events until one of the wanted type appears; it
// fails if the queue empties first.
func nextEvent(t *testing.T, client *Client, wantType string, out any) {
	t.Helper()
	for {
		select {
		case raw := <-client.send:
			var envelope Envelope
			if err := json.Unmarshal(raw, &envelope); err != nil {
				t.Fatalf("decode envelope: %v", err)
			}
			if envelope.Type != wantType {
				continue
			}
			if out != nil {
				if err := json.Unmarshal(envelope.Payload, out); err != nil {
					t.Fatalf("decode %s payload: %v", wantType, err)
				}
			}
			return
		default:
			t.Fatalf("no %s event queued", wantType)
		}
	}
}

func assertNoEvent(t *testing.T, client *Client, eventType string) {
	t.Helper()
	for {
		select {
		case raw := <-client.send:
			var envelope Envelope
			_ = json.Unmarshal(raw, &envelope)
			if envelope.Type == eventType {
				t.Fatalf("unexpected %s event", eventType)
			}
		default:
			return
		}
	}
}

func TestRoomMessagesBroadcastGlobally(t *testing.T) {
	s := newTestServer(t)
	alice := connect(t, s, "1", "alice")
	bob := connect(t, s, "2", "bob")

	// neither has joined "general"; posting still works and everyone
	// connected hears it, senders included
	send(t, s, alice, evtSendMessage, sendMessageRequest{Content: "hi", Room: "general"})
	send(t, s, bob, evtSendMessage, sendMessageRequest{Content: "hello", Room: "general"})

	for _, client := range []*Client{alice, bob} {
		var first, second MessageView
		nextEvent(t, client, evtNewMessage, &first)
		nextEvent(t, client, evtNewMessage, &second)
		if first.Content != "hi" || first.Sender.Username != "alice" {
			t.Fatalf("unexpected first broadcast: %+v", first)
		}
		if second.Content != "hello" || second.Sender.Username != "bob" {
			t.Fatalf("unexpected second broadcast: %+v", second)
		}
	}

	snapshot := s.rooms.Get("general").Snapshot()
	if len(snapshot) != 2 || snapshot[0].Content != "hi" || snapshot[1].Content != "hello" {
		t.Fatalf("unexpected room log: %+v", snapshot)
	}
}

func TestSendMessageValidation(t *testing.T) {
	s := newTestServer(t)
	alice := connect(t, s, "1", "alice")
	bob := connect(t, s, "2", "bob")

	send(t, s, alice, evtSendMessage, sendMessageRequest{Content: "   ", Room: "general"})
	var errPayload errorPayload
	nextEvent(t, alice, evtError, &errPayload)
	if errPayload.Code != codeValidation {
		t.Fatalf("expected validation error, got %+v", errPayload)
	}
	// rejected events mutate nothing and reach no one else
	assertNoEvent(t, bob, evtNewMessage)
	if s.rooms.Exists("general") && len(s.rooms.Get("general").Snapshot()) != 0 {
		t.Fatalf("rejected message must not land in the log")
	}

	send(t, s, alice, evtSendMessage, sendMessageRequest{Content: "x", Room: "general", Type: "video"})
	nextEvent(t, alice, evtError, &errPayload)
	if errPayload.Code != codeValidation {
		t.Fatalf("unknown kind should be a validation error, got %+v", errPayload)
	}

	send(t, s, alice, "no_such_event", struct{}{})
	nextEvent(t, alice, evtError, &errPayload)
	if errPayload.Code != codeValidation {
		t.Fatalf("unknown event type should be a validation error, got %+v", errPayload)
	}
}

func TestJoinRoomRepliesWithHistory(t *testing.T) {
	s := newTestServer(t)
	alice := connect(t, s, "1", "alice")
	bob := connect(t, s, "2", "bob")

	send(t, s, alice, evtSendMessage, sendMessageRequest{Content: "hi", Room: "general"})

	// join_room arrives as a bare JSON string from the web client
	s.route(bob, Envelope{Type: evtJoinRoom, Payload: json.RawMessage(`"general"`)})
	var history roomMessagesPayload
	nextEvent(t, bob, evtRoomMessages, &history)
	if history.Room != "general" || len(history.Messages) != 1 || history.Messages[0].Content != "hi" {
		t.Fatalf("unexpected history: %+v", history)
	}
	// the replay goes only to the joiner
	assertNoEvent(t, alice, evtRoomMessages)

	send(t, s, bob, evtLeaveRoom, struct {
		Room string `json:"room"`
	}{Room: "general"})
	assertNoEvent(t, bob, evtError)

	send(t, s, bob, evtLeaveRoom, struct {
		Room string `json:"room"`
	}{Room: "general"})
	var errPayload errorPayload
	nextEvent(t, bob, evtError, &errPayload)
	if errPayload.Code != codeNotFound {
		t.Fatalf("leaving a room twice should be not_found, got %+v", errPayload)
	}
}

func TestPrivateMessageDelivery(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	aliceID, err := s.store.CreateUser(ctx, "alice", []byte("h"))
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	bobID, err := s.store.CreateUser(ctx, "bob", []byte("h"))
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	aliceStr := strconv.FormatInt(aliceID, 10)
	bobStr := strconv.FormatInt(bobID, 10)

	alice := connect(t, s, aliceStr, "alice")

	// bob exists but is offline; the message is stored, not dropped
	send(t, s, alice, evtSendPrivateMessage, sendPrivateMessageRequest{Content: "psst", Recipient: bobStr})
	var echo MessageView
	nextEvent(t, alice, evtNewPrivateMessage, &echo)
	if echo.Recipient != bobStr || echo.Content != "psst" {
		t.Fatalf("unexpected sender echo: %+v", echo)
	}

	// bob connects later and pulls the conversation
	bob := connect(t, s, bobStr, "bob")
	send(t, s, bob, evtGetPrivateMessages, getPrivateMessagesRequest{UserID: aliceStr})
	var convo privateMessagesPayload
	nextEvent(t, bob, evtPrivateMessages, &convo)
	if convo.UserID != aliceStr || len(convo.Messages) != 1 || convo.Messages[0].Content != "psst" {
		t.Fatalf("unexpected conversation: %+v", convo)
	}

	// with bob online, delivery is immediate to both ends
	send(t, s, alice, evtSendPrivateMessage, sendPrivateMessageRequest{Content: "again", Recipient: bobStr})
	nextEvent(t, alice, evtNewPrivateMessage, nil)
	var live MessageView
	nextEvent(t, bob, evtNewPrivateMessage, &live)
	if live.Content != "again" {
		t.Fatalf("unexpected live delivery: %+v", live)
	}

	send(t, s, alice, evtSendPrivateMessage, sendPrivateMessageRequest{Content: "hi", Recipient: "9999"})
	var errPayload errorPayload
	nextEvent(t, alice, evtError, &errPayload)
	if errPayload.Code != codeNotFound {
		t.Fatalf("unknown recipient should be not_found, got %+v", errPayload)
	}
}

func TestReactionLifecycle(t *testing.T) {
	s := newTestServer(t)
	alice := connect(t, s, "1", "alice")
	bob := connect(t, s, "2", "bob")

	send(t, s, alice, evtSendMessage, sendMessageRequest{Content: "hi", Room: "general"})
	var posted MessageView
	nextEvent(t, alice, evtNewMessage, &posted)

	send(t, s, alice, evtAddReaction, addReactionRequest{MessageID: posted.ID, Reaction: ReactionLike, Room: "general"})
	var update reactionUpdatePayload
	nextEvent(t, bob, evtReactionUpdate, &update)
	if got := update.Reactions["like"]; len(got) != 1 || got[0] != "1" {
		t.Fatalf("expected alice once under like, got %+v", update.Reactions)
	}

	// same kind from the same identity toggles it back off, never a
	// duplicate entry
	send(t, s, alice, evtAddReaction, addReactionRequest{MessageID: posted.ID, Reaction: ReactionLike, Room: "general"})
	var cleared reactionUpdatePayload
	nextEvent(t, bob, evtReactionUpdate, &cleared)
	if _, present := cleared.Reactions["like"]; present {
		t.Fatalf("expected like cleared after second toggle, got %+v", cleared.Reactions)
	}

	var errPayload errorPayload
	send(t, s, alice, evtAddReaction, addReactionRequest{MessageID: posted.ID, Reaction: "wow", Room: "general"})
	nextEvent(t, alice, evtError, &errPayload)
	if errPayload.Code != codeValidation {
		t.Fatalf("unknown reaction should be validation error, got %+v", errPayload)
	}

	send(t, s, alice, evtAddReaction, addReactionRequest{MessageID: "missing", Reaction: ReactionLike, Room: "general"})
	nextEvent(t, alice, evtError, &errPayload)
	if errPayload.Code != codeNotFound {
		t.Fatalf("unknown message should be not_found, got %+v", errPayload)
	}
}

func TestTypingFanOut(t *testing.T) {
	s := newTestServer(t)
	alice := connect(t, s, "1", "alice")
	bob := connect(t, s, "2", "bob")
	carol := connect(t, s, "3", "carol")

	s.route(alice, Envelope{Type: evtJoinRoom, Payload: json.RawMessage(`"general"`)})
	s.route(bob, Envelope{Type: evtJoinRoom, Payload: json.RawMessage(`"general"`)})

	send(t, s, alice, evtTypingStart, typingRequest{Room: "general"})
	var typing typingPayload
	nextEvent(t, bob, evtUserTyping, &typing)
	if typing.UserID != "1" || typing.Username != "alice" || typing.Room != "general" {
		t.Fatalf("unexpected typing payload: %+v", typing)
	}
	// not to the typer, not to non-members
	assertNoEvent(t, alice, evtUserTyping)
	assertNoEvent(t, carol, evtUserTyping)

	// repeated starts collapse into the existing entry
	send(t, s, alice, evtTypingStart, typingRequest{Room: "general"})
	assertNoEvent(t, bob, evtUserTyping)

	send(t, s, alice, evtTypingStop, typingRequest{Room: "general"})
	nextEvent(t, bob, evtUserStopTyping, &typing)
	if typing.UserID != "1" {
		t.Fatalf("unexpected stop payload: %+v", typing)
	}
}

func TestDisconnectClearsTypingAndPresence(t *testing.T) {
	s := newTestServer(t)
	alice := connect(t, s, "1", "alice")
	bob := connect(t, s, "2", "bob")

	s.route(alice, Envelope{Type: evtJoinRoom, Payload: json.RawMessage(`"general"`)})
	s.route(bob, Envelope{Type: evtJoinRoom, Payload: json.RawMessage(`"general"`)})
	send(t, s, alice, evtTypingStart, typingRequest{Room: "general"})
	nextEvent(t, bob, evtUserTyping, nil)

	// transport failure mid-typing: the server clears the indicator itself
	s.dropClient(alice)

	var typing typingPayload
	nextEvent(t, bob, evtUserStopTyping, &typing)
	if typing.UserID != "1" {
		t.Fatalf("unexpected stop payload: %+v", typing)
	}
	var left userEventPayload
	nextEvent(t, bob, evtUserLeft, &left)
	if left.User.Username != "alice" {
		t.Fatalf("unexpected user_left: %+v", left)
	}
	var online []Identity
	nextEvent(t, bob, evtUsersUpdate, &online)
	if len(online) != 1 || online[0].Username != "bob" {
		t.Fatalf("users_update must exclude the dropped identity: %+v", online)
	}
	if s.typing.Typing("general", "1") {
		t.Fatalf("residual typing entry after disconnect")
	}

	// events from a closed connection are discarded
	send(t, s, alice, evtSendMessage, sendMessageRequest{Content: "ghost", Room: "general"})
	assertNoEvent(t, bob, evtNewMessage)
}

func TestMarkMessageReadIsAcceptedAndIgnored(t *testing.T) {
	s := newTestServer(t)
	alice := connect(t, s, "1", "alice")
	bob := connect(t, s, "2", "bob")

	send(t, s, alice, evtMarkMessageRead, markMessageReadRequest{SenderID: "2"})
	assertNoEvent(t, alice, evtError)
	assertNoEvent(t, bob, evtError)
}
