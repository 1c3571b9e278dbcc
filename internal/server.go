package internal

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"

	"huddle/internal/storage"
)

const (
	defaultTokenTTL = 24 * time.Hour
	authRateLimit   = 10
	authRateWindow  = time.Minute
)

var errUnauthorized = errors.New("unauthorized")

// Server owns every store and routes all traffic between them. Chat state
// (rooms, conversations, presence, typing) lives in process memory and is
// lost on restart by design; only accounts and session tokens persist.
type Server struct {
	store         *storage.Store
	registry      *ConnectionRegistry
	rooms         *RoomDirectory
	conversations *ConversationStore
	typing        *TypingTracker
	files         *FileStore
	metrics       *Metrics
	authLimiter   *RateLimiter
	tokenTTL      time.Duration
}

// NewServer wires the in-memory stores around the persistent account store.
func NewServer(store *storage.Store, uploadDir string, maxFileSize int64) *Server {
	return &Server{
		store:         store,
		registry:      NewConnectionRegistry(),
		rooms:         NewRoomDirectory(),
		conversations: NewConversationStore(),
		typing:        NewTypingTracker(),
		files:         NewFileStore(uploadDir, maxFileSize),
		metrics:       NewMetrics(),
		authLimiter:   NewRateLimiter(authRateLimit, authRateWindow),
		tokenTTL:      defaultTokenTTL,
	}
}

func (s *Server) MetricsHandler() http.Handler { return s.metrics }

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ServeWS authenticates the handshake and, on success, hands the socket to
// its pumps. A bad token rejects the request before any upgrade happens.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	identity, err := s.authenticateToken(r.Context(), bearerToken(r))
	if err != nil {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}
	if _, online := s.registry.Lookup(identity.ID); online {
		http.Error(w, "session already active", http.StatusConflict)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("upgrade error: %v", err)
		return
	}

	client := newClient(s, conn, identity)
	client.setState(stateAuthenticated)
	if err := s.registry.Register(client); err != nil {
		// lost the race with another connection for the same identity
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "duplicate session"),
			time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}
	client.setState(stateActive)
	s.metrics.IncConn()

	go client.writePump()
	go client.readPump()

	s.broadcastAll(evtUserJoined, userEventPayload{User: identity})
	s.broadcastPresence()
	log.Printf("user connected: %s (%s)", identity.Username, identity.ID)
}

// dropClient is the single cleanup routine for both voluntary and failed
// disconnects. Committed store mutations stay; typing state owned by the
// identity is cleared and announced so no indicator outlives its owner.
func (s *Server) dropClient(client *Client) {
	client.shutdown()
	if !s.registry.Unregister(client) {
		return
	}
	s.metrics.DecConn()
	for _, roomName := range s.typing.ClearIdentity(client.identity.ID) {
		if room := s.rooms.Get(roomName); room != nil {
			s.broadcastStopTyping(room, client.identity)
		}
	}
	s.broadcastAll(evtUserLeft, userEventPayload{User: client.identity})
	s.broadcastPresence()
	log.Printf("user disconnected: %s (%s)", client.identity.Username, client.identity.ID)
}

// broadcastPresence pushes the full online list to everyone. Full replace,
// not a delta.
func (s *Server) broadcastPresence() {
	s.broadcastAll(evtUsersUpdate, s.registry.Identities())
}

// identityExists reports whether the id belongs to anyone: a live
// connection or a known account.
func (s *Server) identityExists(identityID string) (bool, error) {
	if _, online := s.registry.Lookup(identityID); online {
		return true, nil
	}
	userID, err := strconv.ParseInt(identityID, 10, 64)
	if err != nil {
		return false, nil
	}
	user, err := s.store.GetUserByID(context.Background(), userID)
	if err != nil {
		return false, err
	}
	return user != nil, nil
}

// authenticateToken resolves a session token to an identity.
func (s *Server) authenticateToken(ctx context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, errUnauthorized
	}
	session, err := s.store.GetSession(ctx, token)
	if err != nil {
		return Identity{}, err
	}
	if session == nil || session.ExpiresAt.Before(time.Now()) {
		return Identity{}, errUnauthorized
	}
	user, err := s.store.GetUserByID(ctx, session.UserID)
	if err != nil {
		return Identity{}, err
	}
	if user == nil {
		return Identity{}, errUnauthorized
	}
	return Identity{ID: strconv.FormatInt(user.ID, 10), Username: user.Username}, nil
}

// bearerToken pulls the session token from the Authorization header or,
// for websocket dials that cannot set headers, the token query parameter.
func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return r.URL.Query().Get("token")
}

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	User      Identity  `json:"user"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *Server) HandleSignup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	if !s.authLimiter.Allow(s.clientIP(r)) {
		http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		return
	}
	var req credentialsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	username := strings.TrimSpace(req.Username)
	password := strings.TrimSpace(req.Password)
	if username == "" || password == "" {
		writeError(w, http.StatusBadRequest, errors.New("username and password are required"))
		return
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	id, err := s.store.CreateUser(r.Context(), username, hash)
	if err != nil {
		if errors.Is(err, storage.ErrUserExists) {
			writeError(w, http.StatusConflict, errors.New("username already taken"))
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.metrics.IncSignup()
	writeJSON(w, http.StatusCreated, Identity{ID: strconv.FormatInt(id, 10), Username: username})
}

func (s *Server) HandleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	if !s.authLimiter.Allow(s.clientIP(r)) {
		http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		return
	}
	var req credentialsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	username := strings.TrimSpace(req.Username)
	password := strings.TrimSpace(req.Password)
	if username == "" || password == "" {
		writeError(w, http.StatusBadRequest, errors.New("username and password are required"))
		return
	}
	user, err := s.store.GetUserByUsername(r.Context(), username)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if user == nil || bcrypt.CompareHashAndPassword(user.PasswordHash, []byte(password)) != nil {
		writeError(w, http.StatusUnauthorized, errors.New("invalid credentials"))
		return
	}

	token := uuid.NewString()
	expiresAt := time.Now().Add(s.tokenTTL)
	if err := s.store.CreateSession(r.Context(), user.ID, token, expiresAt); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.metrics.IncLogin()
	writeJSON(w, http.StatusOK, loginResponse{
		Token:     token,
		User:      Identity{ID: strconv.FormatInt(user.ID, 10), Username: user.Username},
		ExpiresAt: expiresAt,
	})
}

func (s *Server) HandleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	identity, err := s.authenticateToken(r.Context(), bearerToken(r))
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, errUnauthorized) {
			status = http.StatusUnauthorized
		}
		http.Error(w, http.StatusText(status), status)
		return
	}
	if err := s.store.DeleteSession(r.Context(), bearerToken(r)); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	// logout also ends any live connection for the identity
	if client, online := s.registry.Lookup(identity.ID); online {
		client.shutdown()
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) HandleRoomExists(w http.ResponseWriter, r *http.Request) {
	room := r.URL.Query().Get("room")
	if room == "" {
		http.Error(w, "missing room", http.StatusBadRequest)
		return
	}
	if s.rooms.Exists(room) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
		return
	}
	http.Error(w, "not found", http.StatusNotFound)
}

func (s *Server) clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func decodeJSON(r *http.Request, out interface{}) error {
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func methodNotAllowed(w http.ResponseWriter, allowed string) {
	w.Header().Set("Allow", allowed)
	http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
}
