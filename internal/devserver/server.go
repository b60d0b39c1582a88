// Package devserver is an in-memory messenger backend: the REST auth, history
// and contacts endpoints plus a STOMP-over-WebSocket room broker. It exists
// for local runs of the CLI and for end-to-end tests of the client core.
package devserver

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/turtlemessenger/turtle/internal/errs"
	"github.com/turtlemessenger/turtle/internal/limiter"
	"github.com/turtlemessenger/turtle/internal/model"
)

// Options configures a Server. Zero values pick dev defaults.
type Options struct {
	SigningKey []byte
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	Logger     *zap.Logger
	Limiter    limiter.Limiter
	// RPS and Burst bound requests per client IP; zero disables the limit.
	RPS   float64
	Burst int
	Now   func() time.Time
}

// Server wires the services into an http.Handler.
type Server struct {
	store    *Store
	auth     *AuthService
	contacts *ContactService
	broker   *Broker
	log      *zap.Logger
	now      func() time.Time
	handler  http.Handler
}

func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if len(opts.SigningKey) == 0 {
		opts.SigningKey = []byte("turtle-dev-key")
	}
	if opts.AccessTTL <= 0 {
		opts.AccessTTL = 15 * time.Minute
	}
	if opts.RefreshTTL <= 0 {
		opts.RefreshTTL = 7 * 24 * time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Limiter == nil {
		opts.Limiter = limiter.NewMemory(15*time.Minute, 5, 15*time.Minute)
	}

	store := NewStore()
	tokens := NewIssuer(opts.SigningKey, opts.AccessTTL, opts.RefreshTTL, opts.Now)
	auth := NewAuthService(store, tokens, opts.Limiter)
	s := &Server{
		store:    store,
		auth:     auth,
		contacts: NewContactService(store),
		broker:   NewBroker(auth, store, opts.Logger.Named("stomp"), opts.Now),
		log:      opts.Logger,
		now:      opts.Now,
	}

	authed := RequireAuth(auth)
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auth/register", s.handleRegister)
	mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	mux.HandleFunc("POST /api/auth/refresh", s.handleRefresh)
	mux.Handle("GET /api/auth/me", authed(http.HandlerFunc(s.handleMe)))
	mux.Handle("GET /api/rooms/{roomId}/messages", authed(http.HandlerFunc(s.handleHistory)))
	mux.Handle("POST /api/rooms/{roomId}/messages", authed(http.HandlerFunc(s.handleAppend)))
	mux.Handle("GET /api/contacts", authed(http.HandlerFunc(s.handleContacts)))
	mux.Handle("GET /api/contacts/requests", authed(http.HandlerFunc(s.handleRequests)))
	mux.Handle("POST /api/contacts", authed(http.HandlerFunc(s.handleAddContact)))
	mux.Handle("POST /api/contacts/accept", authed(http.HandlerFunc(s.handleAcceptContact)))
	mux.Handle("DELETE /api/contacts", authed(http.HandlerFunc(s.handleRemoveContact)))
	mux.Handle("GET /ws", s.broker)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	s.handler = Chain(mux,
		Recover(opts.Logger),
		Logging(opts.Logger),
		RateLimit(newRateLimiter(opts.RPS, opts.Burst)),
	)
	return s
}

func (s *Server) Handler() http.Handler { return s.handler }

// Broker exposes the STOMP broker, e.g. to publish server-side messages.
func (s *Server) Broker() *Broker { return s.broker }

// Contacts exposes the relationship service for seeding.
func (s *Server) Contacts() *ContactService { return s.contacts }

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

type credentialsBody struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type userBody struct {
	User string `json:"user"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps service errors onto the {"error": ...} payload.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr *errs.APIError
	if errors.As(err, &apiErr) {
		writeJSON(w, apiErr.Status, errorBody{Error: apiErr.Message})
		return
	}
	s.log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal_error", Message: err.Error()})
}

func decode(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		return badRequest("invalid request")
	}
	return nil
}

func principal(r *http.Request) string {
	u, _ := UserFromCtx(r.Context())
	return u
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var in credentialsBody
	if err := decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	tok, err := s.auth.Register(r.Context(), in.Username, in.Password)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tok)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var in credentialsBody
	if err := decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	tok, err := s.auth.Login(r.Context(), in.Username, in.Password, clientIP(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tok)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var in struct {
		RefreshToken string `json:"refreshToken"`
	}
	_ = decode(r, &in)
	header, _ := bearerToken(r.Header)
	access, err := s.auth.Refresh(header, in.RefreshToken)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"accessToken": access})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"username": principal(r)})
}

func roomID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("roomId"), 10, 64)
	if err != nil {
		return 0, badRequest("invalid room id")
	}
	return id, nil
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	room, err := roomID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	size, _ := strconv.Atoi(q.Get("size"))
	before, _ := strconv.ParseInt(q.Get("before"), 10, 64)
	writeJSON(w, http.StatusOK, s.store.History(room, size, before))
}

// handleAppend stores a message without broadcasting it.
func (s *Server) handleAppend(w http.ResponseWriter, r *http.Request) {
	room, err := roomID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var m model.Message
	if err := decode(r, &m); err != nil {
		s.writeError(w, r, err)
		return
	}
	if m.TS <= 0 {
		m.TS = s.now().UnixMilli()
	}
	m.RoomID = room
	m.SenderID = principal(r)
	s.store.Append(room, m)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleContacts(w http.ResponseWriter, r *http.Request) {
	list, err := s.contacts.List(principal(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleRequests(w http.ResponseWriter, r *http.Request) {
	list, err := s.contacts.Incoming(principal(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleAddContact(w http.ResponseWriter, r *http.Request) {
	var in userBody
	if err := decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	c, err := s.contacts.Add(principal(r), in.User)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleAcceptContact(w http.ResponseWriter, r *http.Request) {
	var in userBody
	if err := decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	c, err := s.contacts.Accept(principal(r), in.User)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleRemoveContact(w http.ResponseWriter, r *http.Request) {
	user := r.URL.Query().Get("user")
	if user == "" {
		s.writeError(w, r, badRequest("user is required"))
		return
	}
	if err := s.contacts.Remove(principal(r), user); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
