// Package session keeps a client authenticated: it owns the credential pair,
// attaches it to outbound calls and refreshes it transparently on 401/403.
package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/turtlemessenger/turtle/internal/api"
	"github.com/turtlemessenger/turtle/internal/errs"
	"github.com/turtlemessenger/turtle/internal/metrics"
	"github.com/turtlemessenger/turtle/internal/model"
	"github.com/turtlemessenger/turtle/internal/notify"
	"github.com/turtlemessenger/turtle/internal/tokenstore"
)

// Authenticator is the credential side of the auth service.
//
//go:generate mockgen -destination=../mocks/mock_authenticator.go -package=mocks github.com/turtlemessenger/turtle/internal/session Authenticator
type Authenticator interface {
	Login(ctx context.Context, username, password string) (api.TokenResponse, error)
	Register(ctx context.Context, username, password string) (api.TokenResponse, error)
	Refresh(ctx context.Context, refreshToken string) (string, error)
}

// State is published on login, refresh and logout.
type State struct {
	Username  string
	LoggedIn  bool
	ExpiresAt time.Time // access token expiry, zero if unknown
}

// Option configures a Manager.
type Option func(*Manager)

func WithLogger(l *zap.Logger) Option { return func(m *Manager) { m.log = l } }

func WithMetrics(mt *metrics.Metrics) Option { return func(m *Manager) { m.metrics = mt } }

// WithRefreshCoalescing controls whether concurrent refreshes share one
// in-flight call. Enabled by default.
func WithRefreshCoalescing(on bool) Option { return func(m *Manager) { m.coalesce = on } }

// Manager is the only owner of the credential pair.
type Manager struct {
	auth     Authenticator
	hc       api.Doer
	store    tokenstore.Store
	log      *zap.Logger
	metrics  *metrics.Metrics
	coalesce bool
	sf       singleflight.Group

	mu       sync.RWMutex
	creds    model.Credentials
	username string

	hub notify.Hub[State]
}

// New builds a Manager. hc carries authenticated calls (nil means http.DefaultClient);
// store may be nil for a session that is never persisted.
func New(auth Authenticator, hc api.Doer, store tokenstore.Store, opts ...Option) *Manager {
	m := &Manager{auth: auth, hc: hc, store: store, coalesce: true}
	for _, o := range opts {
		o(m)
	}
	if m.hc == nil {
		m.hc = http.DefaultClient
	}
	if m.store == nil {
		m.store = tokenstore.NewMemory()
	}
	if m.log == nil {
		m.log = zap.NewNop()
	}
	return m
}

// Restore loads a previously persisted pair. A missing record is not an error.
func (m *Manager) Restore(ctx context.Context) error {
	rec, err := m.store.Load(ctx)
	if errors.Is(err, errs.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("restore session: %w", err)
	}

	m.mu.Lock()
	m.username = rec.Username
	if rec.HasCredentials() {
		m.creds = model.Credentials{AccessToken: rec.AccessToken, RefreshToken: rec.RefreshToken}
	}
	st := m.stateLocked()
	m.mu.Unlock()

	m.log.Debug("session restored", zap.String("username", st.Username), zap.Bool("logged_in", st.LoggedIn))
	m.hub.Publish(st)
	return nil
}

// Login validates the input locally, then exchanges it for a credential pair.
func (m *Manager) Login(ctx context.Context, username, password string) (model.Credentials, error) {
	username = NormalizeUsername(username)
	if err := checkInput(loginInput{Username: username, Password: password}); err != nil {
		return model.Credentials{}, err
	}
	return m.authenticate(ctx, "login", m.auth.Login, username, password)
}

// Register validates the input locally, creates the account and logs in.
func (m *Manager) Register(ctx context.Context, username, password string) (model.Credentials, error) {
	username = NormalizeUsername(username)
	if err := checkInput(registerInput{Username: username, Password: password}); err != nil {
		return model.Credentials{}, err
	}
	return m.authenticate(ctx, "register", m.auth.Register, username, password)
}

type credentialCall func(ctx context.Context, username, password string) (api.TokenResponse, error)

func (m *Manager) authenticate(ctx context.Context, op string, call credentialCall, username, password string) (model.Credentials, error) {
	resp, err := call(ctx, username, password)
	if err != nil {
		var ae *errs.APIError
		if errors.As(err, &ae) {
			msg := ae.Message
			if msg == "" {
				msg = op + " failed"
			}
			m.log.Info(op+" rejected", zap.String("username", username), zap.Int("status", ae.Status))
			return model.Credentials{}, &errs.AuthError{Message: msg}
		}
		return model.Credentials{}, fmt.Errorf("%s: %w", op, err)
	}
	if resp.AccessToken == "" || resp.RefreshToken == "" {
		return model.Credentials{}, &errs.AuthError{Message: op + " failed: incomplete token pair"}
	}

	name := resp.Username
	if name == "" {
		name = subject(resp.AccessToken)
	}
	if name == "" {
		name = username
	}

	creds := model.Credentials{AccessToken: resp.AccessToken, RefreshToken: resp.RefreshToken}
	m.mu.Lock()
	m.creds = creds
	m.username = name
	st := m.stateLocked()
	m.mu.Unlock()

	m.persist(ctx, tokenstore.Record{AccessToken: creds.AccessToken, RefreshToken: creds.RefreshToken, Username: name})
	m.log.Info(op+" ok", zap.String("username", name))
	m.hub.Publish(st)
	return creds, nil
}

// Logout clears both tokens and the persisted copy. Safe to call repeatedly.
func (m *Manager) Logout(ctx context.Context) error {
	_, err := m.clear(ctx, "")
	return err
}

// clear drops the session. A non-empty rt limits it to the pair holding that
// refresh token; cleared reports whether anything was dropped.
func (m *Manager) clear(ctx context.Context, rt string) (cleared bool, err error) {
	m.mu.Lock()
	if rt != "" && m.creds.RefreshToken != rt {
		m.mu.Unlock()
		return false, nil
	}
	was := !m.creds.Empty()
	m.creds = model.Credentials{}
	st := m.stateLocked()
	m.mu.Unlock()

	err = m.store.Clear(ctx)
	if was {
		m.metrics.Logout()
		m.log.Info("logged out", zap.String("username", st.Username))
		m.hub.Publish(st)
	}
	if err != nil {
		return true, fmt.Errorf("clear session: %w", err)
	}
	return true, nil
}

// Do sends req with the current access token. On 401/403 from a non-credential
// endpoint it refreshes once and retries once with the new token. A failed
// refresh logs the session out and returns *errs.AuthError.
func (m *Manager) Do(req *http.Request) (*http.Response, error) {
	access := m.AccessToken()
	if access == "" {
		return nil, errs.ErrNotLoggedIn
	}
	if err := replayable(req); err != nil {
		return nil, err
	}

	resp, err := m.send(req, access)
	if err != nil {
		return nil, err
	}
	if !authFailure(resp.StatusCode) || api.IsAuthPath(req.URL.Path) {
		return resp, nil
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
	_ = resp.Body.Close()

	m.log.Debug("access token rejected, refreshing",
		zap.String("method", req.Method), zap.String("path", req.URL.Path), zap.Int("status", resp.StatusCode))

	fresh, err := m.refresh(req.Context(), access)
	if err != nil {
		return nil, err
	}
	return m.send(req, fresh)
}

func authFailure(status int) bool {
	return status == http.StatusUnauthorized || status == http.StatusForbidden
}

// replayable makes sure req's body can be sent a second time.
func replayable(req *http.Request) error {
	if req.Body == nil || req.Body == http.NoBody || req.GetBody != nil {
		return nil
	}
	b, err := io.ReadAll(req.Body)
	_ = req.Body.Close()
	if err != nil {
		return fmt.Errorf("buffer request body: %w", err)
	}
	req.GetBody = func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(b)), nil }
	req.Body, _ = req.GetBody()
	return nil
}

func (m *Manager) send(req *http.Request, access string) (*http.Response, error) {
	r := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		r.Body = body
	}
	r.Header.Set("Authorization", "Bearer "+access)
	return m.hc.Do(r)
}

// ForceRefresh runs the refresh sub-protocol regardless of the current token.
func (m *Manager) ForceRefresh(ctx context.Context) error {
	_, err := m.refresh(ctx, m.AccessToken())
	return err
}

func (m *Manager) refresh(ctx context.Context, stale string) (string, error) {
	if !m.coalesce {
		return m.doRefresh(ctx)
	}
	// another caller already replaced the token we failed with
	if cur := m.AccessToken(); cur != "" && cur != stale {
		return cur, nil
	}
	v, err, shared := m.sf.Do("refresh", func() (any, error) { return m.doRefresh(ctx) })
	if shared {
		m.log.Debug("refresh shared")
	}
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (m *Manager) doRefresh(ctx context.Context) (string, error) {
	m.mu.RLock()
	rt := m.creds.RefreshToken
	m.mu.RUnlock()
	if rt == "" {
		return "", &errs.AuthError{Message: "not logged in"}
	}

	tok, err := m.auth.Refresh(ctx, rt)
	if err != nil || tok == "" {
		m.metrics.Refresh(false)
		msg := api.ServerMessage(err)
		if msg == "" {
			msg = "session expired"
		}
		if cleared, _ := m.clear(context.WithoutCancel(ctx), rt); cleared {
			m.log.Warn("refresh failed, logging out", zap.Error(err))
		} else {
			m.log.Debug("stale refresh failed, session already replaced", zap.Error(err))
		}
		return "", &errs.AuthError{Message: msg}
	}

	m.mu.Lock()
	if m.creds.RefreshToken != rt {
		// logged out or replaced while the refresh was in flight
		m.mu.Unlock()
		return "", &errs.AuthError{Message: "session changed during refresh"}
	}
	m.creds.AccessToken = tok
	creds := m.creds
	st := m.stateLocked()
	m.mu.Unlock()

	m.metrics.Refresh(true)
	m.persist(ctx, tokenstore.Record{AccessToken: creds.AccessToken, RefreshToken: creds.RefreshToken, Username: st.Username})
	m.log.Debug("access token refreshed", zap.Time("expires_at", st.ExpiresAt))
	m.hub.Publish(st)
	return tok, nil
}

func (m *Manager) persist(ctx context.Context, rec tokenstore.Record) {
	if err := m.store.Save(context.WithoutCancel(ctx), rec); err != nil {
		m.log.Warn("persist session", zap.Error(err))
	}
}

// OnChange registers fn for State updates.
func (m *Manager) OnChange(fn func(State)) (cancel func()) { return m.hub.Subscribe(fn) }

// State returns the current state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stateLocked()
}

func (m *Manager) stateLocked() State {
	st := State{Username: m.username, LoggedIn: !m.creds.Empty()}
	if st.LoggedIn {
		st.ExpiresAt = expiry(m.creds.AccessToken)
	}
	return st
}

func (m *Manager) AccessToken() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.creds.AccessToken
}

// Username returns the current identity, or the last one used when logged out.
func (m *Manager) Username() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.username
}

func (m *Manager) LoggedIn() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return !m.creds.Empty()
}

// Credentials returns a copy of the current pair.
func (m *Manager) Credentials() model.Credentials {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.creds
}

func claims(token string) jwt.RegisteredClaims {
	var c jwt.RegisteredClaims
	_, _, _ = jwt.NewParser().ParseUnverified(token, &c)
	return c
}

func subject(token string) string { return claims(token).Subject }

func expiry(token string) time.Time {
	if c := claims(token); c.ExpiresAt != nil {
		return c.ExpiresAt.Time
	}
	return time.Time{}
}
