package devserver

import (
	"context"
	"errors"
	"net/http"
	"regexp"

	"github.com/turtlemessenger/turtle/internal/crypto"
	"github.com/turtlemessenger/turtle/internal/errs"
	"github.com/turtlemessenger/turtle/internal/limiter"
)

var usernameRe = regexp.MustCompile(`^[a-z0-9._-]{3,50}$`)

const minPassword = 6

// Tokens is the result of a successful register or login.
type Tokens struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	Username     string `json:"username"`
}

// AuthService registers users, checks credentials and issues tokens.
type AuthService struct {
	store  *Store
	tokens *Issuer
	lim    limiter.Limiter
}

func NewAuthService(store *Store, tokens *Issuer, lim limiter.Limiter) *AuthService {
	return &AuthService{store: store, tokens: tokens, lim: lim}
}

func badRequest(msg string) error { return &errs.APIError{Status: http.StatusBadRequest, Message: msg} }

func unauthorized(msg string) error { return &errs.APIError{Status: http.StatusUnauthorized, Message: msg} }

// Register creates an account and logs it in.
func (s *AuthService) Register(_ context.Context, username, password string) (Tokens, error) {
	name := normalize(username)
	if !usernameRe.MatchString(name) {
		return Tokens{}, badRequest("invalid username; use a-z, 0-9, . _ - (3-50 chars)")
	}
	if len(password) < minPassword {
		return Tokens{}, badRequest("password must be at least 6 characters")
	}
	pwd, err := crypto.HashPassword(password)
	if err != nil {
		return Tokens{}, err
	}
	if err := s.store.createUser(name, pwd); err != nil {
		if errors.Is(err, errs.ErrAlreadyExists) {
			return Tokens{}, badRequest("username already taken")
		}
		return Tokens{}, err
	}
	return s.issue(name)
}

// Login authenticates with rate limiting by (username, ip).
func (s *AuthService) Login(ctx context.Context, username, password, ip string) (Tokens, error) {
	name := normalize(username)
	ipHash := limiter.HashIP(ip)

	allowed, _, err := s.lim.Allow(ctx, name, ipHash)
	if err != nil {
		return Tokens{}, err
	}
	if !allowed {
		return Tokens{}, &errs.APIError{Status: http.StatusTooManyRequests, Message: "too many failed attempts"}
	}

	u, ok := s.store.user(name)
	if !ok || !u.pwd.Verify(password) {
		if blocked, _, ferr := s.lim.Failure(ctx, name, ipHash); ferr == nil && blocked {
			return Tokens{}, &errs.APIError{Status: http.StatusTooManyRequests, Message: "too many failed attempts"}
		}
		// same answer for unknown user and wrong password
		return Tokens{}, unauthorized("invalid credentials")
	}

	_ = s.lim.Success(ctx, name, ipHash)
	return s.issue(u.name)
}

// Refresh mints a new access token. A valid token in the header wins over the body.
func (s *AuthService) Refresh(headerToken, bodyToken string) (string, error) {
	for _, t := range []string{headerToken, bodyToken} {
		if t == "" {
			continue
		}
		if sub, err := s.tokens.Verify(t, kindRefresh); err == nil {
			return s.tokens.Access(sub)
		}
	}
	return "", unauthorized("invalid refresh token")
}

// Authenticate resolves an access token to a known username.
func (s *AuthService) Authenticate(token string) (string, error) {
	sub, err := s.tokens.Verify(token, kindAccess)
	if err != nil {
		return "", err
	}
	if _, ok := s.store.user(sub); !ok {
		return "", errInvalidToken
	}
	return sub, nil
}

func (s *AuthService) issue(name string) (Tokens, error) {
	access, refresh, err := s.tokens.Pair(name)
	if err != nil {
		return Tokens{}, err
	}
	return Tokens{AccessToken: access, RefreshToken: refresh, Username: name}, nil
}
