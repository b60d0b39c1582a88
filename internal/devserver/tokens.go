package devserver

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"
)

const (
	kindAccess  = "access"
	kindRefresh = "refresh"
)

var errInvalidToken = errors.New("invalid token")

type tokenClaims struct {
	Kind string `json:"typ"`
	jwt.RegisteredClaims
}

// Issuer signs and verifies HS256 access and refresh tokens. The subject is the username.
type Issuer struct {
	key        []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

func NewIssuer(key []byte, accessTTL, refreshTTL time.Duration, now func() time.Time) *Issuer {
	if now == nil {
		now = time.Now
	}
	return &Issuer{key: key, accessTTL: accessTTL, refreshTTL: refreshTTL, now: now}
}

// Pair issues a fresh access and refresh token for username.
func (i *Issuer) Pair(username string) (access, refresh string, err error) {
	if access, err = i.Access(username); err != nil {
		return "", "", err
	}
	if refresh, err = i.issue(username, kindRefresh, i.refreshTTL); err != nil {
		return "", "", err
	}
	return access, refresh, nil
}

func (i *Issuer) Access(username string) (string, error) {
	return i.issue(username, kindAccess, i.accessTTL)
}

func (i *Issuer) issue(username, kind string, ttl time.Duration) (string, error) {
	now := i.now()
	claims := tokenClaims{
		Kind: kind,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.Must(uuid.NewV4()).String(),
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.key)
}

// Verify checks signature, expiry and kind and returns the subject.
func (i *Issuer) Verify(token, kind string) (string, error) {
	var claims tokenClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return i.key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(i.now), jwt.WithExpirationRequired())
	if err != nil || !parsed.Valid {
		return "", errInvalidToken
	}
	if claims.Kind != kind || claims.Subject == "" {
		return "", errInvalidToken
	}
	return claims.Subject, nil
}

func bearerToken(h http.Header) (string, bool) {
	return bearerValue(h.Get("Authorization"))
}

func bearerValue(v string) (string, bool) {
	v = strings.TrimSpace(v)
	if len(v) < 7 || !strings.EqualFold(v[:7], "bearer ") {
		return "", false
	}
	t := strings.TrimSpace(v[7:])
	return t, t != ""
}
