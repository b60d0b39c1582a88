package api

import (
	"context"
	"net/http"
	"strings"
)

// AuthClient calls the unauthenticated auth endpoints.
type AuthClient struct {
	base string
	hc   Doer
}

// NewAuthClient returns an auth client for the service at base (e.g. http://localhost:8080).
func NewAuthClient(base string, hc Doer) *AuthClient {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &AuthClient{base: strings.TrimRight(base, "/"), hc: hc}
}

// Login exchanges credentials for a token pair.
func (c *AuthClient) Login(ctx context.Context, username, password string) (TokenResponse, error) {
	return c.credentials(ctx, PathLogin, username, password)
}

// Register creates an account and returns its first token pair.
func (c *AuthClient) Register(ctx context.Context, username, password string) (TokenResponse, error) {
	return c.credentials(ctx, PathRegister, username, password)
}

func (c *AuthClient) credentials(ctx context.Context, path, username, password string) (TokenResponse, error) {
	req, err := newJSONRequest(ctx, http.MethodPost, c.base+path, credentialsRequest{Username: username, Password: password})
	if err != nil {
		return TokenResponse{}, err
	}
	var out TokenResponse
	if err := do(c.hc, req, &out); err != nil {
		return TokenResponse{}, err
	}
	return out, nil
}

// Refresh obtains a new access token. The refresh token is sent both as bearer and in the body.
func (c *AuthClient) Refresh(ctx context.Context, refreshToken string) (string, error) {
	req, err := newJSONRequest(ctx, http.MethodPost, c.base+PathRefresh, refreshRequest{RefreshToken: refreshToken})
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+refreshToken)
	var out refreshResponse
	if err := do(c.hc, req, &out); err != nil {
		return "", err
	}
	return out.AccessToken, nil
}
