package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/turtlemessenger/turtle/internal/errs"
)

func TestAuthClient_Login(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, PathLogin, r.URL.Path)
		var body credentialsRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if body.Password != "secret1" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"invalid credentials"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(TokenResponse{AccessToken: "a1", RefreshToken: "r1", Username: body.Username})
	}))
	defer srv.Close()

	c := NewAuthClient(srv.URL, srv.Client())
	tr, err := c.Login(context.Background(), "alice", "secret1")
	require.NoError(t, err)
	require.Equal(t, TokenResponse{AccessToken: "a1", RefreshToken: "r1", Username: "alice"}, tr)

	_, err = c.Login(context.Background(), "alice", "nope")
	require.ErrorIs(t, err, errs.ErrUnauthorized)
	require.Equal(t, "invalid credentials", ServerMessage(err))
}

func TestAuthClient_RefreshSendsTokenInHeaderAndBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer r1", r.Header.Get("Authorization"))
		var body refreshRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "r1", body.RefreshToken)
		_ = json.NewEncoder(w).Encode(refreshResponse{AccessToken: "a2"})
	}))
	defer srv.Close()

	tok, err := NewAuthClient(srv.URL, nil).Refresh(context.Background(), "r1")
	require.NoError(t, err)
	require.Equal(t, "a2", tok)
}
