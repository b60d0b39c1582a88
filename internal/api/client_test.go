package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/turtlemessenger/turtle/internal/errs"
	"github.com/turtlemessenger/turtle/internal/model"
)

func TestClient_History(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/rooms/1/messages", r.URL.Path)
		require.Equal(t, "50", r.URL.Query().Get("size"))
		require.Equal(t, "1000", r.URL.Query().Get("before"))
		_ = json.NewEncoder(w).Encode([]model.Message{
			{RoomID: 1, SenderID: "alice", Content: "hi", TS: 10},
			{RoomID: 1, SenderID: "bob", Content: "yo", TS: 20},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", srv.Client())
	msgs, err := c.History(context.Background(), 1, 50, 1000)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "bob", msgs[1].SenderID)
}

func TestClient_ContactMutations(t *testing.T) {
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost:
			var body contactRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			seen = append(seen, r.Method+" "+r.URL.Path+" "+body.User)
			_ = json.NewEncoder(w).Encode(model.Contact{ID: 2, Username: body.User, Status: model.StatusPending})
		case r.Method == http.MethodDelete:
			seen = append(seen, r.Method+" "+r.URL.Path+" "+r.URL.Query().Get("user"))
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, srv.Client())
	ctx := context.Background()
	require.NoError(t, c.AddContact(ctx, "bob"))
	require.NoError(t, c.AcceptContact(ctx, "carol"))
	require.NoError(t, c.RemoveContact(ctx, "dave.x"))

	require.Equal(t, []string{
		"POST /api/contacts bob",
		"POST /api/contacts/accept carol",
		"DELETE /api/contacts dave.x",
	}, seen)
}

func TestClient_ErrorPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":"cannot add yourself"}`)
	}))
	defer srv.Close()

	err := NewClient(srv.URL, srv.Client()).AddContact(context.Background(), "me")
	var ae *errs.APIError
	require.ErrorAs(t, err, &ae)
	require.Equal(t, http.StatusBadRequest, ae.Status)
	require.Equal(t, "cannot add yourself", ae.Message)
	require.Equal(t, "cannot add yourself", ServerMessage(err))
}

func TestErrorMessage(t *testing.T) {
	require.Equal(t, "internal_error", errorMessage([]byte(`{"error":"internal_error","message":"boom"}`)))
	require.Equal(t, "boom", errorMessage([]byte(`{"message":"boom"}`)))
	require.Equal(t, "plain text", errorMessage([]byte("plain text\n")))
	require.Equal(t, "", errorMessage([]byte(`{}`)))
}

func TestIsAuthPath(t *testing.T) {
	require.True(t, IsAuthPath("/api/auth/login"))
	require.True(t, IsAuthPath("/prefix/api/auth/refresh/"))
	require.False(t, IsAuthPath("/api/auth/me"))
	require.False(t, IsAuthPath("/api/contacts"))
}
