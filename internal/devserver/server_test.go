package devserver

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/turtlemessenger/turtle/internal/model"
)

type testServer struct {
	t   *testing.T
	url string
	srv *Server
}

func newTestServer(t *testing.T, opts Options) *testServer {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = zaptest.NewLogger(t)
	}
	srv := New(opts)
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)
	return &testServer{t: t, url: hs.URL, srv: srv}
}

func (ts *testServer) call(method, path, token string, body any) (int, []byte) {
	ts.t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(ts.t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, ts.url+path, rd)
	require.NoError(ts.t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(ts.t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(ts.t, err)
	return resp.StatusCode, out
}

func (ts *testServer) register(name string) Tokens {
	ts.t.Helper()
	status, body := ts.call(http.MethodPost, "/api/auth/register", "", credentialsBody{Username: name, Password: "secret1"})
	require.Equal(ts.t, http.StatusOK, status, string(body))
	var tok Tokens
	require.NoError(ts.t, json.Unmarshal(body, &tok))
	return tok
}

func errorOf(t *testing.T, body []byte) string {
	t.Helper()
	var e errorBody
	require.NoError(t, json.Unmarshal(body, &e))
	return e.Error
}

func TestServer_AuthEndpoints(t *testing.T) {
	req := require.New(t)
	ts := newTestServer(t, Options{})

	tok := ts.register("Alice")
	req.Equal("alice", tok.Username)

	status, body := ts.call(http.MethodPost, "/api/auth/register", "", credentialsBody{Username: "alice", Password: "secret1"})
	req.Equal(http.StatusBadRequest, status)
	req.Equal("username already taken", errorOf(t, body))

	status, body = ts.call(http.MethodPost, "/api/auth/login", "", credentialsBody{Username: "alice", Password: "nope"})
	req.Equal(http.StatusUnauthorized, status)
	req.Equal("invalid credentials", errorOf(t, body))

	status, _ = ts.call(http.MethodPost, "/api/auth/login", "", credentialsBody{Username: "alice", Password: "secret1"})
	req.Equal(http.StatusOK, status)

	status, body = ts.call(http.MethodGet, "/api/auth/me", tok.AccessToken, nil)
	req.Equal(http.StatusOK, status)
	req.JSONEq(`{"username":"alice"}`, string(body))

	status, _ = ts.call(http.MethodGet, "/api/auth/me", "", nil)
	req.Equal(http.StatusUnauthorized, status)

	status, body = ts.call(http.MethodPost, "/api/auth/refresh", "", map[string]string{"refreshToken": tok.RefreshToken})
	req.Equal(http.StatusOK, status)
	var refreshed map[string]string
	req.NoError(json.Unmarshal(body, &refreshed))
	req.NotEmpty(refreshed["accessToken"])
	req.NotContains(refreshed, "refreshToken")

	status, body = ts.call(http.MethodPost, "/api/auth/refresh", "bogus", nil)
	req.Equal(http.StatusUnauthorized, status)
	req.Equal("invalid refresh token", errorOf(t, body))
}

func TestServer_History(t *testing.T) {
	req := require.New(t)
	ts := newTestServer(t, Options{})
	tok := ts.register("alice")

	for _, m := range []model.Message{{Content: "one", TS: 100}, {Content: "two", TS: 200}} {
		status, _ := ts.call(http.MethodPost, "/api/rooms/1/messages", tok.AccessToken, m)
		req.Equal(http.StatusAccepted, status)
	}

	status, body := ts.call(http.MethodGet, "/api/rooms/1/messages?size=50", tok.AccessToken, nil)
	req.Equal(http.StatusOK, status)
	var got []model.Message
	req.NoError(json.Unmarshal(body, &got))
	req.Equal([]model.Message{
		{RoomID: 1, SenderID: "alice", Content: "one", TS: 100},
		{RoomID: 1, SenderID: "alice", Content: "two", TS: 200},
	}, got)

	status, body = ts.call(http.MethodGet, "/api/rooms/1/messages?size=1&before=200", tok.AccessToken, nil)
	req.Equal(http.StatusOK, status)
	req.NoError(json.Unmarshal(body, &got))
	req.Len(got, 1)
	req.Equal("one", got[0].Content)

	status, body = ts.call(http.MethodGet, "/api/rooms/9/messages", tok.AccessToken, nil)
	req.Equal(http.StatusOK, status)
	req.JSONEq(`[]`, string(body))

	status, _ = ts.call(http.MethodGet, "/api/rooms/x/messages", tok.AccessToken, nil)
	req.Equal(http.StatusBadRequest, status)

	status, _ = ts.call(http.MethodGet, "/api/rooms/1/messages", tok.RefreshToken, nil)
	req.Equal(http.StatusUnauthorized, status, "refresh token is not an access token")
}

func TestServer_ContactsFlow(t *testing.T) {
	req := require.New(t)
	ts := newTestServer(t, Options{})
	alice := ts.register("alice")
	bob := ts.register("bob")

	status, body := ts.call(http.MethodPost, "/api/contacts", alice.AccessToken, userBody{User: "bob"})
	req.Equal(http.StatusOK, status)
	var c model.Contact
	req.NoError(json.Unmarshal(body, &c))
	req.Equal(model.StatusPending, c.Status)

	status, body = ts.call(http.MethodGet, "/api/contacts/requests", bob.AccessToken, nil)
	req.Equal(http.StatusOK, status)
	var list []model.Contact
	req.NoError(json.Unmarshal(body, &list))
	req.Equal([]string{"alice"}, usernames(list))

	status, _ = ts.call(http.MethodPost, "/api/contacts/accept", bob.AccessToken, userBody{User: "alice"})
	req.Equal(http.StatusOK, status)

	status, body = ts.call(http.MethodGet, "/api/contacts", alice.AccessToken, nil)
	req.Equal(http.StatusOK, status)
	req.NoError(json.Unmarshal(body, &list))
	req.Equal([]string{"bob"}, usernames(list))

	status, body = ts.call(http.MethodPost, "/api/contacts", alice.AccessToken, userBody{User: "alice"})
	req.Equal(http.StatusBadRequest, status)
	req.Equal("cannot add yourself", errorOf(t, body))

	status, _ = ts.call(http.MethodDelete, "/api/contacts?user=bob", alice.AccessToken, nil)
	req.Equal(http.StatusNoContent, status)
	status, _ = ts.call(http.MethodDelete, "/api/contacts", alice.AccessToken, nil)
	req.Equal(http.StatusBadRequest, status)

	status, body = ts.call(http.MethodGet, "/api/contacts", bob.AccessToken, nil)
	req.Equal(http.StatusOK, status)
	req.JSONEq(`[]`, string(body))
}

func TestServer_RateLimit(t *testing.T) {
	ts := newTestServer(t, Options{RPS: 0.001, Burst: 2})
	for i := 0; i < 2; i++ {
		status, _ := ts.call(http.MethodGet, "/healthz", "", nil)
		require.Equal(t, http.StatusOK, status)
	}
	status, _ := ts.call(http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusTooManyRequests, status)
}

func TestRecover_CatchesPanic(t *testing.T) {
	h := Recover(zaptest.NewLogger(t))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("oh no")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.JSONEq(t, `{"error":"internal_error"}`, rec.Body.String())
}

func TestLogging_RecordsStatus(t *testing.T) {
	h := Logging(zaptest.NewLogger(t))(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusTeapot, rec.Code)
}
