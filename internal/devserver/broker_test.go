package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/turtlemessenger/turtle/internal/model"
	"github.com/turtlemessenger/turtle/internal/realtime"
	"github.com/turtlemessenger/turtle/internal/realtime/stomp"
)

type brokerFixture struct {
	srv   *Server
	wsURL string
}

func newBrokerFixture(t *testing.T) *brokerFixture {
	t.Helper()
	now := time.UnixMilli(1_700_000_000_000)
	// Session goroutines outlive the test once their socket is hijacked, so no zaptest here.
	srv := New(Options{Logger: zap.NewNop(), Now: func() time.Time { return now }})
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)
	return &brokerFixture{srv: srv, wsURL: "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws"}
}

func (f *brokerFixture) token(t *testing.T, name string) string {
	t.Helper()
	tok, err := f.srv.auth.Register(context.Background(), name, "secret1")
	require.NoError(t, err)
	return tok.AccessToken
}

func (f *brokerFixture) dial(t *testing.T) realtime.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := realtime.WSDialer{}.Dial(ctx, f.wsURL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (f *brokerFixture) login(t *testing.T, name string) realtime.Conn {
	t.Helper()
	conn := f.dial(t)
	require.NoError(t, conn.WriteFrame(stomp.New(stomp.Connect,
		stomp.HdrAcceptVersion, "1.2",
		stomp.HdrAuthorization, "Bearer "+f.token(t, name))))
	reply, err := conn.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, stomp.Connected, reply.Command)
	require.Equal(t, name, reply.Value("user-name"))
	return conn
}

func subscribe(t *testing.T, conn realtime.Conn, id, dest string) {
	t.Helper()
	require.NoError(t, conn.WriteFrame(stomp.New(stomp.Subscribe,
		stomp.HdrID, id, stomp.HdrDestination, dest, stomp.HdrReceipt, "r-"+id)))
	reply, err := conn.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, stomp.Receipt, reply.Command)
	require.Equal(t, "r-"+id, reply.Value(stomp.HdrReceiptID))
}

func TestBroker_RejectsBadConnect(t *testing.T) {
	f := newBrokerFixture(t)

	cases := []struct {
		name string
		auth string
		want string
	}{
		{"no token", "", "missing token"},
		{"bad token", "Bearer nope", "invalid token"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			conn := f.dial(t)
			frame := stomp.New(stomp.Connect, stomp.HdrAcceptVersion, "1.2")
			if c.auth != "" {
				frame.Set(stomp.HdrAuthorization, c.auth)
			}
			require.NoError(t, conn.WriteFrame(frame))

			reply, err := conn.ReadFrame()
			require.NoError(t, err)
			require.Equal(t, stomp.Error, reply.Command)
			require.Equal(t, c.want, reply.Value(stomp.HdrMessage))

			_, err = conn.ReadFrame()
			require.Error(t, err, "broker closes the socket after ERROR")
		})
	}
}

func TestBroker_SendIsStampedStoredAndFannedOut(t *testing.T) {
	req := require.New(t)
	f := newBrokerFixture(t)

	alice := f.login(t, "alice")
	bob := f.login(t, "bob")
	subscribe(t, alice, "sub-0", "/topic/rooms.1")
	subscribe(t, bob, "sub-7", "/topic/rooms.1")
	req.Equal(2, f.srv.Broker().Sessions())

	send := stomp.New(stomp.Send, stomp.HdrDestination, "/app/rooms.1.send", stomp.HdrContentType, "application/json")
	send.Body = []byte(`{"senderId":"mallory","content":"hi"}`)
	req.NoError(alice.WriteFrame(send))

	want := model.Message{RoomID: 1, SenderID: "alice", Content: "hi", TS: 1_700_000_000_000}
	for conn, sub := range map[realtime.Conn]string{alice: "sub-0", bob: "sub-7"} {
		got, err := conn.ReadFrame()
		req.NoError(err)
		req.Equal(stomp.Message, got.Command)
		req.Equal("/topic/rooms.1", got.Value(stomp.HdrDestination))
		req.Equal(sub, got.Value(stomp.HdrSubscription))
		req.NotEmpty(got.Value(stomp.HdrMessageID))

		var m model.Message
		req.NoError(json.Unmarshal(got.Body, &m))
		req.Equal(want, m)
	}
	req.Equal([]model.Message{want}, f.srv.store.History(1, 10, 0))
}

func TestBroker_OtherRoomsAreNotDelivered(t *testing.T) {
	req := require.New(t)
	f := newBrokerFixture(t)

	alice := f.login(t, "alice")
	subscribe(t, alice, "sub-0", "/topic/rooms.2")

	f.srv.Broker().Publish(model.Message{RoomID: 1, SenderID: "bob", Content: "elsewhere", TS: 1})
	f.srv.Broker().Publish(model.Message{RoomID: 2, SenderID: "bob", Content: "here", TS: 2})

	got, err := alice.ReadFrame()
	req.NoError(err)
	var m model.Message
	req.NoError(json.Unmarshal(got.Body, &m))
	req.Equal("here", m.Content)
}

func TestBroker_UnsubscribeStopsDelivery(t *testing.T) {
	req := require.New(t)
	f := newBrokerFixture(t)

	alice := f.login(t, "alice")
	subscribe(t, alice, "sub-0", "/topic/rooms.1")
	subscribe(t, alice, "sub-1", "/topic/rooms.2")
	req.NoError(alice.WriteFrame(stomp.New(stomp.Unsubscribe, stomp.HdrID, "sub-0", stomp.HdrReceipt, "u")))
	reply, err := alice.ReadFrame()
	req.NoError(err)
	req.Equal(stomp.Receipt, reply.Command)

	f.srv.Broker().Publish(model.Message{RoomID: 1, Content: "gone", TS: 1})
	f.srv.Broker().Publish(model.Message{RoomID: 2, Content: "kept", TS: 2})

	got, err := alice.ReadFrame()
	req.NoError(err)
	req.Equal("sub-1", got.Value(stomp.HdrSubscription))
}

func TestBroker_ProtocolErrors(t *testing.T) {
	f := newBrokerFixture(t)

	cases := []struct {
		name  string
		frame stomp.Frame
		want  string
	}{
		{"bad subscription", stomp.New(stomp.Subscribe, stomp.HdrID, "s", stomp.HdrDestination, "/queue/x"), "bad subscription"},
		{"unknown destination", stomp.New(stomp.Send, stomp.HdrDestination, "/app/rooms.x.send"), `unknown destination "/app/rooms.x.send"`},
		{"unsupported", stomp.New("ACK", stomp.HdrID, "1"), "unsupported command ACK"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			conn := f.login(t, "u-"+strings.ReplaceAll(c.name, " ", "-"))
			require.NoError(t, conn.WriteFrame(c.frame))
			reply, err := conn.ReadFrame()
			require.NoError(t, err)
			require.Equal(t, stomp.Error, reply.Command)
			require.Equal(t, c.want, reply.Value(stomp.HdrMessage))
		})
	}
}

func TestBroker_DisconnectDetachesSession(t *testing.T) {
	f := newBrokerFixture(t)
	conn := f.login(t, "alice")
	require.NoError(t, conn.WriteFrame(stomp.New(stomp.Disconnect, stomp.HdrReceipt, "bye")))
	reply, err := conn.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, "bye", reply.Value(stomp.HdrReceiptID))
	require.Eventually(t, func() bool { return f.srv.Broker().Sessions() == 0 }, 2*time.Second, 10*time.Millisecond)
}

// recordConn collects written frames.
type recordConn struct {
	mu     sync.Mutex
	frames []stomp.Frame
}

func (c *recordConn) ReadFrame() (stomp.Frame, error) { return stomp.Frame{}, errors.New("not readable") }
func (c *recordConn) Close() error                     { return nil }

func (c *recordConn) WriteFrame(f stomp.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, f)
	return nil
}

func (c *recordConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

// stuckConn blocks every write until release is closed.
type stuckConn struct{ release chan struct{} }

func (c *stuckConn) ReadFrame() (stomp.Frame, error) { return stomp.Frame{}, errors.New("not readable") }
func (c *stuckConn) Close() error                     { return nil }

func (c *stuckConn) WriteFrame(stomp.Frame) error {
	<-c.release
	return errors.New("write timed out")
}

func TestBroker_StuckSubscriberDoesNotBlockFanOut(t *testing.T) {
	b := NewBroker(nil, nil, zap.NewNop(), nil)
	dest := topicPrefix + "1"

	stuck := &stuckConn{release: make(chan struct{})}
	t.Cleanup(func() { close(stuck.release) })
	slow := newSession(stuck)
	slow.subs["a"] = dest
	b.attach(slow)

	fast := &recordConn{}
	quick := newSession(fast)
	quick.subs["b"] = dest
	b.attach(quick)
	t.Cleanup(quick.stop)

	for i := 0; i < sessionQueue+10; i++ {
		published := make(chan struct{})
		go func() {
			b.Publish(model.Message{RoomID: 1, SenderID: "bob", Content: strconv.Itoa(i), TS: int64(i + 1)})
			close(published)
		}()
		select {
		case <-published:
		case <-time.After(time.Second):
			t.Fatalf("publish %d blocked behind a stuck subscriber", i)
		}
		require.Eventually(t, func() bool { return fast.count() == i+1 }, time.Second, time.Millisecond)
	}

	// the stuck session was dropped, the other kept every message in order
	select {
	case <-slow.done:
	default:
		t.Fatal("stuck session was not dropped")
	}
	fast.mu.Lock()
	defer fast.mu.Unlock()
	for i, f := range fast.frames {
		var m model.Message
		require.NoError(t, json.Unmarshal(f.Body, &m))
		require.Equal(t, strconv.Itoa(i), m.Content)
		require.Equal(t, "b", f.Value(stomp.HdrSubscription))
	}
}

func TestSendRoom(t *testing.T) {
	t.Parallel()
	for dest, want := range map[string]int64{"/app/rooms.12.send": 12, "/app/rooms.0.send": 0} {
		if got, ok := sendRoom(dest); !ok || got != want {
			t.Fatalf("sendRoom(%q) = %d, %v", dest, got, ok)
		}
	}
	for _, dest := range []string{"/app/rooms.send", "/topic/rooms.1", "/app/rooms.1"} {
		if _, ok := sendRoom(dest); ok {
			t.Fatalf("sendRoom(%q) accepted", dest)
		}
	}
}
