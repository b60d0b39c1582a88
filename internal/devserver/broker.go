package devserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/turtlemessenger/turtle/internal/model"
	"github.com/turtlemessenger/turtle/internal/realtime"
	"github.com/turtlemessenger/turtle/internal/realtime/stomp"
)

const (
	topicPrefix = "/topic/rooms."
	appPrefix   = "/app/rooms."
	sendSuffix  = ".send"

	// sessionQueue is how many frames a session may lag behind before it is dropped.
	sessionQueue = 64
)

type stompSession struct {
	id   string
	user string
	conn realtime.Conn

	out     chan stomp.Frame
	done    chan struct{}
	stopped sync.Once
	flushed chan struct{}

	mu   sync.Mutex
	subs map[string]string // subscription id -> destination
}

func newSession(conn realtime.Conn) *stompSession {
	s := &stompSession{
		id:      uuid.Must(uuid.NewV4()).String(),
		conn:    conn,
		out:     make(chan stomp.Frame, sessionQueue),
		done:    make(chan struct{}),
		flushed: make(chan struct{}),
		subs:    make(map[string]string),
	}
	go s.writeLoop()
	return s
}

// send queues f. It reports false when the session is closing or its queue is full.
func (s *stompSession) send(f stomp.Frame) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.out <- f:
		return true
	default:
		return false
	}
}

func (s *stompSession) stop() { s.stopped.Do(func() { close(s.done) }) }

// writeLoop owns every write to conn. After stop it flushes the queue and closes conn.
func (s *stompSession) writeLoop() {
	defer close(s.flushed)
	defer func() { _ = s.conn.Close() }()

	broken := false
	write := func(f stomp.Frame) {
		if broken {
			return
		}
		if err := s.conn.WriteFrame(f); err != nil {
			broken = true
			// unblocks the reader so the session ends
			_ = s.conn.Close()
		}
	}
	for {
		select {
		case f := <-s.out:
			write(f)
		case <-s.done:
			for {
				select {
				case f := <-s.out:
					write(f)
				default:
					return
				}
			}
		}
	}
}

// Broker is a minimal STOMP 1.2 broker for room topics. CONNECT must carry a
// valid access token; SEND to /app/rooms.{id}.send is stamped, stored and
// fanned out to /topic/rooms.{id}.
type Broker struct {
	auth  *AuthService
	store *Store
	log   *zap.Logger
	now   func() time.Time

	upgrader websocket.Upgrader

	mu       sync.RWMutex
	sessions map[*stompSession]struct{}
}

func NewBroker(auth *AuthService, store *Store, log *zap.Logger, now func() time.Time) *Broker {
	if now == nil {
		now = time.Now
	}
	return &Broker{
		auth:  auth,
		store: store,
		log:   log,
		now:   now,
		upgrader: websocket.Upgrader{
			Subprotocols: []string{realtime.Subprotocol},
			CheckOrigin:  func(*http.Request) bool { return true },
		},
		sessions: make(map[*stompSession]struct{}),
	}
}

func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Debug("ws upgrade failed", zap.Error(err))
		return
	}
	sess := newSession(realtime.NewWSConn(c))
	defer func() {
		b.detach(sess)
		sess.stop()
		<-sess.flushed
	}()
	if err := b.connect(sess); err != nil {
		b.log.Debug("stomp connect rejected", zap.Error(err))
		return
	}
	b.attach(sess)
	b.serve(sess)
}

func (b *Broker) connect(sess *stompSession) error {
	f, err := sess.conn.ReadFrame()
	if err != nil {
		return err
	}
	if f.Command != stomp.Connect && f.Command != stomp.StompCmd {
		sess.send(stomp.New(stomp.Error, stomp.HdrMessage, "expected CONNECT"))
		return fmt.Errorf("unexpected %s", f.Command)
	}
	tok, ok := bearerValue(f.Value(stomp.HdrAuthorization))
	if !ok {
		sess.send(stomp.New(stomp.Error, stomp.HdrMessage, "missing token"))
		return errInvalidToken
	}
	name, err := b.auth.Authenticate(tok)
	if err != nil {
		sess.send(stomp.New(stomp.Error, stomp.HdrMessage, "invalid token"))
		return err
	}
	sess.user = name
	sess.send(stomp.New(stomp.Connected,
		stomp.HdrVersion, "1.2",
		stomp.HdrHeartBeat, "0,0",
		"user-name", name))
	return nil
}

func (b *Broker) serve(sess *stompSession) {
	log := b.log.With(zap.String("session", sess.id), zap.String("user", sess.user))
	for {
		f, err := sess.conn.ReadFrame()
		if err != nil {
			log.Debug("stomp session closed", zap.Error(err))
			return
		}
		switch f.Command {
		case stomp.Subscribe:
			id, dest := f.Value(stomp.HdrID), f.Value(stomp.HdrDestination)
			if id == "" || !strings.HasPrefix(dest, topicPrefix) {
				b.fail(sess, "bad subscription")
				return
			}
			sess.mu.Lock()
			sess.subs[id] = dest
			sess.mu.Unlock()
		case stomp.Unsubscribe:
			sess.mu.Lock()
			delete(sess.subs, f.Value(stomp.HdrID))
			sess.mu.Unlock()
		case stomp.Send:
			if err := b.onSend(sess.user, f); err != nil {
				b.fail(sess, err.Error())
				return
			}
		case stomp.Disconnect:
			b.receipt(sess, f)
			return
		default:
			b.fail(sess, "unsupported command "+f.Command)
			return
		}
		b.receipt(sess, f)
	}
}

func (b *Broker) onSend(sender string, f stomp.Frame) error {
	roomID, ok := sendRoom(f.Value(stomp.HdrDestination))
	if !ok {
		return fmt.Errorf("unknown destination %q", f.Value(stomp.HdrDestination))
	}
	var m model.Message
	if err := json.Unmarshal(f.Body, &m); err != nil {
		return errors.New("bad message body")
	}
	if m.TS == 0 {
		m.TS = b.now().UnixMilli()
	}
	m.RoomID = roomID
	m.SenderID = sender
	b.store.Append(roomID, m)
	b.Publish(m)
	return nil
}

// Publish fans m out to every subscriber of its room topic. It never blocks on
// a subscriber; one that falls sessionQueue frames behind is disconnected.
func (b *Broker) Publish(m model.Message) {
	dest := fmt.Sprintf("%s%d", topicPrefix, m.RoomID)
	body, err := json.Marshal(m)
	if err != nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sess := range b.sessions {
		sess.mu.Lock()
		var subIDs []string
		for id, d := range sess.subs {
			if d == dest {
				subIDs = append(subIDs, id)
			}
		}
		sess.mu.Unlock()
		for _, id := range subIDs {
			out := stomp.New(stomp.Message,
				stomp.HdrDestination, dest,
				stomp.HdrSubscription, id,
				stomp.HdrMessageID, uuid.Must(uuid.NewV4()).String(),
				stomp.HdrContentType, "application/json")
			out.Body = body
			if !sess.send(out) {
				b.log.Debug("dropping slow session", zap.String("session", sess.id))
				sess.stop()
				break
			}
		}
	}
}

func (b *Broker) receipt(sess *stompSession, f stomp.Frame) {
	if id := f.Value(stomp.HdrReceipt); id != "" {
		sess.send(stomp.New(stomp.Receipt, stomp.HdrReceiptID, id))
	}
}

func (b *Broker) fail(sess *stompSession, msg string) {
	sess.send(stomp.New(stomp.Error, stomp.HdrMessage, msg))
}

func (b *Broker) attach(sess *stompSession) {
	b.mu.Lock()
	b.sessions[sess] = struct{}{}
	b.mu.Unlock()
}

func (b *Broker) detach(sess *stompSession) {
	b.mu.Lock()
	delete(b.sessions, sess)
	b.mu.Unlock()
}

// Sessions returns the number of connected STOMP sessions.
func (b *Broker) Sessions() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sessions)
}

func sendRoom(dest string) (int64, bool) {
	rest, ok := strings.CutPrefix(dest, appPrefix)
	if !ok {
		return 0, false
	}
	rest, ok = strings.CutSuffix(rest, sendSuffix)
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	return id, err == nil
}
