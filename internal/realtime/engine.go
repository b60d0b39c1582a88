// Package realtime keeps a room timeline in sync over a STOMP/WebSocket
// subscription, backfilled from REST history after every (re)connect.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/turtlemessenger/turtle/internal/errs"
	"github.com/turtlemessenger/turtle/internal/metrics"
	"github.com/turtlemessenger/turtle/internal/model"
	"github.com/turtlemessenger/turtle/internal/notify"
	"github.com/turtlemessenger/turtle/internal/realtime/stomp"
)

const (
	DefaultHistorySize    = 50
	DefaultReconnectDelay = 2 * time.Second
)

// HistoryFetcher returns a page of room history in ascending ts order.
//
//go:generate mockgen -destination=../mocks/mock_history.go -package=mocks github.com/turtlemessenger/turtle/internal/realtime HistoryFetcher
type HistoryFetcher interface {
	History(ctx context.Context, roomID int64, size int, before int64) ([]model.Message, error)
}

// Identity supplies the bearer token for CONNECT and the sender id for SEND.
type Identity interface {
	AccessToken() string
	Username() string
}

// refresher is implemented by identities that can renew a rejected token.
type refresher interface {
	ForceRefresh(ctx context.Context) error
}

// Config of one room subscription.
type Config struct {
	URL              string // ws(s)://host/ws
	RoomID           int64
	HistorySize      int
	ReconnectDelay   time.Duration
	SubscribeReceipt bool // wait for the broker RECEIPT before backfilling
}

func (c Config) topic() string       { return fmt.Sprintf("/topic/rooms.%d", c.RoomID) }
func (c Config) destination() string { return fmt.Sprintf("/app/rooms.%d.send", c.RoomID) }

// Snapshot is a copy of the engine's observable state.
type Snapshot struct {
	State      model.ConnState
	Subscribed bool
	Messages   []model.Message
}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(l *zap.Logger) Option { return func(e *Engine) { e.log = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(e *Engine) { e.metrics = m } }

// WithClock overrides the time source used to stamp outgoing messages.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

type sendReq struct {
	frame stomp.Frame
	err   chan error
}

type backfillResult struct {
	gen  uint64
	msgs []model.Message
	err  error
}

// Engine owns the connection state and the timeline of one room.
type Engine struct {
	cfg     Config
	dialer  Dialer
	history HistoryFetcher
	id      Identity
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	// gen identifies the connection whose backfill may still be applied.
	gen atomic.Uint64

	mu         sync.Mutex
	state      model.ConnState
	subscribed bool
	tl         *timeline
	outbox     chan sendReq
	connDone   chan struct{}

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	hub notify.Hub[Snapshot]
}

// New builds an inactive engine.
func New(cfg Config, d Dialer, h HistoryFetcher, id Identity, opts ...Option) *Engine {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultHistorySize
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if d == nil {
		d = WSDialer{}
	}
	e := &Engine{cfg: cfg, dialer: d, history: h, id: id, tl: newTimeline(), now: time.Now}
	for _, o := range opts {
		o(e)
	}
	if e.log == nil {
		e.log = zap.NewNop()
	}
	e.log = e.log.With(zap.Int64("room", cfg.RoomID))
	return e
}

// Start activates the engine. A running activation is stopped first and the
// timeline is reset; it then persists across reconnects until the next Start.
func (e *Engine) Start(ctx context.Context) {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	e.stopLocked()

	e.mu.Lock()
	e.tl = newTimeline()
	e.mu.Unlock()

	actx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	e.cancel, e.done = cancel, done
	go func() {
		defer close(done)
		e.run(actx)
	}()
}

// Stop tears the activation down and waits for it. Safe to call when inactive.
func (e *Engine) Stop() {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	e.stopLocked()
}

func (e *Engine) stopLocked() {
	if e.cancel == nil {
		return
	}
	e.cancel()
	<-e.done
	e.cancel, e.done = nil, nil
	// results of a fetch still in flight belong to no connection now
	e.gen.Add(1)
}

// Snapshot returns the current state and a copy of the timeline.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *Engine) snapshotLocked() Snapshot {
	return Snapshot{State: e.state, Subscribed: e.subscribed, Messages: e.tl.snapshot()}
}

// OnChange registers fn for snapshots. fn runs on the engine goroutine and must not block.
func (e *Engine) OnChange(fn func(Snapshot)) (cancel func()) { return e.hub.Subscribe(fn) }

// Send publishes text to the room. It does nothing unless the subscription is
// active and text is non-blank. The message is not appended locally; it comes
// back through the topic.
func (e *Engine) Send(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	e.mu.Lock()
	out, done, ok := e.outbox, e.connDone, e.subscribed
	e.mu.Unlock()
	if !ok || out == nil {
		e.log.Debug("send skipped: not subscribed")
		return nil
	}

	body, err := json.Marshal(model.Message{
		RoomID:   e.cfg.RoomID,
		SenderID: e.id.Username(),
		Content:  text,
		TS:       e.now().UnixMilli(),
	})
	if err != nil {
		return err
	}
	f := stomp.New(stomp.Send,
		stomp.HdrDestination, e.cfg.destination(),
		stomp.HdrContentType, "application/json")
	f.Body = body

	req := sendReq{frame: f, err: make(chan error, 1)}
	select {
	case out <- req:
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.err:
		if err != nil {
			return fmt.Errorf("%w: %v", errs.ErrTransport, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) run(ctx context.Context) {
	defer e.setState(model.Disconnected)
	for {
		err := e.connect(ctx)
		if ctx.Err() != nil {
			return
		}
		e.setState(model.Disconnected)
		e.log.Info("realtime connection lost", zap.Error(err), zap.Duration("retry_in", e.cfg.ReconnectDelay))
		e.metrics.Reconnect()

		t := time.NewTimer(e.cfg.ReconnectDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// connect runs one connection from dial to teardown.
func (e *Engine) connect(ctx context.Context) error {
	token := e.id.AccessToken()
	if token == "" {
		return errs.ErrNotLoggedIn
	}
	e.setState(model.Connecting)

	conn, err := e.dialer.Dial(ctx, e.cfg.URL)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrTransport, err)
	}
	defer conn.Close()

	if err := e.handshake(ctx, conn, token); err != nil {
		return err
	}
	e.setState(model.Connected)

	subID := "sub-" + uuid.Must(uuid.NewV4()).String()
	sub := stomp.New(stomp.Subscribe, stomp.HdrID, subID, stomp.HdrDestination, e.cfg.topic())
	var receiptID string
	if e.cfg.SubscribeReceipt {
		receiptID = uuid.Must(uuid.NewV4()).String()
		sub.Set(stomp.HdrReceipt, receiptID)
	}
	if err := conn.WriteFrame(sub); err != nil {
		return fmt.Errorf("%w: subscribe: %v", errs.ErrTransport, err)
	}

	connDone := make(chan struct{})
	defer close(connDone)
	frames := make(chan stomp.Frame)
	readErr := make(chan error, 1)
	go func() {
		for {
			f, err := conn.ReadFrame()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- f:
			case <-connDone:
				return
			}
		}
	}()

	var (
		outbox    chan sendReq
		backfills = make(chan backfillResult, 1)
	)
	activate := func() {
		outbox = make(chan sendReq)
		gen := e.gen.Add(1)
		e.setSubscribed(outbox, connDone)
		go e.backfill(ctx, gen, backfills)
	}
	if receiptID == "" {
		activate()
	}
	defer e.clearSubscription()

	for {
		select {
		case <-ctx.Done():
			e.release(conn, subID)
			return ctx.Err()

		case err := <-readErr:
			return fmt.Errorf("%w: %v", errs.ErrTransport, err)

		case f := <-frames:
			switch f.Command {
			case stomp.Message:
				if f.Value(stomp.HdrSubscription) == subID || f.Value(stomp.HdrDestination) == e.cfg.topic() {
					e.onLive(f)
				}
			case stomp.Receipt:
				if outbox == nil && receiptID != "" && f.Value(stomp.HdrReceiptID) == receiptID {
					activate()
				}
			case stomp.Error:
				return fmt.Errorf("%w: broker error: %s", errs.ErrTransport, f.Value(stomp.HdrMessage))
			}

		case r := <-backfills:
			e.applyHistory(r)

		case req := <-outbox:
			req.err <- conn.WriteFrame(req.frame)
		}
	}
}

// handshake sends CONNECT and waits for CONNECTED. Cancellation closes conn to unblock the read.
func (e *Engine) handshake(ctx context.Context, conn Conn, token string) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	f := stomp.New(stomp.Connect,
		stomp.HdrAcceptVersion, "1.2",
		stomp.HdrHost, hostOf(e.cfg.URL),
		stomp.HdrHeartBeat, "0,0",
		stomp.HdrAuthorization, "Bearer "+token)
	if err := conn.WriteFrame(f); err != nil {
		return fmt.Errorf("%w: connect: %v", errs.ErrTransport, err)
	}
	reply, err := conn.ReadFrame()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: connect: %v", errs.ErrTransport, err)
	}
	switch reply.Command {
	case stomp.Connected:
		return nil
	case stomp.Error:
		msg := reply.Value(stomp.HdrMessage)
		if r, ok := e.id.(refresher); ok {
			if err := r.ForceRefresh(ctx); err != nil {
				e.log.Warn("token refresh after rejected connect failed", zap.Error(err))
			}
		}
		return fmt.Errorf("%w: connect rejected: %s", errs.ErrTransport, msg)
	}
	return fmt.Errorf("%w: unexpected %s frame during connect", errs.ErrTransport, reply.Command)
}

// release sends UNSUBSCRIBE and DISCONNECT; failures are ignored since the socket closes next.
func (e *Engine) release(conn Conn, subID string) {
	_ = conn.WriteFrame(stomp.New(stomp.Unsubscribe, stomp.HdrID, subID))
	_ = conn.WriteFrame(stomp.New(stomp.Disconnect))
}

func (e *Engine) backfill(ctx context.Context, gen uint64, out chan<- backfillResult) {
	msgs, err := e.history.History(ctx, e.cfg.RoomID, e.cfg.HistorySize, 0)
	out <- backfillResult{gen: gen, msgs: msgs, err: err}
}

func (e *Engine) applyHistory(r backfillResult) {
	if r.gen != e.gen.Load() {
		e.log.Debug("stale history discarded", zap.Uint64("gen", r.gen))
		return
	}
	if r.err != nil {
		e.metrics.BackfillFailure()
		e.log.Debug("history skipped", zap.Error(fmt.Errorf("%w: %w", errs.ErrBackfill, r.err)))
		return
	}
	e.mu.Lock()
	n := e.tl.merge(r.msgs)
	snap := e.snapshotLocked()
	e.mu.Unlock()

	e.metrics.Messages(metrics.SourceHistory, n)
	e.log.Debug("history merged", zap.Int("fetched", len(r.msgs)), zap.Int("new", n))
	if n > 0 {
		e.hub.Publish(snap)
	}
}

func (e *Engine) onLive(f stomp.Frame) {
	var m model.Message
	if err := json.Unmarshal(f.Body, &m); err != nil {
		e.log.Debug("undecodable message", zap.Error(err))
		return
	}
	e.mu.Lock()
	added := e.tl.insert(m)
	snap := e.snapshotLocked()
	e.mu.Unlock()

	if added {
		e.metrics.Messages(metrics.SourceLive, 1)
		e.hub.Publish(snap)
	}
}

func (e *Engine) setState(s model.ConnState) {
	e.mu.Lock()
	if e.state == s && s != model.Connected {
		e.mu.Unlock()
		return
	}
	e.state = s
	if s != model.Connected {
		e.subscribed = false
	}
	snap := e.snapshotLocked()
	e.mu.Unlock()

	e.metrics.Connected(snap.Subscribed)
	e.hub.Publish(snap)
}

func (e *Engine) setSubscribed(out chan sendReq, done chan struct{}) {
	e.mu.Lock()
	e.subscribed = true
	e.outbox, e.connDone = out, done
	snap := e.snapshotLocked()
	e.mu.Unlock()

	e.metrics.Connected(true)
	e.log.Debug("subscribed", zap.String("topic", e.cfg.topic()))
	e.hub.Publish(snap)
}

func (e *Engine) clearSubscription() {
	e.mu.Lock()
	e.subscribed = false
	e.outbox, e.connDone = nil, nil
	e.mu.Unlock()
	e.metrics.Connected(false)
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "localhost"
	}
	return u.Host
}
