package realtime

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/turtlemessenger/turtle/internal/realtime/stomp"
)

// Subprotocol is the STOMP-over-WebSocket subprotocol name.
const Subprotocol = "v12.stomp"

// Conn carries STOMP frames. WriteFrame may be called concurrently with ReadFrame.
type Conn interface {
	ReadFrame() (stomp.Frame, error)
	WriteFrame(f stomp.Frame) error
	Close() error
}

// Dialer opens a Conn to url.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WSDialer dials the broker over gorilla/websocket.
type WSDialer struct {
	HandshakeTimeout time.Duration
	Header           http.Header
}

func (d WSDialer) Dial(ctx context.Context, url string) (Conn, error) {
	wd := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
		Subprotocols:     []string{Subprotocol},
	}
	if wd.HandshakeTimeout == 0 {
		wd.HandshakeTimeout = 10 * time.Second
	}
	c, resp, err := wd.DialContext(ctx, url, d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return NewWSConn(c), nil
}

// DefaultWriteTimeout bounds a single frame write.
const DefaultWriteTimeout = 10 * time.Second

// WSConn adapts a websocket connection to Conn, one frame per text message.
type WSConn struct {
	c            *websocket.Conn
	writeTimeout time.Duration
	wm           sync.Mutex
}

func NewWSConn(c *websocket.Conn) *WSConn {
	return &WSConn{c: c, writeTimeout: DefaultWriteTimeout}
}

func (w *WSConn) ReadFrame() (stomp.Frame, error) {
	for {
		_, data, err := w.c.ReadMessage()
		if err != nil {
			return stomp.Frame{}, err
		}
		f, err := stomp.Unmarshal(data)
		if err != nil {
			return stomp.Frame{}, err
		}
		if f.Heartbeat() {
			continue
		}
		return f, nil
	}
}

func (w *WSConn) WriteFrame(f stomp.Frame) error {
	data, err := f.Marshal()
	if err != nil {
		return err
	}
	w.wm.Lock()
	defer w.wm.Unlock()
	if err := w.c.SetWriteDeadline(time.Now().Add(w.writeTimeout)); err != nil {
		return err
	}
	return w.c.WriteMessage(websocket.TextMessage, data)
}

func (w *WSConn) Close() error {
	w.wm.Lock()
	_ = w.c.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	w.wm.Unlock()
	return w.c.Close()
}
