// Package stomp carries STOMP 1.2 frames over WebSocket, one frame per
// WebSocket message. Encoding and decoding are done by go-stomp's frame package.
package stomp

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"

	"github.com/go-stomp/stomp/v3/frame"
)

// Client and server commands.
const (
	Connect     = frame.CONNECT
	StompCmd    = frame.STOMP
	Connected   = frame.CONNECTED
	Subscribe   = frame.SUBSCRIBE
	Unsubscribe = frame.UNSUBSCRIBE
	Send        = frame.SEND
	Disconnect  = frame.DISCONNECT
	Message     = frame.MESSAGE
	Receipt     = frame.RECEIPT
	Error       = frame.ERROR
)

// Well-known headers.
const (
	HdrAcceptVersion = frame.AcceptVersion
	HdrVersion       = frame.Version
	HdrHost          = frame.Host
	HdrHeartBeat     = frame.HeartBeat
	HdrDestination   = frame.Destination
	HdrID            = frame.Id
	HdrSubscription  = frame.Subscription
	HdrMessageID     = frame.MessageId
	HdrReceipt       = frame.Receipt
	HdrReceiptID     = frame.ReceiptId
	HdrContentType   = frame.ContentType
	HdrContentLength = frame.ContentLength
	HdrMessage       = frame.Message
	HdrAuthorization = "Authorization"
)

var ErrMalformed = errors.New("stomp: malformed frame")

// Header is one header line. Order is preserved; on read the first occurrence of a key wins.
type Header struct {
	Key   string
	Value string
}

// Frame is a single STOMP frame. A zero Command denotes a heart-beat.
type Frame struct {
	Command string
	Headers []Header
	Body    []byte
}

// New builds a frame from alternating key/value pairs.
func New(command string, kv ...string) Frame {
	f := Frame{Command: command}
	for i := 0; i+1 < len(kv); i += 2 {
		f.Headers = append(f.Headers, Header{Key: kv[i], Value: kv[i+1]})
	}
	return f
}

// Get returns the first value for key.
func (f Frame) Get(key string) (string, bool) {
	for _, h := range f.Headers {
		if h.Key == key {
			return h.Value, true
		}
	}
	return "", false
}

// Value returns the first value for key or "".
func (f Frame) Value(key string) string {
	v, _ := f.Get(key)
	return v
}

// Set replaces key or appends it.
func (f *Frame) Set(key, value string) {
	for i := range f.Headers {
		if f.Headers[i].Key == key {
			f.Headers[i].Value = value
			return
		}
	}
	f.Headers = append(f.Headers, Header{Key: key, Value: value})
}

// Heartbeat reports whether f is a heart-beat.
func (f Frame) Heartbeat() bool { return f.Command == "" }

func (f Frame) String() string {
	return fmt.Sprintf("%s %v (%d bytes)", f.Command, f.Headers, len(f.Body))
}

// Marshal encodes f. A content-length header is added when the body is non-empty.
func (f Frame) Marshal() ([]byte, error) {
	if f.Heartbeat() {
		return []byte("\n"), nil
	}
	wf := frame.New(f.Command)
	for _, h := range f.Headers {
		wf.Header.Add(h.Key, h.Value)
	}
	if len(f.Body) > 0 {
		if _, ok := wf.Header.Contains(frame.ContentLength); !ok {
			wf.Header.Add(frame.ContentLength, strconv.Itoa(len(f.Body)))
		}
		wf.Body = f.Body
	}

	var b bytes.Buffer
	if err := frame.NewWriter(&b).Write(wf); err != nil {
		return nil, fmt.Errorf("stomp: encode %s: %w", f.Command, err)
	}
	return b.Bytes(), nil
}

// Unmarshal decodes the first frame in data. Input made only of EOLs decodes to a heart-beat.
func Unmarshal(data []byte) (Frame, error) {
	if len(bytes.TrimLeft(data, "\r\n")) == 0 {
		return Frame{}, nil
	}
	r := frame.NewReader(bytes.NewReader(data))
	for {
		wf, err := r.Read()
		if err != nil {
			return Frame{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if wf == nil {
			// leading EOL
			continue
		}
		return fromWire(wf), nil
	}
}

func fromWire(wf *frame.Frame) Frame {
	f := Frame{Command: wf.Command}
	if wf.Header != nil {
		for i := 0; i < wf.Header.Len(); i++ {
			k, v := wf.Header.GetAt(i)
			if _, dup := f.Get(k); dup {
				continue
			}
			f.Headers = append(f.Headers, Header{Key: k, Value: v})
		}
	}
	if len(wf.Body) > 0 {
		f.Body = wf.Body
	}
	return f
}
