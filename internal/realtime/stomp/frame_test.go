package stomp

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func marshal(t *testing.T, f Frame) []byte {
	t.Helper()
	b, err := f.Marshal()
	require.NoError(t, err)
	return b
}

func TestMarshal_Send(t *testing.T) {
	f := New(Send, HdrDestination, "/app/rooms.1.send", HdrContentType, "application/json")
	f.Body = []byte(`{"content":"hi"}`)

	got := string(marshal(t, f))
	require.True(t, strings.HasPrefix(got, "SEND\ndestination:/app/rooms.1.send\ncontent-type:application/json\n"), got)
	require.Contains(t, got, "content-length:16\n")
	require.True(t, strings.HasSuffix(got, "\n\n{\"content\":\"hi\"}\x00"), got)
}

func TestMarshal_Heartbeat(t *testing.T) {
	require.Equal(t, "\n", string(marshal(t, Frame{})))
}

func TestUnmarshal_Message(t *testing.T) {
	raw := "MESSAGE\r\ndestination:/topic/rooms.1\r\nmessage-id:m\\c1\r\nsubscription:sub-0\r\ncontent-length:5\r\n\r\nhe\x00lo\x00\n\n"
	f, err := Unmarshal([]byte(raw))
	require.NoError(t, err)
	require.Equal(t, Message, f.Command)
	require.Equal(t, "/topic/rooms.1", f.Value(HdrDestination))
	require.Equal(t, "m:1", f.Value(HdrMessageID))
	require.Equal(t, []byte("he\x00lo"), f.Body)
}

func TestUnmarshal_NoContentLength(t *testing.T) {
	f, err := Unmarshal([]byte("RECEIPT\nreceipt-id:77\n\n\x00"))
	require.NoError(t, err)
	require.Equal(t, Receipt, f.Command)
	require.Equal(t, "77", f.Value(HdrReceiptID))
	require.Empty(t, f.Body)
}

func TestUnmarshal_LeadingEOLs(t *testing.T) {
	f, err := Unmarshal([]byte("\n\r\nRECEIPT\nreceipt-id:1\n\n\x00"))
	require.NoError(t, err)
	require.Equal(t, Receipt, f.Command)
}

func TestUnmarshal_RepeatedHeaderFirstWins(t *testing.T) {
	f, err := Unmarshal([]byte("MESSAGE\nfoo:a\nfoo:b\n\n\x00"))
	require.NoError(t, err)
	require.Equal(t, "a", f.Value("foo"))
	require.Len(t, f.Headers, 1)
}

func TestUnmarshal_Heartbeat(t *testing.T) {
	for _, raw := range []string{"\n", "\r\n\n"} {
		f, err := Unmarshal([]byte(raw))
		require.NoError(t, err)
		require.True(t, f.Heartbeat())
	}
}

func TestUnmarshal_Malformed(t *testing.T) {
	for _, raw := range []string{
		"SEND",
		"SEND\nnocolon\n\n\x00",
		"SEND\ndestination:/x\n\nbody-without-null",
		"SEND\ncontent-length:10\n\nshort\x00",
	} {
		_, err := Unmarshal([]byte(raw))
		require.ErrorIs(t, err, ErrMalformed, "%q", raw)
	}
}

func TestRoundTrip(t *testing.T) {
	for _, f := range []Frame{
		New(Error, HdrMessage, "bad:value\nline2\\end"),
		New(Connect, HdrAcceptVersion, "1.2", HdrHost, "localhost:8080", HdrAuthorization, "Bearer a.b.c"),
		New(Message, HdrDestination, "/topic/rooms.1", HdrSubscription, "sub-1"),
	} {
		f.Body = []byte("details")
		got, err := Unmarshal(marshal(t, f))
		require.NoError(t, err)
		require.Equal(t, f.Command, got.Command)
		for _, h := range f.Headers {
			require.Equal(t, h.Value, got.Value(h.Key), h.Key)
		}
		require.Equal(t, "details", string(got.Body))
	}
}

func TestSet(t *testing.T) {
	f := New(Subscribe, HdrID, "a")
	f.Set(HdrID, "b")
	f.Set(HdrDestination, "/topic/x")
	require.Equal(t, []Header{{HdrID, "b"}, {HdrDestination, "/topic/x"}}, f.Headers)
}
