package ws

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/real-rm/chatrelay/internal/constants"
	relayerrors "github.com/real-rm/chatrelay/internal/errors"
)

func TestTrySend_QueuesFrame(t *testing.T) {
	conn := NewConnForTest(1, "alice")

	assert.True(t, conn.TrySend([]byte("hello")))

	select {
	case data := <-conn.ReceiveForTest():
		assert.Equal(t, []byte("hello"), data)
	default:
		t.Fatal("expected a queued frame")
	}
}

func TestTrySend_FullBufferIsSilentSkip(t *testing.T) {
	conn := NewConnForTest(1, "alice")

	for i := 0; i < constants.SendBufferSize; i++ {
		require.True(t, conn.TrySend([]byte("x")))
	}
	assert.False(t, conn.TrySend([]byte("overflow")))
}

func TestTrySend_ClosingConnectionRefusesFrames(t *testing.T) {
	conn := NewConnForTest(1, "alice")
	conn.closing.Store(true)

	assert.False(t, conn.TrySend([]byte("late")))
	assert.False(t, conn.IsOpen())
}

func TestSendJSON(t *testing.T) {
	conn := NewConnForTest(1, "alice")

	require.True(t, conn.SendJSON(map[string]string{"type": "test"}))

	data := <-conn.ReceiveForTest()
	assert.JSONEq(t, `{"type":"test"}`, string(data))
}

func TestSendError_ProducesErrorEnvelope(t *testing.T) {
	conn := NewConnForTest(1, "alice")

	require.True(t, conn.SendError(relayerrors.ErrInvalidMessage("content must not be empty")))

	data := <-conn.ReceiveForTest()
	assert.Contains(t, string(data), `"type":"error"`)
	assert.Contains(t, string(data), "INVALID_MESSAGE")
}

func TestProbe_Coalesces(t *testing.T) {
	conn := NewConnForTest(1, "alice")

	conn.Probe()
	conn.Probe()
	conn.Probe()

	// One probe in flight is sufficient
	assert.Len(t, conn.ping, 1)
}

func TestProbe_NoOpWhenClosing(t *testing.T) {
	conn := NewConnForTest(1, "alice")
	conn.closing.Store(true)

	conn.Probe()
	assert.Len(t, conn.ping, 0)
}

func TestAliveFlag(t *testing.T) {
	conn := NewConnForTest(1, "alice")

	assert.True(t, conn.Alive())
	conn.ClearAlive()
	assert.False(t, conn.Alive())
	conn.markAlive()
	assert.True(t, conn.Alive())
}

// dialTestServer upgrades connections on the server side and returns frames
// it reads on the channel.
func dialTestServer(t *testing.T) (*websocket.Conn, <-chan []byte) {
	t.Helper()

	received := make(chan []byte, 16)
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		serverConn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer serverConn.Close()
		for {
			_, data, err := serverConn.ReadMessage()
			if err != nil {
				return
			}
			received <- data
		}
	}))
	t.Cleanup(server.Close)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { clientConn.Close() })

	return clientConn, received
}

func TestWritePump_TransmitsQueuedFrames(t *testing.T) {
	clientConn, received := dialTestServer(t)

	conn := newConn(clientConn, "test-conn", 1, "alice")
	go conn.writePump()

	require.True(t, conn.TrySend([]byte("first")))
	require.True(t, conn.TrySend([]byte("second")))

	for _, want := range []string{"first", "second"} {
		select {
		case data := <-received:
			assert.Equal(t, want, string(data))
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for frame %q", want)
		}
	}
}

func TestWritePump_ExitsWhenSendChannelCloses(t *testing.T) {
	clientConn, _ := dialTestServer(t)

	conn := newConn(clientConn, "test-conn", 1, "alice")
	done := make(chan struct{})
	go func() {
		conn.writePump()
		close(done)
	}()

	conn.closing.Store(true)
	close(conn.send)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("write pump did not exit after channel close")
	}
}

func TestWritePump_NilSocketDrainsWithoutPanic(t *testing.T) {
	conn := NewConnForTest(1, "alice")
	done := make(chan struct{})
	go func() {
		conn.writePump()
		close(done)
	}()

	conn.TrySend([]byte("dropped"))
	conn.Probe()
	conn.closing.Store(true)
	close(conn.send)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("write pump did not exit")
	}
}
