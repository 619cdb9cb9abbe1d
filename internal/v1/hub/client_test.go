package hub

import (
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parlorhq/parlor/internal/v1/protocol"
)

// newBareClient builds a client with a small queue and no pumps running.
func newBareClient(queue int) (*Client, *MockConnection) {
	conn := newMockConnection()
	client := &Client{
		conn: conn,
		ID:   "user1",
		send: make(chan []byte, queue),
	}
	return client, conn
}

func TestTrySend_QueuesFrame(t *testing.T) {
	client, _ := newBareClient(4)

	assert.True(t, client.TrySend([]byte("frame")))

	select {
	case data := <-client.send:
		assert.Equal(t, []byte("frame"), data)
	default:
		t.Fatal("frame not queued")
	}
}

func TestTrySend_AfterDisconnectReportsFalse(t *testing.T) {
	client, _ := newBareClient(4)

	client.Disconnect(protocol.CloseSuperseded, "superseded")

	assert.False(t, client.TrySend([]byte("late")))
}

func TestTrySend_FrameCountOverflowDisconnects(t *testing.T) {
	client, _ := newBareClient(2)

	assert.True(t, client.TrySend([]byte("a")))
	assert.True(t, client.TrySend([]byte("b")))
	assert.False(t, client.TrySend([]byte("c")))

	client.mu.Lock()
	code := client.closeCode
	client.mu.Unlock()
	assert.Equal(t, protocol.CloseBackpressure, code)
}

func TestTrySend_ByteBudgetOverflowDisconnects(t *testing.T) {
	client, _ := newBareClient(8)
	big := make([]byte, 600<<10)

	assert.True(t, client.TrySend(big))
	// A second 600 KiB frame would push the pending bytes past the budget.
	assert.False(t, client.TrySend(big))

	client.mu.Lock()
	code := client.closeCode
	client.mu.Unlock()
	assert.Equal(t, protocol.CloseBackpressure, code)
}

func TestTrySend_DisconnectIsIdempotentFirstCodeWins(t *testing.T) {
	client, _ := newBareClient(4)

	client.Disconnect(protocol.CloseSuperseded, "superseded")
	client.Disconnect(websocket.CloseNormalClosure, "")

	client.mu.Lock()
	code, reason := client.closeCode, client.closeReason
	client.mu.Unlock()
	assert.Equal(t, protocol.CloseSuperseded, code)
	assert.Equal(t, "superseded", reason)
}

func TestWritePump_DrainsQueueThenSendsCloseFrame(t *testing.T) {
	client, conn := newBareClient(8)
	done := make(chan struct{})
	go func() {
		client.writePump()
		close(done)
	}()

	require.True(t, client.TrySend([]byte(`{"type":"hello"}`)))
	client.Disconnect(protocol.CloseSuperseded, "superseded")

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("writePump did not exit")
	}

	envs := conn.envelopes()
	require.Len(t, envs, 1)
	assert.Equal(t, "hello", envs[0].Type)

	code, reason, ok := conn.closeSent()
	require.True(t, ok)
	assert.Equal(t, protocol.CloseSuperseded, code)
	assert.Equal(t, "superseded", reason)

	// The pump closed the underlying connection on the way out.
	select {
	case <-conn.closed:
	default:
		t.Fatal("connection left open")
	}
}

func TestWritePump_DefaultCloseCodeIsNormalClosure(t *testing.T) {
	client, conn := newBareClient(4)
	done := make(chan struct{})
	go func() {
		client.writePump()
		close(done)
	}()

	close(client.send)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("writePump did not exit")
	}

	code, reason, ok := conn.closeSent()
	require.True(t, ok)
	assert.Equal(t, websocket.CloseNormalClosure, code)
	assert.Empty(t, reason)
}
