package feed

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mercurystream/backend/internal/protocol"
)

// acceptFrames starts a loopback listener that reads frames off the first
// connection into the returned channel.
func acceptFrames(t *testing.T) (string, <-chan []byte) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	frames := make(chan []byte, 16)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			payload, err := protocol.ReadFrame(conn)
			if err != nil {
				return
			}
			frames <- payload
		}
	}()
	return ln.Addr().String(), frames
}

func nextFrame(t *testing.T, frames <-chan []byte) []byte {
	t.Helper()
	select {
	case payload := <-frames:
		return payload
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a frame")
		return nil
	}
}

func TestSendFramesJSON(t *testing.T) {
	addr, frames := acceptFrames(t)

	c, err := Dial(addr)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Send(map[string]any{"product_id": "BTC-USD", "price": 50000.5}))

	var ev map[string]any
	require.NoError(t, json.Unmarshal(nextFrame(t, frames), &ev))
	assert.Equal(t, "BTC-USD", ev["product_id"])
	assert.Equal(t, 50000.5, ev["price"])
}

func TestSendRawPassesPayloadThrough(t *testing.T) {
	addr, frames := acceptFrames(t)

	c, err := Dial(addr)
	require.NoError(t, err)
	defer c.Close()

	payload := []byte(`{"raw":true}`)
	require.NoError(t, c.SendRaw(payload))
	assert.Equal(t, payload, nextFrame(t, frames))
}

func TestDialFailureIsAnError(t *testing.T) {
	// A listener opened and immediately closed leaves a port nothing
	// accepts on.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	_, err = Dial(addr)
	assert.Error(t, err)
}

func TestSendAfterPeerClosesFails(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	c, err := Dial(ln.Addr().String())
	require.NoError(t, err)
	defer c.Close()

	conn := <-accepted
	require.NoError(t, conn.Close())

	// The write fails immediately or as soon as the reset propagates.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if err := c.Send(map[string]any{"seq": 1}); err != nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("send kept succeeding after the peer closed")
}
