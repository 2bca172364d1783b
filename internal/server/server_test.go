package server

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mercurystream/backend/internal/bus"
	"github.com/mercurystream/backend/internal/protocol"
)

type captureRecorder struct {
	mu     sync.Mutex
	events []map[string]any
}

func (r *captureRecorder) Record(event map[string]any) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

func (r *captureRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

// startServer brings up a full server on a loopback port and returns a
// connected client, a bus subscription observing everything published, and
// the listen address for further dials.
func startServer(t *testing.T, rec EventRecorder) (net.Conn, <-chan map[string]any, string) {
	t.Helper()

	b := bus.New()
	q := b.Subscribe(64)

	srv := New(b, rec, clockwork.NewFakeClockAt(testNow))
	require.NoError(t, srv.Listen("127.0.0.1:0"))
	addr := srv.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-served:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("server did not shut down")
		}
	})

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return conn, q, addr
}

func send(t *testing.T, conn net.Conn, event map[string]any) {
	t.Helper()
	payload, err := json.Marshal(event)
	require.NoError(t, err)
	require.NoError(t, protocol.WriteFrame(conn, payload))
}

func recvEvent(t *testing.T, q <-chan map[string]any) map[string]any {
	t.Helper()
	select {
	case ev := <-q:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a published event")
		return nil
	}
}

func TestPublishesDecodedEvents(t *testing.T) {
	conn, q, _ := startServer(t, nil)

	send(t, conn, map[string]any{"type": "ticker", "product_id": "BTC-USD", "price": 50000.5})

	ev := recvEvent(t, q)
	assert.Equal(t, "BTC-USD", ev["product_id"])
	assert.Equal(t, 50000.5, ev["price"])
}

func TestStampsMissingReceiveTimestamp(t *testing.T) {
	conn, q, _ := startServer(t, nil)

	send(t, conn, map[string]any{"type": "ticker", "product_id": "BTC-USD"})
	ev := recvEvent(t, q)
	assert.Equal(t, testNow.UnixMilli(), ev["recv_ts_ms"])

	// A timestamp set upstream is preserved as decoded.
	send(t, conn, map[string]any{"type": "ticker", "recv_ts_ms": 123456})
	ev = recvEvent(t, q)
	assert.Equal(t, float64(123456), ev["recv_ts_ms"])
}

func TestSkipsMalformedJSON(t *testing.T) {
	conn, q, _ := startServer(t, nil)

	require.NoError(t, protocol.WriteFrame(conn, []byte("{not json")))
	send(t, conn, map[string]any{"id": "good"})

	ev := recvEvent(t, q)
	assert.Equal(t, "good", ev["id"])
	assert.Empty(t, q)
}

func TestDropsNonObjectPayloads(t *testing.T) {
	conn, q, _ := startServer(t, nil)

	for _, payload := range []string{`[1, 2, 3]`, `"ticker"`, `42`, `null`} {
		require.NoError(t, protocol.WriteFrame(conn, []byte(payload)))
	}
	send(t, conn, map[string]any{"id": "good"})

	ev := recvEvent(t, q)
	assert.Equal(t, "good", ev["id"])
	assert.Empty(t, q)
}

func TestSurvivesOversizedFrame(t *testing.T) {
	conn, q, _ := startServer(t, nil)

	// A header declaring more than the frame limit, with no payload behind
	// it. The server must reject it and keep reading the same stream.
	var header [protocol.HeaderSize]byte
	binary.BigEndian.PutUint32(header[:], protocol.MaxFrameLen+1)
	_, err := conn.Write(header[:])
	require.NoError(t, err)

	send(t, conn, map[string]any{"id": "after"})

	ev := recvEvent(t, q)
	assert.Equal(t, "after", ev["id"])
}

func TestHandsEventsToRecorder(t *testing.T) {
	rec := &captureRecorder{}
	conn, q, _ := startServer(t, rec)

	send(t, conn, map[string]any{"id": "one"})
	send(t, conn, map[string]any{"id": "two"})
	recvEvent(t, q)
	recvEvent(t, q)

	assert.Equal(t, 2, rec.count())
}

func TestServesConnectionsIndependently(t *testing.T) {
	conn, q, addr := startServer(t, nil)

	send(t, conn, map[string]any{"id": "first"})
	recvEvent(t, q)
	require.NoError(t, conn.Close())

	// A departed client must not take the listener down with it.
	second, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer second.Close()

	send(t, second, map[string]any{"id": "second"})
	ev := recvEvent(t, q)
	assert.Equal(t, "second", ev["id"])
}
