// Package server implements the processor's ingest endpoint: a TCP
// listener that decodes length-prefixed JSON event frames, stamps receive
// timestamps, and publishes each event to the fan-out bus. One bad frame
// never costs the connection; one bad connection never costs the server.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"syscall"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/mercurystream/backend/internal/bus"
	"github.com/mercurystream/backend/internal/protocol"
)

// EventRecorder receives every accepted event before it is published.
// The raw-stream recorder implements it; nil disables recording.
type EventRecorder interface {
	Record(event map[string]any)
}

// Server accepts framed-event connections and feeds the bus.
type Server struct {
	bus      *bus.Bus
	recorder EventRecorder
	clock    clockwork.Clock
	log      *logrus.Entry

	ln net.Listener

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// New creates a server publishing to b. recorder may be nil; a nil clock
// selects the real clock.
func New(b *bus.Bus, recorder EventRecorder, clock clockwork.Clock) *Server {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Server{
		bus:      b,
		recorder: recorder,
		clock:    clock,
		log:      logrus.WithField("prefix", "ingest"),
		conns:    make(map[net.Conn]struct{}),
	}
}

// Listen binds the ingest socket. Call before Serve.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	s.ln = ln
	return nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Serve accepts connections until ctx is canceled, handling each on its own
// goroutine. On cancellation the listener and all open connections are
// closed and Serve waits for the handlers to drain before returning nil.
// Any other accept failure is returned.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.ln.Close()
		s.closeConns()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.track(conn)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer s.untrack(conn)
			s.handleConn(conn)
		}()
	}
}

func (s *Server) track(conn net.Conn) {
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

func (s *Server) closeConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		conn.Close()
	}
}

// handleConn runs the per-connection read loop. Oversized frames and
// undecodable payloads are logged and skipped; the loop only ends when the
// peer goes away or the read fails for good.
func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	peer := conn.RemoteAddr()
	s.log.Infof("client connected: %s", peer)
	defer s.log.Infof("client disconnected: %s", peer)

	r := bufio.NewReader(conn)
	for {
		payload, err := protocol.ReadFrame(r)
		if err != nil {
			switch {
			case errors.Is(err, protocol.ErrFrameTooLarge):
				s.log.Warnf("frame error from %s: %v", peer, err)
				continue
			case isDisconnect(err):
				return
			default:
				s.log.WithError(err).Errorf("read failed for %s", peer)
				return
			}
		}

		var decoded any
		if err := json.Unmarshal(payload, &decoded); err != nil {
			s.log.Warnf("json decode error from %s: %v", peer, err)
			continue
		}
		event, ok := decoded.(map[string]any)
		if !ok {
			s.log.Warnf("dropping %s payload from %s, want an object", jsonKind(decoded), peer)
			continue
		}

		if _, ok := event["recv_ts_ms"]; !ok {
			event["recv_ts_ms"] = s.clock.Now().UnixMilli()
		}

		if s.recorder != nil {
			s.recorder.Record(event)
		}
		s.bus.Publish(event)
	}
}

// isDisconnect reports whether err is an ordinary end of connection rather
// than something worth logging.
func isDisconnect(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}

func jsonKind(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case float64:
		return "number"
	case string:
		return "string"
	case []any:
		return "array"
	default:
		return "unknown"
	}
}
