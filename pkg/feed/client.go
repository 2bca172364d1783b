// Package feed provides the framed-TCP client for sending events to the
// processor ingest endpoint. It is deliberately thin: one frame per Send,
// no implicit reconnects. Callers own retry policy.
package feed

import (
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/mercurystream/backend/internal/protocol"
)

const dialTimeout = 3 * time.Second

// Client is a single connection to the processor. It is not safe for
// concurrent Sends.
type Client struct {
	conn net.Conn
}

// Dial connects to the processor ingest endpoint at addr (host:port).
func Dial(addr string) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial processor: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Send marshals event and writes it as one length-prefixed frame.
func (c *Client) Send(event map[string]any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return c.SendRaw(payload)
}

// SendRaw writes an already-serialized payload as one frame.
func (c *Client) SendRaw(payload []byte) error {
	return protocol.WriteFrame(c.conn, payload)
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
