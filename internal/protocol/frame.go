// Package protocol implements the framing used on the ingest link: each
// message is a 4-byte unsigned big-endian payload length followed by exactly
// that many payload bytes. There is no handshake and no server-to-client
// traffic.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxFrameLen is the largest payload length the codec accepts, in bytes.
const MaxFrameLen = 1_000_000

// HeaderSize is the size of the length header.
const HeaderSize = 4

// ErrFrameTooLarge reports a frame whose declared length exceeds
// MaxFrameLen. ReadFrame returns it without consuming the payload, so the
// stream is left positioned at the first payload byte.
var ErrFrameTooLarge = errors.New("frame exceeds maximum length")

// ReadFrame reads one length-prefixed frame from r. A clean end of stream
// before the header surfaces as io.EOF; a header or payload cut short
// surfaces as an unexpected-EOF from io.ReadFull. Oversized frames are
// rejected with ErrFrameTooLarge, payload unread.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(header[:])
	if length > MaxFrameLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// WriteFrame writes payload to w as one frame. The header and payload go out
// in a single Write call. Payloads longer than MaxFrameLen are rejected
// before anything is written.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameLen {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}

	buf := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[HeaderSize:], payload)

	_, err := w.Write(buf)
	return err
}
