package protocol

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte(`{"type":"ticker","product_id":"BTC-USD"}`)

	require.NoError(t, WriteFrame(&buf, payload))

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.Zero(t, buf.Len())
}

func TestRoundTripEmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, nil))

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSequentialFrames(t *testing.T) {
	var buf bytes.Buffer
	frames := [][]byte{[]byte("one"), []byte("two"), []byte("three")}
	for _, f := range frames {
		require.NoError(t, WriteFrame(&buf, f))
	}

	for _, want := range frames {
		got, err := ReadFrame(&buf)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := ReadFrame(&buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestMaxLengthBoundary(t *testing.T) {
	var buf bytes.Buffer
	payload := make([]byte, MaxFrameLen)
	require.NoError(t, WriteFrame(&buf, payload))

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Len(t, got, MaxFrameLen)

	err = WriteFrame(&buf, make([]byte, MaxFrameLen+1))
	assert.ErrorIs(t, err, ErrFrameTooLarge)
	assert.Zero(t, buf.Len(), "rejected write must not emit bytes")
}

func TestOversizedFrameLeavesPayloadUnread(t *testing.T) {
	var buf bytes.Buffer
	var header [HeaderSize]byte
	binary.BigEndian.PutUint32(header[:], MaxFrameLen+1)
	buf.Write(header[:])
	buf.WriteString("payload bytes that must stay in the stream")

	before := buf.Len()
	_, err := ReadFrame(&buf)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
	assert.Equal(t, before-HeaderSize, buf.Len())
}

func TestTruncatedHeader(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader(nil))
	assert.ErrorIs(t, err, io.EOF)

	_, err = ReadFrame(bytes.NewReader([]byte{0x00, 0x00}))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestTruncatedPayload(t *testing.T) {
	var buf bytes.Buffer
	var header [HeaderSize]byte
	binary.BigEndian.PutUint32(header[:], 10)
	buf.Write(header[:])
	buf.WriteString("short")

	_, err := ReadFrame(&buf)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}
