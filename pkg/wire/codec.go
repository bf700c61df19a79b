// Package wire implements the reflector's length-prefixed JSON frame codec
// and the tagged-envelope RPC schema carried inside each frame.
package wire

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize is the largest payload, in bytes, accepted by either side of
// the wire codec. Frames larger than this are refused on encode and decode.
const MaxFrameSize = 1 << 20 // 1 MiB

// ErrFrameTooLarge is returned when a payload (to encode) or a declared
// length prefix (on decode) exceeds MaxFrameSize.
var ErrFrameTooLarge = errors.New("wire: frame exceeds maximum size")

// ReadMessage reads one length-prefixed LinkMessage from r.
//
// A clean end-of-stream — the peer closing the connection before sending
// another length prefix — is reported as (nil, io.EOF) so callers can
// distinguish a graceful close from a genuine read failure. An EOF that
// occurs partway through the length prefix or the payload is a real error
// and is wrapped and returned as such.
func ReadMessage(r *bufio.Reader) (*LinkMessage, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("wire: read length prefix: %w", err)
	}

	payloadLen := binary.BigEndian.Uint32(lenBuf[:])
	if payloadLen > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("wire: read payload: %w", err)
	}

	var msg LinkMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("wire: decode message: %w", err)
	}
	return &msg, nil
}

// WriteMessage serializes msg, checks its encoded size against
// MaxFrameSize, writes the 4-byte big-endian length prefix followed by the
// payload, and flushes w before returning.
func WriteMessage(w *bufio.Writer, msg *LinkMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("wire: encode message: %w", err)
	}
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))

	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("wire: write length prefix: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("wire: write payload: %w", err)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("wire: flush: %w", err)
	}
	return nil
}
