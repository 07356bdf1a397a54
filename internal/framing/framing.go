// Package framing implements the length-prefixed binary framing the broker
// uses to talk to a sandboxed agent over a pipe: a 4-byte big-endian
// unsigned length followed by exactly that many payload bytes. It mirrors
// the Reader/Writer split used by gopls's jsonrpc2_v2 transport layer, but
// the wire format here is our own — a raw length prefix, not HTTP-style
// headers or bare JSON decoder boundaries.
package framing

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
)

// MaxMessageSize is the hard ceiling on a single framed message, a safety
// valve against a malformed or hostile length prefix.
const MaxMessageSize = 64 * 1024 * 1024 // 64 MiB

// Reader reads framed messages from a byte stream. Not safe for concurrent
// use; callers serialize their own reads (the pipe transport does this with
// its stdout lock).
type Reader struct {
	r io.Reader
}

// NewReader wraps r for framed reads.
func NewReader(r io.Reader) *Reader { return &Reader{r: r} }

// Recv reads one framed message: a 4-byte big-endian length followed by
// that many payload bytes. Returns an error if the stream closes mid-message
// or the declared length exceeds MaxMessageSize.
func (fr *Reader) Recv(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	var lenBuf [4]byte
	if _, err := io.ReadFull(fr.r, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("framing: read length prefix: %w", err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxMessageSize {
		return nil, fmt.Errorf("framing: message exceeds max size: %d > %d", n, MaxMessageSize)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(fr.r, payload); err != nil {
		return nil, fmt.Errorf("framing: read payload: %w", err)
	}
	return payload, nil
}

// Writer writes framed messages to a byte stream. Not safe for concurrent
// use.
type Writer struct {
	w io.Writer
}

// NewWriter wraps w for framed writes.
func NewWriter(w io.Writer) *Writer { return &Writer{w: w} }

// Send writes one framed message: a 4-byte big-endian length followed by
// payload, then flushes if the underlying writer supports it.
func (fw *Writer) Send(ctx context.Context, payload []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	n := len(payload)
	if n > MaxMessageSize {
		return fmt.Errorf("framing: message exceeds max size: %d > %d", n, MaxMessageSize)
	}

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(n))
	if _, err := fw.w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("framing: write length prefix: %w", err)
	}
	if _, err := fw.w.Write(payload); err != nil {
		return fmt.Errorf("framing: write payload: %w", err)
	}
	if f, ok := fw.w.(interface{ Flush() error }); ok {
		return f.Flush()
	}
	return nil
}
