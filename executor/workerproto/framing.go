package workerproto

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// MaxFrameBytes bounds a single frame's declared length, guarding the
// parent against a worker that sends a bogus or hostile length prefix.
const MaxFrameBytes = 64 << 20 // 64 MiB

// Writer frames messages as a 4-byte big-endian length prefix followed by
// the UTF-8 JSON encoding of the message, per §6.2.
type Writer struct {
	w io.Writer
}

// NewWriter wraps w for framed writes.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteMessage encodes msg as JSON and writes it as one frame.
func (fw *Writer) WriteMessage(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("workerproto: marshal message: %w", err)
	}
	if len(data) > MaxFrameBytes {
		return fmt.Errorf("workerproto: message of %d bytes exceeds frame limit", len(data))
	}

	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(data)))

	if _, err := fw.w.Write(lenPrefix[:]); err != nil {
		return fmt.Errorf("workerproto: write length prefix: %w", err)
	}
	if _, err := fw.w.Write(data); err != nil {
		return fmt.Errorf("workerproto: write payload: %w", err)
	}
	return nil
}

// Reader reads length-prefixed JSON frames written by Writer.
type Reader struct {
	r *bufio.Reader
}

// NewReader wraps r for framed reads.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReaderSize(r, 64*1024)}
}

// ReadMessage blocks for the next frame and returns its raw JSON bytes.
// Callers decode into the concrete type matching the frame's Kind.
func (fr *Reader) ReadMessage() ([]byte, error) {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(fr.r, lenPrefix[:]); err != nil {
		return nil, err
	}

	n := binary.BigEndian.Uint32(lenPrefix[:])
	if n > MaxFrameBytes {
		return nil, fmt.Errorf("workerproto: frame of %d bytes exceeds limit %d", n, MaxFrameBytes)
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(fr.r, buf); err != nil {
		return nil, fmt.Errorf("workerproto: read frame body: %w", err)
	}
	return buf, nil
}

// PeekKind decodes only the discriminator field from a raw frame.
func PeekKind(raw []byte) (Kind, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", fmt.Errorf("workerproto: decode envelope: %w", err)
	}
	return env.Kind, nil
}
