package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pkg/errors"
)

// DefaultMaxFrameSize bounds a single message on the wire.
const DefaultMaxFrameSize = 16 << 20

// ErrFrameTooLarge is returned for frames above the configured maximum.
var ErrFrameTooLarge = errors.New("frame too large")

// FrameWriter writes length-prefixed frames (u32 BE). It is not safe for
// concurrent use; a publisher owns exactly one.
type FrameWriter struct {
	bw *bufio.Writer
}

func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{bw: bufio.NewWriter(w)}
}

// WriteFrame writes and flushes a single frame.
func (w *FrameWriter) WriteFrame(b []byte) error {
	var lenbuf [4]byte
	binary.BigEndian.PutUint32(lenbuf[:], uint32(len(b)))
	if _, err := w.bw.Write(lenbuf[:]); err != nil {
		return err
	}
	if _, err := w.bw.Write(b); err != nil {
		return err
	}
	return w.bw.Flush()
}

// FrameReader reads frames written by a FrameWriter.
type FrameReader struct {
	br      *bufio.Reader
	maxSize int
}

func NewFrameReader(r io.Reader, maxSize int) *FrameReader {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	return &FrameReader{br: bufio.NewReader(r), maxSize: maxSize}
}

// ReadFrame returns the next frame. io.EOF is returned untouched when the
// stream ends on a frame boundary.
func (r *FrameReader) ReadFrame() ([]byte, error) {
	var lenbuf [4]byte
	if _, err := io.ReadFull(r.br, lenbuf[:]); err != nil {
		return nil, err
	}
	n := int(binary.BigEndian.Uint32(lenbuf[:]))
	if n > r.maxSize {
		return nil, errors.Wrap(ErrFrameTooLarge, fmt.Sprintf("%d bytes exceeds limit of %d", n, r.maxSize))
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r.br, buf); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return buf, nil
}
