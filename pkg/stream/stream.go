package stream

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
)

// Stream identifies the channel a frame belongs to.
type Stream byte

const (
	Stdin     Stream = 0
	Stdout    Stream = 1
	Stderr    Stream = 2
	Systemerr Stream = 3
)

func (s Stream) String() string {
	switch s {
	case Stdin:
		return "stdin"
	case Stdout:
		return "stdout"
	case Stderr:
		return "stderr"
	case Systemerr:
		return "systemerr"
	default:
		return fmt.Sprintf("stream(%d)", byte(s))
	}
}

const (
	// HeaderSize is the size of a frame header: tag, three padding bytes,
	// big-endian payload length.
	HeaderSize = 8

	// MaxFrameSize bounds a single frame payload. A length beyond this means
	// the stream is not framed the way we think it is.
	MaxFrameSize = 64 << 20
)

// ErrFrameTooLarge is returned when a header announces a payload larger
// than MaxFrameSize.
var ErrFrameTooLarge = errors.New("attach frame exceeds maximum size")

// FrameHandler receives each complete frame. Stdout frames carry the
// protocol channel; every other accepted frame is reported as Stderr.
// Returning an error stops the demuxer.
type FrameHandler func(s Stream, payload []byte) error

// Demuxer splits a multiplexed attach stream into frames. It is an
// io.Writer so it can sit at the end of io.Copy; headers and payloads may
// be split across any number of writes.
type Demuxer struct {
	handler FrameHandler
	buf     []byte
	err     error
}

// NewDemuxer creates a demuxer that calls handler for every frame.
func NewDemuxer(handler FrameHandler) *Demuxer {
	return &Demuxer{handler: handler}
}

// Write consumes p, dispatching every frame it completes. Incomplete
// trailing bytes are kept for the next call.
func (d *Demuxer) Write(p []byte) (int, error) {
	if d.err != nil {
		return 0, d.err
	}
	d.buf = append(d.buf, p...)

	for len(d.buf) >= HeaderSize {
		tag := Stream(d.buf[0])
		length := binary.BigEndian.Uint32(d.buf[4:HeaderSize])
		if length > MaxFrameSize {
			d.err = fmt.Errorf("%w: %d bytes on %s", ErrFrameTooLarge, length, tag)
			return 0, d.err
		}
		end := HeaderSize + int(length)
		if len(d.buf) < end {
			break
		}

		payload := d.buf[HeaderSize:end]
		if err := d.dispatch(tag, payload); err != nil {
			d.err = err
			return 0, err
		}
		d.buf = d.buf[end:]
	}

	// Compact so the residual buffer does not pin a large backing array.
	if len(d.buf) == 0 {
		d.buf = nil
	} else if cap(d.buf) > 4*len(d.buf) && cap(d.buf) > 64<<10 {
		d.buf = append([]byte(nil), d.buf...)
	}
	return len(p), nil
}

func (d *Demuxer) dispatch(tag Stream, payload []byte) error {
	switch tag {
	case Stdout:
		return d.handler(Stdout, payload)
	case Stdin, Stderr, Systemerr:
		return d.handler(Stderr, payload)
	default:
		return fmt.Errorf("unrecognized attach stream tag %d", byte(tag))
	}
}

// Pending returns the number of buffered bytes belonging to an incomplete
// frame.
func (d *Demuxer) Pending() int {
	return len(d.buf)
}

// Close reports an error if the stream ended in the middle of a frame.
func (d *Demuxer) Close() error {
	if d.err != nil {
		return d.err
	}
	if len(d.buf) > 0 {
		return fmt.Errorf("attach stream ended inside a frame: %w (%d bytes pending)", io.ErrUnexpectedEOF, len(d.buf))
	}
	return nil
}

// Collector accumulates demultiplexed output.
type Collector struct {
	Stdout []byte
	Stderr []byte
}

// Handle is a FrameHandler appending to the collector.
func (c *Collector) Handle(s Stream, payload []byte) error {
	if s == Stdout {
		c.Stdout = append(c.Stdout, payload...)
	} else {
		c.Stderr = append(c.Stderr, payload...)
	}
	return nil
}

// WriteFrame writes payload to w as a single frame tagged s.
func WriteFrame(w io.Writer, s Stream, payload []byte) error {
	var header [HeaderSize]byte
	header[0] = byte(s)
	binary.BigEndian.PutUint32(header[4:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// Writer frames everything written to it as stream s. Writers sharing one
// underlying io.Writer must share the mutex so frames never interleave.
type Writer struct {
	mu     *sync.Mutex
	w      io.Writer
	stream Stream
}

// NewWriters returns framing writers for stdout and stderr that share w.
func NewWriters(w io.Writer) (stdout, stderr *Writer) {
	mu := &sync.Mutex{}
	return &Writer{mu: mu, w: w, stream: Stdout}, &Writer{mu: mu, w: w, stream: Stderr}
}

func (fw *Writer) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if err := WriteFrame(fw.w, fw.stream, p); err != nil {
		return 0, err
	}
	return len(p), nil
}
