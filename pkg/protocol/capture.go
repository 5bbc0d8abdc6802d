package protocol

import (
	"io"
	"os"
	"sync"
)

// PipeCapture is a Capture fed by an in-process pipe. Whatever is written
// to Writer is captured.
type PipeCapture struct {
	*io.PipeReader
	Writer *io.PipeWriter
	once   sync.Once
}

// NewPipeCapture creates an in-process capture.
func NewPipeCapture() *PipeCapture {
	r, w := io.Pipe()
	return &PipeCapture{PipeReader: r, Writer: w}
}

// Release closes the writing end.
func (c *PipeCapture) Release() error {
	var err error
	c.once.Do(func() {
		err = c.Writer.Close()
	})
	return err
}

// StdoutCapture redirects this process's standard output into a pipe for
// the lifetime of a call. Original is the real stdout, which becomes the
// side channel.
type StdoutCapture struct {
	reader   *os.File
	writer   *os.File
	original *os.File
	restore  func() error
	once     sync.Once
	err      error
}

// Read returns output printed by the process.
func (c *StdoutCapture) Read(p []byte) (int, error) {
	return c.reader.Read(p)
}

// Original is the stdout the process had before the capture.
func (c *StdoutCapture) Original() *os.File {
	return c.original
}

// Release restores stdout and closes the pipe's writing end, so reads
// drain the pipe and then see EOF.
func (c *StdoutCapture) Release() error {
	c.once.Do(func() {
		if c.restore != nil {
			c.err = c.restore()
		}
		if err := c.writer.Close(); err != nil && c.err == nil {
			c.err = err
		}
	})
	return c.err
}

// Close releases the capture and closes the reading end.
func (c *StdoutCapture) Close() error {
	err := c.Release()
	if cerr := c.reader.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
