package protocol

import (
	"errors"
	"fmt"
	"io"

	"github.com/cuemby/hoosegow/pkg/codec"
	"github.com/cuemby/hoosegow/pkg/inmate"
	"github.com/cuemby/hoosegow/pkg/stream"
)

// ErrNoResult is returned by Result when the attach stream ended without a
// terminal message.
var ErrNoResult = errors.New("inmate exited without returning a value")

// ProxyOptions configures a Proxy.
type ProxyOptions struct {
	// Yield receives every yield message, in order. Nil discards them.
	Yield inmate.YieldFunc
	// Stdout receives output the inmate printed. Nil discards it.
	Stdout io.Writer
	// Stderr receives the raw stderr stream of the container. Nil discards it.
	Stderr io.Writer
}

// Proxy is the trusted side of one call: it encodes the dispatch and turns
// the container's output back into yields, a return value or an error.
// A Proxy is used for exactly one call.
type Proxy struct {
	yield   inmate.YieldFunc
	stdout  io.Writer
	stderr  io.Writer
	decoder *codec.Decoder

	result    any
	hasResult bool
	raised    *InmateRuntimeError
	yields    int
}

// NewProxy creates a proxy for one call.
func NewProxy(opts ProxyOptions) *Proxy {
	p := &Proxy{
		yield:   opts.Yield,
		stdout:  opts.Stdout,
		stderr:  opts.Stderr,
		decoder: codec.NewDecoder(),
	}
	if p.stdout == nil {
		p.stdout = io.Discard
	}
	if p.stderr == nil {
		p.stderr = io.Discard
	}
	return p
}

// EncodeDispatch returns the bytes to send on the inmate's stdin.
func (p *Proxy) EncodeDispatch(method string, args []any) ([]byte, error) {
	return codec.EncodeDispatch(method, args)
}

// Receive consumes one chunk of demultiplexed container output. It has the
// shape of a stream.FrameHandler. A raise message is returned as an
// *InmateRuntimeError immediately and nothing after it is processed.
func (p *Proxy) Receive(s stream.Stream, chunk []byte) error {
	if s != stream.Stdout {
		if _, err := p.stderr.Write(chunk); err != nil {
			return fmt.Errorf("forwarding inmate stderr: %w", err)
		}
		return nil
	}
	if p.raised != nil {
		return p.raised
	}
	return p.decoder.Feed(chunk, p.handle)
}

func (p *Proxy) handle(msg codec.Message) error {
	switch msg.Tag {
	case codec.TagYield:
		values, err := msg.Values()
		if err != nil {
			return err
		}
		p.yields++
		if p.yield != nil {
			if err := p.yield(values...); err != nil {
				return fmt.Errorf("yield callback: %w", err)
			}
		}
	case codec.TagReturn:
		value, err := msg.Value()
		if err != nil {
			return err
		}
		p.result = value
		p.hasResult = true
	case codec.TagRaise:
		r, err := msg.Raise()
		if err != nil {
			return err
		}
		p.raised = newInmateRuntimeError(r.Class, r.Message, r.Backtrace)
		return p.raised
	case codec.TagStdout:
		chunk, err := msg.Bytes()
		if err != nil {
			return err
		}
		if _, err := p.stdout.Write(chunk); err != nil {
			return fmt.Errorf("forwarding inmate stdout: %w", err)
		}
	case codec.TagDispatch:
		return fmt.Errorf("unexpected %s message from inmate", msg.Tag)
	}
	return nil
}

// Returned reports whether a return message has been received.
func (p *Proxy) Returned() bool {
	return p.hasResult
}

// ReturnValue is the value of the return message, nil before one arrives.
func (p *Proxy) ReturnValue() any {
	return p.result
}

// Yields is the number of yield messages received so far.
func (p *Proxy) Yields() int {
	return p.yields
}

// Result finishes the call: the inmate's error if it raised, ErrNoResult
// if the stream ended early, otherwise the return value.
func (p *Proxy) Result() (any, error) {
	if p.raised != nil {
		return nil, p.raised
	}
	if err := p.decoder.Close(); err != nil {
		return nil, err
	}
	if !p.hasResult {
		return nil, ErrNoResult
	}
	return p.result, nil
}
