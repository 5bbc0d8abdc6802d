package protocol

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/cuemby/hoosegow/pkg/codec"
	"github.com/cuemby/hoosegow/pkg/inmate"
)

const captureChunkSize = 32 << 10

// SyncWriter writes whole encoded messages to a shared side channel. Each
// message is written under one lock so concurrent senders never interleave
// partial messages.
type SyncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

// NewSyncWriter wraps w.
func NewSyncWriter(w io.Writer) *SyncWriter {
	return &SyncWriter{w: w}
}

// Send encodes and writes one message.
func (s *SyncWriter) Send(tag codec.Tag, payload any) error {
	data, err := codec.Encode(tag, payload)
	if err != nil {
		return err
	}
	return s.WriteMessage(data)
}

// WriteMessage writes an already encoded message.
func (s *SyncWriter) WriteMessage(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.w.Write(data)
	return err
}

// Capture is an interception of the inmate process's own stdout. Reads
// return what the process printed; after Release, reads drain what is
// left and then return io.EOF.
type Capture interface {
	io.Reader
	Release() error
}

// RunnerOptions configures a Runner.
type RunnerOptions struct {
	// Registry is the method table. If nil, Load is used to build one.
	Registry *inmate.Registry
	// Load builds the method table when Registry is nil.
	Load inmate.Loader
	// Stdin carries the single dispatch message.
	Stdin io.Reader
	// SideChannel receives every response message.
	SideChannel io.Writer
	// Capture, when set, is pumped onto the side channel as stdout
	// messages for the duration of the call.
	Capture Capture
	Logger  zerolog.Logger
}

// Runner is the sandbox side of one call.
type Runner struct {
	registry *inmate.Registry
	load     inmate.Loader
	stdin    io.Reader
	side     *SyncWriter
	capture  Capture
	logger   zerolog.Logger
}

// NewRunner creates a runner.
func NewRunner(opts RunnerOptions) *Runner {
	return &Runner{
		registry: opts.Registry,
		load:     opts.Load,
		stdin:    opts.Stdin,
		side:     NewSyncWriter(opts.SideChannel),
		capture:  opts.Capture,
		logger:   opts.Logger,
	}
}

// Run reads one dispatch, invokes the method and reports its outcome. The
// method's errors and panics become a raise message; Run itself only fails
// when the side channel cannot be written.
func (r *Runner) Run(ctx context.Context) error {
	// A failing pump cancels the method through ctx.
	g, ctx := errgroup.WithContext(ctx)
	if r.capture != nil {
		g.Go(func() error {
			return r.pump(r.capture)
		})
	}

	result, callErr := r.invoke(ctx)

	// Stop the capture and join the pump before the terminal message, so
	// everything the method printed is delivered ahead of it.
	if r.capture != nil {
		if err := r.capture.Release(); err != nil {
			r.logger.Warn().Err(err).Msg("failed to release stdout capture")
		}
	}
	pumpErr := g.Wait()
	if pumpErr != nil {
		r.logger.Error().Err(pumpErr).Msg("stdout capture failed")
	}

	if callErr != nil {
		r.logger.Debug().Err(callErr).Str("class", inmate.ClassOf(callErr)).Msg("inmate method raised")
		return r.side.Send(codec.TagRaise, codec.Raise{
			Class:     inmate.ClassOf(callErr),
			Message:   callErr.Error(),
			Backtrace: inmate.BacktraceOf(callErr),
		})
	}
	return r.side.Send(codec.TagReturn, result)
}

func (r *Runner) invoke(ctx context.Context) (result any, err error) {
	msg, err := codec.ReadMessage(r.stdin)
	if err != nil {
		return nil, inmate.Errorf("ProtocolError", "reading dispatch: %w", err)
	}
	dispatch, err := msg.Dispatch()
	if err != nil {
		return nil, inmate.Errorf("ProtocolError", "%w", err)
	}

	registry := r.registry
	if registry == nil {
		registry, err = inmate.Load(r.load)
		if err != nil {
			return nil, err
		}
	}

	handler, ok := registry.Lookup(dispatch.Method)
	if !ok {
		return nil, &inmate.NoMethodError{Method: dispatch.Method}
	}

	logger := r.logger.With().Str("method", dispatch.Method).Logger()
	logger.Debug().Int("args", len(dispatch.Args)).Msg("dispatching inmate method")

	defer func() {
		if p := recover(); p != nil {
			err = panicError(p)
		}
	}()

	yield := func(values ...any) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if values == nil {
			values = []any{}
		}
		return r.side.Send(codec.TagYield, values)
	}
	return handler(ctx, dispatch.Args, yield)
}

func panicError(p any) error {
	class := "RuntimeError"
	var message string
	var backtrace []string

	switch v := p.(type) {
	case error:
		class = inmate.ClassOf(v)
		message = v.Error()
		backtrace = inmate.BacktraceOf(v)
	default:
		message = fmt.Sprint(v)
	}
	if backtrace == nil {
		backtrace = inmate.Callers(3)
	}

	return inmate.WithBacktrace(class, message, backtrace)
}

func (r *Runner) pump(capture Capture) error {
	err := readChunks(capture, func(chunk []byte) error {
		return r.side.Send(codec.TagStdout, chunk)
	})
	if err != nil {
		return fmt.Errorf("forwarding captured stdout: %w", err)
	}
	return nil
}
