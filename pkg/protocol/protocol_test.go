package protocol

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/hoosegow/pkg/codec"
	"github.com/cuemby/hoosegow/pkg/inmate"
	"github.com/cuemby/hoosegow/pkg/stream"
)

// runInmate runs one call through a Runner and returns the side channel
// bytes.
func runInmate(t *testing.T, reg *inmate.Registry, capture Capture, method string, args ...any) []byte {
	t.Helper()
	dispatch, err := codec.EncodeDispatch(method, args)
	require.NoError(t, err)

	var side bytes.Buffer
	runner := NewRunner(RunnerOptions{
		Registry:    reg,
		Stdin:       bytes.NewReader(dispatch),
		SideChannel: &side,
		Capture:     capture,
	})
	require.NoError(t, runner.Run(context.Background()))
	return side.Bytes()
}

// attachStream frames side channel bytes the way the runtime would.
func attachStream(t *testing.T, side []byte, stderr string) []byte {
	t.Helper()
	var buf bytes.Buffer
	if stderr != "" {
		require.NoError(t, stream.WriteFrame(&buf, stream.Stderr, []byte(stderr)))
	}
	require.NoError(t, stream.WriteFrame(&buf, stream.Stdout, side))
	return buf.Bytes()
}

func decodeAll(t *testing.T, data []byte) []codec.Message {
	t.Helper()
	var msgs []codec.Message
	dec := codec.NewDecoder()
	require.NoError(t, dec.Feed(data, func(m codec.Message) error {
		msgs = append(msgs, m)
		return nil
	}))
	require.NoError(t, dec.Close())
	return msgs
}

func testRegistry(t *testing.T, capture *PipeCapture) *inmate.Registry {
	t.Helper()
	reg := inmate.NewRegistry()
	reg.MustRegister("render_reverse", func(_ context.Context, args []any, _ inmate.YieldFunc) (any, error) {
		s := args[0].(string)
		r := []rune(s)
		for i, j := 0, len(r)-1; i < j; i, j = i+1, j-1 {
			r[i], r[j] = r[j], r[i]
		}
		return string(r), nil
	})
	reg.MustRegister("progress", func(_ context.Context, _ []any, yield inmate.YieldFunc) (any, error) {
		if err := yield("a", int64(1)); err != nil {
			return nil, err
		}
		if err := yield("b", int64(2), int64(3)); err != nil {
			return nil, err
		}
		return "done", nil
	})
	reg.MustRegister("explode", func(context.Context, []any, inmate.YieldFunc) (any, error) {
		return nil, inmate.WithBacktrace("RuntimeError", "boom", []string{"/inmate/explode.go:12:in `explode'"})
	})
	reg.MustRegister("explode_wrapped", func(context.Context, []any, inmate.YieldFunc) (any, error) {
		return nil, fmt.Errorf("rendering: %w", inmate.WithBacktrace("ArgumentError", "bad input", []string{"/inmate/render.go:40:in `render'"}))
	})
	reg.MustRegister("explode_plain", func(context.Context, []any, inmate.YieldFunc) (any, error) {
		return nil, errors.New("plain failure")
	})
	reg.MustRegister("panic", func(context.Context, []any, inmate.YieldFunc) (any, error) {
		var m map[string]int
		m["x"] = 1
		return nil, nil
	})
	if capture != nil {
		reg.MustRegister("print_then_yield", func(_ context.Context, _ []any, yield inmate.YieldFunc) (any, error) {
			if _, err := fmt.Fprint(capture.Writer, "diagnostic line\n"); err != nil {
				return nil, err
			}
			return nil, yield("progress", int64(50))
		})
		reg.MustRegister("yield_then_print", func(_ context.Context, _ []any, yield inmate.YieldFunc) (any, error) {
			if err := yield("progress", int64(50)); err != nil {
				return nil, err
			}
			_, err := fmt.Fprint(capture.Writer, "diagnostic line\n")
			return nil, err
		})
	}
	return reg
}

func TestRoundTripReturn(t *testing.T) {
	side := runInmate(t, testRegistry(t, nil), nil, "render_reverse", "foobar")

	proxy := NewProxy(ProxyOptions{})
	demux := stream.NewDemuxer(proxy.Receive)
	_, err := demux.Write(attachStream(t, side, ""))
	require.NoError(t, err)

	result, err := proxy.Result()
	require.NoError(t, err)
	assert.Equal(t, "raboof", result)
}

func TestProxyYieldOrdering(t *testing.T) {
	side := runInmate(t, testRegistry(t, nil), nil, "progress")

	var events []string
	var proxy *Proxy
	proxy = NewProxy(ProxyOptions{
		Yield: func(values ...any) error {
			require.False(t, proxy.Returned(), "yield after return")
			events = append(events, fmt.Sprint(values))
			return nil
		},
	})

	// One byte at a time through both layers.
	demux := stream.NewDemuxer(proxy.Receive)
	data := attachStream(t, side, "")
	for i := range data {
		_, err := demux.Write(data[i : i+1])
		require.NoError(t, err)
	}

	assert.Equal(t, []string{"[a 1]", "[b 2 3]"}, events)
	assert.Equal(t, 2, proxy.Yields())
	require.True(t, proxy.Returned())
	assert.Equal(t, "done", proxy.ReturnValue())
}

func TestProxyYieldWithoutCallback(t *testing.T) {
	side := runInmate(t, testRegistry(t, nil), nil, "progress")

	proxy := NewProxy(ProxyOptions{})
	require.NoError(t, proxy.Receive(stream.Stdout, side))
	result, err := proxy.Result()
	require.NoError(t, err)
	assert.Equal(t, "done", result)
}

func TestProxyExceptionFidelity(t *testing.T) {
	side := runInmate(t, testRegistry(t, nil), nil, "explode")

	proxy := NewProxy(ProxyOptions{})
	demux := stream.NewDemuxer(proxy.Receive)
	_, err := demux.Write(attachStream(t, side, ""))
	require.Error(t, err)

	var runtimeErr *InmateRuntimeError
	require.ErrorAs(t, err, &runtimeErr)
	assert.Equal(t, "RuntimeError", runtimeErr.Class)
	assert.Equal(t, "boom", runtimeErr.Message)
	assert.Contains(t, err.Error(), "RuntimeError: boom")
	assert.Contains(t, err.Error(), "/inmate/explode.go:12:in `explode'")
	assert.Contains(t, err.Error(), BacktraceSeparator)
	assert.NotEmpty(t, runtimeErr.LocalStack)
	assert.Equal(t, "/inmate/explode.go:12:in `explode'", runtimeErr.Backtrace()[0])

	_, err = proxy.Result()
	assert.ErrorAs(t, err, &runtimeErr)
}

func TestProxyWrappedErrorKeepsClassAndBacktrace(t *testing.T) {
	tests := []struct {
		method        string
		wantClass     string
		wantMessage   string
		wantBacktrace []string
	}{
		{
			method:        "explode_wrapped",
			wantClass:     "ArgumentError",
			wantMessage:   "rendering: bad input",
			wantBacktrace: []string{"/inmate/render.go:40:in `render'"},
		},
		{
			method:      "explode_plain",
			wantClass:   "Error",
			wantMessage: "plain failure",
		},
	}

	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			side := runInmate(t, testRegistry(t, nil), nil, tt.method)

			proxy := NewProxy(ProxyOptions{})
			demux := stream.NewDemuxer(proxy.Receive)
			_, err := demux.Write(attachStream(t, side, ""))

			var runtimeErr *InmateRuntimeError
			require.ErrorAs(t, err, &runtimeErr)
			assert.Equal(t, tt.wantClass, runtimeErr.Class)
			assert.Equal(t, tt.wantMessage, runtimeErr.Message)
			assert.Equal(t, tt.wantBacktrace, runtimeErr.RemoteBacktrace)
		})
	}
}

func TestProxyRaiseAbortsProcessing(t *testing.T) {
	raise, err := codec.Encode(codec.TagRaise, codec.Raise{Class: "ArgumentError", Message: "bad"})
	require.NoError(t, err)
	ret, err := codec.Encode(codec.TagReturn, "late")
	require.NoError(t, err)

	proxy := NewProxy(ProxyOptions{})
	err = proxy.Receive(stream.Stdout, append(raise, ret...))
	require.Error(t, err)
	assert.Equal(t, "ArgumentError: bad", err.Error())
	assert.False(t, proxy.Returned())

	// Later chunks keep failing with the same error.
	assert.Equal(t, err, proxy.Receive(stream.Stdout, ret))
}

func TestProxyForwardsStdoutAndStderr(t *testing.T) {
	printed, err := codec.EncodeStdout([]byte("from inmate\n"))
	require.NoError(t, err)
	ret, err := codec.Encode(codec.TagReturn, int64(7))
	require.NoError(t, err)

	var stdout, stderr bytes.Buffer
	proxy := NewProxy(ProxyOptions{Stdout: &stdout, Stderr: &stderr})
	demux := stream.NewDemuxer(proxy.Receive)
	_, err = demux.Write(attachStream(t, append(printed, ret...), "runtime warning\n"))
	require.NoError(t, err)

	assert.Equal(t, "from inmate\n", stdout.String())
	assert.Equal(t, "runtime warning\n", stderr.String())
	result, err := proxy.Result()
	require.NoError(t, err)
	assert.Equal(t, int64(7), result)
}

func TestProxyNoResult(t *testing.T) {
	proxy := NewProxy(ProxyOptions{})
	_, err := proxy.Result()
	assert.ErrorIs(t, err, ErrNoResult)

	ret, err := codec.Encode(codec.TagReturn, "truncated value")
	require.NoError(t, err)
	proxy = NewProxy(ProxyOptions{})
	require.NoError(t, proxy.Receive(stream.Stdout, ret[:len(ret)-2]))
	_, err = proxy.Result()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestProxyYieldCallbackError(t *testing.T) {
	side := runInmate(t, testRegistry(t, nil), nil, "progress")
	stop := errors.New("caller gave up")

	proxy := NewProxy(ProxyOptions{Yield: func(...any) error { return stop }})
	err := proxy.Receive(stream.Stdout, side)
	assert.ErrorIs(t, err, stop)
}

func TestRunnerInterleavingSafety(t *testing.T) {
	for _, method := range []string{"print_then_yield", "yield_then_print"} {
		t.Run(method, func(t *testing.T) {
			capture := NewPipeCapture()
			side := runInmate(t, testRegistry(t, capture), capture, method)

			msgs := decodeAll(t, side)
			var stdout []byte
			var yields [][]any
			for _, m := range msgs {
				switch m.Tag {
				case codec.TagStdout:
					b, err := m.Bytes()
					require.NoError(t, err)
					stdout = append(stdout, b...)
				case codec.TagYield:
					values, err := m.Values()
					require.NoError(t, err)
					yields = append(yields, values)
				}
			}

			assert.Equal(t, "diagnostic line\n", string(stdout))
			assert.Equal(t, [][]any{{"progress", int64(50)}}, yields)
			require.NotEmpty(t, msgs)
			assert.Equal(t, codec.TagReturn, msgs[len(msgs)-1].Tag, "terminal message must come last")
		})
	}
}

func TestRunnerRaises(t *testing.T) {
	tests := []struct {
		name      string
		dispatch  []byte
		wantClass string
		wantMsg   string
	}{
		{
			name:      "unknown method",
			dispatch:  mustDispatch(t, "nope"),
			wantClass: "NoMethodError",
			wantMsg:   `undefined method "nope"`,
		},
		{
			name:      "panic",
			dispatch:  mustDispatch(t, "panic"),
			wantClass: "runtime.Error",
			wantMsg:   "assignment to entry in nil map",
		},
		{
			name:      "garbage on stdin",
			dispatch:  []byte{0xff},
			wantClass: "ProtocolError",
			wantMsg:   "reading dispatch",
		},
		{
			name:      "empty stdin",
			dispatch:  nil,
			wantClass: "ProtocolError",
			wantMsg:   "reading dispatch",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var side bytes.Buffer
			runner := NewRunner(RunnerOptions{
				Registry:    testRegistry(t, nil),
				Stdin:       bytes.NewReader(tt.dispatch),
				SideChannel: &side,
			})
			require.NoError(t, runner.Run(context.Background()))

			msgs := decodeAll(t, side.Bytes())
			require.Len(t, msgs, 1)
			require.Equal(t, codec.TagRaise, msgs[0].Tag)
			r, err := msgs[0].Raise()
			require.NoError(t, err)
			if tt.wantClass == "runtime.Error" {
				assert.NotEmpty(t, r.Class)
				assert.NotEmpty(t, r.Backtrace)
			} else {
				assert.Equal(t, tt.wantClass, r.Class)
			}
			assert.Contains(t, r.Message, tt.wantMsg)
		})
	}
}

func TestRunnerImportError(t *testing.T) {
	var side bytes.Buffer
	runner := NewRunner(RunnerOptions{
		Load: func() (inmate.Inmate, error) {
			return nil, errors.New("missing dependency")
		},
		Stdin:       bytes.NewReader(mustDispatch(t, "anything")),
		SideChannel: &side,
	})
	require.NoError(t, runner.Run(context.Background()))

	msgs := decodeAll(t, side.Bytes())
	require.Len(t, msgs, 1)
	r, err := msgs[0].Raise()
	require.NoError(t, err)
	assert.Equal(t, "InmateImportError", r.Class)
	assert.Contains(t, r.Message, "missing dependency")
}

func TestRunnerLoadsRegistry(t *testing.T) {
	var side bytes.Buffer
	runner := NewRunner(RunnerOptions{
		Load: func() (inmate.Inmate, error) {
			return inmate.Methods{"ping": func(context.Context, []any, inmate.YieldFunc) (any, error) {
				return "pong", nil
			}}, nil
		},
		Stdin:       bytes.NewReader(mustDispatch(t, "ping")),
		SideChannel: &side,
	})
	require.NoError(t, runner.Run(context.Background()))

	msgs := decodeAll(t, side.Bytes())
	require.Len(t, msgs, 1)
	value, err := msgs[0].Value()
	require.NoError(t, err)
	assert.Equal(t, "pong", value)
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("side channel closed") }

func TestRunnerSideChannelFailure(t *testing.T) {
	runner := NewRunner(RunnerOptions{
		Registry:    testRegistry(t, nil),
		Stdin:       bytes.NewReader(mustDispatch(t, "render_reverse", "x")),
		SideChannel: failingWriter{},
	})
	assert.Error(t, runner.Run(context.Background()))
}

func TestCombine(t *testing.T) {
	ret, err := codec.Encode(codec.TagReturn, "ok")
	require.NoError(t, err)
	yield, err := codec.Encode(codec.TagYield, []any{int64(1)})
	require.NoError(t, err)

	side := io.MultiReader(bytes.NewReader(yield[:3]), bytes.NewReader(append(yield[3:], ret...)))
	plain := strings.NewReader("plain output\n")

	var out bytes.Buffer
	require.NoError(t, Combine(context.Background(), &out, plain, side))

	msgs := decodeAll(t, out.Bytes())
	require.Len(t, msgs, 3)

	var tags []codec.Tag
	var printed string
	for _, m := range msgs {
		tags = append(tags, m.Tag)
		if m.Tag == codec.TagStdout {
			b, err := m.Bytes()
			require.NoError(t, err)
			printed = string(b)
		}
	}
	assert.Equal(t, "plain output\n", printed)
	assert.ElementsMatch(t, []codec.Tag{codec.TagStdout, codec.TagYield, codec.TagReturn}, tags)

	// Side channel messages keep their relative order.
	yieldIdx, returnIdx := -1, -1
	for i, tag := range tags {
		switch tag {
		case codec.TagYield:
			yieldIdx = i
		case codec.TagReturn:
			returnIdx = i
		}
	}
	assert.Less(t, yieldIdx, returnIdx)
}

func TestCombineTruncatedSideChannel(t *testing.T) {
	ret, err := codec.Encode(codec.TagReturn, "ok")
	require.NoError(t, err)

	var out bytes.Buffer
	err = Combine(context.Background(), &out, strings.NewReader(""), bytes.NewReader(ret[:len(ret)-1]))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestSyncWriterConcurrentMessages(t *testing.T) {
	var buf bytes.Buffer
	w := NewSyncWriter(&buf)

	done := make(chan struct{})
	for i := 0; i < 4; i++ {
		go func(i int) {
			defer func() { done <- struct{}{} }()
			for j := 0; j < 50; j++ {
				_ = w.Send(codec.TagStdout, bytes.Repeat([]byte{byte('a' + i)}, 100))
			}
		}(i)
	}
	for i := 0; i < 4; i++ {
		<-done
	}

	msgs := decodeAll(t, buf.Bytes())
	require.Len(t, msgs, 200)
	for _, m := range msgs {
		b, err := m.Bytes()
		require.NoError(t, err)
		require.Len(t, b, 100)
		assert.Equal(t, bytes.Repeat(b[:1], 100), b)
	}
}

func mustDispatch(t *testing.T, method string, args ...any) []byte {
	t.Helper()
	data, err := codec.EncodeDispatch(method, args)
	require.NoError(t, err)
	return data
}
