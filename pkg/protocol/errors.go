package protocol

import (
	"strings"

	"github.com/cuemby/hoosegow/pkg/inmate"
)

// BacktraceSeparator divides the remote backtrace from the local call
// stack in an InmateRuntimeError message.
const BacktraceSeparator = "--- end of inmate backtrace ---"

// InmateRuntimeError is an error raised by an inmate method, rebuilt on
// the trusted side.
type InmateRuntimeError struct {
	// Class is the remote error class name.
	Class string
	// Message is the remote error message.
	Message string
	// RemoteBacktrace is the inmate's backtrace, outermost frame last.
	RemoteBacktrace []string
	// LocalStack is where the call was made on the trusted side.
	LocalStack []string
}

func newInmateRuntimeError(class, message string, backtrace []string) *InmateRuntimeError {
	return &InmateRuntimeError{
		Class:           class,
		Message:         message,
		RemoteBacktrace: backtrace,
		LocalStack:      inmate.Callers(3),
	}
}

// Summary returns "Class: message".
func (e *InmateRuntimeError) Summary() string {
	return e.Class + ": " + e.Message
}

// Error returns the summary followed, when the inmate sent one, by the
// remote backtrace, the separator, and the local stack.
func (e *InmateRuntimeError) Error() string {
	if len(e.RemoteBacktrace) == 0 {
		return e.Summary()
	}
	var b strings.Builder
	b.WriteString(e.Summary())
	for _, frame := range e.RemoteBacktrace {
		b.WriteString("\n\t")
		b.WriteString(frame)
	}
	b.WriteString("\n\t")
	b.WriteString(BacktraceSeparator)
	for _, frame := range e.LocalStack {
		b.WriteString("\n\t")
		b.WriteString(frame)
	}
	return b.String()
}

// Backtrace returns the remote frames followed by the local frames.
func (e *InmateRuntimeError) Backtrace() []string {
	frames := make([]string, 0, len(e.RemoteBacktrace)+len(e.LocalStack))
	frames = append(frames, e.RemoteBacktrace...)
	return append(frames, e.LocalStack...)
}

// ClassName returns the remote class, so a re-raised error keeps its
// original identity.
func (e *InmateRuntimeError) ClassName() string {
	return e.Class
}
