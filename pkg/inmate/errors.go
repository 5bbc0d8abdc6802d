package inmate

import (
	"errors"
	"fmt"
	"go/token"
	"reflect"
	"runtime"
	"strings"
)

// ImportError reports that the inmate's method table failed to load.
type ImportError struct {
	Err error
}

func (e *ImportError) Error() string {
	return "inmate import failed: " + e.Err.Error()
}

func (e *ImportError) Unwrap() error {
	return e.Err
}

// ClassName implements ClassNamer.
func (e *ImportError) ClassName() string {
	return "InmateImportError"
}

// NoMethodError is returned when a dispatch names an unknown method.
type NoMethodError struct {
	Method string
}

func (e *NoMethodError) Error() string {
	return fmt.Sprintf("undefined method %q for inmate", e.Method)
}

// ClassName implements ClassNamer.
func (e *NoMethodError) ClassName() string {
	return "NoMethodError"
}

// ClassNamer lets an error choose the class name reported across the
// sandbox boundary.
type ClassNamer interface {
	ClassName() string
}

// Backtracer lets an error supply the backtrace reported across the
// sandbox boundary.
type Backtracer interface {
	Backtrace() []string
}

// Error is an error with an explicit class name and the stack captured
// where it was created.
type Error struct {
	Class   string
	Message string
	Err     error
	frames  []string
}

// NewError creates an *Error with the caller's backtrace.
func NewError(class, message string) *Error {
	return &Error{Class: class, Message: message, frames: Callers(2)}
}

// WithBacktrace creates an *Error carrying frames as its backtrace.
func WithBacktrace(class, message string, frames []string) *Error {
	return &Error{Class: class, Message: message, frames: frames}
}

// Errorf creates an *Error with a formatted message. A %w verb wraps the
// operand as usual.
func Errorf(class, format string, args ...any) *Error {
	err := fmt.Errorf(format, args...)
	return &Error{Class: class, Message: err.Error(), Err: errUnwrap(err), frames: Callers(2)}
}

func errUnwrap(err error) error {
	if u, ok := err.(interface{ Unwrap() error }); ok {
		return u.Unwrap()
	}
	return nil
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ClassName implements ClassNamer.
func (e *Error) ClassName() string {
	return e.Class
}

// Backtrace implements Backtracer.
func (e *Error) Backtrace() []string {
	return e.frames
}

// ClassOf returns the class name reported for err. The first ClassNamer in
// the wrap chain wins. Otherwise the first named error type in the chain is
// used, skipping unexported standard library types such as the ones behind
// errors.New and fmt.Errorf, and "Error" when none remains.
func ClassOf(err error) string {
	var cn ClassNamer
	if errors.As(err, &cn) && cn.ClassName() != "" {
		return cn.ClassName()
	}
	for e := err; e != nil; e = errors.Unwrap(e) {
		if name := typeName(e); name != "" {
			return name
		}
	}
	return "Error"
}

func typeName(err error) string {
	t := reflect.TypeOf(err)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil || t.Name() == "" {
		return ""
	}
	if !token.IsExported(t.Name()) && isStdlib(t.PkgPath()) {
		return ""
	}
	return t.Name()
}

// isStdlib reports whether pkgPath names a standard library package, whose
// import paths have no dot in the first element.
func isStdlib(pkgPath string) bool {
	first, _, _ := strings.Cut(pkgPath, "/")
	return !strings.Contains(first, ".")
}

// BacktraceOf returns the backtrace of the first Backtracer in err's wrap
// chain, if any.
func BacktraceOf(err error) []string {
	var bt Backtracer
	if errors.As(err, &bt) {
		return bt.Backtrace()
	}
	return nil
}

// Callers formats the current goroutine's stack in file:line:in `func'
// form. skip 1 starts at the function that called Callers.
func Callers(skip int) []string {
	pcs := make([]uintptr, 64)
	n := runtime.Callers(skip+1, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	var lines []string
	for {
		frame, more := frames.Next()
		if !strings.HasPrefix(frame.Function, "runtime.") {
			lines = append(lines, fmt.Sprintf("%s:%d:in `%s'", frame.File, frame.Line, shortFunc(frame.Function)))
		}
		if !more {
			break
		}
	}
	return lines
}

func shortFunc(name string) string {
	if i := strings.LastIndex(name, "/"); i >= 0 {
		return name[i+1:]
	}
	return name
}
