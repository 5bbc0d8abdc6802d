package docker

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNoContainer is returned by operations that need an active container
// when the driver has none.
var ErrNoContainer = errors.New("no active container")

// DriverError reports a failed call against the control endpoint, either
// at the transport level (StatusCode 0) or as a non-success HTTP status.
type DriverError struct {
	Op         string
	StatusCode int
	Message    string
	Err        error
}

func (e *DriverError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	switch {
	case e.StatusCode != 0 && msg != "":
		return fmt.Sprintf("docker %s: status %d: %s", e.Op, e.StatusCode, msg)
	case e.StatusCode != 0:
		return fmt.Sprintf("docker %s: status %d", e.Op, e.StatusCode)
	default:
		return "docker " + e.Op + ": " + msg
	}
}

func (e *DriverError) Unwrap() error {
	return e.Err
}

// NotFound reports whether the control endpoint answered 404.
func (e *DriverError) NotFound() bool {
	return e.StatusCode == 404
}

// statusError builds a DriverError from a non-success response body. The
// runtime reports errors as {"message": "..."}; anything else is kept as
// text.
func statusError(op string, status int, body []byte) *DriverError {
	var payload struct {
		Message string `json:"message"`
	}
	msg := strings.TrimSpace(string(body))
	if err := json.Unmarshal(body, &payload); err == nil && payload.Message != "" {
		msg = payload.Message
	}
	return &DriverError{Op: op, StatusCode: status, Message: msg}
}

// ErrorDetail is the structured error the build stream attaches to a
// failed step.
type ErrorDetail struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message"`
}

// ImageBuildError reports that the build stream carried an error object.
type ImageBuildError struct {
	Message string
	Detail  *ErrorDetail
	// Raw is the complete error object as sent by the runtime.
	Raw map[string]any
}

func (e *ImageBuildError) Error() string {
	msg := e.Message
	if msg == "" && e.Detail != nil {
		msg = e.Detail.Message
	}
	return "image build failed: " + strings.TrimSpace(msg)
}
