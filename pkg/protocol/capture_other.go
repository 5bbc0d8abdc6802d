//go:build !linux

package protocol

import (
	"fmt"
	"os"
)

// CaptureStdout swaps os.Stdout for a pipe. Without descriptor-level
// redirection only output written through os.Stdout is captured.
func CaptureStdout() (*StdoutCapture, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}

	original := os.Stdout
	os.Stdout = w
	return &StdoutCapture{
		reader:   r,
		writer:   w,
		original: original,
		restore: func() error {
			os.Stdout = original
			return nil
		},
	}, nil
}
