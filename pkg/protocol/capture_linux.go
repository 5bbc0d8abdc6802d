//go:build linux

package protocol

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// CaptureStdout points file descriptor 1 at a fresh pipe. Anything the
// process or its children print goes to the pipe until Release; the
// previous descriptor stays available through Original.
func CaptureStdout() (*StdoutCapture, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}

	saved, err := unix.Dup(unix.Stdout)
	if err != nil {
		r.Close()
		w.Close()
		return nil, fmt.Errorf("failed to duplicate stdout: %w", err)
	}
	unix.CloseOnExec(saved)

	if err := unix.Dup3(int(w.Fd()), unix.Stdout, 0); err != nil {
		unix.Close(saved)
		r.Close()
		w.Close()
		return nil, fmt.Errorf("failed to redirect stdout: %w", err)
	}

	original := os.NewFile(uintptr(saved), "/dev/stdout")
	return &StdoutCapture{
		reader:   r,
		writer:   w,
		original: original,
		restore: func() error {
			// Replacing fd 1 drops the last writer reference held by it.
			if err := unix.Dup3(saved, unix.Stdout, 0); err != nil {
				return fmt.Errorf("failed to restore stdout: %w", err)
			}
			return nil
		},
	}, nil
}
