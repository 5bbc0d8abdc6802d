//go:build linux

package protocol

import (
	"fmt"
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCaptureStdout(t *testing.T) {
	capture, err := CaptureStdout()
	require.NoError(t, err)
	defer capture.Close()

	fmt.Fprint(os.Stdout, "captured text")
	require.NoError(t, capture.Release())

	data, err := io.ReadAll(capture)
	require.NoError(t, err)
	assert.Equal(t, "captured text", string(data))

	// Release is idempotent.
	assert.NoError(t, capture.Release())
	assert.NotNil(t, capture.Original())
}
