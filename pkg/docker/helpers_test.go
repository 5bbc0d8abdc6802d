package docker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/hoosegow/pkg/inmate"
	"github.com/cuemby/hoosegow/test/framework"
)

const testImage = framework.DefaultImage

func testRegistry() *inmate.Registry {
	reg := inmate.NewRegistry()
	reg.MustRegister("render_reverse", func(_ context.Context, args []any, _ inmate.YieldFunc) (any, error) {
		r := []rune(args[0].(string))
		for i, j := 0, len(r)-1; i < j; i, j = i+1, j-1 {
			r[i], r[j] = r[j], r[i]
		}
		return string(r), nil
	})
	reg.MustRegister("explode", func(context.Context, []any, inmate.YieldFunc) (any, error) {
		return nil, inmate.WithBacktrace("RuntimeError", "boom", []string{"inmate.go:7:in `explode'"})
	})
	return reg
}

func newDaemon(t *testing.T) *framework.Daemon {
	return framework.NewDaemon(t, testRegistry())
}

// newDriver returns a driver pointed at f.
func newDriver(t *testing.T, f *framework.Daemon, cfg Config, opts ...Option) *Driver {
	t.Helper()
	cfg.Endpoint = f.Endpoint()
	d, err := New(cfg, opts...)
	require.NoError(t, err)
	return d
}
