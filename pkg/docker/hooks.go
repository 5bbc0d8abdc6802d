package docker

import (
	"context"
	"fmt"

	"github.com/cuemby/hoosegow/pkg/metrics"
)

// runHook calls hook with the active container's inspect metadata. Hook
// errors and panics are logged and counted, never returned.
func (d *Driver) runHook(ctx context.Context, name string, hook Hook) {
	if hook == nil {
		return
	}
	c, ok := d.Container()
	if !ok {
		return
	}

	info, err := d.inspect(ctx, c.ID)
	if err != nil {
		d.logger.Debug().Err(err).Str("hook", name).Msg("Inspect failed, passing minimal metadata to hook")
		info = map[string]any{
			"Id":    c.ID,
			"Name":  c.Name,
			"Image": c.Image,
		}
	}

	if err := callHook(hook, info); err != nil {
		metrics.HookFailures.WithLabelValues(name).Inc()
		d.logger.Warn().Err(err).
			Str("hook", name).
			Str("container_id", c.ID).
			Msg("Lifecycle hook failed")
	}
}

func callHook(hook Hook, info map[string]any) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("hook panicked: %v", p)
		}
	}()
	return hook(info)
}
