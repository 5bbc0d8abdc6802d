/*
Package hoosegow runs named inmate methods inside disposable Docker
containers, or directly in-process during development.

A Hoosegow is built once with a Mode. In ModeLocal, Call looks the method up
in an inmate.Registry and invokes it. In ModeProxy, Call encodes a dispatch
message, runs it through a docker.Driver against the configured image, and
rebuilds the yields, return value or raised error from the container's
attach stream:

	h, err := hoosegow.New(hoosegow.Options{
		Mode:         hoosegow.ModeProxy,
		Bundle:       bundle.New(cfg.BundleOptions()),
		DriverConfig: driverCfg,
	})
	if err != nil {
		return err
	}
	defer h.Close(ctx)

	if _, err := h.BuildImage(ctx, nil); err != nil {
		return err
	}
	result, err := h.Call(ctx, "render_reverse", []any{"foobar"}, nil)

Calls through one Hoosegow are serialized, since its driver tracks a single
container. Run several Hoosegow values for concurrent calls.

Every call is counted in the hoosegow_calls_total metric, published as
call.started and call.finished events, and recorded in the optional ledger.
*/
package hoosegow
