package hoosegow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/hoosegow/pkg/bundle"
	"github.com/cuemby/hoosegow/pkg/docker"
	"github.com/cuemby/hoosegow/pkg/events"
	"github.com/cuemby/hoosegow/pkg/inmate"
	"github.com/cuemby/hoosegow/pkg/log"
	"github.com/cuemby/hoosegow/pkg/metrics"
	"github.com/cuemby/hoosegow/pkg/protocol"
	"github.com/cuemby/hoosegow/pkg/storage"
	"github.com/cuemby/hoosegow/pkg/types"
)

// Mode selects where inmate methods run.
type Mode int

const (
	// ModeProxy ships every call into a fresh container.
	ModeProxy Mode = iota
	// ModeLocal calls the method table in-process. It is meant for
	// development and for code already running inside the sandbox.
	ModeLocal
)

func (m Mode) String() string {
	switch m {
	case ModeProxy:
		return "proxy"
	case ModeLocal:
		return "local"
	default:
		return "mode(" + strconv.Itoa(int(m)) + ")"
	}
}

// ErrNoImage is returned when neither an image name nor a bundle is
// configured.
var ErrNoImage = errors.New("no image name or bundle configured")

// Options holds configuration for creating a Hoosegow.
type Options struct {
	Mode Mode

	// Registry is the method table called in ModeLocal.
	Registry *inmate.Registry

	// Driver runs containers in ModeProxy. When nil, one is created from
	// DriverConfig.
	Driver       *docker.Driver
	DriverConfig docker.Config

	// Image is an operator-supplied image reference. When empty the
	// content-addressed reference of Bundle is used.
	Image  string
	Bundle *bundle.Bundle

	// Store, when set, records every call and image build.
	Store  storage.Store
	Events *events.Broker

	// Stdout receives what inmate methods print; Stderr receives the raw
	// container stderr. They default to the process's own.
	Stdout io.Writer
	Stderr io.Writer
}

// Hoosegow calls inmate methods either locally or inside a container. Calls
// through one Hoosegow are serialized.
type Hoosegow struct {
	mode     Mode
	registry *inmate.Registry
	driver   *docker.Driver
	image    string
	bundle   *bundle.Bundle
	store    storage.Store
	events   *events.Broker
	stdout   io.Writer
	stderr   io.Writer
	logger   zerolog.Logger

	mu sync.Mutex
}

// New creates a Hoosegow. The mode is fixed for its lifetime.
func New(opts Options) (*Hoosegow, error) {
	h := &Hoosegow{
		mode:     opts.Mode,
		registry: opts.Registry,
		driver:   opts.Driver,
		image:    opts.Image,
		bundle:   opts.Bundle,
		store:    opts.Store,
		events:   opts.Events,
		stdout:   opts.Stdout,
		stderr:   opts.Stderr,
		logger:   log.WithComponent("hoosegow"),
	}
	if h.stdout == nil {
		h.stdout = os.Stdout
	}
	if h.stderr == nil {
		h.stderr = os.Stderr
	}

	switch h.mode {
	case ModeLocal:
		if h.registry == nil {
			return nil, fmt.Errorf("local mode requires a method registry")
		}
	case ModeProxy:
		if h.image == "" && h.bundle == nil {
			return nil, ErrNoImage
		}
		if h.driver == nil {
			d, err := docker.New(opts.DriverConfig, docker.WithEvents(h.events))
			if err != nil {
				return nil, fmt.Errorf("failed to create docker driver: %w", err)
			}
			h.driver = d
		}
	default:
		return nil, fmt.Errorf("unknown mode %s", h.mode)
	}
	return h, nil
}

// Mode returns the mode chosen at construction.
func (h *Hoosegow) Mode() Mode {
	return h.mode
}

// Call invokes method with args. Yielded values are passed to yield in the
// order they were produced; a nil yield discards them. In ModeProxy an
// error raised by the method is returned as *protocol.InmateRuntimeError.
func (h *Hoosegow) Call(ctx context.Context, method string, args []any, yield inmate.YieldFunc) (any, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	record := &types.CallRecord{
		ID:        uuid.New().String(),
		Method:    method,
		StartedAt: time.Now(),
	}
	logger := log.WithMethod(log.WithCallID(h.logger, record.ID), method)
	timer := metrics.NewTimer()

	h.publish(events.EventCallStarted, record, "")

	var result any
	var err error
	if h.mode == ModeLocal {
		yields := 0
		counted := func(values ...any) error {
			yields++
			if yield == nil {
				return nil
			}
			return yield(values...)
		}
		result, err = h.registry.Call(ctx, method, args, counted)
		record.Yields = yields
	} else {
		result, err = h.proxyCall(ctx, record, args, yield)
	}

	record.Duration = timer.Duration()
	record.Outcome = h.outcome(err)
	if err != nil {
		record.Error = err.Error()
	}

	metrics.CallsTotal.WithLabelValues(method, string(record.Outcome)).Inc()
	timer.ObserveDurationVec(metrics.CallDuration, method)
	metrics.YieldsTotal.WithLabelValues(method).Add(float64(record.Yields))

	if h.store != nil {
		if serr := h.store.PutCall(record); serr != nil {
			logger.Warn().Err(serr).Msg("Failed to record call")
		}
	}

	h.publish(events.EventCallFinished, record, record.Error)
	logger.Debug().
		Str("outcome", string(record.Outcome)).
		Int("yields", record.Yields).
		Dur("duration", record.Duration).
		Msg("Call finished")

	return result, err
}

func (h *Hoosegow) proxyCall(ctx context.Context, record *types.CallRecord, args []any, yield inmate.YieldFunc) (any, error) {
	image, err := h.ImageName()
	if err != nil {
		return nil, err
	}
	record.Image = image

	proxy := protocol.NewProxy(protocol.ProxyOptions{
		Yield:  yield,
		Stdout: h.stdout,
		Stderr: h.stderr,
	})
	dispatch, err := proxy.EncodeDispatch(record.Method, args)
	if err != nil {
		return nil, fmt.Errorf("failed to encode dispatch: %w", err)
	}

	runErr := h.driver.Run(ctx, image, dispatch, proxy.Receive)
	record.ContainerID = h.driver.LastServed()
	record.Yields = proxy.Yields()
	if runErr != nil {
		return nil, runErr
	}
	return proxy.Result()
}

// outcome classifies a call result. Locally every error comes from the
// method itself; through a proxy only a rebuilt inmate error does.
func (h *Hoosegow) outcome(err error) types.CallOutcome {
	if err == nil {
		return types.CallOutcomeReturn
	}
	var runtimeErr *protocol.InmateRuntimeError
	if h.mode == ModeLocal || errors.As(err, &runtimeErr) {
		return types.CallOutcomeRaise
	}
	return types.CallOutcomeError
}

// ImageName returns the configured image reference, or the
// content-addressed reference of the bundle.
func (h *Hoosegow) ImageName() (string, error) {
	if h.image != "" {
		return h.image, nil
	}
	if h.bundle == nil {
		return "", ErrNoImage
	}
	return h.bundle.ImageName()
}

// ImageExists reports whether the runtime already has the image.
func (h *Hoosegow) ImageExists(ctx context.Context) (bool, error) {
	if h.driver == nil {
		return false, fmt.Errorf("image lookup is not available in %s mode", h.mode)
	}
	name, err := h.ImageName()
	if err != nil {
		return false, err
	}
	return h.driver.ImageExists(ctx, name)
}

// BuildImage builds the bundle into an image unless an image with the same
// reference already exists. progress receives every build message.
func (h *Hoosegow) BuildImage(ctx context.Context, progress func(docker.BuildMessage)) (*types.ImageRecord, error) {
	if h.driver == nil {
		return nil, fmt.Errorf("image build is not available in %s mode", h.mode)
	}
	if h.bundle == nil {
		return nil, fmt.Errorf("image build requires a bundle")
	}

	archive, err := h.bundle.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build bundle: %w", err)
	}
	name := h.image
	if name == "" {
		name = archive.Reference
	}
	logger := h.logger.With().Str("image", name).Logger()

	record := &types.ImageRecord{
		Reference: name,
		Digest:    archive.Digest,
		Files:     len(archive.Files),
		BuiltAt:   time.Now(),
	}

	exists, err := h.driver.ImageExists(ctx, name)
	if err != nil {
		return nil, err
	}
	if exists {
		logger.Info().Msg("Image already exists, skipping build")
		record.Skipped = true
		metrics.ImageBuildsTotal.WithLabelValues("skipped").Inc()
		h.recordImage(record)
		return record, nil
	}

	logger.Info().
		Int("files", record.Files).
		Int("context_bytes", archive.Size()).
		Msg("Building image")
	messages, err := h.driver.BuildImage(ctx, name, archive.Reader(), progress)
	record.Messages = len(messages)
	if err != nil {
		record.BuildError = err.Error()
		metrics.ImageBuildsTotal.WithLabelValues("failed").Inc()
		h.recordImage(record)
		return record, err
	}
	metrics.ImageBuildsTotal.WithLabelValues("built").Inc()
	h.recordImage(record)
	return record, nil
}

func (h *Hoosegow) recordImage(record *types.ImageRecord) {
	if h.store == nil {
		return
	}
	if err := h.store.PutImage(record); err != nil {
		h.logger.Warn().Err(err).Str("image", record.Reference).Msg("Failed to record image")
	}
}

// Prestart warms a container for the next call when the driver has
// prestart enabled. It is a no-op in ModeLocal.
func (h *Hoosegow) Prestart(ctx context.Context) error {
	if h.driver == nil {
		return nil
	}
	image, err := h.ImageName()
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.driver.Prestart(ctx, image)
}

// Close releases any prestarted container. The store is owned by the
// caller and left open.
func (h *Hoosegow) Close(ctx context.Context) {
	if h.driver == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.driver.Close(ctx)
}

func (h *Hoosegow) publish(t events.EventType, record *types.CallRecord, message string) {
	meta := map[string]string{
		"call_id": record.ID,
		"method":  record.Method,
		"mode":    h.mode.String(),
	}
	if t == events.EventCallFinished {
		meta["outcome"] = string(record.Outcome)
		meta["yields"] = strconv.Itoa(record.Yields)
		meta["duration"] = record.Duration.String()
		if record.ContainerID != "" {
			meta["container_id"] = record.ContainerID
		}
	}
	h.events.Publish(&events.Event{
		Type:     t,
		Message:  message,
		Metadata: meta,
	})
}
