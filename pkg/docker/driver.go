package docker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/cuemby/hoosegow/pkg/events"
	"github.com/cuemby/hoosegow/pkg/log"
	"github.com/cuemby/hoosegow/pkg/metrics"
	"github.com/cuemby/hoosegow/pkg/stream"
	"github.com/cuemby/hoosegow/pkg/transport"
	"github.com/cuemby/hoosegow/pkg/types"
)

// Driver runs containers through the Docker Engine API. It tracks at most
// one container at a time and is not safe for concurrent calls; use one
// Driver per in-flight call.
type Driver struct {
	cfg    Config
	client *transport.Client
	logger zerolog.Logger
	events *events.Broker

	mu        sync.Mutex
	container *types.Container
	served    string

	deleteFailures int
}

// Option configures a Driver.
type Option func(*Driver)

// WithLogger replaces the driver's logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(d *Driver) {
		d.logger = logger
	}
}

// WithEvents publishes container lifecycle events to broker.
func WithEvents(broker *events.Broker) Option {
	return func(d *Driver) {
		d.events = broker
	}
}

// New creates a driver for cfg.Endpoint. No connection is made until the
// first operation.
func New(cfg Config, opts ...Option) (*Driver, error) {
	endpoint, err := transport.ParseEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, err
	}
	cfg.setDefaults()

	var clientOpts []transport.Option
	if cfg.APIVersion != "" {
		clientOpts = append(clientOpts, transport.WithAPIVersion(cfg.APIVersion))
	}

	d := &Driver{
		cfg:    cfg,
		client: transport.NewClient(endpoint, clientOpts...),
		logger: log.WithComponent("docker"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Container returns a snapshot of the active container.
func (d *Driver) Container() (types.Container, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.container == nil {
		return types.Container{}, false
	}
	c := *d.container
	c.Binds = append([]string(nil), d.container.Binds...)
	return c, true
}

// LastServed returns the id of the container that served the most recent
// Run, or "" before the first one.
func (d *Driver) LastServed() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.served
}

// Create creates a container from image with stdin open and no TTY. The
// new container becomes the active one.
func (d *Driver) Create(ctx context.Context, image string) error {
	if image == "" {
		return fmt.Errorf("image is required")
	}
	if c, ok := d.Container(); ok {
		d.logger.Warn().Str("container_id", c.ID).Msg("replacing active container without deleting it")
	}

	name := d.cfg.NamePrefix + uuid.New().String()
	body, contentType, err := jsonBody(d.createBody(image))
	if err != nil {
		return err
	}

	var created struct {
		ID       string   `json:"Id"`
		Warnings []string `json:"Warnings"`
	}
	_, err = d.call(ctx, "create", transport.Request{
		Method:      http.MethodPost,
		Path:        "/containers/create",
		Query:       url.Values{"name": {name}},
		Body:        body,
		ContentType: contentType,
	}, &created, http.StatusCreated, http.StatusOK)
	if err != nil {
		return err
	}
	if created.ID == "" {
		return &DriverError{Op: "create", Message: "runtime returned no container id"}
	}

	c := &types.Container{
		ID:        created.ID,
		Name:      name,
		Image:     image,
		State:     types.ContainerStateCreated,
		Binds:     d.cfg.Volumes.Binds(),
		CreatedAt: time.Now(),
	}
	d.mu.Lock()
	d.container = c
	d.mu.Unlock()

	logger := log.WithContainerID(d.logger, c.ID)
	for _, w := range created.Warnings {
		logger.Warn().Msg(w)
	}
	logger.Debug().Str("image", image).Str("name", name).Msg("Container created")
	d.publish(events.EventContainerCreated, *c, "container created")
	d.runHook(ctx, "after_create", d.cfg.Hooks.AfterCreate)
	return nil
}

func (d *Driver) createBody(image string) map[string]any {
	body := make(map[string]any, len(d.cfg.CreateOptions)+8)
	for k, v := range d.cfg.CreateOptions {
		body[k] = v
	}
	body["Image"] = image
	body["OpenStdin"] = true
	body["StdinOnce"] = true
	body["AttachStdin"] = true
	body["AttachStdout"] = true
	body["AttachStderr"] = true
	body["Tty"] = false

	if placeholders := d.cfg.Volumes.Placeholders(); placeholders != nil {
		body["Volumes"] = placeholders
	}
	if binds := d.cfg.Volumes.Binds(); binds != nil && !d.cfg.LegacyStartBinds {
		hostConfig := make(map[string]any)
		if hc, ok := d.cfg.CreateOptions["HostConfig"].(map[string]any); ok {
			for k, v := range hc {
				hostConfig[k] = v
			}
		}
		hostConfig["Binds"] = binds
		body["HostConfig"] = hostConfig
	}
	return body
}

// Start starts the active container. Starting a container twice is an
// error reported by the runtime.
func (d *Driver) Start(ctx context.Context) error {
	c, err := d.active()
	if err != nil {
		return err
	}

	req := transport.Request{
		Method: http.MethodPost,
		Path:   "/containers/" + c.ID + "/start",
	}
	if d.cfg.LegacyStartBinds {
		if binds := d.cfg.Volumes.Binds(); binds != nil {
			req.Body, req.ContentType, err = jsonBody(map[string]any{"Binds": binds})
			if err != nil {
				return err
			}
		}
	}
	if _, err := d.call(ctx, "start", req, nil, http.StatusNoContent, http.StatusOK); err != nil {
		return err
	}

	d.transition(types.ContainerStateStarted, func(c *types.Container) {
		c.StartedAt = time.Now()
	})
	logger := log.WithContainerID(d.logger, c.ID)
	logger.Debug().Msg("Container started")
	d.publish(events.EventContainerStarted, c, "container started")
	d.runHook(ctx, "after_start", d.cfg.Hooks.AfterStart)
	return nil
}

// Output is the demultiplexed output of an attach.
type Output struct {
	Stdout []byte
	Stderr []byte
}

// AttachOutput is Attach collecting everything into memory.
func (d *Driver) AttachOutput(ctx context.Context, data []byte) (*Output, error) {
	var collector stream.Collector
	if err := d.Attach(ctx, data, collector.Handle); err != nil {
		return nil, err
	}
	return &Output{Stdout: collector.Stdout, Stderr: collector.Stderr}, nil
}

// Attach opens a hijacked stream to the active container, writes data to
// its stdin, closes stdin and hands every frame to handler until the
// runtime closes the stream. An error returned by handler stops the attach
// and is returned unchanged. Cancelling ctx closes the connection.
func (d *Driver) Attach(ctx context.Context, data []byte, handler stream.FrameHandler) error {
	c, err := d.active()
	if err != nil {
		return err
	}
	timer := metrics.NewTimer()
	err = d.attach(ctx, c, data, handler)
	metrics.RecordOperation("attach", timer, err)
	return err
}

func (d *Driver) attach(ctx context.Context, c types.Container, data []byte, handler stream.FrameHandler) error {
	conn, err := d.client.Hijack(ctx, transport.Request{
		Method: http.MethodPost,
		Path:   "/containers/" + c.ID + "/attach",
		Query: url.Values{
			"stream": {"1"},
			"stdin":  {"1"},
			"stdout": {"1"},
			"stderr": {"1"},
		},
	})
	if err != nil {
		return driverError("attach", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		conn.Close()
	})
	defer stop()

	d.transition(types.ContainerStateAttached, nil)
	logger := log.WithContainerID(d.logger, c.ID)

	var g errgroup.Group
	g.Go(func() error {
		if len(data) > 0 {
			if _, err := conn.Write(data); err != nil {
				return fmt.Errorf("writing container stdin: %w", err)
			}
		}
		if err := conn.CloseWrite(); err != nil {
			return fmt.Errorf("closing container stdin: %w", err)
		}
		return nil
	})

	src := &errReader{r: conn}
	demux := stream.NewDemuxer(handler)
	_, copyErr := io.Copy(demux, src)
	if copyErr == nil {
		copyErr = demux.Close()
	}
	if copyErr != nil {
		// Unblocks a stdin write the container never read.
		conn.Close()
	}
	if err := g.Wait(); err != nil {
		logger.Debug().Err(err).Msg("Container stdin was not fully delivered")
	}

	switch {
	case copyErr == nil:
		return nil
	case ctx.Err() != nil:
		return &DriverError{Op: "attach", Err: ctx.Err()}
	case src.err != nil:
		return &DriverError{Op: "attach", Err: src.err}
	default:
		return copyErr
	}
}

// errReader remembers the first read error other than EOF, so transport
// failures can be told apart from handler errors.
type errReader struct {
	r   io.Reader
	err error
}

func (r *errReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if err != nil && err != io.EOF && r.err == nil {
		r.err = err
	}
	return n, err
}

// Wait blocks until the active container exits and returns its exit code.
func (d *Driver) Wait(ctx context.Context) (int, error) {
	c, err := d.active()
	if err != nil {
		return -1, err
	}

	var result struct {
		StatusCode int `json:"StatusCode"`
		Error      *struct {
			Message string `json:"Message"`
		} `json:"Error"`
	}
	_, err = d.call(ctx, "wait", transport.Request{
		Method: http.MethodPost,
		Path:   "/containers/" + c.ID + "/wait",
	}, &result, http.StatusOK)
	if err != nil {
		return -1, err
	}

	logger := log.WithContainerID(d.logger, c.ID)
	if result.Error != nil && result.Error.Message != "" {
		logger.Warn().Str("error", result.Error.Message).Msg("Runtime reported an error while waiting")
	}
	d.transition(types.ContainerStateWaited, func(c *types.Container) {
		c.ExitCode = result.StatusCode
	})
	logger.Debug().Int("exit_code", result.StatusCode).Msg("Container exited")
	d.publish(events.EventContainerStopped, c, "container exited", "exit_code", strconv.Itoa(result.StatusCode))
	d.runHook(ctx, "after_stop", d.cfg.Hooks.AfterStop)
	return result.StatusCode, nil
}

// Stop stops the active container, killing it after the configured grace
// period. Stopping an exited container is not an error.
func (d *Driver) Stop(ctx context.Context) error {
	c, err := d.active()
	if err != nil {
		return err
	}

	seconds := int(d.cfg.StopTimeout / time.Second)
	_, err = d.call(ctx, "stop", transport.Request{
		Method: http.MethodPost,
		Path:   "/containers/" + c.ID + "/stop",
		Query:  url.Values{"t": {strconv.Itoa(seconds)}},
	}, nil, http.StatusNoContent, http.StatusNotModified, http.StatusOK)
	if err != nil {
		return err
	}

	d.transition(types.ContainerStateWaited, nil)
	logger := log.WithContainerID(d.logger, c.ID)
	logger.Debug().Msg("Container stopped")
	d.publish(events.EventContainerStopped, c, "container stopped")
	d.runHook(ctx, "after_stop", d.cfg.Hooks.AfterStop)
	return nil
}

// Delete removes the active container. It never fails: errors are logged
// and counted, and the container is forgotten either way so a stuck
// container cannot block the next call.
func (d *Driver) Delete(ctx context.Context) {
	d.mu.Lock()
	c := d.container
	d.container = nil
	d.mu.Unlock()
	if c == nil {
		return
	}

	_, err := d.call(ctx, "delete", transport.Request{
		Method: http.MethodDelete,
		Path:   "/containers/" + c.ID,
		Query:  url.Values{"force": {"1"}},
	}, nil, http.StatusNoContent, http.StatusOK, http.StatusNotFound)
	if err != nil {
		d.deleteFailed(*c, err)
		return
	}

	d.deleteFailures = 0
	c.State = types.ContainerStateDeleted
	logger := log.WithContainerID(d.logger, c.ID)
	logger.Debug().Msg("Container deleted")
	d.publish(events.EventContainerDeleted, *c, "container deleted")
}

func (d *Driver) deleteFailed(c types.Container, err error) {
	d.deleteFailures++
	metrics.DeleteFailures.Inc()

	msg := err.Error()
	var de *DriverError
	if errors.As(err, &de) && de.Message != "" {
		msg = de.Message
	}

	event := d.logger.Warn()
	if d.deleteFailures >= d.cfg.LeakThreshold {
		event = d.logger.Error()
	}
	event.Str("container_id", c.ID).
		Int("consecutive_failures", d.deleteFailures).
		Msgf("Docker could not delete %s: %s", c.ID, msg)

	d.publish(events.EventContainerLeaked, c, msg,
		"consecutive_failures", strconv.Itoa(d.deleteFailures))
}

// Inspect returns the runtime's metadata for the active container.
func (d *Driver) Inspect(ctx context.Context) (map[string]any, error) {
	c, err := d.active()
	if err != nil {
		return nil, err
	}
	return d.inspect(ctx, c.ID)
}

func (d *Driver) inspect(ctx context.Context, id string) (map[string]any, error) {
	var info map[string]any
	_, err := d.call(ctx, "inspect", transport.Request{
		Method: http.MethodGet,
		Path:   "/containers/" + id + "/json",
	}, &info, http.StatusOK)
	if err != nil {
		return nil, err
	}
	return info, nil
}

// Prestart creates and starts a container for image if prestart is
// enabled and none is active.
func (d *Driver) Prestart(ctx context.Context, image string) error {
	if !d.cfg.Prestart {
		return nil
	}
	if _, ok := d.Container(); ok {
		return nil
	}
	return d.createAndStart(ctx, image)
}

// Run executes one call: it attaches to a container for image, writes data
// to its stdin and streams frames to handler. The container is always
// waited on and deleted afterwards. With prestart enabled a started
// container left by the previous Run is reused, and a fresh one is started
// for the next Run before returning.
func (d *Driver) Run(ctx context.Context, image string, data []byte, handler stream.FrameHandler) (err error) {
	if c, ok := d.Container(); ok && (c.Image != image || c.State != types.ContainerStateStarted) {
		logger := log.WithContainerID(d.logger, c.ID)
		logger.Debug().
			Str("image", c.Image).
			Str("state", string(c.State)).
			Msg("Discarding prestarted container")
		d.Delete(ctx)
	}

	if _, ok := d.Container(); ok {
		metrics.PrestartHits.Inc()
	} else if err := d.createAndStart(ctx, image); err != nil {
		return err
	}
	if c, ok := d.Container(); ok {
		d.mu.Lock()
		d.served = c.ID
		d.mu.Unlock()
	}

	defer func() {
		cleanup := context.WithoutCancel(ctx)
		if ctx.Err() != nil {
			if serr := d.Stop(cleanup); serr != nil {
				d.logger.Warn().Err(serr).Msg("Failed to stop abandoned container")
			}
		}
		if code, werr := d.Wait(cleanup); werr != nil {
			if err == nil {
				err = werr
			} else {
				d.logger.Warn().Err(werr).Msg("Failed to wait for container")
			}
		} else if code != 0 {
			d.logger.Warn().Int("exit_code", code).Msg("Container exited with non-zero status")
		}
		d.Delete(cleanup)

		if d.cfg.Prestart {
			if perr := d.createAndStart(cleanup, image); perr != nil {
				d.logger.Warn().Err(perr).Msg("Failed to prestart next container")
			}
		}
	}()

	return d.Attach(ctx, data, handler)
}

func (d *Driver) createAndStart(ctx context.Context, image string) error {
	if err := d.Create(ctx, image); err != nil {
		return err
	}
	if err := d.Start(ctx); err != nil {
		d.Delete(context.WithoutCancel(ctx))
		return err
	}
	return nil
}

// Close stops and deletes the active container, if any.
func (d *Driver) Close(ctx context.Context) {
	c, ok := d.Container()
	if !ok {
		return
	}
	if c.State == types.ContainerStateStarted || c.State == types.ContainerStateAttached {
		if err := d.Stop(ctx); err != nil {
			logger := log.WithContainerID(d.logger, c.ID)
			logger.Warn().Err(err).Msg("Failed to stop container on close")
		}
	}
	d.Delete(ctx)
}

func (d *Driver) active() (types.Container, error) {
	c, ok := d.Container()
	if !ok {
		return types.Container{}, ErrNoContainer
	}
	return c, nil
}

func (d *Driver) transition(state types.ContainerState, update func(*types.Container)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.container == nil {
		return
	}
	d.container.State = state
	if update != nil {
		update(d.container)
	}
}

// call performs a request, checks the status against ok and decodes a
// JSON body into out when out is non-nil.
func (d *Driver) call(ctx context.Context, op string, req transport.Request, out any, ok ...int) (int, error) {
	timer := metrics.NewTimer()
	status, err := d.do(ctx, op, req, out, ok)
	metrics.RecordOperation(op, timer, err)
	return status, err
}

func (d *Driver) do(ctx context.Context, op string, req transport.Request, out any, ok []int) (int, error) {
	resp, err := d.client.Do(ctx, req)
	if err != nil {
		return 0, &DriverError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := transport.ReadBody(resp.Body)
	if err != nil {
		return resp.StatusCode, &DriverError{Op: op, Err: fmt.Errorf("reading response: %w", err)}
	}
	if !slices.Contains(ok, resp.StatusCode) {
		return resp.StatusCode, statusError(op, resp.StatusCode, body)
	}
	if out != nil && resp.StatusCode < 300 && len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return resp.StatusCode, &DriverError{Op: op, Err: fmt.Errorf("decoding response: %w", err)}
		}
	}
	return resp.StatusCode, nil
}

func driverError(op string, err error) error {
	var se *transport.StatusError
	if errors.As(err, &se) {
		return statusError(op, se.StatusCode, se.Body)
	}
	return &DriverError{Op: op, Err: err}
}

func jsonBody(v any) (io.Reader, string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, "", fmt.Errorf("failed to encode request body: %w", err)
	}
	return bytes.NewReader(data), "application/json", nil
}

func (d *Driver) publish(t events.EventType, c types.Container, message string, kv ...string) {
	if d.events == nil {
		return
	}
	metadata := map[string]string{
		"container_id": c.ID,
		"image":        c.Image,
	}
	for i := 0; i+1 < len(kv); i += 2 {
		metadata[kv[i]] = kv[i+1]
	}
	d.events.Publish(&events.Event{Type: t, Message: message, Metadata: metadata})
}
