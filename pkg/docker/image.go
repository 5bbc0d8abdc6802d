package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/cuemby/hoosegow/pkg/events"
	"github.com/cuemby/hoosegow/pkg/metrics"
	"github.com/cuemby/hoosegow/pkg/transport"
)

// BuildMessage is one progress object from the build stream.
type BuildMessage struct {
	Stream      string          `json:"stream,omitempty"`
	Status      string          `json:"status,omitempty"`
	Progress    string          `json:"progress,omitempty"`
	ID          string          `json:"id,omitempty"`
	Aux         json.RawMessage `json:"aux,omitempty"`
	Error       string          `json:"error,omitempty"`
	ErrorDetail *ErrorDetail    `json:"errorDetail,omitempty"`

	// Raw is the object exactly as the runtime sent it.
	Raw map[string]any `json:"-"`
}

// ImageExists reports whether the runtime has an image called name. A
// not-found answer is false, not an error.
func (d *Driver) ImageExists(ctx context.Context, name string) (bool, error) {
	status, err := d.call(ctx, "image_inspect", transport.Request{
		Method: http.MethodGet,
		Path:   "/images/" + name + "/json",
	}, nil, http.StatusOK, http.StatusNotFound)
	if err != nil {
		return false, err
	}
	return status == http.StatusOK, nil
}

// BuildImage sends a tar build context to the runtime and tags the result
// name. Progress objects are passed to progress, if set, as they arrive
// and returned in order. An error object in the stream ends the build with
// an *ImageBuildError.
func (d *Driver) BuildImage(ctx context.Context, name string, buildContext io.Reader, progress func(BuildMessage)) ([]BuildMessage, error) {
	timer := metrics.NewTimer()
	messages, err := d.buildImage(ctx, name, buildContext, progress)
	metrics.RecordOperation("build", timer, err)
	return messages, err
}

func (d *Driver) buildImage(ctx context.Context, name string, buildContext io.Reader, progress func(BuildMessage)) ([]BuildMessage, error) {
	resp, err := d.client.Do(ctx, transport.Request{
		Method:      http.MethodPost,
		Path:        "/build",
		Query:       url.Values{"t": {name}, "rm": {"1"}, "forcerm": {"1"}},
		Body:        buildContext,
		ContentType: "application/x-tar",
	})
	if err != nil {
		return nil, &DriverError{Op: "build", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := transport.ReadBody(resp.Body)
		return nil, statusError("build", resp.StatusCode, body)
	}

	logger := d.logger.With().Str("image", name).Logger()
	dec := json.NewDecoder(resp.Body)
	var messages []BuildMessage
	for {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err == io.EOF {
			break
		} else if err != nil {
			return messages, &DriverError{Op: "build", Err: fmt.Errorf("decoding build stream: %w", err)}
		}

		var msg BuildMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return messages, &DriverError{Op: "build", Err: fmt.Errorf("decoding build message: %w", err)}
		}
		if err := json.Unmarshal(raw, &msg.Raw); err != nil {
			return messages, &DriverError{Op: "build", Err: fmt.Errorf("decoding build message: %w", err)}
		}

		if msg.Error != "" || msg.ErrorDetail != nil {
			logger.Error().Str("error", msg.Error).Msg("Image build failed")
			return messages, &ImageBuildError{Message: msg.Error, Detail: msg.ErrorDetail, Raw: msg.Raw}
		}

		messages = append(messages, msg)
		if progress != nil {
			progress(msg)
		}
	}

	logger.Info().Int("messages", len(messages)).Msg("Image built")
	if d.events != nil {
		d.events.Publish(&events.Event{
			Type:     events.EventImageBuilt,
			Message:  "image built",
			Metadata: map[string]string{"image": name},
		})
	}
	return messages, nil
}
