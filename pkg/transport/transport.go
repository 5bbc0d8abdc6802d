package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
)

const (
	// DefaultSocketPath is the default Docker control socket
	DefaultSocketPath = "/var/run/docker.sock"

	// DefaultAPIVersion is the Docker Engine API version requested when none
	// is configured.
	DefaultAPIVersion = "1.41"

	// MaxResponseSize bounds reads of JSON API response bodies.
	MaxResponseSize int64 = 64 << 20

	userAgent = "hoosegow"
)

// Endpoint is a container runtime control endpoint.
type Endpoint struct {
	// Network is "unix" or "tcp".
	Network string
	// Address is a socket path for unix, host:port for tcp.
	Address string
}

// ParseEndpoint accepts unix:///path, tcp://host:port or a bare socket path.
// An empty string selects DefaultSocketPath.
func ParseEndpoint(raw string) (Endpoint, error) {
	if raw == "" {
		return Endpoint{Network: "unix", Address: DefaultSocketPath}, nil
	}
	if strings.HasPrefix(raw, "/") {
		return Endpoint{Network: "unix", Address: raw}, nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid endpoint %q: %w", raw, err)
	}
	switch u.Scheme {
	case "unix":
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" {
			return Endpoint{}, fmt.Errorf("invalid endpoint %q: missing socket path", raw)
		}
		return Endpoint{Network: "unix", Address: path}, nil
	case "tcp", "http":
		if u.Host == "" {
			return Endpoint{}, fmt.Errorf("invalid endpoint %q: missing host", raw)
		}
		if u.Port() == "" {
			return Endpoint{}, fmt.Errorf("invalid endpoint %q: missing port", raw)
		}
		return Endpoint{Network: "tcp", Address: u.Host}, nil
	default:
		return Endpoint{}, fmt.Errorf("invalid endpoint %q: unsupported scheme %q", raw, u.Scheme)
	}
}

// TCPEndpoint builds a tcp endpoint from host and port.
func TCPEndpoint(host string, port int) Endpoint {
	return Endpoint{Network: "tcp", Address: net.JoinHostPort(host, fmt.Sprint(port))}
}

// UnixEndpoint builds a unix socket endpoint.
func UnixEndpoint(path string) Endpoint {
	return Endpoint{Network: "unix", Address: path}
}

// URL renders the endpoint as unix:///path or tcp://host:port.
func (e Endpoint) URL() string {
	if e.Network == "unix" {
		return "unix://" + e.Address
	}
	return "tcp://" + e.Address
}

// Dial opens a raw connection to the endpoint.
func (e Endpoint) Dial(ctx context.Context) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, e.Network, e.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", e.URL(), err)
	}
	return conn, nil
}

// Request describes one call against the control endpoint.
type Request struct {
	Method      string
	Path        string
	Query       url.Values
	Body        io.Reader
	ContentType string
	Header      http.Header
}

// Client speaks HTTP/1.1 to a control endpoint. It sets no read timeouts:
// sandboxed work may legitimately run for a long time, so the only bounds
// are the caller's context and the runtime's own timeouts.
type Client struct {
	endpoint   Endpoint
	apiVersion string
	http       *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithAPIVersion pins the API version prefix. An empty version sends
// unversioned paths.
func WithAPIVersion(version string) Option {
	return func(c *Client) {
		c.apiVersion = version
	}
}

// NewClient creates a client for endpoint.
func NewClient(endpoint Endpoint, opts ...Option) *Client {
	c := &Client{
		endpoint:   endpoint,
		apiVersion: DefaultAPIVersion,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.http = &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				return endpoint.Dial(ctx)
			},
			DisableCompression: true,
			MaxIdleConns:       4,
		},
	}
	return c
}

// Endpoint returns the endpoint the client talks to.
func (c *Client) Endpoint() Endpoint {
	return c.endpoint
}

// Do sends req and returns the response. Non-2xx statuses are not errors at
// this level; the caller owns the body.
func (c *Client) Do(ctx context.Context, req Request) (*http.Response, error) {
	httpReq, err := c.newRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.Path, err)
	}
	return resp, nil
}

// HijackedConn is a connection whose HTTP exchange has finished and which
// now carries a raw bidirectional byte stream.
type HijackedConn struct {
	net.Conn
	// Reader holds bytes the HTTP parser buffered past the response headers.
	Reader *bufio.Reader
	// Response is the upgrade response; its body is not readable.
	Response *http.Response
}

// Read reads from the buffered side of the stream.
func (h *HijackedConn) Read(p []byte) (int, error) {
	return h.Reader.Read(p)
}

// CloseWrite half-closes the connection so the remote side sees EOF on
// its input.
func (h *HijackedConn) CloseWrite() error {
	if cw, ok := h.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return fmt.Errorf("connection type %T does not support half-close", h.Conn)
}

// Hijack performs req on a dedicated connection and, once the response
// headers arrive, hands that connection back as a raw stream. Both
// "101 Switching Protocols" and a plain 200 are accepted as success.
func (c *Client) Hijack(ctx context.Context, req Request) (*HijackedConn, error) {
	httpReq, err := c.newRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Connection", "Upgrade")
	httpReq.Header.Set("Upgrade", "tcp")

	conn, err := c.endpoint.Dial(ctx)
	if err != nil {
		return nil, err
	}

	// Abort a blocked handshake when ctx ends; after the handshake the
	// stream is owned by the caller.
	stop := context.AfterFunc(ctx, func() {
		conn.Close()
	})
	defer stop()

	if err := httpReq.Write(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%s %s: writing request: %w", req.Method, req.Path, err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, httpReq)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%s %s: reading response: %w", req.Method, req.Path, err)
	}

	if resp.StatusCode != http.StatusSwitchingProtocols && resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize))
		conn.Close()
		return nil, &StatusError{
			Method:     req.Method,
			Path:       req.Path,
			StatusCode: resp.StatusCode,
			Body:       body,
		}
	}

	return &HijackedConn{Conn: conn, Reader: br, Response: resp}, nil
}

func (c *Client) newRequest(ctx context.Context, req Request) (*http.Request, error) {
	path := req.Path
	if c.apiVersion != "" {
		path = "/v" + c.apiVersion + path
	}
	u := url.URL{Scheme: "http", Host: "docker", Path: path}
	if len(req.Query) > 0 {
		u.RawQuery = req.Query.Encode()
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, u.String(), req.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request %s %s: %w", req.Method, req.Path, err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if req.ContentType != "" {
		httpReq.Header.Set("Content-Type", req.ContentType)
	}
	httpReq.Header.Set("User-Agent", userAgent)
	return httpReq, nil
}

// StatusError is a non-success HTTP status from the control endpoint.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status %d: %s", e.Method, e.Path, e.StatusCode, strings.TrimSpace(string(e.Body)))
}

// ReadBody reads a response body up to MaxResponseSize bytes.
func ReadBody(body io.Reader) ([]byte, error) {
	return io.ReadAll(io.LimitReader(body, MaxResponseSize))
}
