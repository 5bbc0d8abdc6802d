package transport

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEndpoint(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    Endpoint
		wantURL string
		wantErr bool
	}{
		{
			name:    "default socket",
			raw:     "",
			want:    Endpoint{Network: "unix", Address: DefaultSocketPath},
			wantURL: "unix:///var/run/docker.sock",
		},
		{
			name:    "unix url",
			raw:     "unix:///path/to/socket",
			want:    Endpoint{Network: "unix", Address: "/path/to/socket"},
			wantURL: "unix:///path/to/socket",
		},
		{
			name:    "bare path",
			raw:     "/run/docker.sock",
			want:    Endpoint{Network: "unix", Address: "/run/docker.sock"},
			wantURL: "unix:///run/docker.sock",
		},
		{
			name:    "tcp url",
			raw:     "tcp://1.1.1.1:1234",
			want:    Endpoint{Network: "tcp", Address: "1.1.1.1:1234"},
			wantURL: "tcp://1.1.1.1:1234",
		},
		{name: "tcp without port", raw: "tcp://1.1.1.1", wantErr: true},
		{name: "unsupported scheme", raw: "ftp://host:21", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseEndpoint(tt.raw)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantURL, got.URL())
		})
	}
}

func TestTCPEndpointURL(t *testing.T) {
	assert.Equal(t, "tcp://1.1.1.1:1234", TCPEndpoint("1.1.1.1", 1234).URL())
	assert.Equal(t, "unix:///path/to/socket", UnixEndpoint("/path/to/socket").URL())
}

// serveUnix runs handler on a unix socket in a temp dir and returns its endpoint.
func serveUnix(t *testing.T, handler http.Handler) Endpoint {
	t.Helper()
	path := filepath.Join(t.TempDir(), "docker.sock")
	ln, err := net.Listen("unix", path)
	require.NoError(t, err)

	srv := &http.Server{Handler: handler}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = srv.Close() })
	return UnixEndpoint(path)
}

func TestClientDoUsesVersionedPath(t *testing.T) {
	var gotPath, gotQuery, gotType string
	endpoint := serveUnix(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusNoContent)
	}))

	client := NewClient(endpoint)
	resp, err := client.Do(context.Background(), Request{
		Method:      http.MethodPost,
		Path:        "/containers/abc/start",
		Query:       map[string][]string{"v": {"1"}},
		Body:        strings.NewReader("{}"),
		ContentType: "application/json",
	})
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "/v"+DefaultAPIVersion+"/containers/abc/start", gotPath)
	assert.Equal(t, "v=1", gotQuery)
	assert.Equal(t, "application/json", gotType)
}

func TestClientHijackEcho(t *testing.T) {
	endpoint := serveUnix(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Upgrade", r.Header.Get("Connection"))
		assert.Equal(t, "tcp", r.Header.Get("Upgrade"))

		conn, buf, err := w.(http.Hijacker).Hijack()
		if !assert.NoError(t, err) {
			return
		}
		defer conn.Close()

		_, _ = buf.WriteString("HTTP/1.1 101 UPGRADED\r\nContent-Type: application/vnd.docker.raw-stream\r\nConnection: Upgrade\r\nUpgrade: tcp\r\n\r\n")
		_ = buf.Flush()

		// Echo stdin back upper-cased until the client half-closes.
		data, _ := io.ReadAll(bufio.NewReader(buf))
		_, _ = conn.Write([]byte(strings.ToUpper(string(data))))
	}))

	client := NewClient(endpoint, WithAPIVersion(""))
	conn, err := client.Hijack(context.Background(), Request{Method: http.MethodPost, Path: "/containers/abc/attach"})
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, conn.Response.StatusCode)

	_, err = conn.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, conn.CloseWrite())

	out, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Equal(t, "HELLO", string(out))
}

func TestClientHijackRejected(t *testing.T) {
	endpoint := serveUnix(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"No such container: abc"}`, http.StatusNotFound)
	}))

	client := NewClient(endpoint)
	_, err := client.Hijack(context.Background(), Request{Method: http.MethodPost, Path: "/containers/abc/attach"})
	require.Error(t, err)

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusNotFound, statusErr.StatusCode)
	assert.Contains(t, string(statusErr.Body), "No such container")
}

func TestDialRefused(t *testing.T) {
	endpoint := UnixEndpoint(filepath.Join(t.TempDir(), "missing.sock"))
	_, err := endpoint.Dial(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect to unix://")
}
