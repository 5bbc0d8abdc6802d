package framework

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/cuemby/hoosegow/pkg/inmate"
	"github.com/cuemby/hoosegow/pkg/protocol"
	"github.com/cuemby/hoosegow/pkg/stream"
	"github.com/cuemby/hoosegow/pkg/transport"
)

// DefaultImage is the only image a new Daemon knows about.
const DefaultImage = "hoosegow:test"

// Daemon serves the subset of the Docker Engine API that hoosegow uses over
// a unix socket. Attached containers run the given inmate registry in-process
// behind the real protocol runner and stream framing.
type Daemon struct {
	t        testing.TB
	socket   string
	registry *inmate.Registry

	mu          sync.Mutex
	calls       []string
	containers  map[string]*Container
	images      map[string]bool
	nextID      int
	failDelete  bool
	buildStream []string
	builds      []string
	buildBytes  []byte
}

// Container is the daemon's record of one created container.
type Container struct {
	ID        string
	Name      string
	Image     string
	Body      map[string]any
	StartBody map[string]any

	started  bool
	done     chan struct{}
	doneOnce sync.Once
}

func (c *Container) finish() {
	c.doneOnce.Do(func() { close(c.done) })
}

// NewDaemon starts a daemon that lives until the test ends.
func NewDaemon(t testing.TB, registry *inmate.Registry) *Daemon {
	t.Helper()

	// Unix socket paths are length limited; keep them short.
	dir, err := os.MkdirTemp("", "hgd")
	if err != nil {
		t.Fatalf("temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	d := &Daemon{
		t:          t,
		socket:     filepath.Join(dir, "docker.sock"),
		registry:   registry,
		containers: make(map[string]*Container),
		images:     map[string]bool{DefaultImage: true},
	}

	prefix := "/v" + transport.DefaultAPIVersion
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+prefix+"/containers/create", d.create)
	mux.HandleFunc("POST "+prefix+"/containers/{id}/start", d.start)
	mux.HandleFunc("POST "+prefix+"/containers/{id}/attach", d.attach)
	mux.HandleFunc("POST "+prefix+"/containers/{id}/wait", d.wait)
	mux.HandleFunc("POST "+prefix+"/containers/{id}/stop", d.stop)
	mux.HandleFunc("DELETE "+prefix+"/containers/{id}", d.delete)
	mux.HandleFunc("GET "+prefix+"/containers/{id}/json", d.inspect)
	mux.HandleFunc("GET "+prefix+"/images/{name}/json", d.imageInspect)
	mux.HandleFunc("POST "+prefix+"/build", d.build)

	ln, err := net.Listen("unix", d.socket)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := httptest.NewUnstartedServer(mux)
	srv.Listener.Close()
	srv.Listener = ln
	srv.Start()
	t.Cleanup(srv.Close)
	return d
}

// Endpoint returns the unix:// endpoint of the daemon.
func (d *Daemon) Endpoint() string {
	return "unix://" + d.socket
}

// AddImage makes name resolvable by create and image inspect.
func (d *Daemon) AddImage(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.images[name] = true
}

// SetFailDelete makes every container delete fail with a 500.
func (d *Daemon) SetFailDelete(fail bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failDelete = fail
}

// SetBuildStream replaces the JSON lines a build responds with. A line
// containing an "error" key leaves the image untagged.
func (d *Daemon) SetBuildStream(lines []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.buildStream = lines
}

// Builds returns the tags of every build request so far.
func (d *Daemon) Builds() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.builds...)
}

// LastBuildContext returns the body of the most recent build request.
func (d *Daemon) LastBuildContext() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.buildBytes
}

// Calls returns the operations received so far, in order.
func (d *Daemon) Calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

// Count returns how many times op was received.
func (d *Daemon) Count(op string) int {
	n := 0
	for _, c := range d.Calls() {
		if c == op {
			n++
		}
	}
	return n
}

// Container returns the record for id, or nil once it is deleted.
func (d *Daemon) Container(id string) *Container {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.containers[id]
}

// Live returns the number of containers not yet deleted.
func (d *Daemon) Live() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.containers)
}

func (d *Daemon) record(op string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, op)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"message": msg})
}

func (d *Daemon) create(w http.ResponseWriter, r *http.Request) {
	d.record("create")
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	image, _ := body["Image"].(string)

	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.images[image] {
		writeError(w, http.StatusNotFound, "No such image: "+image)
		return
	}
	d.nextID++
	id := fmt.Sprintf("c%011d", d.nextID)
	d.containers[id] = &Container{
		ID:    id,
		Name:  r.URL.Query().Get("name"),
		Image: image,
		Body:  body,
		done:  make(chan struct{}),
	}
	writeJSON(w, http.StatusCreated, map[string]any{"Id": id, "Warnings": []string{}})
}

func (d *Daemon) start(w http.ResponseWriter, r *http.Request) {
	d.record("start")
	c := d.Container(r.PathValue("id"))
	if c == nil {
		writeError(w, http.StatusNotFound, "No such container")
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if c.started {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	c.started = true
	if data, _ := io.ReadAll(r.Body); len(data) > 0 {
		json.Unmarshal(data, &c.StartBody)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (d *Daemon) attach(w http.ResponseWriter, r *http.Request) {
	d.record("attach")
	c := d.Container(r.PathValue("id"))
	if c == nil {
		writeError(w, http.StatusNotFound, "No such container")
		return
	}
	defer c.finish()

	conn, rw, err := w.(http.Hijacker).Hijack()
	if err != nil {
		d.t.Errorf("hijack: %v", err)
		return
	}
	defer conn.Close()

	rw.WriteString("HTTP/1.1 101 UPGRADED\r\n" +
		"Content-Type: application/vnd.docker.raw-stream\r\n" +
		"Connection: Upgrade\r\n" +
		"Upgrade: tcp\r\n\r\n")
	if err := rw.Flush(); err != nil {
		return
	}

	stdin, err := io.ReadAll(rw.Reader)
	if err != nil {
		return
	}

	stdout, stderr := stream.NewWriters(conn)
	fmt.Fprint(stderr, "runtime notice\n")
	runner := protocol.NewRunner(protocol.RunnerOptions{
		Registry:    d.registry,
		Stdin:       bytes.NewReader(stdin),
		SideChannel: stdout,
	})
	runner.Run(context.Background())
}

func (d *Daemon) wait(w http.ResponseWriter, r *http.Request) {
	d.record("wait")
	c := d.Container(r.PathValue("id"))
	if c == nil {
		writeError(w, http.StatusNotFound, "No such container")
		return
	}
	select {
	case <-c.done:
	case <-r.Context().Done():
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"StatusCode": 0})
}

func (d *Daemon) stop(w http.ResponseWriter, r *http.Request) {
	d.record("stop")
	c := d.Container(r.PathValue("id"))
	if c == nil {
		writeError(w, http.StatusNotFound, "No such container")
		return
	}
	c.finish()
	w.WriteHeader(http.StatusNoContent)
}

func (d *Daemon) delete(w http.ResponseWriter, r *http.Request) {
	d.record("delete")
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failDelete {
		writeError(w, http.StatusInternalServerError, "device or resource busy")
		return
	}
	delete(d.containers, r.PathValue("id"))
	w.WriteHeader(http.StatusNoContent)
}

func (d *Daemon) inspect(w http.ResponseWriter, r *http.Request) {
	c := d.Container(r.PathValue("id"))
	if c == nil {
		writeError(w, http.StatusNotFound, "No such container")
		return
	}
	d.mu.Lock()
	running := c.started
	d.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{
		"Id":    c.ID,
		"Name":  "/" + c.Name,
		"Image": c.Image,
		"State": map[string]any{"Running": running},
	})
}

func (d *Daemon) imageInspect(w http.ResponseWriter, r *http.Request) {
	d.record("image_inspect")
	d.mu.Lock()
	ok := d.images[r.PathValue("name")]
	d.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "No such image: "+r.PathValue("name"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"Id": "sha256:feedface"})
}

func (d *Daemon) build(w http.ResponseWriter, r *http.Request) {
	d.record("build")
	data, _ := io.ReadAll(r.Body)
	tag := r.URL.Query().Get("t")

	d.mu.Lock()
	d.builds = append(d.builds, tag)
	d.buildBytes = data
	lines := d.buildStream
	failed := false
	for _, l := range lines {
		if strings.Contains(l, `"error"`) {
			failed = true
		}
	}
	if !failed {
		d.images[tag] = true
	}
	d.mu.Unlock()

	if lines == nil {
		lines = []string{
			`{"stream":"Step 1/2 : FROM scratch\n"}`,
			`{"stream":"Step 2/2 : COPY . /hoosegow\n"}`,
			`{"aux":{"ID":"sha256:feedface"}}`,
			`{"stream":"Successfully tagged ` + tag + `\n"}`,
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	for _, l := range lines {
		io.WriteString(w, l+"\r\n")
		if fl, ok := w.(http.Flusher); ok {
			fl.Flush()
		}
	}
}
