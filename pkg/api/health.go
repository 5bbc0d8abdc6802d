package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cuemby/hoosegow/pkg/metrics"
	"github.com/cuemby/hoosegow/pkg/types"
)

// Prober checks that the sandbox image is available.
type Prober interface {
	ImageExists(ctx context.Context) (bool, error)
}

// Ledger is the part of the ledger the readiness check reads.
type Ledger interface {
	ListCalls(limit int) ([]*types.CallRecord, error)
}

// HealthServer provides HTTP health check and metrics endpoints
type HealthServer struct {
	version string
	prober  Prober
	ledger  Ledger
	mux     *http.ServeMux
	server  *http.Server
}

// NewHealthServer creates a new health check HTTP server. A nil prober or
// ledger skips the corresponding readiness check.
func NewHealthServer(version string, prober Prober, ledger Ledger) *HealthServer {
	mux := http.NewServeMux()
	hs := &HealthServer{
		version: version,
		prober:  prober,
		ledger:  ledger,
		mux:     mux,
	}

	// Register endpoints
	mux.HandleFunc("/health", hs.healthHandler)
	mux.HandleFunc("/ready", hs.readyHandler)
	mux.Handle("/metrics", metrics.Handler())

	return hs
}

// Start serves the endpoints on addr until Shutdown is called.
func (hs *HealthServer) Start(addr string) error {
	hs.server = &http.Server{
		Addr:         addr,
		Handler:      hs.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	err := hs.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops a started server.
func (hs *HealthServer) Shutdown(ctx context.Context) error {
	if hs.server == nil {
		return nil
	}
	return hs.server.Shutdown(ctx)
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version,omitempty"`
}

// ReadyResponse represents the readiness check response
type ReadyResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
	Message   string            `json:"message,omitempty"`
}

// healthHandler implements the /health endpoint
// This is a simple liveness check - returns 200 if the process is alive
func (hs *HealthServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Version:   hs.version,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(response)
}

// readyHandler implements the /ready endpoint
// Ready means the next call can find its image and record its outcome.
func (hs *HealthServer) readyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	checks := make(map[string]string)
	ready := true
	var message string

	// Check 1: Docker endpoint and image
	if hs.prober != nil {
		exists, err := hs.prober.ImageExists(r.Context())
		switch {
		case err != nil:
			checks["docker"] = fmt.Sprintf("error: %v", err)
			ready = false
			message = "Docker endpoint not reachable"
		case !exists:
			checks["docker"] = "image missing"
			ready = false
			message = "Sandbox image has not been built"
		default:
			checks["docker"] = "ok"
		}
	} else {
		checks["docker"] = "disabled"
	}

	// Check 2: Ledger
	if hs.ledger != nil {
		if _, err := hs.ledger.ListCalls(1); err != nil {
			checks["ledger"] = fmt.Sprintf("error: %v", err)
			ready = false
			if message == "" {
				message = "Ledger not accessible"
			}
		} else {
			checks["ledger"] = "ok"
		}
	} else {
		checks["ledger"] = "disabled"
	}

	// Prepare response
	status := "ready"
	statusCode := http.StatusOK

	if !ready {
		status = "not ready"
		statusCode = http.StatusServiceUnavailable
	}

	response := ReadyResponse{
		Status:    status,
		Timestamp: time.Now(),
		Checks:    checks,
		Message:   message,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(response)
}

// GetHandler returns the HTTP handler for embedding in other servers
func (hs *HealthServer) GetHandler() http.Handler {
	return hs.mux
}
