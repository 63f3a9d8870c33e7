package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/types"
)

// ClusterState is what the readiness check needs from the manager
type ClusterState interface {
	IsLeader() bool
	LeaderAddr() string
	ListWorkloads() ([]*types.WorkloadSpec, error)
}

// HealthServer provides HTTP health check endpoints
type HealthServer struct {
	cluster ClusterState
	mux     *http.ServeMux
	server  *http.Server
}

// NewHealthServer creates a new health check HTTP server. A nil cluster
// reports not ready.
func NewHealthServer(cluster ClusterState) *HealthServer {
	mux := http.NewServeMux()
	hs := &HealthServer{
		cluster: cluster,
		mux:     mux,
	}

	mux.HandleFunc("/health", hs.healthHandler)
	mux.HandleFunc("/ready", hs.readyHandler)
	mux.HandleFunc("/live", metrics.LivenessHandler())
	mux.Handle("/metrics", metrics.Handler())

	return hs
}

// Start starts the health check HTTP server
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

// Stop closes the HTTP server
func (hs *HealthServer) Stop() error {
	if hs.server == nil {
		return nil
	}
	return hs.server.Close()
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version,omitempty"`
	Uptime    string    `json:"uptime,omitempty"`
}

// ReadyResponse represents the readiness check response
type ReadyResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
	Message   string            `json:"message,omitempty"`
}

// healthHandler implements the /health endpoint.
// It answers 200 while the process is alive.
func (hs *HealthServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h := metrics.GetHealth()
	version := h.Version
	if version == "" {
		version = "dev"
	}
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Version:   version,
		Uptime:    h.Uptime,
	})
}

// readyHandler implements the /ready endpoint: a leader is known, the
// store answers, and every critical component reports healthy.
func (hs *HealthServer) readyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	checks := make(map[string]string)
	ready := true
	var message string
	fail := func(msg string) {
		ready = false
		if message == "" {
			message = msg
		}
	}

	if hs.cluster == nil {
		checks["raft"] = "not initialized"
		checks["storage"] = "not initialized"
		fail("Manager not initialized")
	} else {
		if hs.cluster.IsLeader() {
			checks["raft"] = "leader"
		} else if leader := hs.cluster.LeaderAddr(); leader != "" {
			checks["raft"] = fmt.Sprintf("follower (leader: %s)", leader)
		} else {
			checks["raft"] = "no leader elected"
			fail("Waiting for leader election")
		}

		if _, err := hs.cluster.ListWorkloads(); err != nil {
			checks["storage"] = fmt.Sprintf("error: %v", err)
			fail("Storage not accessible")
		} else {
			checks["storage"] = "ok"
		}
	}

	components := metrics.GetReadiness()
	for name, state := range components.Components {
		checks["component/"+name] = state
	}
	if components.Status != metrics.StatusReady {
		fail(components.Message)
	}

	status := "ready"
	code := http.StatusOK
	if !ready {
		status = "not ready"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, ReadyResponse{
		Status:    status,
		Timestamp: time.Now(),
		Checks:    checks,
		Message:   message,
	})
}

// GetHandler returns the HTTP handler for embedding in other servers
func (hs *HealthServer) GetHandler() http.Handler {
	return hs.mux
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
