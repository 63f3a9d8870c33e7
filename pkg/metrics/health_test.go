package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetHealth(t *testing.T, critical ...string) {
	t.Helper()
	prev := healthChecker
	healthChecker = NewHealthChecker(critical...)
	t.Cleanup(func() { healthChecker = prev })
}

func TestGetHealth(t *testing.T) {
	tests := []struct {
		name       string
		components map[string]bool
		want       string
	}{
		{name: "no components", components: nil, want: StatusHealthy},
		{name: "all healthy", components: map[string]bool{"raft": true, "runtime": true}, want: StatusHealthy},
		{name: "one unhealthy", components: map[string]bool{"raft": true, "runtime": false}, want: StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetHealth(t, "raft")
			for name, ok := range tt.components {
				UpdateComponent(name, ok, "down")
			}
			h := GetHealth()
			assert.Equal(t, tt.want, h.Status)
			assert.Len(t, h.Components, len(tt.components))
		})
	}
}

func TestGetHealthComponentMessage(t *testing.T) {
	resetHealth(t)
	UpdateComponent("raft", false, "no leader")

	h := GetHealth()
	assert.Equal(t, "unhealthy: no leader", h.Components["raft"])
}

func TestGetReadiness(t *testing.T) {
	resetHealth(t, "raft", "runtime")
	SetVersion("0.1.0")

	h := GetReadiness()
	assert.Equal(t, StatusNotReady, h.Status)
	assert.Equal(t, "not registered", h.Components["raft"])
	assert.Equal(t, "waiting for raft", h.Message)

	UpdateComponent("raft", true, "")
	UpdateComponent("runtime", false, "containerd unreachable")
	h = GetReadiness()
	assert.Equal(t, StatusNotReady, h.Status)
	assert.Equal(t, "not ready: containerd unreachable", h.Components["runtime"])

	UpdateComponent("runtime", true, "")
	h = GetReadiness()
	assert.Equal(t, StatusReady, h.Status)
	assert.Empty(t, h.Message)
	assert.Equal(t, "0.1.0", h.Version)
}

func TestSetCritical(t *testing.T) {
	resetHealth(t, "raft")
	SetCritical("api")
	UpdateComponent("api", true, "")

	assert.Equal(t, StatusReady, GetReadiness().Status)
}

func TestHandlers(t *testing.T) {
	resetHealth(t, "raft")

	tests := []struct {
		name    string
		handler http.HandlerFunc
		setup   func()
		code    int
		status  string
	}{
		{
			name:    "ready before raft",
			handler: ReadyHandler(),
			code:    http.StatusServiceUnavailable,
			status:  StatusNotReady,
		},
		{
			name:    "ready after raft",
			handler: ReadyHandler(),
			setup:   func() { UpdateComponent("raft", true, "") },
			code:    http.StatusOK,
			status:  StatusReady,
		},
		{
			name:    "health degraded",
			handler: HealthHandler(),
			setup:   func() { UpdateComponent("runtime", false, "gone") },
			code:    http.StatusServiceUnavailable,
			status:  StatusUnhealthy,
		},
		{
			name:    "liveness",
			handler: LivenessHandler(),
			code:    http.StatusOK,
			status:  "alive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.setup != nil {
				tt.setup()
			}
			w := httptest.NewRecorder()
			tt.handler(w, httptest.NewRequest(http.MethodGet, "/", nil))

			assert.Equal(t, tt.code, w.Code)
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

			var body map[string]interface{}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, tt.status, body["status"])
		})
	}
}
