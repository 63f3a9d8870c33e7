package health

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/cuemby/burrow/pkg/types"
)

// CheckType represents the type of readiness check
type CheckType string

const (
	CheckTypeHTTP CheckType = "http"
	CheckTypeTCP  CheckType = "tcp"
	CheckTypeExec CheckType = "exec"
)

// Result represents the outcome of a single check
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker is the interface that all checkers must implement
type Checker interface {
	// Check performs the check and returns the result
	Check(ctx context.Context) Result

	// Type returns the type of check
	Type() CheckType
}

// Config contains common configuration for all checks
type Config struct {
	// Interval is the time between checks
	Interval time.Duration

	// Timeout is the maximum time to wait for a check to complete
	Timeout time.Duration

	// Retries is the number of consecutive failures before a ready
	// instance is marked unready again
	Retries int
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		Interval: 2 * time.Second,
		Timeout:  time.Second,
		Retries:  3,
	}
}

// ConfigFromProbe overlays the probe's non-zero timings on DefaultConfig
func ConfigFromProbe(p *types.Probe) Config {
	cfg := DefaultConfig()
	if p == nil {
		return cfg
	}
	if p.Interval > 0 {
		cfg.Interval = p.Interval
	}
	if p.Timeout > 0 {
		cfg.Timeout = p.Timeout
	}
	if p.Retries > 0 {
		cfg.Retries = p.Retries
	}
	return cfg
}

// Status tracks the readiness of one instance. Instances start unready and
// become ready on the first successful check.
type Status struct {
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastCheck            time.Time
	LastResult           Result
	Ready                bool
}

// NewStatus creates a new, unready Status
func NewStatus() *Status {
	return &Status{}
}

// Update folds a new result into the status and reports whether Ready changed
func (s *Status) Update(result Result, config Config) bool {
	s.LastCheck = result.CheckedAt
	s.LastResult = result
	before := s.Ready

	if result.Healthy {
		s.ConsecutiveSuccesses++
		s.ConsecutiveFailures = 0
		s.Ready = true
	} else {
		s.ConsecutiveFailures++
		s.ConsecutiveSuccesses = 0
		if s.ConsecutiveFailures >= config.Retries {
			s.Ready = false
		}
	}
	return before != s.Ready
}

// ForProbe builds the checker for a probe against an instance address
// (host:port). Probe.Port overrides the port of the address.
func ForProbe(p *types.Probe, address string) (Checker, error) {
	if p == nil {
		return nil, fmt.Errorf("no probe configured")
	}
	target := address
	if p.Port > 0 {
		host, _, err := net.SplitHostPort(address)
		if err != nil {
			host = address
		}
		target = net.JoinHostPort(host, strconv.Itoa(p.Port))
	}
	cfg := ConfigFromProbe(p)

	switch p.Type {
	case types.ProbeHTTP:
		path := p.Path
		if path == "" {
			path = "/"
		}
		return NewHTTPChecker("http://" + target + path).WithTimeout(cfg.Timeout), nil
	case types.ProbeTCP:
		return NewTCPChecker(target).WithTimeout(cfg.Timeout), nil
	case types.ProbeExec:
		if len(p.Command) == 0 {
			return nil, fmt.Errorf("exec probe without command")
		}
		return NewExecChecker(p.Command).WithTimeout(cfg.Timeout), nil
	default:
		return nil, fmt.Errorf("unknown probe type: %q", p.Type)
	}
}

// Monitor runs a checker every interval until ctx is done and calls
// onChange whenever readiness flips.
func Monitor(ctx context.Context, checker Checker, cfg Config, onChange func(ready bool, r Result)) {
	status := NewStatus()
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		checkCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		result := checker.Check(checkCtx)
		cancel()

		if ctx.Err() != nil {
			return
		}
		if status.Update(result, cfg) {
			onChange(status.Ready, result)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
