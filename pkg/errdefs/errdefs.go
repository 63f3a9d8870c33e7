// Package errdefs defines the error taxonomy shared by Burrow components.
//
// Errors are plain sentinels wrapped with fmt.Errorf("...: %w", err) at
// the point of failure and matched with errors.Is by callers.
package errdefs

import (
	"errors"
)

var (
	// ErrInvalidSpec rejects a declaration without changing any state
	ErrInvalidSpec = errors.New("invalid spec")

	// ErrNotFound is returned for unknown workloads, nodes, or claims
	ErrNotFound = errors.New("not found")

	// ErrInsufficientResources means a node lacks headroom for a reservation
	ErrInsufficientResources = errors.New("insufficient resources")

	// ErrUnschedulable means no node currently has headroom for an instance
	ErrUnschedulable = errors.New("unschedulable")

	// ErrAffinityViolated means a pinned instance cannot be placed on its node
	ErrAffinityViolated = errors.New("affinity violated")

	// ErrVolumeBindingLost means an ordinal could not reattach its volume
	ErrVolumeBindingLost = errors.New("volume binding lost")

	// ErrReadinessTimeout means a new instance missed its readiness deadline
	ErrReadinessTimeout = errors.New("readiness timeout")

	// ErrMetricSource wraps failures reading the load signal
	ErrMetricSource = errors.New("metric source failure")
)

// IsRetryable reports whether the error clears on its own once capacity frees up
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnschedulable) || errors.Is(err, ErrInsufficientResources)
}

// IsFatal reports whether the error needs external intervention
func IsFatal(err error) bool {
	return errors.Is(err, ErrAffinityViolated) || errors.Is(err, ErrVolumeBindingLost)
}

// IsHalted reports whether the error halts a rollout
func IsHalted(err error) bool {
	return errors.Is(err, ErrReadinessTimeout)
}
