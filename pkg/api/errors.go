package api

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/hashicorp/raft"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// sentinels pairs every errdefs sentinel with its wire code. The first
// entry of a code is the fallback when the message names no sentinel.
var sentinels = []struct {
	err  error
	code codes.Code
}{
	{errdefs.ErrInvalidSpec, codes.InvalidArgument},
	{errdefs.ErrNotFound, codes.NotFound},
	{errdefs.ErrUnschedulable, codes.ResourceExhausted},
	{errdefs.ErrInsufficientResources, codes.ResourceExhausted},
	{errdefs.ErrAffinityViolated, codes.FailedPrecondition},
	{errdefs.ErrVolumeBindingLost, codes.FailedPrecondition},
	{errdefs.ErrReadinessTimeout, codes.FailedPrecondition},
	{errdefs.ErrMetricSource, codes.Unavailable},
	{raft.ErrNotLeader, codes.Unavailable},
}

// toStatus converts a domain error into a gRPC status error
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	for _, s := range sentinels {
		if errors.Is(err, s.err) {
			return status.Error(s.code, err.Error())
		}
	}
	return status.Error(codes.Internal, err.Error())
}

// FromStatus converts a gRPC status error back into an error wrapping the
// matching errdefs sentinel, so callers can keep using errors.Is.
func FromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}

	var fallback error
	for _, s := range sentinels {
		if s.code != st.Code() {
			continue
		}
		if strings.Contains(st.Message(), s.err.Error()) {
			return fmt.Errorf("%s: %w", trimSentinel(st.Message(), s.err), s.err)
		}
		if fallback == nil {
			fallback = s.err
		}
	}
	if fallback != nil && (st.Code() == codes.InvalidArgument || st.Code() == codes.NotFound) {
		return fmt.Errorf("%s: %w", st.Message(), fallback)
	}
	return err
}

// trimSentinel drops the trailing ": <sentinel>" the server side appended
func trimSentinel(msg string, sentinel error) string {
	return strings.TrimSuffix(msg, ": "+sentinel.Error())
}
