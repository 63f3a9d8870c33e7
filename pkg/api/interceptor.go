package api

import (
	"context"
	"fmt"
	"strings"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/hashicorp/raft"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// MetricsInterceptor counts and times every unary call
func MetricsInterceptor() grpc.UnaryServerInterceptor {
	logger := log.WithComponent("api")
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		method := methodName(info.FullMethod)
		timer := metrics.NewTimer()

		resp, err := handler(ctx, req)

		timer.ObserveDurationVec(metrics.APIRequestDuration, method)
		code := status.Code(err)
		metrics.APIRequestsTotal.WithLabelValues(method, code.String()).Inc()

		if err != nil {
			logger.Debug().Str("method", method).Str("code", code.String()).Err(err).Msg("API call failed")
		}
		return resp, err
	}
}

// LeaderInterceptor rejects calls that need the leader's view when this
// node is a follower. The error names the current leader so clients can
// redirect.
func LeaderInterceptor(isLeader func() bool, leaderAddr func() string) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		if !isLeader() && !isFollowerSafe(info.FullMethod) {
			return nil, toStatus(fmt.Errorf("current leader: %q: %w", leaderAddr(), raft.ErrNotLeader))
		}
		return handler(ctx, req)
	}
}

// methodName extracts the method from a full path
// ("/burrow.v1.Burrow/ListNodes" -> "ListNodes")
func methodName(fullMethod string) string {
	parts := strings.Split(fullMethod, "/")
	return parts[len(parts)-1]
}

// isFollowerSafe reports whether a follower can answer a method from its
// replicated store. Writes go through Raft on the leader, and observed
// state (status, registry, ledger) only exists where the reconciler runs.
func isFollowerSafe(fullMethod string) bool {
	if !strings.HasPrefix(fullMethod, "/"+ServiceName+"/") {
		// grpc.health.v1 and other infrastructure services
		return true
	}
	switch methodName(fullMethod) {
	case "GetWorkload", "ListWorkloads", "GetClusterInfo":
		return true
	}
	return false
}
