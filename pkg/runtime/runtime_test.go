package runtime

import (
	"testing"

	"github.com/cuemby/burrow/pkg/types"
	"github.com/stretchr/testify/assert"
)

func TestBuildEnvStateless(t *testing.T) {
	spec := &types.WorkloadSpec{
		Name:      "web",
		Namespace: "default",
		Env:       []string{"MONGODB_URI=mongodb://mongo.default:27017/app"},
	}
	inst := &types.Instance{ID: "3f2a", Ordinal: types.NoOrdinal}

	assert.Equal(t, []string{
		"MONGODB_URI=mongodb://mongo.default:27017/app",
		"BURROW_WORKLOAD=default/web",
		"BURROW_INSTANCE=3f2a",
	}, BuildEnv(inst, spec, Env{}))
}

func TestInstanceAddress(t *testing.T) {
	tests := []struct {
		node string
		port int
		want string
	}{
		{node: "10.0.0.5", port: 5000, want: "10.0.0.5:5000"},
		{node: "10.0.0.5:7946", port: 27017, want: "10.0.0.5:27017"},
		{node: "", port: 80, want: "127.0.0.1:80"},
		{node: "10.0.0.5", port: 0, want: "10.0.0.5"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, instanceAddress(tt.node, tt.port))
		})
	}
}
