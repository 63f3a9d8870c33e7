package manifest

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const flaskMongo = `
apiVersion: burrow/v1
kind: OrderedStateful
metadata:
  name: mongo
spec:
  replicas: 1
  image: mongo:7
  port: 27017
  secrets: [mongodb-user, mongodb-pass]
  resources:
    requests: {cpu: 500m, memory: 512Mi}
    limits: {cpu: "1", memory: 1Gi}
  readiness:
    probe: {type: tcp, interval: 5s}
  volume:
    target: /data/db
    size: 10Gi
---
apiVersion: burrow/v1
kind: Stateless
metadata:
  name: web
  namespace: default
spec:
  replicas: 2
  image: flask-app:1
  port: 5000
  env:
    MONGODB_URI: mongodb://mongo.default:27017/
  secrets: [mongodb-user, mongodb-pass]
  resources:
    requests: {cpu: 200m, memory: 256Mi}
  readiness:
    probe: {type: http, path: /}
    deadline: 2m
  autoscale:
    minReplicas: 2
    maxReplicas: 10
    targetUtilization: 70%
    cooldown: 3m
`

func TestDecodeFlaskMongo(t *testing.T) {
	specs, err := Decode(strings.NewReader(flaskMongo))
	require.NoError(t, err)
	require.Len(t, specs, 2)

	mongo := specs[0]
	assert.Equal(t, "default/mongo", mongo.Key())
	assert.Equal(t, types.KindOrderedStateful, mongo.Kind)
	assert.Equal(t, types.Resources{CPUMillis: 500, MemoryBytes: 512 << 20}, mongo.Resources.Requests)
	assert.Equal(t, types.Resources{CPUMillis: 1000, MemoryBytes: 1 << 30}, mongo.Resources.Limits)
	require.NotNil(t, mongo.Volume)
	assert.Equal(t, int64(10<<30), mongo.Volume.SizeBytes)
	assert.Equal(t, 5*time.Second, mongo.Readiness.Probe.Interval)
	assert.Equal(t, types.UpdateStrategy{}, mongo.Update)

	web := specs[1]
	assert.Equal(t, types.KindStateless, web.Kind)
	assert.Equal(t, []string{"MONGODB_URI=mongodb://mongo.default:27017/"}, web.Env)
	assert.Equal(t, types.UpdateStrategy{MaxSurge: 1}, web.Update)
	assert.Equal(t, 2*time.Minute, web.Readiness.Deadline)
	require.NotNil(t, web.Autoscale)
	assert.InDelta(t, 0.7, web.Autoscale.TargetUtilization, 1e-9)
	assert.Equal(t, 3*time.Minute, web.Autoscale.Cooldown)
}

func TestDecodeRejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{
			name: "bad quantity",
			doc:  "kind: Stateless\nmetadata: {name: web}\nspec:\n  resources:\n    requests: {cpu: lots}\n",
		},
		{
			name: "bad duration",
			doc:  "kind: Stateless\nmetadata: {name: web}\nspec:\n  readiness: {deadline: soon}\n",
		},
		{
			name: "unknown field",
			doc:  "kind: Stateless\nmetadata: {name: web}\nspec:\n  replica: 2\n",
		},
		{
			name: "wrong version",
			doc:  "apiVersion: v2\nkind: Stateless\nmetadata: {name: web}\n",
		},
		{
			name: "bad target",
			doc:  "kind: Stateless\nmetadata: {name: web}\nspec:\n  autoscale: {minReplicas: 1, maxReplicas: 2, targetUtilization: high}\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(strings.NewReader(tt.doc))
			require.Error(t, err)
			assert.ErrorIs(t, err, errdefs.ErrInvalidSpec)
		})
	}
}

func TestDecodeSkipsEmptyDocuments(t *testing.T) {
	specs, err := Decode(strings.NewReader("---\n---\nkind: Stateless\nmetadata: {name: web}\nspec: {replicas: 1, image: nginx}\n"))
	require.NoError(t, err)
	require.Len(t, specs, 1)
	assert.Equal(t, "default", specs[0].Namespace)
}

func TestEncodeRoundTrip(t *testing.T) {
	specs, err := Decode(strings.NewReader(flaskMongo))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, specs...))
	assert.Contains(t, buf.String(), "cpu: 500m")
	assert.Contains(t, buf.String(), "memory: 512Mi")

	again, err := Decode(&buf)
	require.NoError(t, err)
	require.Len(t, again, 2)
	for i := range specs {
		assert.Equal(t, specs[i].TemplateHash(), again[i].TemplateHash())
		assert.Equal(t, specs[i].Autoscale, again[i].Autoscale)
		assert.Equal(t, specs[i].Volume, again[i].Volume)
	}
}
