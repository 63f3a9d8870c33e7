// Package manifest decodes YAML workload manifests into declarations.
//
// A manifest is a stream of documents, one workload each:
//
//	apiVersion: burrow/v1
//	kind: Stateless            # or OrderedStateful
//	metadata:
//	  name: web
//	spec:
//	  replicas: 2
//	  image: flask-app:1
//	  resources:
//	    requests: {cpu: 200m, memory: 256Mi}
//
// Quantities use Kubernetes notation and are converted with
// k8s.io/apimachinery resource.Quantity.
package manifest
