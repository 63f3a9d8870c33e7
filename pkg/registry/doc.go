// Package registry is the in-memory service registry.
//
// A logical name (name.namespace) maps to the endpoints of instances that
// are Running and ready. Controllers call Sync after every phase or
// readiness change; Resolve always reflects the latest Sync with no caching.
package registry
