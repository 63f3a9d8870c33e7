// Package ledger keeps per-node resource accounting for placement.
//
// A reservation is admitted only if the node's headroom (capacity minus the
// requests already reserved) covers the new requests on both CPU and memory.
// Limits never take part in admission. Release is idempotent.
package ledger
