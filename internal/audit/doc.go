// Package audit implements the append-only audit trail for the Plant Monitoring Container.
//
// Entries are JSON lines written through a size-rotated file. Lifecycle
// transitions, emergency shutdowns, threshold changes, subscriber
// authentication and rejected inbound payloads are recorded.
package audit
