// Package storage provides the persistence layer behind the message router.
//
// It currently supports:
//   - Per-profile key/value snapshots (block lists, impressions, session end)
//   - The shared cross-profile impression/blocklist database
//
// All writes are best-effort from the router's perspective: a failed write is
// logged and in-memory state stays correct for the rest of the session.
package storage
