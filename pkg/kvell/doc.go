// Package kvell is the public entry point for a sharded, single-node,
// transactional key-value storage engine built around size-class slab
// files, asynchronous direct I/O, and an in-memory MVCC index (spec §1-§2).
//
// Construct an Engine with New, submit raw callback-style requests with
// Submit (spec §6), or use the synchronous Get/Put/Delete/Begin wrappers in
// sync_api.go for everyday use. The Fatal conditions the worker detects
// itself (corruption, exhausted GC ring, short I/O) are surfaced as a
// *FatalError panic on the owning worker's own goroutine, logged once and
// then re-panicked; a few others (commit-log or commit-apply write failures,
// an exhausted page cache, unlocking a never-locked entry) panic with their
// own error type or message and are re-panicked without that log line.
// Either way the process dies loudly rather than serving against
// corrupted state — the Go idiom for the original's die(); see errors.go
// and internal/worker.Worker.Run. A process supervisor (cmd/kvell-server)
// is expected to restart the engine, which replays recovery on the next
// New call.
//
// © 2025 kvell authors. MIT License.
package kvell
