// Package gearman is a client library for the Gearman job-dispatch protocol.
//
// Callers submit named jobs with opaque payloads to a pool of job servers;
// the servers queue them for remote workers and relay results, progress and
// failures back over the submitting connection. The library hides the binary
// wire protocol, connection lifetime and multi-server fan-out behind a small
// API:
//
//   - `Client.Do` submits one job and blocks for its result.
//   - `Client.DoBackground` submits a fire-and-forget job and returns its
//     server-issued handle.
//   - `Client.NewBatch` groups many jobs, dispatches them across the server
//     pool and waits on all of them concurrently.
//   - `Client.Status` polls a previously returned handle for progress.
//
// ## How it works
//
// Each `Client` owns a `Pool` of connections keyed by server address. A
// server that refuses connections is placed in a quadratic backoff window
// (`min(failures², ceiling)`) so a dead or flapping node is not hammered
// while the rest of the pool keeps serving. Jobs without a fixed server are
// spread by a randomized round-robin probe over the healthy servers.
//
// A `Batch` drives one wait loop over every connection that still holds a
// live job: one reader goroutine per connection decodes packets into a
// single dispatch channel and the loop runs the job callbacks synchronously,
// so per-connection ordering is preserved and callbacks never race each
// other. A long-running callback therefore stalls its whole batch; keep them
// short.
//
// ## Design Principles
//
// The library models failure explicitly rather than hiding it: every job
// resolves to exactly one terminal outcome (complete, fail, exception) or is
// silently dropped by its own timeout, and the caller can observe each case
// through a distinct callback slot. Connection-level errors never escape as
// panics; they are folded into backoff bookkeeping and failed-job callbacks.
//
// Payloads are opaque byte slices end to end. Serialization is the caller's
// business, as is the worker on the far side.
package gearman
