package gearman

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// jobState tracks where a job is in its life. Terminal states are entered
// exactly once, either from a decoded packet or from timeout expiry.
type jobState int

const (
	jobUnassigned jobState = iota
	jobSubmitted
	jobInProgress
	jobCompleted
	jobFailed
	jobTimedOut
)

// Callbacks is the fixed set of per-job callback slots. Every slot is
// optional. The batch wait loop invokes them synchronously, so none of them
// should block for long. For a tracked job exactly one of OnComplete,
// OnFail or OnException fires, at most once; a background job fires only
// OnCreated; a job dropped by its own timeout fires nothing.
type Callbacks struct {
	// OnCreated receives the server-issued handle once the submission is
	// acknowledged.
	OnCreated func(h Handle)
	// OnComplete receives the final result payload.
	OnComplete func(result []byte)
	// OnData receives incremental result chunks before the terminal
	// outcome.
	OnData func(chunk []byte)
	// OnStatus receives progress updates as numerator/denominator.
	OnStatus func(num, den int)
	// OnWarning receives warning payloads; the job stays in flight.
	OnWarning func(msg []byte)
	// OnFail signals a terminal server-side failure.
	OnFail func()
	// OnException receives the opaque exception payload instead of OnFail
	// when exception propagation was negotiated.
	OnException func(data []byte)
	// OnRetry fires before a connection-level failure is retried, with the
	// attempt number starting at 1.
	OnRetry func(attempt int)
}

// JobOptions gathers the per-job knobs accepted by Batch.Add and the client
// facade.
type JobOptions struct {
	// Unique is the caller-supplied coalescing key. Empty means a random
	// UUID, i.e. no coalescing.
	Unique string
	// Priority selects the submission queue on the server.
	Priority Priority
	// Background submits fire-and-forget: the server routes no further
	// events for the job and no callbacks beyond OnCreated fire.
	Background bool
	// Timeout bounds how long the batch waits for this job. Expiry drops
	// the job silently from the batch; no terminal callback fires.
	Timeout time.Duration
	// Retries is the budget for connection-level submission failures.
	// Decoded error packets are never retried.
	Retries int
}

// Job is one unit of work owned by exactly one batch.
type Job struct {
	fn   string
	arg  []byte
	opts JobOptions
	cb   Callbacks

	state    jobState
	handle   Handle
	attempts int
	deadline time.Time

	// assigned connection for the lifetime of the submission
	conn *conn
}

func newJob(fn string, arg []byte, opts JobOptions, cb Callbacks) *Job {
	if opts.Unique == "" {
		opts.Unique = uuid.NewString()
	}
	return &Job{fn: fn, arg: arg, opts: opts, cb: cb}
}

// Handle returns the server-issued handle, valid once the submission has
// been acknowledged.
func (j *Job) Handle() Handle { return j.handle }

// Function returns the (prefixed) function name the job was submitted as.
func (j *Job) Function() string { return j.fn }

// Resolved reports whether the job reached a terminal outcome through the
// server (completed or failed). A job left unresolved after Wait was
// either dropped by its own timeout or cut off by the batch deadline.
func (j *Job) Resolved() bool {
	return j.state == jobCompleted || j.state == jobFailed
}

// TimedOut reports whether the job was silently dropped by its own
// timeout.
func (j *Job) TimedOut() bool { return j.state == jobTimedOut }

func (j *Job) terminal() bool {
	switch j.state {
	case jobCompleted, jobFailed, jobTimedOut:
		return true
	}
	return false
}

// invoke runs one callback slot behind a recover boundary: a panicking
// caller hook is logged and discarded, never allowed to tear down the wait
// loop.
func invoke(logger *slog.Logger, name string, fn func()) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Warn("job callback panicked",
				slog.String("callback", name),
				slog.Any("panic", r))
		}
	}()
	fn()
}
