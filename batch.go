package gearman

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"time"
)

// event is what a connection reader hands to the wait loop: one decoded
// packet, or the error that ended the reader.
type event struct {
	c   *conn
	pkt *Packet
	err error
}

// connState tracks the jobs multiplexed on one connection. pending is the
// FIFO of submissions awaiting JOB_CREATED; the protocol has no correlation
// id, so acknowledgements match submissions strictly in write order. active
// is keyed by the server-local handle once acknowledged.
type connState struct {
	pending []*Job
	active  map[string]*Job

	stop    chan struct{}
	started bool
	// clean tells the exiting reader whether the connection can go back to
	// the pool or must be discarded because a response may still be in
	// flight for an abandoned job.
	clean bool
	// dirty marks a connection that silently dropped a timed-out job: an
	// orphan response may still arrive, so the framing is out of step with
	// the pool's expectations forever.
	dirty bool
}

func (cs *connState) live() int { return len(cs.pending) + len(cs.active) }

// Batch is an ordered group of jobs dispatched together and awaited by one
// wait loop. A batch belongs to a single goroutine: Add calls and the Wait
// call must not be interleaved from concurrent goroutines, because the
// protocol framing allows only one reader per connection at a time.
type Batch struct {
	client *Client
	logger *slog.Logger

	jobs   []*Job
	conns  map[*conn]*connState
	events chan event

	waited bool
}

// NewBatch starts an empty batch. Batches of the same client are
// independent and may run their wait loops concurrently; they never share
// connections.
func (c *Client) NewBatch() *Batch {
	return &Batch{
		client: c,
		logger: c.logger,
		conns:  make(map[*conn]*connState),
		events: make(chan event, 16),
	}
}

// Jobs returns every tracked job the batch accepted, in submission order,
// for outcome inspection after Wait.
func (b *Batch) Jobs() []*Job {
	return b.jobs
}

// Add submits one job and blocks until the server acknowledges it with a
// JOB_CREATED packet, returning the issued handle. The job then rides the
// batch until Wait resolves it; a background job is finished as soon as Add
// returns. Connection-level failures consume the job's retry budget before
// the job is failed terminally.
func (b *Batch) Add(fn string, arg []byte, opts JobOptions, cb Callbacks) (Handle, error) {
	if fn == "" {
		return Handle{}, ErrNoFunction
	}
	job := newJob(b.client.cfg.prefix+fn, arg, opts, cb)

	excluded := ""
	for {
		err := b.submit(job, excluded)
		if err == nil {
			break
		}
		if job.conn != nil && job.attempts <= job.opts.Retries {
			// conn-level failure with budget left: probe the other servers
			// on the next pass.
			excluded = job.conn.addr
			job.conn = nil
			attempt := job.attempts
			invoke(b.logger, "OnRetry", func() {
				if job.cb.OnRetry != nil {
					job.cb.OnRetry(attempt)
				}
			})
			b.client.msink.IncrCounterWithLabels(MetricJobRetryCount, 1.0,
				append(b.client.cfg.metricLabels, LabelFunction.M(job.fn)))
			continue
		}
		job.state = jobFailed
		invoke(b.logger, "OnFail", job.cb.OnFail)
		return Handle{}, err
	}

	handle, err := b.awaitCreated(job)
	if err != nil {
		return Handle{}, err
	}
	if job.opts.Background {
		// Nothing further will ever arrive for it; hand the connection
		// back if no tracked job rides it.
		if cs, ok := b.conns[job.conn]; ok && cs.live() == 0 {
			b.client.pool.release(job.conn)
			b.dropConn(job.conn)
		}
	} else {
		b.jobs = append(b.jobs, job)
	}
	return handle, nil
}

// submit assigns the job to a server and writes its submission packet.
// Assignment starts at a random index into the server list and probes
// round-robin from there, skipping excluded and any address inside its
// backoff window, until a usable connection appears. A connection the
// batch already holds to the chosen server is reused so acknowledgement
// order stays aligned with write order.
func (b *Batch) submit(job *Job, excluded string) error {
	servers := b.client.cfg.servers
	start := rand.Intn(len(servers))
	var lastErr error
	for i := range servers {
		addr := servers[(start+i)%len(servers)]
		if addr == excluded {
			continue
		}
		c := b.connTo(addr)
		if c == nil {
			var err error
			c, err = b.client.pool.acquire(context.Background(), addr)
			if err != nil {
				lastErr = err
				continue
			}
		}
		job.attempts++
		job.conn = c
		if err := c.writePacket(submitType(job.opts.Priority, job.opts.Background),
			[]byte(job.fn), []byte(job.opts.Unique), job.arg); err != nil {
			b.client.pool.recordFailure(addr)
			b.failConn(c, err, false)
			return fmt.Errorf("submit %s to %s: %w", job.fn, addr, err)
		}
		cs := b.state(c)
		cs.pending = append(cs.pending, job)
		if job.opts.Timeout > 0 {
			job.deadline = time.Now().Add(job.opts.Timeout)
		}
		b.client.msink.IncrCounterWithLabels(MetricJobSubmittedCount, 1.0,
			append(b.client.cfg.metricLabels,
				LabelServer.M(addr), LabelFunction.M(job.fn)))
		return nil
	}
	job.conn = nil
	if lastErr == nil {
		lastErr = fmt.Errorf("%w: all servers excluded", ErrNoServerAvailable)
	}
	return fmt.Errorf("%w: %w", ErrNoServerAvailable, lastErr)
}

// connTo returns the connection this batch already holds to addr, if any.
func (b *Batch) connTo(addr string) *conn {
	for c := range b.conns {
		if c.addr == addr {
			return c
		}
	}
	return nil
}

// awaitCreated pumps the job's connection until its creation ack arrives.
// No reader goroutine exists yet for the connection, so reading here races
// nothing. Packets for jobs already riding this connection are dispatched
// on the way.
func (b *Batch) awaitCreated(job *Job) (Handle, error) {
	c := job.conn
	c.setDeadline(time.Now().Add(b.client.cfg.submitWait))
	defer c.setDeadline(time.Time{})
	for job.handle == (Handle{}) {
		pkt, err := c.readPacket()
		if err != nil {
			b.client.pool.recordFailure(c.addr)
			b.failConn(c, err, false)
			return Handle{}, fmt.Errorf("awaiting JOB_CREATED from %s: %w", c.addr, err)
		}
		b.dispatch(c, pkt)
		if job.terminal() {
			return Handle{}, ErrServerError
		}
	}
	return job.handle, nil
}

// Wait drives the multiplexed wait loop until every tracked job reaches a
// terminal outcome or the batch deadline fires. A zero timeout means no
// batch deadline. Jobs left unresolved by the deadline observe no callback;
// Wait reports ErrTimedOut so the caller can see the batch was cut short.
func (b *Batch) Wait(timeout time.Duration) error {
	if b.waited {
		return fmt.Errorf("%w: batch already waited", ErrInvalidCfg)
	}
	b.waited = true

	var batchDeadline time.Time
	if timeout > 0 {
		batchDeadline = time.Now().Add(timeout)
	}

	for c, cs := range b.conns {
		if cs.live() > 0 && !cs.started {
			cs.started = true
			go b.read(c, cs)
		}
	}

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for b.liveJobs() > 0 {
		next, hasNext := b.nextDeadline(batchDeadline)
		if hasNext {
			d := time.Until(next)
			if d < 0 {
				d = 0
			}
			timer.Reset(d)
			select {
			case ev := <-b.events:
				timer.Stop()
				b.handleEvent(ev)
			case <-timer.C:
				b.expireJobs(time.Now())
				if !batchDeadline.IsZero() && !time.Now().Before(batchDeadline) {
					b.shutdownReaders()
					return ErrTimedOut
				}
			}
		} else {
			b.handleEvent(<-b.events)
		}
	}
	b.shutdownReaders()
	return nil
}

// read is the per-connection reader goroutine: it decodes packets in
// arrival order into the shared event channel until the wait loop signals
// stop or the connection dies. The stopped reader owns the final release
// or discard of its connection.
func (b *Batch) read(c *conn, cs *connState) {
	defer func() {
		// finishReader must run exactly when the wait loop asked us to
		// stop; on a read error the loop learns through the event and
		// discards the connection itself.
		select {
		case <-cs.stop:
			b.finishReader(c, cs)
		default:
		}
	}()
	for {
		pkt, err := c.readPacket()
		select {
		case <-cs.stop:
			return
		default:
		}
		if err != nil {
			select {
			case b.events <- event{c: c, err: err}:
			case <-cs.stop:
			}
			return
		}
		select {
		case b.events <- event{c: c, pkt: pkt}:
		case <-cs.stop:
			return
		}
	}
}

func (b *Batch) finishReader(c *conn, cs *connState) {
	c.setDeadline(time.Time{})
	if cs.clean {
		b.client.pool.release(c)
	} else {
		b.client.pool.discard(c)
	}
}

func (b *Batch) handleEvent(ev event) {
	cs, ok := b.conns[ev.c]
	if !ok {
		// Stale event from a connection already retired.
		return
	}
	if ev.err != nil {
		b.client.pool.recordFailure(ev.c.addr)
		b.failConn(ev.c, ev.err, true)
		return
	}
	b.dispatch(ev.c, ev.pkt)
	// dispatch may have retired the connection already (error packet).
	if _, ok := b.conns[ev.c]; ok && cs.live() == 0 {
		b.stopReader(ev.c, cs, !cs.dirty)
	}
}

// dispatch routes one decoded packet to the matching job and runs its
// callbacks synchronously on the wait loop's control flow.
func (b *Batch) dispatch(c *conn, pkt *Packet) {
	cs := b.state(c)
	labels := append(b.client.cfg.metricLabels, LabelServer.M(c.addr))

	switch pkt.Type {
	case JobCreated:
		if len(cs.pending) == 0 {
			b.logger.Warn("JOB_CREATED with no submission pending", LabelServer.L(c.addr))
			return
		}
		job := cs.pending[0]
		cs.pending = cs.pending[1:]
		job.state = jobSubmitted
		job.handle = Handle{Server: c.addr, Local: string(pkt.arg(0))}
		invoke(b.logger, "OnCreated", func() {
			if job.cb.OnCreated != nil {
				job.cb.OnCreated(job.handle)
			}
		})
		if !job.opts.Background {
			cs.active[job.handle.Local] = job
		}

	case WorkStatus:
		if job := cs.active[string(pkt.arg(0))]; job != nil {
			job.state = jobInProgress
			num, _ := strconv.Atoi(string(pkt.arg(1)))
			den, _ := strconv.Atoi(string(pkt.arg(2)))
			invoke(b.logger, "OnStatus", func() {
				if job.cb.OnStatus != nil {
					job.cb.OnStatus(num, den)
				}
			})
		}

	case WorkData:
		if job := cs.active[string(pkt.arg(0))]; job != nil {
			job.state = jobInProgress
			invoke(b.logger, "OnData", func() {
				if job.cb.OnData != nil {
					job.cb.OnData(pkt.arg(1))
				}
			})
		}

	case WorkWarning:
		if job := cs.active[string(pkt.arg(0))]; job != nil {
			b.logger.Warn("job warning",
				slog.String("handle", job.handle.String()),
				slog.String("warning", string(pkt.arg(1))))
			invoke(b.logger, "OnWarning", func() {
				if job.cb.OnWarning != nil {
					job.cb.OnWarning(pkt.arg(1))
				}
			})
		}

	case WorkComplete:
		if job := cs.active[string(pkt.arg(0))]; job != nil {
			delete(cs.active, job.handle.Local)
			job.state = jobCompleted
			result := pkt.arg(1)
			invoke(b.logger, "OnComplete", func() {
				if job.cb.OnComplete != nil {
					job.cb.OnComplete(result)
				}
			})
			b.client.msink.IncrCounterWithLabels(MetricJobCompletedCount, 1.0, labels)
			b.client.msink.IncrCounterWithLabels(MetricJobResultBytes, float32(len(result)), labels)
		}

	case WorkFail:
		if job := cs.active[string(pkt.arg(0))]; job != nil {
			delete(cs.active, job.handle.Local)
			job.state = jobFailed
			invoke(b.logger, "OnFail", job.cb.OnFail)
			b.client.msink.IncrCounterWithLabels(MetricJobFailedCount, 1.0, labels)
		}

	case WorkException:
		if job := cs.active[string(pkt.arg(0))]; job != nil {
			delete(cs.active, job.handle.Local)
			job.state = jobFailed
			if c.exceptions && job.cb.OnException != nil {
				data := pkt.arg(1)
				invoke(b.logger, "OnException", func() { job.cb.OnException(data) })
			} else {
				invoke(b.logger, "OnFail", job.cb.OnFail)
			}
			b.client.msink.IncrCounterWithLabels(MetricJobExceptionCount, 1.0, labels)
		}

	case Error:
		b.logger.Error("server error packet",
			LabelServer.L(c.addr),
			slog.String("code", string(pkt.arg(0))),
			slog.String("text", string(pkt.arg(1))))
		b.client.pool.recordFailure(c.addr)
		b.failConn(c, fmt.Errorf("%w: %s", ErrServerError, pkt.arg(1)), false)

	default:
		b.logger.Warn("unexpected packet on batch connection",
			LabelServer.L(c.addr), slog.String("type", pkt.Type.String()))
	}
}

// failConn fails every job still riding c. An error packet or a transport
// error means the connection framing is no longer trustworthy, so the
// connection is discarded, never pooled. readerGone is true when the
// reader goroutine already exited on its own error.
func (b *Batch) failConn(c *conn, cause error, readerGone bool) {
	cs, ok := b.conns[c]
	if !ok {
		b.client.pool.discard(c)
		return
	}
	b.logger.Warn("failing jobs on broken connection",
		LabelServer.L(c.addr), LabelError.L(cause))
	for _, job := range cs.pending {
		job.state = jobFailed
		invoke(b.logger, "OnFail", job.cb.OnFail)
	}
	cs.pending = nil
	for _, job := range cs.active {
		job.state = jobFailed
		invoke(b.logger, "OnFail", job.cb.OnFail)
	}
	cs.active = make(map[string]*Job)

	b.client.msink.IncrCounterWithLabels(MetricServerErrorCount, 1.0,
		append(b.client.cfg.metricLabels, LabelServer.M(c.addr)))
	if readerGone || !cs.started {
		b.client.pool.discard(c)
		b.dropConn(c)
	} else {
		b.stopReader(c, cs, false)
	}
}

// expireJobs silently retires every job whose own deadline has passed. No
// callback fires; the caller observes the cut through the batch timeout. A
// connection that dropped a job keeps an orphan response in flight, so it
// is never returned to the pool.
func (b *Batch) expireJobs(now time.Time) {
	for c, cs := range b.conns {
		dropped := false
		for local, job := range cs.active {
			if !job.deadline.IsZero() && !now.Before(job.deadline) {
				delete(cs.active, local)
				job.state = jobTimedOut
				cs.dirty = true
				dropped = true
				b.logger.Debug("job timed out",
					slog.String("handle", job.handle.String()))
				b.client.msink.IncrCounterWithLabels(MetricJobTimeoutCount, 1.0,
					append(b.client.cfg.metricLabels, LabelServer.M(c.addr)))
			}
		}
		if dropped && cs.live() == 0 {
			b.stopReader(c, cs, false)
		}
	}
}

// stopReader signals the reader goroutine for c to exit and tells it
// whether the connection is clean enough to pool again. The deadline poke
// unblocks a read in progress; the reader performs the release or discard
// itself since it may still hold the connection.
func (b *Batch) stopReader(c *conn, cs *connState, clean bool) {
	if cs.started {
		cs.clean = clean
		close(cs.stop)
		c.setDeadline(time.Unix(1, 0))
	} else if clean {
		b.client.pool.release(c)
	} else {
		b.client.pool.discard(c)
	}
	b.dropConn(c)
}

func (b *Batch) shutdownReaders() {
	for c, cs := range b.conns {
		b.stopReader(c, cs, cs.live() == 0 && !cs.dirty)
	}
}

func (b *Batch) state(c *conn) *connState {
	cs, ok := b.conns[c]
	if !ok {
		cs = &connState{
			active: make(map[string]*Job),
			stop:   make(chan struct{}),
		}
		b.conns[c] = cs
	}
	return cs
}

func (b *Batch) dropConn(c *conn) {
	delete(b.conns, c)
}

func (b *Batch) liveJobs() int {
	n := 0
	for _, cs := range b.conns {
		n += cs.live()
	}
	return n
}

// nextDeadline computes the nearest of the batch deadline and every
// per-job deadline still in play.
func (b *Batch) nextDeadline(batchDeadline time.Time) (time.Time, bool) {
	next := batchDeadline
	for _, cs := range b.conns {
		for _, job := range cs.active {
			if job.deadline.IsZero() {
				continue
			}
			if next.IsZero() || job.deadline.Before(next) {
				next = job.deadline
			}
		}
	}
	return next, !next.IsZero()
}
