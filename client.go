package gearman

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/hashicorp/go-metrics"
)

// Client is the facade over the connection pool and the batch multiplexer.
// It is safe for concurrent use: every public operation runs on its own
// batch or on a dedicated pooled connection, and the pool serializes its
// own bookkeeping.
type Client struct {
	cfg    *config
	pool   *pool
	logger *slog.Logger
	msink  metrics.MetricSink
}

// New creates a Client. WithServers is the only required option.
func New(opts ...Option) (*Client, error) {
	cfg := &config{
		dialTimeout: 10 * time.Second,
		submitWait:  10 * time.Second,
		backoffMax:  defaultBackoffMax,
	}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}
	if len(cfg.servers) == 0 {
		return nil, ErrNoServers
	}

	c := &Client{cfg: cfg}
	if cfg.logHandler == nil {
		c.logger = slog.Default()
	} else {
		c.logger = slog.New(cfg.logHandler)
	}
	if cfg.metricSink == nil {
		c.msink = metrics.Default()
	} else {
		c.msink = cfg.metricSink
	}
	c.pool = newPool(cfg, c.logger, c.msink)
	return c, nil
}

// Do submits one job and blocks until it resolves or timeout elapses. Any
// failure category, including timeout, surfaces as a non-nil error with a
// nil result; callers that need to distinguish the kinds use a Batch with
// callbacks.
func (c *Client) Do(fn string, arg []byte, opts JobOptions) ([]byte, error) {
	var (
		result []byte
		failed bool
		excErr error
	)
	opts.Background = false
	// The timeout bounds the whole wait; as a per-job deadline too it
	// could drop the job silently a beat before the batch notices.
	batchTimeout := opts.Timeout
	opts.Timeout = 0
	batch := c.NewBatch()
	handle, err := batch.Add(fn, arg, opts, Callbacks{
		OnComplete:  func(res []byte) { result = res },
		OnFail:      func() { failed = true },
		OnException: func(data []byte) { excErr = &RemoteException{Data: data} },
	})
	if err != nil {
		return nil, err
	}
	if err := batch.Wait(batchTimeout); err != nil {
		return nil, fmt.Errorf("job %s: %w", handle, err)
	}
	switch {
	case excErr != nil:
		if re, ok := excErr.(*RemoteException); ok {
			re.Handle = handle
		}
		return nil, excErr
	case failed:
		return nil, fmt.Errorf("job %s: %w", handle, ErrJobFailed)
	}
	return result, nil
}

// DoBackground submits a fire-and-forget job and returns as soon as the
// server issues its handle. No completion, status or failure events are
// ever routed back for it.
func (c *Client) DoBackground(fn string, arg []byte, opts JobOptions) (Handle, error) {
	opts.Background = true
	return c.NewBatch().Add(fn, arg, opts, Callbacks{})
}

// JobStatus is the answer to a GET_STATUS poll. Known and Running are
// distinct: a finished or never-submitted handle is not Known, while a
// queued-but-not-started job is Known and not Running with zero progress.
type JobStatus struct {
	Handle      Handle
	Known       bool
	Running     bool
	Numerator   int
	Denominator int
}

// Status polls a previously returned handle on the server that issued it.
// A handle the server no longer knows yields ErrUnknownHandle rather than
// a zero-progress status.
func (c *Client) Status(h Handle) (JobStatus, error) {
	conn, err := c.pool.acquire(context.Background(), h.Server)
	if err != nil {
		return JobStatus{}, err
	}
	conn.setDeadline(time.Now().Add(c.cfg.submitWait))
	pkt, err := conn.roundTrip(GetStatus,
		map[PacketType]bool{StatusRes: true}, []byte(h.Local))
	conn.setDeadline(time.Time{})
	if err != nil {
		c.pool.recordFailure(h.Server)
		c.pool.discard(conn)
		return JobStatus{}, err
	}
	c.pool.release(conn)

	st := JobStatus{
		Handle:  h,
		Known:   bytes.Equal(pkt.arg(1), []byte("1")),
		Running: bytes.Equal(pkt.arg(2), []byte("1")),
	}
	st.Numerator, _ = strconv.Atoi(string(pkt.arg(3)))
	st.Denominator, _ = strconv.Atoi(string(pkt.arg(4)))
	if !st.Known {
		return st, fmt.Errorf("%w: %s", ErrUnknownHandle, h)
	}
	return st, nil
}

// Echo round-trips arbitrary bytes through a server. Useful as a health
// probe and in smoke tests.
func (c *Client) Echo(addr string, payload []byte) ([]byte, error) {
	addr, err := normalizeAddr(addr)
	if err != nil {
		return nil, err
	}
	conn, err := c.pool.acquire(context.Background(), addr)
	if err != nil {
		return nil, err
	}
	conn.setDeadline(time.Now().Add(c.cfg.submitWait))
	pkt, err := conn.roundTrip(EchoReq, map[PacketType]bool{EchoRes: true}, payload)
	conn.setDeadline(time.Time{})
	if err != nil {
		c.pool.recordFailure(addr)
		c.pool.discard(conn)
		return nil, err
	}
	c.pool.release(conn)
	return pkt.arg(0), nil
}

// Servers returns the configured pool, normalized.
func (c *Client) Servers() []string {
	out := make([]string, len(c.cfg.servers))
	copy(out, c.cfg.servers)
	return out
}

// Close drops every pooled connection. In-flight batches own their
// connections and are unaffected.
func (c *Client) Close() {
	c.pool.closeAll()
}
