package gearman

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
)

const defaultBackoffMax = 90 * time.Second

// poolEntry is the per-address record: cached idle connections, the count
// of consecutive failed attempts and the moment until which the address is
// written off.
type poolEntry struct {
	idle          []*conn
	failures      int
	disabledUntil time.Time
}

// pool caches live connections per server address and keeps a server that
// refuses connections inside a growing disable window instead of hammering
// it. State is shared by every batch of the owning client and guarded by
// one mutex.
type pool struct {
	mu      sync.Mutex
	entries map[string]*poolEntry

	dialTimeout time.Duration
	backoffMax  time.Duration
	exceptions  bool

	logger *slog.Logger
	msink  metrics.MetricSink
	labels []metrics.Label

	// dial is swappable for tests.
	dial func(ctx context.Context, addr string) (*conn, error)

	// now is swappable for backoff tests.
	now func() time.Time
}

func newPool(cfg *config, logger *slog.Logger, msink metrics.MetricSink) *pool {
	return &pool{
		entries:     make(map[string]*poolEntry),
		dialTimeout: cfg.dialTimeout,
		backoffMax:  cfg.backoffMax,
		exceptions:  cfg.exceptions,
		logger:      logger,
		msink:       msink,
		labels:      cfg.metricLabels,
		dial:        dialConn,
		now:         time.Now,
	}
}

// acquire returns a usable connection to addr: a validated cached one if
// present, otherwise a fresh dial. An address inside its disable window
// fails fast with ErrServerUnavailable without touching the network.
func (p *pool) acquire(ctx context.Context, addr string) (*conn, error) {
	p.mu.Lock()
	entry := p.entry(addr)
	if until := entry.disabledUntil; p.now().Before(until) {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %s until %s", ErrServerUnavailable, addr, until.Format(time.RFC3339))
	}
	for len(entry.idle) > 0 {
		c := entry.idle[len(entry.idle)-1]
		entry.idle = entry.idle[:len(entry.idle)-1]
		p.mu.Unlock()
		if c.healthy() {
			p.msink.IncrCounterWithLabels(MetricConnReuseCount, 1.0,
				append(p.labels, LabelServer.M(addr)))
			return c, nil
		}
		p.logger.Debug("discarding dead cached connection", LabelServer.L(addr))
		c.close()
		p.mu.Lock()
		entry = p.entry(addr)
	}
	p.mu.Unlock()

	dctx, cancel := context.WithTimeout(ctx, p.dialTimeout)
	defer cancel()
	c, err := p.dial(dctx, addr)
	if err != nil {
		p.recordFailure(addr)
		p.msink.IncrCounterWithLabels(MetricConnDialErrorCount, 1.0,
			append(p.labels, LabelServer.M(addr)))
		return nil, err
	}
	p.msink.IncrCounterWithLabels(MetricConnDialCount, 1.0,
		append(p.labels, LabelServer.M(addr)))

	if p.exceptions {
		p.negotiateExceptions(c)
	}
	p.recordSuccess(addr)
	return c, nil
}

// negotiateExceptions performs the one-time capability handshake. A refusal
// or a broken response only disables the capability for this connection;
// the connection itself stays usable.
func (p *pool) negotiateExceptions(c *conn) {
	c.setDeadline(p.now().Add(p.dialTimeout))
	defer c.setDeadline(time.Time{})
	pkt, err := c.roundTrip(OptionReq, map[PacketType]bool{OptionRes: true, Error: true}, []byte("exceptions"))
	if err != nil || pkt.Type == Error {
		p.logger.Debug("server declined exception propagation",
			LabelServer.L(c.addr), LabelError.L(err))
		return
	}
	c.exceptions = true
}

// release returns a connection to the idle cache for reuse.
func (p *pool) release(c *conn) {
	if c == nil {
		return
	}
	p.mu.Lock()
	entry := p.entry(c.addr)
	entry.idle = append(entry.idle, c)
	p.mu.Unlock()
}

// discard closes a connection whose framing can no longer be trusted.
func (p *pool) discard(c *conn) {
	if c != nil {
		c.close()
	}
}

// recordFailure bumps the consecutive-failure counter for addr and extends
// its disable window to min(failures², ceiling).
func (p *pool) recordFailure(addr string) {
	p.mu.Lock()
	entry := p.entry(addr)
	entry.failures++
	window := time.Duration(entry.failures*entry.failures) * time.Second
	if window > p.backoffMax {
		window = p.backoffMax
	}
	entry.disabledUntil = p.now().Add(window)
	failures := entry.failures
	p.mu.Unlock()

	p.logger.Warn("job server disabled",
		LabelServer.L(addr),
		slog.Int("consecutive_failures", failures),
		slog.Duration("window", window))
	p.msink.IncrCounterWithLabels(MetricServerDisabledCount, 1.0,
		append(p.labels, LabelServer.M(addr)))
}

// recordSuccess clears the failure bookkeeping for addr.
func (p *pool) recordSuccess(addr string) {
	p.mu.Lock()
	entry := p.entry(addr)
	entry.failures = 0
	entry.disabledUntil = time.Time{}
	p.mu.Unlock()
}

// disabled reports whether addr is currently inside its disable window.
func (p *pool) disabled(addr string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.now().Before(p.entry(addr).disabledUntil)
}

func (p *pool) entry(addr string) *poolEntry {
	entry, ok := p.entries[addr]
	if !ok {
		entry = &poolEntry{}
		p.entries[addr] = entry
	}
	return entry
}

// closeAll drops every cached connection. Used on client shutdown.
func (p *pool) closeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, entry := range p.entries {
		for _, c := range entry.idle {
			c.close()
		}
		entry.idle = nil
	}
}
