package gearman

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/require"
)

func testPool(t *testing.T) *pool {
	t.Helper()
	cfg := &config{
		dialTimeout: time.Second,
		backoffMax:  defaultBackoffMax,
	}
	return newPool(cfg, slog.Default(), &metrics.BlackholeSink{})
}

func TestBackoffIsQuadraticAndBounded(t *testing.T) {
	p := testPool(t)
	base := time.Unix(1000, 0)
	p.now = func() time.Time { return base }

	const addr = "10.0.0.1:4730"
	for n := 1; n <= 12; n++ {
		p.recordFailure(addr)
		want := time.Duration(n*n) * time.Second
		if want > defaultBackoffMax {
			want = defaultBackoffMax
		}
		require.Equal(t, base.Add(want), p.entries[addr].disabledUntil,
			"disable window after %d consecutive failures", n)
	}

	p.recordSuccess(addr)
	require.Zero(t, p.entries[addr].failures)
	require.True(t, p.entries[addr].disabledUntil.IsZero())

	// the counter restarts from scratch after a success
	p.recordFailure(addr)
	require.Equal(t, base.Add(time.Second), p.entries[addr].disabledUntil)
}

func TestAcquireFailsFastInsideDisableWindow(t *testing.T) {
	p := testPool(t)
	base := time.Unix(1000, 0)
	now := base
	p.now = func() time.Time { return now }

	dials := 0
	p.dial = func(ctx context.Context, addr string) (*conn, error) {
		dials++
		return nil, errors.New("connection refused")
	}

	const addr = "10.0.0.2:4730"
	for n := 1; n <= 3; n++ {
		_, err := p.acquire(context.Background(), addr)
		require.Error(t, err)
		require.NotErrorIs(t, err, ErrServerUnavailable)
		// step just past the window the failure opened
		now = now.Add(time.Duration(n*n)*time.Second + time.Millisecond)
	}
	require.Equal(t, 3, dials)

	// rewind inside the third window: min(3²,90) = 9, so 8s after the
	// third failure the address must fail fast without touching the
	// network.
	now = now.Add(-time.Millisecond - time.Second)
	require.True(t, p.disabled(addr))
	_, err := p.acquire(context.Background(), addr)
	require.ErrorIs(t, err, ErrServerUnavailable)
	require.Equal(t, 3, dials)

	// past the window the pool probes again
	now = now.Add(2 * time.Second)
	_, err = p.acquire(context.Background(), addr)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrServerUnavailable)
	require.Equal(t, 4, dials)
}

func TestPoolReusesHealthyConnections(t *testing.T) {
	srv := newFakeServer(t, func(sc *serverConn) {
		// hold the connection open, answer nothing
		pt, payload, ok := sc.readRequest()
		if ok && pt == EchoReq {
			sc.send(EchoRes, payload)
		}
	})

	p := testPool(t)
	c1, err := p.acquire(context.Background(), srv.addr())
	require.NoError(t, err)
	p.release(c1)

	c2, err := p.acquire(context.Background(), srv.addr())
	require.NoError(t, err)
	require.Same(t, c1, c2, "an idle healthy connection must be reused")
	require.EqualValues(t, 1, srv.accepts.Load())
	p.discard(c2)
}

func TestPoolDropsDeadCachedConnections(t *testing.T) {
	srv := newFakeServer(t, func(sc *serverConn) {})

	p := testPool(t)
	c1, err := p.acquire(context.Background(), srv.addr())
	require.NoError(t, err)
	p.release(c1)
	c1.nc.Close()

	c2, err := p.acquire(context.Background(), srv.addr())
	require.NoError(t, err)
	require.NotSame(t, c1, c2)
	require.EqualValues(t, 2, srv.accepts.Load())
	p.discard(c2)
}

func TestNegotiateExceptionsDegradesGracefully(t *testing.T) {
	t.Run("granted", func(t *testing.T) {
		srv := newFakeServer(t, func(sc *serverConn) {
			args := sc.expect(OptionReq, 1)
			require.Equal(t, []byte("exceptions"), args[0])
			sc.send(OptionRes, []byte("exceptions"))
		})
		p := testPool(t)
		p.exceptions = true
		c, err := p.acquire(context.Background(), srv.addr())
		require.NoError(t, err)
		require.True(t, c.exceptions)
		p.discard(c)
	})

	t.Run("refused", func(t *testing.T) {
		srv := newFakeServer(t, func(sc *serverConn) {
			sc.expect(OptionReq, 1)
			sc.send(Error, []byte("UNKNOWN_OPTION"), []byte("unknown option"))
		})
		p := testPool(t)
		p.exceptions = true
		c, err := p.acquire(context.Background(), srv.addr())
		require.NoError(t, err, "a refused option must not fail the connection")
		require.False(t, c.exceptions)
		p.discard(c)
	})
}
