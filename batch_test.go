package gearman

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBatchOutOfOrderCompletion(t *testing.T) {
	srv := newFakeServer(t, func(sc *serverConn) {
		sc.expect(SubmitJob, 3)
		sc.send(JobCreated, []byte("H:1"))
		sc.expect(SubmitJob, 3)
		sc.send(JobCreated, []byte("H:2"))

		// resolve the second job first: completion order is whatever the
		// workers produce, not submission order
		sc.send(WorkFail, []byte("H:2"))
		sc.send(WorkComplete, []byte("H:1"), []byte("one"))
	})
	client := testClient(t, WithServers(srv.addr()))

	var (
		completes atomic.Int64
		fails     atomic.Int64
		result    []byte
	)
	batch := client.NewBatch()
	_, err := batch.Add("slow", []byte("a"), JobOptions{}, Callbacks{
		OnComplete: func(res []byte) { completes.Add(1); result = res },
		OnFail:     func() { t.Error("job 1 must not fail") },
	})
	require.NoError(t, err)
	_, err = batch.Add("doomed", []byte("b"), JobOptions{}, Callbacks{
		OnComplete: func([]byte) { t.Error("job 2 must not complete") },
		OnFail:     func() { fails.Add(1) },
	})
	require.NoError(t, err)

	require.NoError(t, batch.Wait(5*time.Second))
	require.EqualValues(t, 1, completes.Load(), "exactly one terminal callback for job 1")
	require.EqualValues(t, 1, fails.Load(), "exactly one terminal callback for job 2")
	require.Equal(t, []byte("one"), result)
}

func TestBatchProgressEvents(t *testing.T) {
	srv := newFakeServer(t, func(sc *serverConn) {
		sc.expect(SubmitJob, 3)
		sc.send(JobCreated, []byte("H:1"))
		sc.send(WorkStatus, []byte("H:1"), []byte("3"), []byte("10"))
		sc.send(WorkData, []byte("H:1"), []byte("chunk"))
		sc.send(WorkWarning, []byte("H:1"), []byte("careful"))
		sc.send(WorkComplete, []byte("H:1"), []byte("done"))
	})
	client := testClient(t, WithServers(srv.addr()))

	var trace []string
	batch := client.NewBatch()
	_, err := batch.Add("chatty", nil, JobOptions{}, Callbacks{
		OnStatus: func(num, den int) {
			trace = append(trace, fmt.Sprintf("status %d/%d", num, den))
		},
		OnData:     func(chunk []byte) { trace = append(trace, "data "+string(chunk)) },
		OnWarning:  func(msg []byte) { trace = append(trace, "warning "+string(msg)) },
		OnComplete: func(res []byte) { trace = append(trace, "complete "+string(res)) },
	})
	require.NoError(t, err)
	require.NoError(t, batch.Wait(5*time.Second))

	require.Equal(t, []string{
		"status 3/10",
		"data chunk",
		"warning careful",
		"complete done",
	}, trace, "events on one connection arrive in order and callbacks run serialized")
}

func TestErrorPacketFailsAllPendingJobs(t *testing.T) {
	srv := newFakeServer(t, func(sc *serverConn) {
		sc.expect(SubmitJob, 3)
		sc.send(JobCreated, []byte("H:1"))
		sc.expect(SubmitJob, 3)
		sc.send(JobCreated, []byte("H:2"))
		sc.send(Error, []byte("ERR_QUEUE"), []byte("queue exploded"))
	})
	client := testClient(t, WithServers(srv.addr()))

	var fails atomic.Int64
	batch := client.NewBatch()
	for i := 0; i < 2; i++ {
		_, err := batch.Add("fn", nil, JobOptions{}, Callbacks{
			OnFail: func() { fails.Add(1) },
		})
		require.NoError(t, err)
	}
	require.NoError(t, batch.Wait(5*time.Second))
	require.EqualValues(t, 2, fails.Load(), "an error packet fails every job on the connection")
	require.True(t, client.pool.disabled(srv.addr()),
		"an error packet counts as a pool failure for that address")
}

func TestBatchDeadline(t *testing.T) {
	srv := newFakeServer(t, serveOneJob("H:1", nil)) // ack, never resolve
	client := testClient(t, WithServers(srv.addr()))

	batch := client.NewBatch()
	_, err := batch.Add("stuck", nil, JobOptions{}, Callbacks{
		OnComplete: func([]byte) { t.Error("no terminal callback may fire on batch timeout") },
		OnFail:     func() { t.Error("no terminal callback may fire on batch timeout") },
	})
	require.NoError(t, err)

	start := time.Now()
	require.ErrorIs(t, batch.Wait(200*time.Millisecond), ErrTimedOut)
	require.Less(t, time.Since(start), 2*time.Second)
}

func TestPerJobTimeoutDropsSilently(t *testing.T) {
	srv := newFakeServer(t, func(sc *serverConn) {
		sc.expect(SubmitJob, 3)
		sc.send(JobCreated, []byte("H:1"))
		sc.expect(SubmitJob, 3)
		sc.send(JobCreated, []byte("H:2"))
		time.Sleep(300 * time.Millisecond)
		sc.send(WorkComplete, []byte("H:2"), []byte("late but fine"))
	})
	client := testClient(t, WithServers(srv.addr()))

	var completes atomic.Int64
	batch := client.NewBatch()
	_, err := batch.Add("never-answered", nil, JobOptions{Timeout: 100 * time.Millisecond}, Callbacks{
		OnComplete: func([]byte) { t.Error("timed-out job must observe no callback") },
		OnFail:     func() { t.Error("timed-out job must observe no callback") },
	})
	require.NoError(t, err)
	_, err = batch.Add("slow", nil, JobOptions{}, Callbacks{
		OnComplete: func([]byte) { completes.Add(1) },
	})
	require.NoError(t, err)

	require.NoError(t, batch.Wait(5*time.Second),
		"the batch keeps waiting on the remaining jobs after a silent drop")
	require.EqualValues(t, 1, completes.Load())

	jobs := batch.Jobs()
	require.Len(t, jobs, 2)
	require.True(t, jobs[0].TimedOut())
	require.False(t, jobs[0].Resolved())
	require.True(t, jobs[1].Resolved())
}

func TestNoServerAvailable(t *testing.T) {
	// grab an address nothing listens on
	srv := newFakeServer(t, func(sc *serverConn) {})
	addr := srv.addr()
	srv.ln.Close()

	client := testClient(t, WithServers(addr))
	var fails atomic.Int64
	batch := client.NewBatch()
	_, err := batch.Add("fn", nil, JobOptions{}, Callbacks{
		OnFail: func() { fails.Add(1) },
	})
	require.ErrorIs(t, err, ErrNoServerAvailable)
	require.EqualValues(t, 1, fails.Load())

	// the failed dial opened a backoff window; the next attempt must not
	// even try to connect
	_, err = client.NewBatch().Add("fn", nil, JobOptions{}, Callbacks{})
	require.ErrorIs(t, err, ErrNoServerAvailable)
	require.ErrorIs(t, err, ErrServerUnavailable)
}

func TestAssignmentFairness(t *testing.T) {
	const servers = 3
	const jobs = 300

	hits := make([]*atomic.Int64, servers)
	addrs := make([]string, servers)
	for i := 0; i < servers; i++ {
		hit := &atomic.Int64{}
		hits[i] = hit
		srv := newFakeServer(t, func(sc *serverConn) {
			seq := 0
			for {
				pt, _, ok := sc.readRequest()
				if !ok {
					return
				}
				if pt == SubmitJobBg {
					hit.Add(1)
					seq++
					sc.send(JobCreated, []byte(fmt.Sprintf("H:%d", seq)))
				}
			}
		})
		addrs[i] = srv.addr()
	}

	client := testClient(t, WithServers(addrs...))
	for i := 0; i < jobs; i++ {
		_, err := client.DoBackground("spread", nil, JobOptions{})
		require.NoError(t, err)
	}

	total := int64(0)
	for i, hit := range hits {
		n := hit.Load()
		total += n
		// statistical, not exact: each server should get a meaningful
		// share of 300 submissions
		require.Greater(t, n, int64(jobs/servers/2), "server %d starved", i)
	}
	require.EqualValues(t, jobs, total)
}

func TestRetryOnConnectionFailure(t *testing.T) {
	good := newFakeServer(t, serveOneJob("H:ok", func(sc *serverConn, handle string) {
		sc.send(WorkComplete, []byte(handle), []byte("recovered"))
	}))
	bad := newFakeServer(t, func(sc *serverConn) {})

	client := testClient(t, WithServers(bad.addr(), good.addr()))

	// make writes to the bad server fail deterministically: hand out its
	// connections pre-closed
	realDial := client.pool.dial
	client.pool.dial = func(ctx context.Context, addr string) (*conn, error) {
		c, err := realDial(ctx, addr)
		if err == nil && addr == bad.addr() {
			c.nc.Close()
		}
		return c, err
	}

	var (
		retries  []int
		result   []byte
		attempts = 0
	)
	for result == nil && attempts < 20 {
		// randomized assignment may pick the good server first, in which
		// case no retry happens; loop until the bad one is hit or the
		// budget logic is exercised enough times
		attempts++
		batch := client.NewBatch()
		_, err := batch.Add("fn", nil, JobOptions{Retries: 1}, Callbacks{
			OnRetry:    func(attempt int) { retries = append(retries, attempt) },
			OnComplete: func(res []byte) { result = res },
		})
		require.NoError(t, err, "one retry must absorb a single bad connection")
		require.NoError(t, batch.Wait(5*time.Second))
		require.Equal(t, []byte("recovered"), result)
		result = nil
		if len(retries) > 0 {
			return
		}
		client.pool.recordSuccess(bad.addr()) // reopen the bad server for probing
	}
	t.Fatal("the bad server was never probed first in 20 rounds")
}

func TestBackgroundJobFiresOnlyOnCreated(t *testing.T) {
	srv := newFakeServer(t, serveOneJob("H:bg", nil))
	client := testClient(t, WithServers(srv.addr()))

	handle, err := client.DoBackground("nightly", []byte("payload"), JobOptions{})
	require.NoError(t, err)
	require.Equal(t, srv.addr(), handle.Server)
	require.Equal(t, "H:bg", handle.Local)

	parsed, err := ParseHandle(handle.String())
	require.NoError(t, err)
	require.Equal(t, handle, parsed)
}

func TestExceptionPropagation(t *testing.T) {
	handler := func(sc *serverConn) {
		args := sc.expect(OptionReq, 1)
		require.Equal(t, []byte("exceptions"), args[0])
		sc.send(OptionRes, []byte("exceptions"))
		sc.expect(SubmitJob, 3)
		sc.send(JobCreated, []byte("H:1"))
		sc.send(WorkException, []byte("H:1"), []byte("stack trace"))
	}

	t.Run("with OnException", func(t *testing.T) {
		srv := newFakeServer(t, handler)
		client := testClient(t, WithServers(srv.addr()), WithExceptions())

		var got []byte
		batch := client.NewBatch()
		_, err := batch.Add("fn", nil, JobOptions{}, Callbacks{
			OnException: func(data []byte) { got = data },
			OnFail:      func() { t.Error("OnException replaces OnFail when negotiated") },
		})
		require.NoError(t, err)
		require.NoError(t, batch.Wait(5*time.Second))
		require.Equal(t, []byte("stack trace"), got)
	})

	t.Run("without OnException", func(t *testing.T) {
		srv := newFakeServer(t, handler)
		client := testClient(t, WithServers(srv.addr()), WithExceptions())

		var fails atomic.Int64
		batch := client.NewBatch()
		_, err := batch.Add("fn", nil, JobOptions{}, Callbacks{
			OnFail: func() { fails.Add(1) },
		})
		require.NoError(t, err)
		require.NoError(t, batch.Wait(5*time.Second))
		require.EqualValues(t, 1, fails.Load(), "an unclaimed exception degrades to a generic failure")
	})
}

func TestCallbackPanicIsContained(t *testing.T) {
	srv := newFakeServer(t, serveOneJob("H:1", func(sc *serverConn, handle string) {
		sc.send(WorkComplete, []byte(handle), []byte("fine"))
	}))
	client := testClient(t, WithServers(srv.addr()))

	batch := client.NewBatch()
	_, err := batch.Add("fn", nil, JobOptions{}, Callbacks{
		OnCreated:  func(Handle) { panic("hook gone wrong") },
		OnComplete: func([]byte) { panic("this one too") },
	})
	require.NoError(t, err)
	require.NoError(t, batch.Wait(5*time.Second),
		"a panicking caller hook is logged and discarded, never propagated")
}
