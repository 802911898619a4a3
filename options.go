package gearman

import (
	"log/slog"
	"time"

	"github.com/hashicorp/go-metrics"
)

type config struct {
	servers      []string
	prefix       string
	exceptions   bool
	dialTimeout  time.Duration
	submitWait   time.Duration
	backoffMax   time.Duration
	logHandler   slog.Handler
	metricSink   metrics.MetricSink
	metricLabels []metrics.Label
}

// Option to pass to `New`.
type Option func(*config) error

// WithServers sets the job-server pool. Entries are host:port; a bare host
// gets the default port 4730. At least one entry is required.
func WithServers(servers ...string) Option {
	return func(c *config) error {
		if len(servers) == 0 {
			return ErrNoServers
		}
		normalized := make([]string, len(servers))
		for i, s := range servers {
			addr, err := normalizeAddr(s)
			if err != nil {
				return err
			}
			normalized[i] = addr
		}
		c.servers = normalized
		return nil
	}
}

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

// WithPrefix namespaces every submitted function name with the given
// prefix. Handles and results are unaffected.
func WithPrefix(prefix string) Option {
	return func(c *config) error {
		c.prefix = prefix
		return nil
	}
}

// WithExceptions opts in to worker exception propagation. Each new
// connection negotiates the capability once; a server that refuses simply
// degrades that connection to plain WORK_FAIL reporting.
func WithExceptions() Option {
	return func(c *config) error {
		c.exceptions = true
		return nil
	}
}

// WithDialTimeout controls how long a single connection attempt may take.
func WithDialTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout == 0 {
			timeout = 10 * time.Second
		}
		c.dialTimeout = timeout
		return nil
	}
}

// WithSubmitTimeout bounds how long `Batch.Add` waits for the server to
// acknowledge a submission with JOB_CREATED.
func WithSubmitTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout == 0 {
			timeout = 10 * time.Second
		}
		c.submitWait = timeout
		return nil
	}
}

// WithMaxBackoff caps the disable window applied to a failing server. The
// window grows quadratically with consecutive failures up to this ceiling.
func WithMaxBackoff(ceiling time.Duration) Option {
	return func(c *config) error {
		if ceiling == 0 {
			ceiling = defaultBackoffMax
		}
		c.backoffMax = ceiling
		return nil
	}
}

// WithMetricSink allows you to choose how to collect the metrics emitted by
// the client.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.metricSink = ms
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the client.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		return nil
	}
}
