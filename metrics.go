package gearman

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	MetricJobSubmittedCount   = []string{"gearman", "job", "submitted", "count"}
	MetricJobCompletedCount   = []string{"gearman", "job", "completed", "count"}
	MetricJobFailedCount      = []string{"gearman", "job", "failed", "count"}
	MetricJobExceptionCount   = []string{"gearman", "job", "exception", "count"}
	MetricJobTimeoutCount     = []string{"gearman", "job", "timeout", "count"}
	MetricJobRetryCount       = []string{"gearman", "job", "retry", "count"}
	MetricJobResultBytes      = []string{"gearman", "job", "result", "bytes"}
	MetricConnDialCount       = []string{"gearman", "connection", "dial", "count"}
	MetricConnDialErrorCount  = []string{"gearman", "connection", "dial", "error", "count"}
	MetricConnReuseCount      = []string{"gearman", "connection", "reuse", "count"}
	MetricServerDisabledCount = []string{"gearman", "server", "disabled", "count"}
	MetricServerErrorCount    = []string{"gearman", "server", "error", "count"}
)

type TelemetryLabel string

var (
	LabelServer   TelemetryLabel = "server"
	LabelFunction TelemetryLabel = "function"
	LabelError    TelemetryLabel = "error"
)

func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

func (lab TelemetryLabel) L(val any) slog.Attr {
	return slog.Attr{
		Key:   string(lab),
		Value: slog.AnyValue(val),
	}
}
