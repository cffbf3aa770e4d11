// Package telemetry holds the observability hooks shared by the session
// coordinator and the API client.
package telemetry

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// Hooks expose observability callbacks without forcing dependencies on the caller.
type Hooks struct {
	// OnHTTPRequest fires before the HTTP request is sent.
	OnHTTPRequest func(ctx context.Context, req *http.Request)
	// OnHTTPResponse fires after the request completes (even when err != nil).
	OnHTTPResponse func(ctx context.Context, req *http.Request, resp *http.Response, err error, latency time.Duration)
	// OnLogEntry allows callers to capture SDK log events.
	OnLogEntry func(ctx context.Context, entry LogEntry)
	// OnMetric records lightweight counters/gauges for observability dashboards.
	OnMetric func(ctx context.Context, metric Metric)
}

// LogLevel encodes the severity for log hooks.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

func (l LogLevel) slogLevel() slog.Level {
	switch l {
	case LogLevelDebug:
		return slog.LevelDebug
	case LogLevelWarn:
		return slog.LevelWarn
	case LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LogEntry captures structured log details for SDK consumers.
type LogEntry struct {
	Level   LogLevel
	Message string
	Fields  map[string]any
}

// Metric represents a single observability datapoint.
type Metric struct {
	Name   string
	Value  float64
	Labels map[string]string
}

// Metric names emitted by the SDK.
const (
	MetricHTTPLatency       = "sdk_http_request_latency_seconds"
	MetricRenewal           = "session_renewals_total"
	MetricRenewalWaiter     = "session_renewal_waiters_total"
	MetricStateTransition   = "session_state_transitions_total"
	MetricUnauthorizedRetry = "sdk_unauthorized_retries_total"
)

// Emitter pairs a slog logger with the caller's hooks. The zero value is
// usable and logs to slog.Default().
type Emitter struct {
	Logger *slog.Logger
	Hooks  Hooks
}

func (e Emitter) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// Log writes msg to the logger and forwards it to OnLogEntry.
func (e Emitter) Log(ctx context.Context, level LogLevel, msg string, fields map[string]any) {
	if ctx == nil {
		ctx = context.Background()
	}
	log := e.logger()
	if lvl := level.slogLevel(); log.Enabled(ctx, lvl) {
		attrs := make([]slog.Attr, 0, len(fields))
		for k, v := range fields {
			attrs = append(attrs, slog.Any(k, v))
		}
		log.LogAttrs(ctx, lvl, msg, attrs...)
	}
	if e.Hooks.OnLogEntry != nil {
		e.Hooks.OnLogEntry(ctx, LogEntry{Level: level, Message: msg, Fields: fields})
	}
}

// Metric forwards a datapoint to OnMetric.
func (e Emitter) Metric(ctx context.Context, name string, value float64, labels map[string]string) {
	if e.Hooks.OnMetric == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	e.Hooks.OnMetric(ctx, Metric{Name: name, Value: value, Labels: labels})
}

// Chain merges several hook sets; every non-nil callback is invoked in order.
func Chain(hooks ...Hooks) Hooks {
	var out Hooks
	for _, h := range hooks {
		if h.OnHTTPRequest != nil {
			prev := out.OnHTTPRequest
			out.OnHTTPRequest = func(ctx context.Context, req *http.Request) {
				if prev != nil {
					prev(ctx, req)
				}
				h.OnHTTPRequest(ctx, req)
			}
		}
		if h.OnHTTPResponse != nil {
			prev := out.OnHTTPResponse
			out.OnHTTPResponse = func(ctx context.Context, req *http.Request, resp *http.Response, err error, latency time.Duration) {
				if prev != nil {
					prev(ctx, req, resp, err, latency)
				}
				h.OnHTTPResponse(ctx, req, resp, err, latency)
			}
		}
		if h.OnLogEntry != nil {
			prev := out.OnLogEntry
			out.OnLogEntry = func(ctx context.Context, entry LogEntry) {
				if prev != nil {
					prev(ctx, entry)
				}
				h.OnLogEntry(ctx, entry)
			}
		}
		if h.OnMetric != nil {
			prev := out.OnMetric
			out.OnMetric = func(ctx context.Context, metric Metric) {
				if prev != nil {
					prev(ctx, metric)
				}
				h.OnMetric(ctx, metric)
			}
		}
	}
	return out
}
