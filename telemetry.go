package sdk

import "github.com/steamrec/steamrec/sdk/go/telemetry"

// TelemetryHooks expose observability callbacks without forcing dependencies on the caller.
type TelemetryHooks = telemetry.Hooks

// LogEntry captures structured log details for SDK consumers.
type LogEntry = telemetry.LogEntry

// Metric represents a single observability datapoint.
type Metric = telemetry.Metric
