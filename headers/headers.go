// Package headers defines HTTP header constants used by the SDK.
package headers

import (
	"context"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel/trace"
)

const (
	// RequestID is the header for request correlation.
	RequestID = "X-Request-Id"

	// Authorization carries the bearer access token.
	Authorization = "Authorization"

	// Traceparent carries the W3C trace context of the calling span.
	Traceparent = "Traceparent"
)

// InjectTraceparent sets Traceparent from the span in ctx. Requests made
// outside a valid span are left untouched.
func InjectTraceparent(ctx context.Context, req *http.Request) {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return
	}
	req.Header.Set(Traceparent, fmt.Sprintf("00-%s-%s-%s", sc.TraceID(), sc.SpanID(), sc.TraceFlags()))
}
