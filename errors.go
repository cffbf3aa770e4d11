package sdk

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/steamrec/steamrec/sdk/go/headers"
)

// APIError captures structured API error metadata.
type APIError struct {
	Status    int
	Code      string
	Message   string
	RequestID string
}

// Error implements the error interface.
func (e APIError) Error() string {
	if e.Code == "" {
		e.Code = "UNKNOWN"
	}
	if e.Message == "" {
		e.Message = fmt.Sprintf("%s (%d)", e.Code, e.Status)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsUnauthorized reports whether the API rejected the request's credentials.
func (e APIError) IsUnauthorized() bool { return e.Status == http.StatusUnauthorized }

// ConfigError reports invalid SDK configuration.
type ConfigError struct {
	Reason string
}

func (e ConfigError) Error() string { return "sdk: invalid config: " + e.Reason }

// RenewalError is returned for a request whose 401 could not be recovered
// because renewing the session failed. Every request waiting on the same
// renewal receives the same RenewalError.
type RenewalError struct {
	Err error
}

func (e *RenewalError) Error() string { return "sdk: token renewal failed: " + e.Err.Error() }

func (e *RenewalError) Unwrap() error { return e.Err }

func decodeAPIError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	apiErr := APIError{Status: resp.StatusCode, RequestID: resp.Header.Get(headers.RequestID)}
	if len(data) == 0 {
		apiErr.Message = resp.Status
		return apiErr
	}
	var payload struct {
		Error   json.RawMessage `json:"error"`
		Code    string          `json:"code"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		apiErr.Message = string(data)
		return apiErr
	}
	apiErr.Code = payload.Code
	apiErr.Message = payload.Message
	if len(payload.Error) > 0 {
		// The API sends either {"error":"text"} or {"error":{"code":..,"message":..}}.
		var text string
		var nested struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(payload.Error, &text); err == nil {
			apiErr.Message = text
		} else if err := json.Unmarshal(payload.Error, &nested); err == nil {
			apiErr.Code = nested.Code
			apiErr.Message = nested.Message
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = resp.Status
	}
	return apiErr
}
