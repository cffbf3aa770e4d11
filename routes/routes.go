// Package routes provides the API paths the SDK calls.
package routes

const (
	// AuthPreAuthorize creates a new anonymous (guest) session and sets the
	// refresh cookie.
	AuthPreAuthorize = "/auth/preAuthorize"

	// AuthRefresh exchanges the refresh cookie for a new access token.
	AuthRefresh = "/auth/refresh" // #nosec G101 -- route path, not a credential
)
