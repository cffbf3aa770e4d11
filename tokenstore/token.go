package tokenstore

import (
	"encoding/json"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// segmentParser only decodes segments; signatures are never verified here,
// the API does that on every request.
var segmentParser = jwt.NewParser(jwt.WithPaddingAllowed())

// IsValidTokenFormat reports whether token has exactly three non-empty,
// period-delimited segments that each decode as base64url.
func IsValidTokenFormat(token string) bool {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return false
	}
	for _, part := range parts {
		if part == "" {
			return false
		}
		if _, err := segmentParser.DecodeSegment(part); err != nil {
			return false
		}
	}
	return true
}

// DecodeToken decodes the payload segment of token into Claims. It returns
// false on any malformed input.
func DecodeToken(token string) (*Claims, bool) {
	if !IsValidTokenFormat(token) {
		return nil, false
	}
	payload, err := segmentParser.DecodeSegment(strings.Split(token, ".")[1])
	if err != nil {
		return nil, false
	}
	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, false
	}
	return &claims, true
}
