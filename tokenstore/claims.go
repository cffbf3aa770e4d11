package tokenstore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/golang-jwt/jwt/v5"
)

// Claims encodes the fields the API embeds into guest access tokens.
//
// The subject is the session id; SteamID is only present once the guest
// identity has been linked to a Steam account.
type Claims struct {
	Role    string   `json:"role,omitempty"`
	SteamID *SteamID `json:"steamId,omitempty"`

	jwt.RegisteredClaims
}

// SessionID returns the subject claim.
func (c *Claims) SessionID() string {
	if c == nil {
		return ""
	}
	return c.Subject
}

// SteamID is a 64-bit Steam account id. The API has emitted it both as a JSON
// number and as a decimal string, so both are accepted.
type SteamID int64

func (s *SteamID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var raw string
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		data = []byte(raw)
	}
	v, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("tokenstore: invalid steamId %q", data)
	}
	*s = SteamID(v)
	return nil
}

func (s SteamID) String() string {
	return strconv.FormatInt(int64(s), 10)
}
