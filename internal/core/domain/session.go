package domain

import "time"

// SessionCookieName is the fixed admin session cookie name.
const SessionCookieName = "hpb_session"

// SessionClaims is the self-contained payload of an admin session token.
type SessionClaims struct {
	Shop    string `json:"shop"`
	StoreID string `json:"store_id,omitempty"`
	Exp     int64  `json:"exp"`
}

// ExpiresAt returns the expiry as a time.
func (c *SessionClaims) ExpiresAt() time.Time {
	return time.Unix(c.Exp, 0)
}

// Valid reports whether the claims are still usable at now.
func (c *SessionClaims) Valid(now time.Time) bool {
	return c.Shop != "" && now.Unix() < c.Exp
}
