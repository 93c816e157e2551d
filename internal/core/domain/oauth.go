package domain

import "time"

// OAuthState is a pending install handshake, consumed once on callback.
type OAuthState struct {
	State    string    `json:"state"`
	Shop     string    `json:"shop"`
	IssuedAt time.Time `json:"issued_at"`
}

// Expired reports whether the state is older than ttl at now.
func (s *OAuthState) Expired(now time.Time, ttl time.Duration) bool {
	return !now.Before(s.IssuedAt.Add(ttl))
}
