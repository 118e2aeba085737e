package models

// PresenceState is the best-known online status of one user.
type PresenceState struct {
	UserID     string `json:"user_id"`
	IsOnline   bool   `json:"is_online"`
	LastSeenAt *int64 `json:"last_seen_at,omitempty"`
}

// PresenceEvent is delivered on the online and offline streams.
// LastSeenAt is only meaningful on offline events.
type PresenceEvent struct {
	UserID     string `json:"user_id"`
	LastSeenAt *int64 `json:"last_seen_at,omitempty"`
}
