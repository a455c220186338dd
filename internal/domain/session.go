package domain

import "time"

// SessionState is the persisted snapshot of one live check-in session. It
// carries everything needed to rebuild the session controller between
// requests.
type SessionState struct {
	SessionID   string
	Messages    []Message
	LastRequest time.Time
	MinInterval time.Duration
	CreatedAt   time.Time
	Version     int
	TTL         int64
}
