package domain

import (
	"time"
)

// SendProcessLease is a durable mutual-exclusion lease on a named send
// queue. A holder keeps its lease fresh by bumping Alive; a lease whose
// ModifiedAt is too old is considered stale and may be reclaimed.
type SendProcessLease struct {
	ID         int64     `json:"id"`
	Queue      string    `json:"queue"`
	Alive      int       `json:"alive"`
	HolderID   string    `json:"holder_id"`
	StartedAt  time.Time `json:"started_at"`
	ModifiedAt time.Time `json:"modified_at"`
}

// Age returns how long ago the lease was last kept alive.
func (l SendProcessLease) Age(now time.Time) time.Duration {
	return now.Sub(l.ModifiedAt)
}
