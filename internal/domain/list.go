package domain

import (
	"time"
)

// List is a mailing list subscribers belong to.
type List struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}
