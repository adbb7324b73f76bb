package domain

import (
	"time"
)

type Subscriber struct {
	ID          int64             `json:"id"`
	Email       string            `json:"email"`
	UniqueID    string            `json:"unique_id"`
	HTMLEmail   bool              `json:"html_email"`
	Confirmed   bool              `json:"confirmed"`
	Blacklisted bool              `json:"blacklisted"`
	BounceCount int               `json:"bounce_count"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Domain returns the mailbox-provider domain of the subscriber's address,
// or an empty string when the address has no @.
func (s Subscriber) Domain() string {
	for i := len(s.Email) - 1; i >= 0; i-- {
		if s.Email[i] == '@' {
			return s.Email[i+1:]
		}
	}
	return ""
}
