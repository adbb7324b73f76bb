package domain

import (
	"time"
)

// Bounce statuses written by the classifier. Each raw bounce is classified
// exactly once.
const (
	BounceStatusUnidentified  = "unidentified bounce"
	BounceStatusSystem        = "bounced system message"
	BounceStatusList          = "bounced list message"
	BounceStatusUnidentList   = "bounced unidentified message"
	BounceStatusDuplicate     = "duplicate bounce"
	BounceStatusDelayedNotice = "delivery delay notification"
)

type Bounce struct {
	ID      int64     `json:"id"`
	Date    time.Time `json:"date"`
	Header  string    `json:"header"`
	Data    string    `json:"data"`
	Status  string    `json:"status"`
	Comment string    `json:"comment"`
}

// UserMessageBounce links a bounce to the subscriber (and, when known, the
// campaign) it was attributed to.
type UserMessageBounce struct {
	BounceID     int64     `json:"bounce_id"`
	SubscriberID int64     `json:"subscriber_id"`
	CampaignID   int64     `json:"campaign_id,omitempty"`
	At           time.Time `json:"at"`
}

// BounceHistoryEntry is one row of a subscriber's chronological bounce
// history, as walked by the consecutive-bounce evaluator.
type BounceHistoryEntry struct {
	BounceID   int64     `json:"bounce_id"`
	CampaignID int64     `json:"campaign_id,omitempty"`
	Status     string    `json:"status"`
	At         time.Time `json:"at"`
}
