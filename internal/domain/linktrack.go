package domain

import (
	"time"
)

// LinkTrackForward is a canonical tracked URL. One row exists per distinct
// canonical URL across all campaigns.
type LinkTrackForward struct {
	ID           int64     `json:"id"`
	URL          string    `json:"url"`
	Personalized bool      `json:"personalized"`
	CreatedAt    time.Time `json:"created_at"`
}

// LinkTrackSentCount is the running number of times a tracked link was
// embedded in messages of one campaign.
type LinkTrackSentCount struct {
	CampaignID int64 `json:"campaign_id"`
	ForwardID  int64 `json:"forward_id"`
	Total      int64 `json:"total"`
}
