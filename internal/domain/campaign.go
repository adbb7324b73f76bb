package domain

import (
	"time"
)

// Campaign send formats.
const (
	FormatHTML = "html"
	FormatText = "text"
)

// Campaign statuses relevant to the delivery pipeline.
const (
	CampaignStatusSubmitted = "submitted"
	CampaignStatusInProcess = "inprocess"
	CampaignStatusSent      = "sent"
	CampaignStatusSuspended = "suspended"
)

type Campaign struct {
	ID           int64      `json:"id"`
	Subject      string     `json:"subject"`
	FromField    string     `json:"from_field"`
	ReplyTo      string     `json:"reply_to"`
	HTMLContent  string     `json:"html_content"`
	TextContent  string     `json:"text_content"`
	Footer       string     `json:"footer"`
	Charset      string     `json:"charset"`
	SendFormat   string     `json:"send_format"`
	Status       string     `json:"status"`
	SentHTML     int        `json:"sent_html"`
	SentText     int        `json:"sent_text"`
	BounceCount  int        `json:"bounce_count"`
	EmbargoUntil *time.Time `json:"embargo_until,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// MessageContent is the precached, normalized snapshot of one campaign's
// content, built once per campaign and shared by every personalization pass.
type MessageContent struct {
	Subject      string
	HTML         string
	Text         string
	Footer       string
	Charset      string
	IsHTML       bool
	ReplyToName  string
	ReplyToEmail string
}

// OutgoingMessage is one rendered, per-subscriber email handed to the
// mail transport.
type OutgoingMessage struct {
	CampaignID   int64
	SubscriberID int64
	To           string
	FromField    string
	ReplyToName  string
	ReplyToEmail string
	Subject      string
	Body         string
	Charset      string
	IsHTML       bool
}
