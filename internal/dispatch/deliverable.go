package dispatch

import (
	"github.com/mailkite/mailkite/internal/domain"
)

// Deliverable is the generic personalization input. List campaigns and
// one-off system messages both flatten into this shape, so one pipeline
// serves both instead of two parallel near-identical ones.
type Deliverable struct {
	CampaignID   int64 // 0 for system messages
	Subject      string
	HTML         string
	Text         string
	Footer       string
	Charset      string
	IsHTML       bool
	FromField    string
	ReplyToName  string
	ReplyToEmail string
	Forwarded    bool
	TrackClicks  bool
}

// FooterText returns the trailing block for this copy: forwarded copies
// carry the forward signature instead of the list footer.
func (d Deliverable) FooterText(signature string) string {
	if d.Forwarded {
		return signature
	}
	return d.Footer
}

// FromCampaign adapts a campaign and its precached content snapshot. A
// campaign configured for text-only delivery never goes out as HTML, no
// matter what the content looks like or what the subscriber prefers.
func FromCampaign(c *domain.Campaign, mc *domain.MessageContent, forwarded, trackClicks bool) Deliverable {
	return Deliverable{
		CampaignID:   c.ID,
		Subject:      mc.Subject,
		HTML:         mc.HTML,
		Text:         mc.Text,
		Footer:       mc.Footer,
		Charset:      mc.Charset,
		IsHTML:       mc.IsHTML && c.SendFormat != domain.FormatText,
		FromField:    c.FromField,
		ReplyToName:  mc.ReplyToName,
		ReplyToEmail: mc.ReplyToEmail,
		Forwarded:    forwarded,
		TrackClicks:  trackClicks,
	}
}

// FromSystemMessage adapts a one-off transactional message (confirmation
// requests, notifications). System messages are never click-tracked and
// carry no footer.
func FromSystemMessage(subject, body, fromField, charset string) Deliverable {
	return Deliverable{
		Subject:   subject,
		HTML:      body,
		Text:      body,
		Charset:   charset,
		IsHTML:    false,
		FromField: fromField,
	}
}
