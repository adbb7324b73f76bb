package bounce

import (
	"context"
	"encoding/base64"
	"io"
	"mime/quotedprintable"
	"regexp"
	"strconv"
	"strings"

	"github.com/mailkite/mailkite/internal/domain"
)

// Header parsing is best-effort regex matching against free-text mail
// headers: single-line, case-insensitive, tolerant of leading whitespace.
// Folded headers and RFC 2047 encoded words are not unfolded.
var (
	cteRE        = regexp.MustCompile(`(?im)^\s*Content-Transfer-Encoding\s*:\s*([\w-]+)`)
	campaignRE   = regexp.MustCompile(`(?im)^\s*X-Message(?:Id)?\s*:\s*(\S+)`)
	memberRE     = regexp.MustCompile(`(?im)^\s*X-(?:ListMember|User)\s*:\s*(\S+)`)
	emailRE      = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
	whitespaceRE = regexp.MustCompile(`\s+`)

	// Transient provider delay notices ("Action: delayed" with status
	// 4.4.7) are not real bounces.
	delayedRE = regexp.MustCompile(`(?is)Action:\s*delayed.*Status:\s*4\.4\.7`)
)

// SystemMessageRef is the campaign reference carried by transactional
// (non-campaign) mail.
const SystemMessageRef = "systemmessage"

// DecodeBody reverses the transport encoding announced in the header.
// Unknown or missing encodings pass through unchanged, as does content
// that fails to decode.
func DecodeBody(header, body string) string {
	m := cteRE.FindStringSubmatch(header)
	if m == nil {
		m = cteRE.FindStringSubmatch(body)
	}
	if m == nil {
		return body
	}

	switch strings.ToLower(m[1]) {
	case "quoted-printable":
		decoded, err := io.ReadAll(quotedprintable.NewReader(strings.NewReader(body)))
		if err != nil {
			return body
		}
		return string(decoded)
	case "base64":
		compact := whitespaceRE.ReplaceAllString(body, "")
		decoded, err := base64.StdEncoding.DecodeString(compact)
		if err != nil {
			return body
		}
		return string(decoded)
	default:
		return body
	}
}

// FindCampaignRef extracts the X-MessageId / X-Message value: a campaign
// id, the systemmessage sentinel, or empty when absent.
func FindCampaignRef(text string) string {
	m := campaignRE.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(m[1]))
}

// ParseCampaignID converts a campaign reference to a numeric id; 0 for
// empty, systemmessage, or malformed references.
func ParseCampaignID(ref string) int64 {
	if ref == "" || ref == SystemMessageRef {
		return 0
	}
	id, err := strconv.ParseInt(ref, 10, 64)
	if err != nil || id <= 0 {
		return 0
	}
	return id
}

// SubscriberResolver looks bounce attribution up against known
// subscribers.
type SubscriberResolver interface {
	GetSubscriber(ctx context.Context, id int64) (*domain.Subscriber, error)
	FindSubscriberByEmail(ctx context.Context, email string) (*domain.Subscriber, error)
}

// ResolveSubscriber identifies the bounced subscriber: first from the
// X-ListMember / X-User header (numeric id or email address), then by
// scanning the body for any known email address — first match wins.
// Returns 0 when nobody could be identified.
func ResolveSubscriber(ctx context.Context, resolver SubscriberResolver, header, body string) (int64, error) {
	if m := memberRE.FindStringSubmatch(header + "\n" + body); m != nil {
		value := strings.TrimSpace(m[1])
		if id, err := strconv.ParseInt(value, 10, 64); err == nil && id > 0 {
			sub, err := resolver.GetSubscriber(ctx, id)
			if err != nil {
				return 0, err
			}
			if sub != nil {
				return sub.ID, nil
			}
		} else if strings.Contains(value, "@") {
			sub, err := resolver.FindSubscriberByEmail(ctx, value)
			if err != nil {
				return 0, err
			}
			if sub != nil {
				return sub.ID, nil
			}
		}
	}

	for _, email := range emailRE.FindAllString(body, -1) {
		sub, err := resolver.FindSubscriberByEmail(ctx, email)
		if err != nil {
			return 0, err
		}
		if sub != nil {
			return sub.ID, nil
		}
	}
	return 0, nil
}

// IsDelayedNotice reports whether the body is a transient delivery delay
// notification rather than a real bounce.
func IsDelayedNotice(body string) bool {
	return delayedRE.MatchString(body)
}
