package dispatch

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/mailkite/mailkite/internal/content"
	"github.com/mailkite/mailkite/internal/domain"
)

// forwardTokenRE matches the argument forms [FORWARD:id] and
// [FORWARD:id:link text]. The bare [FORWARD] form goes through the
// placeholder engine like any other token.
var forwardTokenRE = regexp.MustCompile(`\[FORWARD:(\d+)(?::([^\]]*))?\]`)

// analyticsLinkRE finds http(s) links for the analytics-tag append used
// when click tracking is off.
var analyticsLinkRE = regexp.MustCompile(`(?i)\bhttps?://[^\s<>"']+`)

// Personalizer builds the per-subscriber placeholder maps. base is the
// public URL of the subscriber pages (unsubscribe, preferences, ...).
type Personalizer struct {
	base string
}

func NewPersonalizer(publicURL string) *Personalizer {
	return &Personalizer{base: strings.TrimRight(publicURL, "/")}
}

func (p *Personalizer) pageURL(page, uid string, extra ...string) string {
	u := fmt.Sprintf("%s/?p=%s&uid=%s", p.base, page, url.QueryEscape(uid))
	for _, e := range extra {
		u += "&" + e
	}
	return u
}

// SystemPlaceholders returns the system-URL substitution map for one
// subscriber and one deliverable. Values carry a raw query separator for
// text bodies and an entity-escaped one for HTML bodies, so both template
// flavors render working links.
func (p *Personalizer) SystemPlaceholders(d Deliverable, sub domain.Subscriber, htmlBody bool) *content.Placeholders {
	esc := func(u string) string {
		if htmlBody {
			return strings.ReplaceAll(u, "&", "&amp;")
		}
		return u
	}
	link := func(u, text string) string {
		if htmlBody {
			return fmt.Sprintf(`<a href="%s">%s</a>`, esc(u), text)
		}
		return u
	}

	unsubscribe := p.pageURL("unsubscribe", sub.UniqueID)
	blacklist := p.pageURL("blacklist", sub.UniqueID)
	subscribe := p.pageURL("subscribe", sub.UniqueID)
	preferences := p.pageURL("preferences", sub.UniqueID)
	confirm := p.pageURL("confirm", sub.UniqueID)
	forward := p.pageURL("forward", sub.UniqueID, fmt.Sprintf("mid=%d", d.CampaignID))
	track := p.pageURL("ut", sub.UniqueID, fmt.Sprintf("mid=%d", d.CampaignID))

	ph := content.NewPlaceholders()
	ph.Set("UNSUBSCRIBEURL", esc(unsubscribe))
	ph.Set("UNSUBSCRIBE", link(unsubscribe, "unsubscribe"))
	ph.Set("BLACKLISTURL", esc(blacklist))
	ph.Set("BLACKLIST", link(blacklist, "blacklist"))
	ph.Set("SUBSCRIBE", link(subscribe, "subscribe"))
	ph.Set("PREFERENCES", link(preferences, "preferences"))
	ph.Set("CONFIRMATIONURL", esc(confirm))
	ph.Set("FORWARD", link(forward, "forward this message"))
	if htmlBody {
		ph.Set("USERTRACK", fmt.Sprintf(`<img src="%s" width="1" height="1" border="0" alt="" />`, esc(track)))
	} else {
		ph.Set("USERTRACK", "")
	}
	return ph
}

// SubscriberPlaceholders returns the built-in subscriber field map.
// listNames feeds the [LISTS] token with the subscriber's memberships.
func (p *Personalizer) SubscriberPlaceholders(sub domain.Subscriber, listNames []string) *content.Placeholders {
	ph := content.NewPlaceholders()
	ph.Set("EMAIL", sub.Email)
	ph.Set("UNIQUEID", sub.UniqueID)
	ph.Set("USERID", fmt.Sprintf("%d", sub.ID))
	ph.Set("DOMAIN", sub.Domain())
	ph.Set("LISTS", strings.Join(listNames, ", "))
	return ph
}

// AttributePlaceholders returns the subscriber's attribute map as
// substitution rules. Attribute names match in any casing, including the
// editor-mangled variants the engine registers.
func (p *Personalizer) AttributePlaceholders(sub domain.Subscriber) *content.Placeholders {
	ph := content.NewPlaceholders()
	ph.SetAll(sub.Attributes)
	return ph
}

// ExpandForwardTokens rewrites [FORWARD:id] and [FORWARD:id:text] forms,
// which carry their own campaign id and so cannot be plain placeholder
// rules.
func (p *Personalizer) ExpandForwardTokens(body string, sub domain.Subscriber, htmlBody bool) string {
	return forwardTokenRE.ReplaceAllStringFunc(body, func(token string) string {
		m := forwardTokenRE.FindStringSubmatch(token)
		id, text := m[1], m[2]
		u := p.pageURL("forward", sub.UniqueID, "mid="+id)
		if htmlBody {
			if text == "" {
				text = "forward this message"
			}
			return fmt.Sprintf(`<a href="%s">%s</a>`, strings.ReplaceAll(u, "&", "&amp;"), text)
		}
		return u
	})
}

// AppendAnalyticsTag appends the configured analytics parameters to every
// link. Used once per body when click tracking is disabled.
func AppendAnalyticsTag(body, tag string) string {
	if tag == "" {
		return body
	}
	tag = strings.TrimLeft(tag, "?&")
	return analyticsLinkRE.ReplaceAllStringFunc(body, func(raw string) string {
		if strings.Contains(raw, tag) {
			return raw
		}
		if strings.Contains(raw, "?") {
			return raw + "&" + tag
		}
		return raw + "?" + tag
	})
}
