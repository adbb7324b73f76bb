package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
	"sync"

	"github.com/mailkite/mailkite/internal/domain"
)

// flushEvery is how many increments a (campaign, forward) counter
// accumulates before its running total is persisted. Bounds write volume
// under high fan-out while keeping the crash loss window small.
const flushEvery = 100

var (
	anchorRE  = regexp.MustCompile(`(?is)<a\s+[^>]*?href\s*=\s*["']((?:https?|ftp)://[^"'\s>]+)["'][^>]*>(.*?)</a>`)
	bareURLRE = regexp.MustCompile(`(?i)\b(?:https?|ftp)://[^\s<>"'\)\]]+`)

	// Visible anchor text that itself looks like a URL. Rewriting such a
	// link would make the message read like a phish, so it is left alone.
	urlishTextRE = regexp.MustCompile(`(?i)(?:https?|ftp)://|^\s*www\.`)

	visibleTagRE = regexp.MustCompile(`<[^>]+>`)
)

// Volatile query parameters stripped during canonicalization.
var volatileParams = map[string]bool{
	"phpsessid": true,
	"uid":       true,
}

// ForwardStore resolves canonical URLs to forward rows and persists
// sent-count totals.
type ForwardStore interface {
	GetOrCreateForward(ctx context.Context, url string, personalized bool) (*domain.LinkTrackForward, error)
	GetSentCount(ctx context.Context, campaignID, forwardID int64) (int64, error)
	SaveSentCount(ctx context.Context, campaignID, forwardID, total int64) error
}

// DiscoveredLink describes one link the rewriter handled.
type DiscoveredLink struct {
	Original  string
	Canonical string
	ForwardID int64
	Rewritten bool
}

type countKey struct {
	campaignID int64
	forwardID  int64
}

// Rewriter turns outbound links into tracking redirects. Forward rows are
// cached per rewriter so repeated subscribers in one run do not re-query
// storage, and sent counts are accumulated in memory and flushed in
// batches.
type Rewriter struct {
	store       ForwardStore
	secret      string
	trackingURL string
	skipHosts   []string
	logger      *slog.Logger

	mu       sync.Mutex
	forwards map[string]*domain.LinkTrackForward
	counts   map[countKey]int64
}

// NewRewriter builds a rewriter. trackingURL is the absolute redirect
// endpoint (".../lt.php"); links already pointing at its host, or at the
// installation's own website domain, are never rewritten.
func NewRewriter(store ForwardStore, secret, trackingURL, websiteDomain string, logger *slog.Logger) *Rewriter {
	var skip []string
	if u, err := url.Parse(trackingURL); err == nil && u.Host != "" {
		skip = append(skip, strings.ToLower(u.Host))
	}
	if websiteDomain != "" {
		skip = append(skip, strings.ToLower(websiteDomain))
	}
	return &Rewriter{
		store:       store,
		secret:      secret,
		trackingURL: trackingURL,
		skipHosts:   skip,
		logger:      logger,
		forwards:    make(map[string]*domain.LinkTrackForward),
		counts:      make(map[countKey]int64),
	}
}

// RewriteHTML rewrites anchor hrefs in an HTML body to tracking redirects.
func (r *Rewriter) RewriteHTML(ctx context.Context, body string, campaignID, subscriberID int64) (string, []DiscoveredLink, error) {
	var links []DiscoveredLink
	var firstErr error

	out := anchorRE.ReplaceAllStringFunc(body, func(anchor string) string {
		if firstErr != nil {
			return anchor
		}
		m := anchorRE.FindStringSubmatch(anchor)
		href, visible := m[1], m[2]

		link, masked, err := r.resolve(ctx, href, visible, "H", campaignID, subscriberID)
		if err != nil {
			firstErr = err
			return anchor
		}
		links = append(links, link)
		if !link.Rewritten {
			return anchor
		}
		return strings.Replace(anchor, href, r.redirectURL(masked), 1)
	})
	if firstErr != nil {
		return "", nil, firstErr
	}
	return out, links, nil
}

// RewriteText rewrites bare URLs in a text body. Each URL is first swapped
// for an opaque token and the tokens are substituted at the end, so an
// inserted tracking URL can never be picked up and rewritten again.
func (r *Rewriter) RewriteText(ctx context.Context, body string, campaignID, subscriberID int64) (string, []DiscoveredLink, error) {
	var links []DiscoveredLink
	var firstErr error
	replacements := make(map[string]string)

	out := bareURLRE.ReplaceAllStringFunc(body, func(raw string) string {
		if firstErr != nil {
			return raw
		}
		link, masked, err := r.resolve(ctx, raw, "", "T", campaignID, subscriberID)
		if err != nil {
			firstErr = err
			return raw
		}
		links = append(links, link)
		if !link.Rewritten {
			return raw
		}
		token := fmt.Sprintf("\x01LT%d\x01", len(replacements))
		replacements[token] = r.redirectURL(masked)
		return token
	})
	if firstErr != nil {
		return "", nil, firstErr
	}

	for token, final := range replacements {
		out = strings.Replace(out, token, final, 1)
	}
	return out, links, nil
}

// resolve canonicalizes one link, resolves its forward row, accounts the
// occurrence and returns the masked id. A non-rewritten link (own domain,
// URL-looking visible text) comes back with Rewritten false.
func (r *Rewriter) resolve(ctx context.Context, raw, visibleText, format string, campaignID, subscriberID int64) (DiscoveredLink, string, error) {
	link := DiscoveredLink{Original: raw}

	if r.skipURL(raw) {
		return link, "", nil
	}
	if visibleText != "" && urlishTextRE.MatchString(visibleTagRE.ReplaceAllString(visibleText, "")) {
		return link, "", nil
	}

	canonical := CanonicalURL(raw)
	link.Canonical = canonical

	fw, err := r.forward(ctx, canonical)
	if err != nil {
		return link, "", err
	}
	link.ForwardID = fw.ID
	link.Rewritten = true

	masked, err := EncodeLinkID(r.secret, LinkRef{
		Format:       format,
		ForwardID:    fw.ID,
		CampaignID:   campaignID,
		SubscriberID: subscriberID,
	})
	if err != nil {
		return link, "", err
	}

	if err := r.account(ctx, campaignID, fw.ID); err != nil {
		return link, "", err
	}
	return link, masked, nil
}

func (r *Rewriter) redirectURL(masked string) string {
	return r.trackingURL + "?id=" + masked
}

func (r *Rewriter) skipURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return true
	}
	host := strings.ToLower(u.Host)
	for _, skip := range r.skipHosts {
		if host == skip || strings.HasSuffix(host, "."+skip) {
			return true
		}
	}
	return false
}

// forward returns the forward row for a canonical URL, from the per-run
// cache when possible.
func (r *Rewriter) forward(ctx context.Context, canonical string) (*domain.LinkTrackForward, error) {
	r.mu.Lock()
	fw, ok := r.forwards[canonical]
	r.mu.Unlock()
	if ok {
		return fw, nil
	}

	personalized := strings.Contains(canonical, "[")
	fw, err := r.store.GetOrCreateForward(ctx, canonical, personalized)
	if err != nil {
		return nil, fmt.Errorf("resolving forward for %s: %w", canonical, err)
	}

	r.mu.Lock()
	r.forwards[canonical] = fw
	r.mu.Unlock()
	return fw, nil
}

// account increments the in-memory (campaign, forward) total and persists
// it on every flushEvery-th increment. The first touch of a pair seeds the
// counter from storage, so a resumed run continues the previous run's total
// instead of starting over and flushing smaller numbers.
func (r *Rewriter) account(ctx context.Context, campaignID, forwardID int64) error {
	key := countKey{campaignID: campaignID, forwardID: forwardID}

	r.mu.Lock()
	_, seen := r.counts[key]
	r.mu.Unlock()
	if !seen {
		persisted, err := r.store.GetSentCount(ctx, campaignID, forwardID)
		if err != nil {
			return fmt.Errorf("seeding sent count: %w", err)
		}
		r.mu.Lock()
		if _, again := r.counts[key]; !again {
			r.counts[key] = persisted
		}
		r.mu.Unlock()
	}

	r.mu.Lock()
	r.counts[key]++
	total := r.counts[key]
	r.mu.Unlock()

	if total%flushEvery != 0 {
		return nil
	}
	if err := r.store.SaveSentCount(ctx, campaignID, forwardID, total); err != nil {
		return fmt.Errorf("flushing sent count: %w", err)
	}
	return nil
}

// Flush persists every accumulated total. Called at end-of-run and on
// shutdown.
func (r *Rewriter) Flush(ctx context.Context) error {
	r.mu.Lock()
	snapshot := make(map[countKey]int64, len(r.counts))
	for k, v := range r.counts {
		snapshot[k] = v
	}
	r.mu.Unlock()

	for key, total := range snapshot {
		if err := r.store.SaveSentCount(ctx, key.campaignID, key.forwardID, total); err != nil {
			return fmt.Errorf("flushing sent count: %w", err)
		}
	}
	return nil
}

// CanonicalURL strips volatile query parameters (session ids,
// personalization uids) so every subscriber's copy of a link maps to the
// same forward row.
func CanonicalURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.RawQuery == "" {
		return raw
	}

	// Filter pairs by hand to preserve parameter order.
	var kept []string
	for _, pair := range strings.Split(u.RawQuery, "&") {
		name, _, _ := strings.Cut(pair, "=")
		if volatileParams[strings.ToLower(name)] {
			continue
		}
		kept = append(kept, pair)
	}
	u.RawQuery = strings.Join(kept, "&")
	return u.String()
}
