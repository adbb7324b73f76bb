package content

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/mailkite/mailkite/internal/domain"
	"golang.org/x/text/encoding/ianaindex"
)

// ErrRemoteFetch marks a failed [URL:...] content fetch. It is fatal for
// the campaign's run: the dispatcher aborts the batch instead of sending a
// broken message to every subscriber.
var ErrRemoteFetch = errors.New("remote content fetch failed")

var (
	tagRE = regexp.MustCompile(`<[^>]+>`)

	// [URL:...] with the token running to the closing bracket. Brackets are
	// excluded from the token, so a URL that carries its own placeholder
	// (like [URL:http://x/?email=[EMAIL]]) never matches; every match is
	// subscriber-independent and safe to fetch once.
	urlPlaceholderRE = regexp.MustCompile(`\[URL:([^\s\[\]]+)\]`)
)

// Builder produces the precached MessageContent snapshot for a campaign.
// Remote content is fetched at most once per URL per builder lifetime.
type Builder struct {
	mailDomain string
	httpClient *http.Client
	logger     *slog.Logger

	mu      sync.Mutex
	fetched map[string]string
}

func NewBuilder(mailDomain string, logger *slog.Logger) *Builder {
	return &Builder{
		mailDomain: mailDomain,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
		fetched:    make(map[string]string),
	}
}

// Build normalizes one campaign's raw fields into a ready-to-personalize
// snapshot. Used as the loader for Cache.GetOrBuild.
func (b *Builder) Build(ctx context.Context, c *domain.Campaign, forwarded bool) (*domain.MessageContent, error) {
	name, email := ParseReplyTo(c.ReplyTo, b.mailDomain)

	htmlBody, err := b.expandRemote(ctx, c.HTMLContent)
	if err != nil {
		return nil, err
	}
	textBody, err := b.expandRemote(ctx, c.TextContent)
	if err != nil {
		return nil, err
	}

	mc := &domain.MessageContent{
		Subject:      c.Subject,
		HTML:         htmlBody,
		Text:         textBody,
		Footer:       c.Footer,
		Charset:      canonicalCharset(c.Charset),
		IsHTML:       LooksLikeHTML(htmlBody),
		ReplyToName:  name,
		ReplyToEmail: email,
	}

	b.logger.Debug("campaign content precached",
		"campaign_id", c.ID,
		"forwarded", forwarded,
		"is_html", mc.IsHTML,
		"charset", mc.Charset,
	)
	return mc, nil
}

// ParseReplyTo resolves the free-text reply-to field into a (name, email)
// pair. The field is either "Name address@host", a bare display name, or a
// bare local part to be completed with the installation's mail domain.
func ParseReplyTo(field, mailDomain string) (name, email string) {
	field = strings.TrimSpace(field)
	if field == "" {
		return "", ""
	}

	if strings.Contains(field, "@") {
		var rest []string
		for _, word := range strings.Fields(field) {
			if email == "" && strings.Contains(word, "@") {
				email = word
				continue
			}
			rest = append(rest, word)
		}
		name = strings.Join(rest, " ")
		if name == "" {
			name = email
		}
		return name, email
	}

	if strings.Contains(field, " ") {
		return field, "listmaster@" + mailDomain
	}

	email = field + "@" + mailDomain
	return email, email
}

// StripTags removes markup, leaving the visible text.
func StripTags(content string) string {
	return tagRE.ReplaceAllString(content, "")
}

// LooksLikeHTML reports whether content contains markup, by comparing it to
// its tag-stripped form.
func LooksLikeHTML(content string) bool {
	return content != StripTags(content)
}

// expandRemote substitutes [URL:...] placeholders with the fetched remote
// document. A fetch failure is a hard failure for the campaign.
func (b *Builder) expandRemote(ctx context.Context, body string) (string, error) {
	matches := urlPlaceholderRE.FindAllStringSubmatch(body, -1)
	if len(matches) == 0 {
		return body, nil
	}

	for _, m := range matches {
		token := m[1]
		remote, err := b.fetchOnce(ctx, token)
		if err != nil {
			return "", fmt.Errorf("%w: %s: %v", ErrRemoteFetch, token, err)
		}
		body = strings.ReplaceAll(body, m[0], remote)
	}
	return body, nil
}

func (b *Builder) fetchOnce(ctx context.Context, url string) (string, error) {
	b.mu.Lock()
	if cached, ok := b.fetched[url]; ok {
		b.mu.Unlock()
		return cached, nil
	}
	b.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	b.mu.Lock()
	b.fetched[url] = string(data)
	b.mu.Unlock()
	return string(data), nil
}

// canonicalCharset maps a charset label to its IANA canonical name,
// defaulting to UTF-8 for empty or unknown labels.
func canonicalCharset(label string) string {
	if label == "" {
		return "UTF-8"
	}
	enc, err := ianaindex.IANA.Encoding(label)
	if err != nil || enc == nil {
		return label
	}
	canonical, err := ianaindex.IANA.Name(enc)
	if err != nil {
		return label
	}
	return canonical
}
