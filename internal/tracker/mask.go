package tracker

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// LinkRef is the composite key carried inside a masked link id: which
// format the link was embedded in, the canonical link, the campaign and the
// subscriber.
type LinkRef struct {
	Format       string // "H" for HTML bodies, "T" for text bodies
	ForwardID    int64
	CampaignID   int64
	SubscriberID int64
}

// MaskLinkID obfuscates a LinkRef with the installation secret:
// base64(xor(secret, "format|forward|campaign|subscriber")) with trailing
// padding stripped. The result still needs URL-escaping before being
// embedded in a query string; see EncodeLinkID.
func MaskLinkID(secret string, ref LinkRef) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("masking link id: empty secret")
	}
	plain := fmt.Sprintf("%s|%d|%d|%d", ref.Format, ref.ForwardID, ref.CampaignID, ref.SubscriberID)
	enc := base64.StdEncoding.EncodeToString(xorMask([]byte(plain), []byte(secret)))
	return strings.TrimRight(enc, "="), nil
}

// EncodeLinkID returns the masked id ready to embed as a query parameter.
func EncodeLinkID(secret string, ref LinkRef) (string, error) {
	masked, err := MaskLinkID(secret, ref)
	if err != nil {
		return "", err
	}
	return url.QueryEscape(masked), nil
}

// DecodeLinkID reverses MaskLinkID. The input is the query-parameter value
// after URL unescaping (i.e. as returned by url.Values.Get).
func DecodeLinkID(secret, masked string) (LinkRef, error) {
	if secret == "" {
		return LinkRef{}, fmt.Errorf("decoding link id: empty secret")
	}
	if pad := len(masked) % 4; pad != 0 {
		masked += strings.Repeat("=", 4-pad)
	}
	raw, err := base64.StdEncoding.DecodeString(masked)
	if err != nil {
		return LinkRef{}, fmt.Errorf("decoding link id: %w", err)
	}

	parts := strings.Split(string(xorMask(raw, []byte(secret))), "|")
	if len(parts) != 4 {
		return LinkRef{}, fmt.Errorf("decoding link id: malformed key")
	}

	ref := LinkRef{Format: parts[0]}
	if ref.Format != "H" && ref.Format != "T" {
		return LinkRef{}, fmt.Errorf("decoding link id: unknown format %q", ref.Format)
	}
	if ref.ForwardID, err = strconv.ParseInt(parts[1], 10, 64); err != nil {
		return LinkRef{}, fmt.Errorf("decoding link id: forward id: %w", err)
	}
	if ref.CampaignID, err = strconv.ParseInt(parts[2], 10, 64); err != nil {
		return LinkRef{}, fmt.Errorf("decoding link id: campaign id: %w", err)
	}
	if ref.SubscriberID, err = strconv.ParseInt(parts[3], 10, 64); err != nil {
		return LinkRef{}, fmt.Errorf("decoding link id: subscriber id: %w", err)
	}
	return ref, nil
}

func xorMask(data, secret []byte) []byte {
	out := make([]byte, len(data))
	for i, b := range data {
		out[i] = b ^ secret[i%len(secret)]
	}
	return out
}
