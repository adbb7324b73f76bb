package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrSizeLimit marks a rendered message over the configured ceiling. It is
// fatal for the whole campaign — the dispatcher suspends the campaign
// instead of retrying per recipient, since every copy would be oversized.
var ErrSizeLimit = errors.New("message exceeds size limit")

type sizeKey struct {
	campaignID int64
	isHTML     bool
}

// SizeGuard vetoes sends whose rendered size exceeds the ceiling. The size
// is computed once per (campaign, format) and cached; personalization only
// changes a message by a few bytes, so the first render is representative.
type SizeGuard struct {
	maxBytes int
	logger   *slog.Logger

	mu    sync.Mutex
	sizes map[sizeKey]int
}

// NewSizeGuard builds a guard. maxBytes 0 disables the check.
func NewSizeGuard(maxBytes int, logger *slog.Logger) *SizeGuard {
	return &SizeGuard{
		maxBytes: maxBytes,
		logger:   logger,
		sizes:    make(map[sizeKey]int),
	}
}

// Check validates the rendered message size for one campaign/format.
func (g *SizeGuard) Check(campaignID int64, rendered string, isHTML bool) error {
	if g.maxBytes <= 0 {
		return nil
	}

	key := sizeKey{campaignID: campaignID, isHTML: isHTML}

	g.mu.Lock()
	size, ok := g.sizes[key]
	if !ok {
		size = len(rendered)
		g.sizes[key] = size
	}
	g.mu.Unlock()

	if size > g.maxBytes {
		g.logger.Error("campaign message over size limit",
			"campaign_id", campaignID,
			"is_html", isHTML,
			"size", size,
			"max", g.maxBytes,
		)
		return fmt.Errorf("%w: campaign %d: %d > %d bytes", ErrSizeLimit, campaignID, size, g.maxBytes)
	}
	return nil
}
