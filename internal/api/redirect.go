package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/mailkite/mailkite/internal/domain"
	"github.com/mailkite/mailkite/internal/tracker"
)

// ClickStore resolves forwards and records clicks.
type ClickStore interface {
	GetForward(ctx context.Context, id int64) (*domain.LinkTrackForward, error)
	RecordClick(ctx context.Context, forwardID, campaignID, subscriberID int64, remoteAddr, userAgent string) error
}

// RedirectHandler serves tracked links: it unmasks the link id, records the
// click and redirects the browser to the real destination.
type RedirectHandler struct {
	secret string
	store  ClickStore
	logger *slog.Logger
}

func NewRedirectHandler(secret string, store ClickStore, logger *slog.Logger) *RedirectHandler {
	return &RedirectHandler{secret: secret, store: store, logger: logger}
}

// Follow handles GET /lt.php?id=<masked>. A malformed or unknown id is a
// plain 404: the masked id doubles as authentication, so no detail leaks.
func (h *RedirectHandler) Follow(w http.ResponseWriter, r *http.Request) {
	masked := r.URL.Query().Get("id")
	if masked == "" {
		http.NotFound(w, r)
		return
	}

	ref, err := tracker.DecodeLinkID(h.secret, masked)
	if err != nil {
		h.logger.Warn("rejecting masked link id", "error", err, "remote_addr", r.RemoteAddr)
		http.NotFound(w, r)
		return
	}

	fw, err := h.store.GetForward(r.Context(), ref.ForwardID)
	if err != nil {
		h.logger.Error("looking up forward failed", "forward_id", ref.ForwardID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if fw == nil {
		http.NotFound(w, r)
		return
	}

	// A failed click record must not break the redirect.
	if err := h.store.RecordClick(r.Context(), ref.ForwardID, ref.CampaignID, ref.SubscriberID, r.RemoteAddr, r.UserAgent()); err != nil {
		h.logger.Error("recording click failed", "forward_id", ref.ForwardID, "error", err)
	}

	http.Redirect(w, r, fw.URL, http.StatusFound)
}
