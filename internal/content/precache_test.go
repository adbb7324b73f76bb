package content

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/mailkite/mailkite/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestParseReplyTo(t *testing.T) {
	tests := []struct {
		field     string
		wantName  string
		wantEmail string
	}{
		{"Jane Doe jane@lists.example", "Jane Doe", "jane@lists.example"},
		{"jane@lists.example", "jane@lists.example", "jane@lists.example"},
		{"jane@lists.example Jane Doe", "Jane Doe", "jane@lists.example"},
		{"The List Team", "The List Team", "listmaster@mail.example"},
		// A bare local part is completed with the mail domain and the formed
		// address doubles as the display name.
		{"newsletter", "newsletter@mail.example", "newsletter@mail.example"},
		{"", "", ""},
	}

	for _, tt := range tests {
		name, email := ParseReplyTo(tt.field, "mail.example")
		if name != tt.wantName || email != tt.wantEmail {
			t.Errorf("ParseReplyTo(%q) = (%q, %q), want (%q, %q)",
				tt.field, name, email, tt.wantName, tt.wantEmail)
		}
	}
}

func TestLooksLikeHTML(t *testing.T) {
	if !LooksLikeHTML("<p>hello</p>") {
		t.Error("markup should be detected as HTML")
	}
	if LooksLikeHTML("plain text, no markup") {
		t.Error("plain text should not be detected as HTML")
	}
}

func TestStripTags(t *testing.T) {
	got := StripTags(`<a href="http://x.example">click</a> here`)
	if got != "click here" {
		t.Errorf("StripTags = %q, want %q", got, "click here")
	}
}

func TestBuilder_ExpandsRemoteContent(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Write([]byte("<p>remote body</p>"))
	}))
	defer srv.Close()

	b := NewBuilder("mail.example", testLogger())
	c := &domain.Campaign{
		ID:          1,
		Subject:     "hi",
		HTMLContent: "before [URL:" + srv.URL + "] after",
	}

	mc, err := b.Build(context.Background(), c, false)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if mc.HTML != "before <p>remote body</p> after" {
		t.Errorf("HTML = %q", mc.HTML)
	}

	// A second build reuses the fetched document.
	if _, err := b.Build(context.Background(), c, false); err != nil {
		t.Fatalf("Build: %v", err)
	}
	if hits != 1 {
		t.Errorf("remote fetched %d times, want 1", hits)
	}
}

func TestBuilder_SkipsPersonalizedRemoteTokens(t *testing.T) {
	// A URL carrying its own placeholder is per-subscriber content: it must
	// not be fetched during the precache, and must survive for the
	// personalization pass. No server listens here, so an attempted fetch
	// would fail the build.
	b := NewBuilder("mail.example", testLogger())
	c := &domain.Campaign{
		ID:          4,
		HTMLContent: "see [URL:http://cms.example/page?email=[EMAIL]] for details",
	}

	mc, err := b.Build(context.Background(), c, false)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if mc.HTML != c.HTMLContent {
		t.Errorf("personalized token altered: %q", mc.HTML)
	}
}

func TestBuilder_RemoteFetchFailureIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	b := NewBuilder("mail.example", testLogger())
	c := &domain.Campaign{ID: 1, HTMLContent: "[URL:" + srv.URL + "]"}

	_, err := b.Build(context.Background(), c, false)
	if !errors.Is(err, ErrRemoteFetch) {
		t.Errorf("Build error = %v, want ErrRemoteFetch", err)
	}
}

func TestBuilder_DetectsFormatAndCharset(t *testing.T) {
	b := NewBuilder("mail.example", testLogger())

	mc, err := b.Build(context.Background(), &domain.Campaign{
		ID:          2,
		HTMLContent: "<b>rich</b>",
		TextContent: "plain",
		Charset:     "utf-8",
	}, false)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !mc.IsHTML {
		t.Error("IsHTML = false, want true")
	}
	if mc.Charset != "UTF-8" {
		t.Errorf("Charset = %q, want UTF-8", mc.Charset)
	}

	mc, err = b.Build(context.Background(), &domain.Campaign{ID: 3, TextContent: "plain only"}, false)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if mc.IsHTML {
		t.Error("IsHTML = true for text-only campaign, want false")
	}
	if mc.Charset != "UTF-8" {
		t.Errorf("empty charset defaults to UTF-8, got %q", mc.Charset)
	}
}
