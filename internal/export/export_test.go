package export

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/calaider/calaider/internal/schema"
	"github.com/calaider/calaider/internal/types"
)

func strPtr(s string) *string { return &s }

func testSnap() *types.DetectedEvents {
	return &types.DetectedEvents{
		Events: []schema.Event{
			{
				Title:     "Harbor festival",
				StartDate: "2026-08-01",
				StartTime: strPtr("14:00"),
				EndTime:   strPtr("18:00"),
				Venue:     strPtr("Old Docks"),
				City:      strPtr("Hamburg"),
				URL:       strPtr("https://example.com/fest"),
				Notes:     strPtr("Free entry"),
			},
			{Title: "Quiet reading", StartDate: "2026-08-02"},
		},
		Timestamp: time.Date(2026, 7, 20, 9, 30, 0, 0, time.UTC),
	}
}

func TestMarkdown(t *testing.T) {
	out := Markdown("https://example.com/page", testSnap())

	for _, want := range []string{
		"# Detected events — https://example.com/page",
		"## Harbor festival",
		"- **When:** 2026-08-01 14:00–18:00",
		"- **Where:** Old Docks, Hamburg",
		"- **Link:** https://example.com/fest",
		"- **Notes:** Free entry",
		"## Quiet reading",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("markdown missing %q\n%s", want, out)
		}
	}
	// An event without location data gets no Where line.
	if strings.Count(out, "**Where:**") != 1 {
		t.Errorf("unexpected Where lines:\n%s", out)
	}
}

func TestJSON(t *testing.T) {
	out, err := JSON("https://example.com/page", testSnap())
	if err != nil {
		t.Fatalf("JSON: %v", err)
	}

	var decoded struct {
		PageURL    string         `json:"page_url"`
		DetectedAt time.Time      `json:"detected_at"`
		Events     []schema.Event `json:"events"`
	}
	if err := json.Unmarshal([]byte(out), &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if decoded.PageURL != "https://example.com/page" {
		t.Errorf("page_url = %q", decoded.PageURL)
	}
	if len(decoded.Events) != 2 {
		t.Errorf("events = %d, want 2", len(decoded.Events))
	}
	if decoded.DetectedAt.IsZero() {
		t.Error("detected_at missing")
	}
}

func TestRender(t *testing.T) {
	snap := testSnap()

	ics, err := Render("https://example.com/page", snap, FormatICS)
	if err != nil {
		t.Fatalf("Render ics: %v", err)
	}
	if !strings.Contains(ics, "BEGIN:VCALENDAR") {
		t.Error("ics output missing calendar envelope")
	}

	if _, err := Render("https://example.com/page", snap, "csv"); err == nil {
		t.Error("expected error for unknown format")
	}
}
