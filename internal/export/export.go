package export

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/calaider/calaider/internal/calendar"
	"github.com/calaider/calaider/internal/schema"
	"github.com/calaider/calaider/internal/types"
)

// Supported output formats for the export command.
const (
	FormatICS      = "ics"
	FormatJSON     = "json"
	FormatMarkdown = "md"
)

// Render formats a detected-events snapshot in the requested format.
func Render(pageURL string, snap *types.DetectedEvents, format string) (string, error) {
	switch format {
	case FormatICS:
		return calendar.ToICS(snap.Events)
	case FormatJSON:
		return JSON(pageURL, snap)
	case FormatMarkdown:
		return Markdown(pageURL, snap), nil
	default:
		return "", fmt.Errorf("unknown format %q (want ics, json, or md)", format)
	}
}

type jsonExport struct {
	PageURL    string         `json:"page_url"`
	DetectedAt time.Time      `json:"detected_at"`
	ExportedAt time.Time      `json:"exported_at"`
	Events     []schema.Event `json:"events"`
}

// JSON formats a snapshot as a JSON document.
func JSON(pageURL string, snap *types.DetectedEvents) (string, error) {
	out := jsonExport{
		PageURL:    pageURL,
		DetectedAt: snap.Timestamp,
		ExportedAt: time.Now(),
		Events:     snap.Events,
	}
	b, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return "", err
	}
	return string(b) + "\n", nil
}

// Markdown formats a snapshot as a markdown document.
func Markdown(pageURL string, snap *types.DetectedEvents) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Detected events — %s\n", pageURL)
	fmt.Fprintf(&b, "> Detected %s\n", snap.Timestamp.Format("2006-01-02 15:04"))

	for _, ev := range snap.Events {
		fmt.Fprintf(&b, "\n## %s\n\n", ev.Title)
		fmt.Fprintf(&b, "- **When:** %s\n", when(ev))
		if loc := locationLine(ev); loc != "" {
			fmt.Fprintf(&b, "- **Where:** %s\n", loc)
		}
		if ev.URL != nil {
			fmt.Fprintf(&b, "- **Link:** %s\n", *ev.URL)
		}
		if ev.Notes != nil {
			fmt.Fprintf(&b, "- **Notes:** %s\n", *ev.Notes)
		}
	}

	return b.String()
}

func when(ev schema.Event) string {
	s := ev.StartDate
	if ev.StartTime != nil {
		s += " " + *ev.StartTime
	}
	if ev.EndDate != nil && *ev.EndDate != ev.StartDate {
		s += " → " + *ev.EndDate
		if ev.EndTime != nil {
			s += " " + *ev.EndTime
		}
	} else if ev.EndTime != nil {
		s += "–" + *ev.EndTime
	}
	if ev.Timezone != nil {
		s += " (" + *ev.Timezone + ")"
	}
	return s
}

func locationLine(ev schema.Event) string {
	parts := make([]string, 0, 4)
	for _, p := range []*string{ev.Venue, ev.Address, ev.City, ev.Country} {
		if p != nil && strings.TrimSpace(*p) != "" {
			parts = append(parts, *p)
		}
	}
	return strings.Join(parts, ", ")
}
