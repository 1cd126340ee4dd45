package schema

import (
	"strings"
	"testing"
)

func strPtr(s string) *string { return &s }

func TestEventValid(t *testing.T) {
	tests := []struct {
		name string
		ev   Event
		want bool
	}{
		{
			name: "minimal valid",
			ev:   Event{Title: "Concert", StartDate: "2026-09-12"},
			want: true,
		},
		{
			name: "all fields valid",
			ev: Event{
				Title:     "Concert",
				StartDate: "2026-09-12",
				StartTime: strPtr("19:30"),
				EndDate:   strPtr("2026-09-13"),
				EndTime:   strPtr("01:00:00"),
			},
			want: true,
		},
		{
			name: "empty title",
			ev:   Event{Title: "", StartDate: "2026-09-12"},
			want: false,
		},
		{
			name: "whitespace title",
			ev:   Event{Title: "   ", StartDate: "2026-09-12"},
			want: false,
		},
		{
			name: "bad start date",
			ev:   Event{Title: "Concert", StartDate: "Sep 12, 2026"},
			want: false,
		},
		{
			name: "date with trailing text",
			ev:   Event{Title: "Concert", StartDate: "2026-09-12T19:00"},
			want: false,
		},
		{
			name: "bad start time",
			ev:   Event{Title: "Concert", StartDate: "2026-09-12", StartTime: strPtr("7pm")},
			want: false,
		},
		{
			name: "bad end date",
			ev:   Event{Title: "Concert", StartDate: "2026-09-12", EndDate: strPtr("next day")},
			want: false,
		},
		{
			name: "bad end time",
			ev:   Event{Title: "Concert", StartDate: "2026-09-12", EndTime: strPtr("25")},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.ev.Valid(); got != tt.want {
				t.Errorf("Valid() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestKey(t *testing.T) {
	a := Event{Title: "Jazz Night", StartDate: "2026-03-01", Address: strPtr("12 Main St")}
	b := Event{Title: "JAZZ NIGHT", StartDate: "2026-03-01", Address: strPtr("12 MAIN ST")}
	if Key(a) != Key(b) {
		t.Errorf("keys differ for case-variant events: %q vs %q", Key(a), Key(b))
	}

	c := Event{Title: "Jazz Night", StartDate: "2026-03-01"}
	if Key(a) == Key(c) {
		t.Error("events with and without address should have different keys")
	}

	d := Event{Title: "Jazz Night", StartDate: "2026-03-02", Address: strPtr("12 Main St")}
	if Key(a) == Key(d) {
		t.Error("events on different dates should have different keys")
	}
}

func TestParseResponse(t *testing.T) {
	resp, err := ParseResponse(`{"events":[{"title":"Expo","startDate":"2026-05-01","startTime":null,"endDate":null,"endTime":null,"timezone":null,"venue":null,"address":null,"city":null,"country":null,"url":null,"notes":null}]}`)
	if err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	if len(resp.Events) != 1 || resp.Events[0].Title != "Expo" {
		t.Fatalf("unexpected events: %+v", resp.Events)
	}
}

func TestParseResponseEmptyEvents(t *testing.T) {
	resp, err := ParseResponse(`{"events":[]}`)
	if err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	if resp.Events == nil {
		t.Fatal("Events should be an empty slice, not nil")
	}
	if len(resp.Events) != 0 {
		t.Fatalf("expected no events, got %d", len(resp.Events))
	}
}

func TestParseResponseRejectsWholeResponse(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", "Sure! Here are the events I found:"},
		{"unknown top-level key", `{"events":[],"note":"done"}`},
		{"missing events key", `{}`},
		{"events is null", `{"events":null}`},
		{"top level array", `[{"title":"Expo","startDate":"2026-05-01"}]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := ParseResponse(tt.raw)
			if err == nil {
				t.Fatal("expected error")
			}
			if resp.Events == nil || len(resp.Events) != 0 {
				t.Errorf("failed parse should return empty events, got %+v", resp.Events)
			}
		})
	}
}

func TestParseResponseDropsInvalidEvents(t *testing.T) {
	raw := `{"events":[
		{"title":"Good","startDate":"2026-05-01"},
		{"title":"","startDate":"2026-05-01"},
		{"title":"Bad date","startDate":"May 1st"},
		{"title":"Unknown key","startDate":"2026-05-02","venueName":"Hall"},
		{"title":"Also good","startDate":"2026-05-03","startTime":"18:00"}
	]}`
	resp, err := ParseResponse(raw)
	if err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	if len(resp.Events) != 2 {
		t.Fatalf("expected 2 surviving events, got %d: %+v", len(resp.Events), resp.Events)
	}
	if resp.Events[0].Title != "Good" || resp.Events[1].Title != "Also good" {
		t.Errorf("wrong events survived: %+v", resp.Events)
	}
}

func TestResponseConstraintMirrorsValidation(t *testing.T) {
	// The format constraint must require exactly what the parser enforces.
	for _, want := range []string{`"required": ["title", "startDate"]`, `"required": ["events"]`, `"additionalProperties": false`} {
		if !strings.Contains(ResponseConstraint, want) {
			t.Errorf("ResponseConstraint missing %s", want)
		}
	}
}
