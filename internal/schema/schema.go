package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Event is one extracted calendar event. Title and StartDate are required;
// every other field may be null in the model output and is therefore a
// pointer. This is the exact contract the calendar collaborator consumes.
type Event struct {
	Title     string  `json:"title"`
	StartDate string  `json:"startDate"`
	StartTime *string `json:"startTime"`
	EndDate   *string `json:"endDate"`
	EndTime   *string `json:"endTime"`
	Timezone  *string `json:"timezone"`
	Venue     *string `json:"venue"`
	Address   *string `json:"address"`
	City      *string `json:"city"`
	Country   *string `json:"country"`
	URL       *string `json:"url"`
	Notes     *string `json:"notes"`
}

// Response is the top-level shape the model must produce.
type Response struct {
	Events []Event `json:"events"`
}

var (
	dateRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	timeRe = regexp.MustCompile(`^\d{2}:\d{2}(:\d{2})?$`)
)

// Valid reports whether the event satisfies the field constraints:
// non-empty title, YYYY-MM-DD dates, HH:MM or HH:MM:SS times.
func (e Event) Valid() bool {
	if strings.TrimSpace(e.Title) == "" || !dateRe.MatchString(e.StartDate) {
		return false
	}
	if e.StartTime != nil && !timeRe.MatchString(*e.StartTime) {
		return false
	}
	if e.EndDate != nil && !dateRe.MatchString(*e.EndDate) {
		return false
	}
	if e.EndTime != nil && !timeRe.MatchString(*e.EndTime) {
		return false
	}
	return true
}

// Key returns the deduplication key for an event: two events with the same
// lowercased title, start date, and address are considered the same event.
func Key(e Event) string {
	addr := ""
	if e.Address != nil {
		addr = *e.Address
	}
	return strings.ToLower(e.Title + "|" + e.StartDate + "|" + addr)
}

// ParseResponse decodes a raw model response. The top level must be an object
// with a single "events" key; anything else (extra keys, missing key, not an
// object) fails the whole response — hallucinated structure is never trusted.
// Individual events that violate the field constraints or carry unknown keys
// are dropped, so every returned event satisfies the contract.
func ParseResponse(raw string) (Response, error) {
	var outer struct {
		Events []json.RawMessage `json:"events"`
	}
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&outer); err != nil {
		return Response{Events: []Event{}}, fmt.Errorf("decode response: %w", err)
	}
	if outer.Events == nil {
		return Response{Events: []Event{}}, fmt.Errorf("response has no events array")
	}

	resp := Response{Events: []Event{}}
	for _, raw := range outer.Events {
		var ev Event
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&ev); err != nil {
			continue
		}
		if !ev.Valid() {
			continue
		}
		resp.Events = append(resp.Events, ev)
	}
	return resp, nil
}

// ResponseConstraint is the JSON schema sent to the model as a response
// format constraint. It mirrors the validation above so that a conforming
// model output passes ParseResponse unchanged.
const ResponseConstraint = `{
  "type": "object",
  "properties": {
    "events": {
      "type": "array",
      "minItems": 0,
      "items": {
        "type": "object",
        "additionalProperties": false,
        "properties": {
          "title": {"type": "string", "minLength": 1},
          "startDate": {"type": "string", "pattern": "^\\d{4}-\\d{2}-\\d{2}$"},
          "startTime": {"type": ["string", "null"], "pattern": "^\\d{2}:\\d{2}(:\\d{2})?$"},
          "endDate": {"type": ["string", "null"], "pattern": "^\\d{4}-\\d{2}-\\d{2}$"},
          "endTime": {"type": ["string", "null"], "pattern": "^\\d{2}:\\d{2}(:\\d{2})?$"},
          "timezone": {"type": ["string", "null"]},
          "venue": {"type": ["string", "null"]},
          "address": {"type": ["string", "null"]},
          "city": {"type": ["string", "null"]},
          "country": {"type": ["string", "null"]},
          "url": {"type": ["string", "null"]},
          "notes": {"type": ["string", "null"]}
        },
        "required": ["title", "startDate"]
      }
    }
  },
  "required": ["events"],
  "additionalProperties": false
}`
