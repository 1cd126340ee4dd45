package pagetext

import (
	"encoding/json"
	"strings"
)

// MaxPayloadLen caps each section's text; larger content blows the model's
// input quota for no gain.
const MaxPayloadLen = 50000

// payload is the envelope the extension's content script sends: a type tag
// plus either a text blob or an array of extracted items.
type payload struct {
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
}

// item is one structured extraction candidate from the page.
type item struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Date        string `json:"date"`
	Location    string `json:"location"`
	Text        string `json:"text"`
}

func (it item) text() string {
	if it.Text != "" {
		return it.Text
	}
	parts := make([]string, 0, 4)
	for _, p := range []string{it.Title, it.Description, it.Date, it.Location} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, "\n")
}

// Sections normalizes a raw page-text payload into the ordered section texts
// submitted to the model, one at a time. Structured extractions become one
// section per item; main-content/body-text payloads and plain text become a
// single section; a bare JSON array yields one section per element. The size
// cap applies per section, after parsing: cutting the serialized envelope
// would corrupt the JSON and collapse an itemized page into one garbage
// section, which is exactly the large-page case itemization exists for.
func Sections(raw string) []string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil
	}

	var p payload
	if err := json.Unmarshal([]byte(trimmed), &p); err == nil && p.Type != "" {
		switch p.Type {
		case "structured", "extracted":
			if secs := itemSections(p.Content); secs != nil {
				return capSections(secs)
			}
		}
		// main_content, body_text, or anything with a plain string content.
		var text string
		if err := json.Unmarshal(p.Content, &text); err == nil && strings.TrimSpace(text) != "" {
			return []string{truncate(text)}
		}
		return []string{truncate(trimmed)}
	}

	var arr []json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &arr); err == nil {
		if secs := rawSections(arr); secs != nil {
			return capSections(secs)
		}
	}

	return []string{truncate(trimmed)}
}

func truncate(s string) string {
	if len(s) > MaxPayloadLen {
		return s[:MaxPayloadLen]
	}
	return s
}

func capSections(secs []string) []string {
	for i, s := range secs {
		secs[i] = truncate(s)
	}
	return secs
}

func itemSections(content json.RawMessage) []string {
	var arr []json.RawMessage
	if err := json.Unmarshal(content, &arr); err != nil {
		return nil
	}
	return rawSections(arr)
}

func rawSections(arr []json.RawMessage) []string {
	var secs []string
	for _, el := range arr {
		var s string
		if err := json.Unmarshal(el, &s); err == nil {
			if strings.TrimSpace(s) != "" {
				secs = append(secs, s)
			}
			continue
		}
		var it item
		if err := json.Unmarshal(el, &it); err == nil {
			if text := it.text(); strings.TrimSpace(text) != "" {
				secs = append(secs, text)
			}
		}
	}
	return secs
}

// Concat joins section texts into one blob for the whole-page fallback pass.
func Concat(items []string) string {
	return strings.Join(items, "\n\n")
}
