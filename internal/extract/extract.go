package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/calaider/calaider/internal/applog"
	"github.com/calaider/calaider/internal/model"
	"github.com/calaider/calaider/internal/schema"
)

// Invoker issues one inference request per text section against the shared
// model session and validates the response. It never returns an error: any
// engine, parse, or validation failure is reported as an empty result so one
// bad section can never abort a whole analysis run.
type Invoker struct {
	Sessions *model.Manager
}

// New creates an Invoker over the given session manager.
func New(sessions *model.Manager) *Invoker {
	return &Invoker{Sessions: sessions}
}

// ExtractEvents runs one extraction over the given text. Empty or
// whitespace-only input returns an empty result without touching the model.
func (iv *Invoker) ExtractEvents(ctx context.Context, text string, mon *model.Monitor) schema.Response {
	empty := schema.Response{Events: []schema.Event{}}
	if strings.TrimSpace(text) == "" {
		return empty
	}

	sess, err := iv.Sessions.GetSession(ctx, mon)
	if err != nil {
		applog.Error("extract.session", err)
		return empty
	}

	messages := []model.Message{
		{Role: "system", Content: guidancePrompt},
		{Role: "user", Content: userMessage(text)},
	}

	raw, err := sess.Prompt(ctx, messages, json.RawMessage(schema.ResponseConstraint))
	if err != nil {
		applog.Error("extract.prompt", err, "len", len(text))
		return empty
	}

	resp, err := schema.ParseResponse(raw)
	if err != nil {
		applog.Error("extract.parse", err, "raw_len", len(raw))
		return empty
	}
	applog.Info("extract.done", "events", len(resp.Events), "len", len(text))
	return resp
}

// ExtractEventsReady guarantees the model warm-up has completed before
// extracting, hiding first-call latency behind the monitor's progress.
func (iv *Invoker) ExtractEventsReady(ctx context.Context, text string, mon *model.Monitor) schema.Response {
	if err := iv.Sessions.Prewarm(ctx, mon); err != nil {
		applog.Error("extract.prewarm", err)
		return schema.Response{Events: []schema.Event{}}
	}
	return iv.ExtractEvents(ctx, text, mon)
}

func userMessage(text string) string {
	return fmt.Sprintf(`TEXT TO ANALYZE:
---START---
%s
---END---

REQUIRED: Extract any events from the above text and return them in valid JSON format matching the schema exactly.
If no valid events are found, return {"events":[]}.
Return ONLY the JSON, no other text.`, text)
}

const guidancePrompt = `TASK: Extract calendar event details from the given text and format them as structured JSON.

INSTRUCTIONS:
1. Look for event information including:
   - Event title/name
   - Date(s) and time(s)
   - Location details
   - Additional details like description/URL

2. For each event found, format the data according to this exact schema:
{
    "events": [
        {
            "title": "(required) event name/title",
            "startDate": "(required) YYYY-MM-DD format",
            "startTime": "HH:MM format or null",
            "endDate": "YYYY-MM-DD format or null",
            "endTime": "HH:MM format or null",
            "timezone": "IANA timezone (e.g., America/Los_Angeles) or null",
            "venue": "location name or null",
            "address": "street address or null",
            "city": "city name or null",
            "country": "country name or null",
            "url": "event URL or null",
            "notes": "additional details or null"
        }
    ]
}

3. Data Requirements:
   - title and startDate are REQUIRED
   - Other fields can be null if not found
   - Dates must be YYYY-MM-DD format
   - Times must be HH:MM format
   - Return {"events":[]} if no valid events found

IMPORTANT:
- Focus ONLY on extracting events
- Return ONLY valid JSON matching the schema exactly
- Do not add explanations or extra text
- Do not create fictional data; use only information present in the text`
