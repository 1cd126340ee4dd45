package server

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/calaider/calaider/internal/analysis"
	"github.com/calaider/calaider/internal/applog"
	"github.com/calaider/calaider/internal/calendar"
	"github.com/calaider/calaider/internal/extract"
	"github.com/calaider/calaider/internal/model"
	"github.com/calaider/calaider/internal/pagetext"
	"github.com/calaider/calaider/internal/schema"
	"github.com/calaider/calaider/internal/store"
)

// Host wires the orchestrator, extraction invoker, and stores behind the
// control channel. It implements Handler.
type Host struct {
	DB       *sql.DB
	Runner   *analysis.Runner
	Invoker  *extract.Invoker
	CacheTTL time.Duration
}

// Handle processes one observer request.
func (h *Host) Handle(ctx context.Context, msg IncomingMsg, push func(OutgoingMsg)) OutgoingMsg {
	switch msg.Type {
	case MsgStartAnalysis:
		return h.startAnalysis(ctx, msg)
	case MsgCancelAnalysis:
		return OutgoingMsg{Type: MsgResponse, URL: msg.URL, Status: h.Runner.Cancel(msg.URL)}
	case MsgGetAnalysisStatus:
		return h.analysisStatus(msg)
	case MsgClearAnalysis:
		if err := store.Clear(h.DB, msg.URL); err != nil {
			return errorMsg(msg, err)
		}
		return OutgoingMsg{Type: MsgResponse, URL: msg.URL, Status: "cleared"}
	case MsgGetCachedEvents:
		return h.cachedEvents(msg)
	case MsgSetDetectedEvents:
		return h.setDetectedEvents(msg)
	case MsgExtractEvents:
		return h.extractEvents(ctx, msg, push)
	case MsgExportICS:
		return h.exportICS(msg)
	default:
		return errorMsg(msg, fmt.Errorf("unknown message type %q", msg.Type))
	}
}

// startAnalysis resolves section texts for the request and hands them to the
// orchestrator. Observers may send pre-split sections, a raw page payload to
// segment, or just a url for the host to source itself.
func (h *Host) startAnalysis(ctx context.Context, msg IncomingMsg) OutgoingMsg {
	if msg.URL == "" {
		return errorMsg(msg, fmt.Errorf("START_ANALYSIS requires a url"))
	}

	items := msg.Items
	if len(items) == 0 && msg.Payload != "" {
		items = pagetext.Sections(msg.Payload)
	}
	if len(items) == 0 {
		text, err := pagetext.SourceText(ctx, msg.URL)
		if err != nil {
			return errorMsg(msg, fmt.Errorf("source page text: %w", err))
		}
		items = pagetext.Sections(text)
	}
	if len(items) == 0 {
		return errorMsg(msg, fmt.Errorf("no analyzable text for %s", msg.URL))
	}

	status := h.Runner.Start(msg.URL, items, msg.ForceRefresh)
	return OutgoingMsg{Type: MsgResponse, URL: msg.URL, Status: status}
}

func (h *Host) analysisStatus(msg IncomingMsg) OutgoingMsg {
	isRunning, sess, events, err := h.Runner.Status(msg.URL)
	if err != nil {
		return errorMsg(msg, err)
	}
	return OutgoingMsg{
		Type:           MsgResponse,
		URL:            msg.URL,
		IsRunning:      &isRunning,
		Session:        sess,
		DetectedEvents: events,
	}
}

// cachedEvents is the observer fast path: the latest aggregate snapshot plus
// whether it is still inside the freshness window. Stale snapshots are the
// observer's cue to request reanalysis.
func (h *Host) cachedEvents(msg IncomingMsg) OutgoingMsg {
	snap, err := store.LoadDetectedEvents(h.DB, msg.URL)
	if err != nil {
		return errorMsg(msg, err)
	}
	if snap == nil {
		fresh := false
		return OutgoingMsg{Type: MsgResponse, URL: msg.URL, Fresh: &fresh}
	}
	fresh := snap.Fresh(h.CacheTTL, time.Now())
	return OutgoingMsg{
		Type:      MsgResponse,
		URL:       msg.URL,
		Events:    snap.Events,
		Timestamp: &snap.Timestamp,
		Fresh:     &fresh,
	}
}

// setDetectedEvents is the observer write path for user edits to the
// aggregate: removals, corrections, and additions replace the cached list
// through the same persisted path analysis results take, so they survive a
// reload. The whole replacement is rejected if any event breaks the contract.
func (h *Host) setDetectedEvents(msg IncomingMsg) OutgoingMsg {
	if msg.URL == "" {
		return errorMsg(msg, fmt.Errorf("SET_DETECTED_EVENTS requires a url"))
	}
	events := msg.Events
	if events == nil {
		events = []schema.Event{}
	}
	for _, ev := range events {
		if !ev.Valid() {
			return errorMsg(msg, fmt.Errorf("invalid event %q for %s", ev.Title, msg.URL))
		}
	}
	if err := store.SaveDetectedEvents(h.DB, msg.URL, events); err != nil {
		return errorMsg(msg, err)
	}
	return OutgoingMsg{Type: MsgResponse, URL: msg.URL, Status: "saved", Events: events}
}

// extractEvents is the forwarded single-extraction operation for contexts
// that cannot host the model session. Progress is pushed as EXTRACT_PROGRESS
// messages correlated by request id; the final result is the reply.
func (h *Host) extractEvents(ctx context.Context, msg IncomingMsg, push func(OutgoingMsg)) OutgoingMsg {
	id := msg.ID
	if id == "" {
		id = uuid.NewString()
	}

	progress := func(p float64) {
		push(OutgoingMsg{Type: MsgExtractProgress, ID: id, Progress: &p})
	}
	mon := &model.Monitor{
		OnStart:    func() { progress(0) },
		OnProgress: progress,
		OnDone:     func() { progress(1) },
	}

	result := h.Invoker.ExtractEventsReady(ctx, msg.Text, mon)
	return OutgoingMsg{Type: MsgExtractResult, ID: id, Events: result.Events}
}

// exportICS renders the current aggregate for a url as an iCalendar document.
func (h *Host) exportICS(msg IncomingMsg) OutgoingMsg {
	snap, err := store.LoadDetectedEvents(h.DB, msg.URL)
	if err != nil {
		return errorMsg(msg, err)
	}
	if snap == nil || len(snap.Events) == 0 {
		return errorMsg(msg, fmt.Errorf("no detected events for %s", msg.URL))
	}
	ics, err := calendar.ToICS(snap.Events)
	if err != nil {
		return errorMsg(msg, err)
	}
	return OutgoingMsg{Type: MsgResponse, URL: msg.URL, ICS: ics}
}

func errorMsg(msg IncomingMsg, err error) OutgoingMsg {
	applog.Error("ws.handle", err, "type", msg.Type, "url", msg.URL)
	return OutgoingMsg{Type: MsgResponse, URL: msg.URL, Error: err.Error()}
}
