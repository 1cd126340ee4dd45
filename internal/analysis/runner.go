package analysis

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/calaider/calaider/internal/applog"
	"github.com/calaider/calaider/internal/model"
	"github.com/calaider/calaider/internal/pagetext"
	"github.com/calaider/calaider/internal/schema"
	"github.com/calaider/calaider/internal/store"
	"github.com/calaider/calaider/internal/types"
)

// Start statuses returned to the control channel.
const (
	StatusStarted        = "started"
	StatusAlreadyRunning = "already_running"
	StatusCancelled      = "cancelled"
	StatusNotRunning     = "not_running"
)

// Extractor is the slice of the extraction invoker the orchestrator needs.
type Extractor interface {
	ExtractEventsReady(ctx context.Context, text string, mon *model.Monitor) schema.Response
}

// Progress is one push update about an in-flight analysis. Optional fields
// are pointers so observers can distinguish "unchanged" from zero values.
type Progress struct {
	URL            string         `json:"url"`
	CurrentItem    *int           `json:"currentItem,omitempty"`
	TotalItems     *int           `json:"totalItems,omitempty"`
	Status         string         `json:"status,omitempty"`
	ModelProgress  *float64       `json:"modelProgress,omitempty"`
	DetectedEvents []schema.Event `json:"detectedEvents,omitempty"`
	IsExtracting   *bool          `json:"isExtracting,omitempty"`
}

func intPtr(i int) *int           { return &i }
func floatPtr(f float64) *float64 { return &f }
func boolPtr(b bool) *bool        { return &b }

const (
	sectionDelay      = 500 * time.Millisecond
	keepaliveInterval = 20 * time.Second
)

// Runner walks analysis sessions section by section: invokes extraction,
// aggregates and dedupes results, persists progress after every section, and
// broadcasts updates. It is the single writer for any URL whose task is in
// its active registry.
type Runner struct {
	db        *sql.DB
	extractor Extractor
	broadcast func(Progress)
	delay     time.Duration
	now       func() time.Time

	mu       sync.Mutex
	active   map[string]context.CancelFunc
	keepStop chan struct{}
}

// NewRunner creates an orchestrator. broadcast may be nil (updates dropped).
func NewRunner(db *sql.DB, extractor Extractor, broadcast func(Progress)) *Runner {
	if broadcast == nil {
		broadcast = func(Progress) {}
	}
	return &Runner{
		db:        db,
		extractor: extractor,
		broadcast: broadcast,
		delay:     sectionDelay,
		now:       time.Now,
		active:    make(map[string]context.CancelFunc),
	}
}

// Start begins (or resumes) analysis for a URL in the background and returns
// immediately. A second call for the same URL while a task is active yields
// StatusAlreadyRunning; different URLs proceed independently.
func (r *Runner) Start(url string, items []string, forceRefresh bool) string {
	r.mu.Lock()
	if _, ok := r.active[url]; ok {
		r.mu.Unlock()
		return StatusAlreadyRunning
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.active[url] = cancel
	r.startKeepalive()
	r.mu.Unlock()

	go r.run(ctx, url, items, forceRefresh)
	return StatusStarted
}

// Cancel requests cooperative cancellation of the active task for a URL.
// Already-completed sections are kept; the session stays resumable.
func (r *Runner) Cancel(url string) string {
	r.mu.Lock()
	cancel, ok := r.active[url]
	r.mu.Unlock()
	if !ok {
		return StatusNotRunning
	}
	cancel()
	applog.Info("analysis.cancel", "url", url)
	return StatusCancelled
}

// Status reports in-memory liveness plus the persisted session and its
// current aggregate. The persisted is_running flag is not consulted for
// liveness; only the active registry is.
func (r *Runner) Status(url string) (bool, *types.AnalysisSession, []schema.Event, error) {
	r.mu.Lock()
	_, isRunning := r.active[url]
	r.mu.Unlock()

	sess, err := store.LoadSession(r.db, url)
	if err != nil {
		return isRunning, nil, nil, err
	}
	return isRunning, sess, Aggregate(sess), nil
}

// ActiveCount returns how many analyses are currently running.
func (r *Runner) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

func (r *Runner) run(ctx context.Context, url string, items []string, forceRefresh bool) {
	runID := uuid.NewString()
	applog.Info("analysis.start", "run", runID, "url", url, "sections", len(items), "force", forceRefresh)

	defer func() {
		r.mu.Lock()
		delete(r.active, url)
		if len(r.active) == 0 {
			r.stopKeepalive()
		}
		r.mu.Unlock()
	}()

	sess, err := store.LoadSession(r.db, url)
	if err != nil {
		r.fail(url, runID, err)
		return
	}
	if sess == nil || forceRefresh {
		sess = types.NewAnalysisSession(items)
	} else if len(sess.Items) == 0 {
		sess.Items = items
		sess.TotalItems = len(items)
	}

	sess.IsRunning = true
	if err := store.SaveSession(r.db, url, sess); err != nil {
		r.fail(url, runID, err)
		return
	}

	total := sess.TotalItems
	r.broadcast(Progress{
		URL:           url,
		CurrentItem:   intPtr(len(sess.CompletedIndices)),
		TotalItems:    intPtr(total),
		Status:        "Starting analysis...",
		ModelProgress: floatPtr(fraction(len(sess.CompletedIndices), total)),
	})

	for i := 0; i < len(sess.Items); i++ {
		if ctx.Err() != nil {
			r.cancelled(url, runID, sess)
			return
		}
		if sess.Completed(i) {
			continue
		}

		r.broadcast(Progress{
			URL:           url,
			CurrentItem:   intPtr(i + 1),
			TotalItems:    intPtr(total),
			Status:        fmt.Sprintf("Analyzing section %d of %d...", i+1, total),
			ModelProgress: floatPtr(fraction(i, total)),
		})

		// Throttle between sections so the model host isn't hammered.
		if i > 0 {
			select {
			case <-time.After(r.delay):
			case <-ctx.Done():
				r.cancelled(url, runID, sess)
				return
			}
		}

		idx := i
		mon := &model.Monitor{
			OnProgress: func(p float64) {
				r.broadcast(Progress{
					URL:           url,
					CurrentItem:   intPtr(idx + 1),
					TotalItems:    intPtr(total),
					Status:        fmt.Sprintf("Analyzing section %d (%d%%)...", idx+1, int(p*100)),
					ModelProgress: floatPtr((float64(idx) + p) / float64(max(1, total))),
				})
			},
		}

		result := r.extractor.ExtractEventsReady(ctx, sess.Items[i], mon)

		// A cancellation raised mid-inference lets the call finish but
		// discards its result; no further sections run.
		if ctx.Err() != nil {
			r.cancelled(url, runID, sess)
			return
		}
		if len(result.Events) == 0 {
			continue
		}

		corrected := correctEventDates(result.Events, r.now())
		sess.EventsPerSection[i] = corrected
		sess.MarkCompleted(i)
		if err := store.SaveSession(r.db, url, sess); err != nil {
			r.fail(url, runID, err)
			return
		}

		agg := Aggregate(sess)
		if err := store.SaveDetectedEvents(r.db, url, agg); err != nil {
			r.fail(url, runID, err)
			return
		}
		applog.Info("analysis.section", "run", runID, "index", i, "events", len(corrected), "aggregate", len(agg))

		r.broadcast(Progress{
			URL:            url,
			CurrentItem:    intPtr(i + 1),
			TotalItems:     intPtr(total),
			Status:         fmt.Sprintf("Found %d events in section %d", len(corrected), i+1),
			ModelProgress:  floatPtr(fraction(i+1, total)),
			DetectedEvents: agg,
		})
	}

	if ctx.Err() != nil {
		r.cancelled(url, runID, sess)
		return
	}

	// Whole-page fallback, only when per-section extraction found nothing.
	if len(Aggregate(sess)) == 0 {
		if !r.fallback(ctx, url, runID, sess) {
			return
		}
	}

	sess.IsRunning = false
	if err := store.SaveSession(r.db, url, sess); err != nil {
		r.fail(url, runID, err)
		return
	}

	agg := Aggregate(sess)
	applog.Info("analysis.done", "run", runID, "url", url, "events", len(agg))
	r.broadcast(Progress{
		URL:            url,
		Status:         "Analysis complete!",
		ModelProgress:  floatPtr(1),
		IsExtracting:   boolPtr(false),
		DetectedEvents: agg,
	})
}

// fallback runs one extraction over all section texts concatenated, stored
// under the synthetic index -1. Returns false if the run terminated.
func (r *Runner) fallback(ctx context.Context, url, runID string, sess *types.AnalysisSession) bool {
	r.broadcast(Progress{URL: url, Status: "No events in sections, trying full-page extraction..."})

	mon := &model.Monitor{
		OnStart: func() {
			r.broadcast(Progress{URL: url, Status: "Running full-page extraction..."})
		},
		OnProgress: func(p float64) {
			r.broadcast(Progress{URL: url, ModelProgress: floatPtr(p)})
		},
	}
	result := r.extractor.ExtractEventsReady(ctx, pagetext.Concat(sess.Items), mon)
	if ctx.Err() != nil {
		r.cancelled(url, runID, sess)
		return false
	}
	if len(result.Events) == 0 {
		return true
	}

	corrected := correctEventDates(result.Events, r.now())
	sess.EventsPerSection[types.FallbackIndex] = corrected
	sess.MarkCompleted(types.FallbackIndex)
	if err := store.SaveSession(r.db, url, sess); err != nil {
		r.fail(url, runID, err)
		return false
	}

	agg := Aggregate(sess)
	if err := store.SaveDetectedEvents(r.db, url, agg); err != nil {
		r.fail(url, runID, err)
		return false
	}
	applog.Info("analysis.fallback", "run", runID, "url", url, "events", len(corrected))

	r.broadcast(Progress{
		URL:            url,
		Status:         fmt.Sprintf("Found %d events (full-page)", len(corrected)),
		DetectedEvents: agg,
	})
	return true
}

// cancelled clears the running flag, keeps all completed progress, and
// broadcasts the cancelled terminal state.
func (r *Runner) cancelled(url, runID string, sess *types.AnalysisSession) {
	sess.IsRunning = false
	if err := store.SaveSession(r.db, url, sess); err != nil {
		applog.Error("analysis.cancel_save", err, "run", runID, "url", url)
	}
	applog.Info("analysis.cancelled", "run", runID, "url", url, "completed", len(sess.CompletedIndices))
	r.broadcast(Progress{
		URL:          url,
		Status:       "Analysis cancelled",
		IsExtracting: boolPtr(false),
	})
}

// fail broadcasts a terminal error state. Storage failures are not retried.
func (r *Runner) fail(url, runID string, err error) {
	applog.Error("analysis.error", err, "run", runID, "url", url)
	r.broadcast(Progress{
		URL:          url,
		Status:       fmt.Sprintf("Error: %v", err),
		IsExtracting: boolPtr(false),
	})
}

// startKeepalive begins the heartbeat that prevents the host process's
// environment from reclaiming it during long-running work. Caller holds r.mu.
func (r *Runner) startKeepalive() {
	if r.keepStop != nil {
		return
	}
	stop := make(chan struct{})
	r.keepStop = stop
	go func() {
		ticker := time.NewTicker(keepaliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				applog.Info("analysis.keepalive", "active", r.ActiveCount())
			case <-stop:
				return
			}
		}
	}()
}

// stopKeepalive halts the heartbeat once no analyses remain. Caller holds r.mu.
func (r *Runner) stopKeepalive() {
	if r.keepStop != nil {
		close(r.keepStop)
		r.keepStop = nil
	}
}

func fraction(n, total int) float64 {
	if total <= 0 {
		return 0
	}
	return float64(n) / float64(total)
}
