package analysis

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/calaider/calaider/internal/model"
	"github.com/calaider/calaider/internal/schema"
	"github.com/calaider/calaider/internal/store"
	"github.com/calaider/calaider/internal/types"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := store.OpenDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("OpenDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// stubExtractor returns canned responses keyed by input text and records the
// texts it was called with.
type stubExtractor struct {
	mu        sync.Mutex
	responses map[string][]schema.Event
	calls     []string
	block     chan struct{} // if set, calls wait here before returning
}

func (s *stubExtractor) ExtractEventsReady(ctx context.Context, text string, mon *model.Monitor) schema.Response {
	s.mu.Lock()
	s.calls = append(s.calls, text)
	block := s.block
	s.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
		}
	}
	return schema.Response{Events: s.responses[text]}
}

func (s *stubExtractor) callTexts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// collector gathers broadcast updates across goroutines.
type collector struct {
	mu      sync.Mutex
	updates []Progress
}

func (c *collector) add(p Progress) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updates = append(c.updates, p)
}

func (c *collector) statuses() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.updates))
	for _, p := range c.updates {
		if p.Status != "" {
			out = append(out, p.Status)
		}
	}
	return out
}

func newTestRunner(t *testing.T, db *sql.DB, ext Extractor, bc func(Progress)) *Runner {
	t.Helper()
	r := NewRunner(db, ext, bc)
	r.delay = time.Millisecond
	r.now = func() time.Time { return time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC) }
	return r
}

func waitDone(t *testing.T, r *Runner) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if r.ActiveCount() == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("analysis did not finish in time")
}

func TestRunCompletes(t *testing.T) {
	db := testDB(t)
	ext := &stubExtractor{responses: map[string][]schema.Event{
		"first":  {{Title: "Opening", StartDate: "2026-09-01"}},
		"second": {{Title: "Closing", StartDate: "2026-09-02"}},
	}}
	bc := &collector{}
	r := newTestRunner(t, db, ext, bc.add)

	if got := r.Start("https://example.com/a", []string{"first", "second"}, false); got != StatusStarted {
		t.Fatalf("Start = %q, want %q", got, StatusStarted)
	}
	waitDone(t, r)

	sess, err := store.LoadSession(db, "https://example.com/a")
	if err != nil || sess == nil {
		t.Fatalf("LoadSession: %v, %v", sess, err)
	}
	if sess.IsRunning {
		t.Error("finished session still flagged running")
	}
	if len(sess.CompletedIndices) != 2 {
		t.Errorf("CompletedIndices = %v, want both sections", sess.CompletedIndices)
	}

	snap, err := store.LoadDetectedEvents(db, "https://example.com/a")
	if err != nil || snap == nil {
		t.Fatalf("LoadDetectedEvents: %v, %v", snap, err)
	}
	if len(snap.Events) != 2 {
		t.Errorf("detected events = %+v, want 2", snap.Events)
	}

	statuses := bc.statuses()
	if len(statuses) == 0 || statuses[len(statuses)-1] != "Analysis complete!" {
		t.Errorf("last status = %v, want completion", statuses)
	}
}

func TestRunSkipsCompletedSections(t *testing.T) {
	db := testDB(t)
	url := "https://example.com/resume"

	sess := types.NewAnalysisSession([]string{"first", "second"})
	sess.EventsPerSection[0] = []schema.Event{{Title: "Done already", StartDate: "2026-09-01"}}
	sess.MarkCompleted(0)
	if err := store.SaveSession(db, url, sess); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	ext := &stubExtractor{responses: map[string][]schema.Event{
		"second": {{Title: "New", StartDate: "2026-09-02"}},
	}}
	r := newTestRunner(t, db, ext, nil)

	r.Start(url, []string{"first", "second"}, false)
	waitDone(t, r)

	calls := ext.callTexts()
	if len(calls) != 1 || calls[0] != "second" {
		t.Fatalf("extractor calls = %v, want only the unfinished section", calls)
	}

	snap, err := store.LoadDetectedEvents(db, url)
	if err != nil || snap == nil {
		t.Fatalf("LoadDetectedEvents: %v, %v", snap, err)
	}
	if len(snap.Events) != 2 {
		t.Errorf("aggregate = %+v, want events from both sections", snap.Events)
	}
}

func TestRunForceRefreshDiscardsProgress(t *testing.T) {
	db := testDB(t)
	url := "https://example.com/refresh"

	sess := types.NewAnalysisSession([]string{"first", "second"})
	sess.EventsPerSection[0] = []schema.Event{{Title: "Stale", StartDate: "2026-09-01"}}
	sess.MarkCompleted(0)
	if err := store.SaveSession(db, url, sess); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	ext := &stubExtractor{responses: map[string][]schema.Event{
		"first": {{Title: "Fresh", StartDate: "2026-09-03"}},
	}}
	r := newTestRunner(t, db, ext, nil)

	r.Start(url, []string{"first", "second"}, true)
	waitDone(t, r)

	calls := ext.callTexts()
	if len(calls) != 2 {
		t.Fatalf("extractor calls = %v, want both sections reanalyzed", calls)
	}

	snap, err := store.LoadDetectedEvents(db, url)
	if err != nil || snap == nil {
		t.Fatalf("LoadDetectedEvents: %v, %v", snap, err)
	}
	if len(snap.Events) != 1 || snap.Events[0].Title != "Fresh" {
		t.Errorf("aggregate = %+v, want only the fresh event", snap.Events)
	}
}

func TestStartWhileRunning(t *testing.T) {
	db := testDB(t)
	ext := &stubExtractor{block: make(chan struct{})}
	r := newTestRunner(t, db, ext, nil)

	url := "https://example.com/busy"
	if got := r.Start(url, []string{"only"}, false); got != StatusStarted {
		t.Fatalf("first Start = %q", got)
	}
	if got := r.Start(url, []string{"only"}, false); got != StatusAlreadyRunning {
		t.Errorf("second Start = %q, want %q", got, StatusAlreadyRunning)
	}
	// A different URL is independent.
	if got := r.Start("https://example.com/other", []string{"x"}, false); got != StatusStarted {
		t.Errorf("Start for other url = %q, want %q", got, StatusStarted)
	}

	close(ext.block)
	waitDone(t, r)
}

func TestCancelPreservesProgress(t *testing.T) {
	db := testDB(t)
	url := "https://example.com/cancel"

	ext := &stubExtractor{
		responses: map[string][]schema.Event{
			"first": {{Title: "Kept", StartDate: "2026-09-01"}},
		},
		block: make(chan struct{}),
	}
	bc := &collector{}
	r := newTestRunner(t, db, ext, bc.add)

	r.Start(url, []string{"first", "second"}, false)

	waitCalls := func(n int) {
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			if len(ext.callTexts()) >= n {
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
		t.Fatalf("extractor never reached %d calls", n)
	}

	// Release the first section's extraction, then cancel while the second
	// one is still in flight.
	waitCalls(1)
	ext.block <- struct{}{}
	waitCalls(2)

	if got := r.Cancel(url); got != StatusCancelled {
		t.Fatalf("Cancel = %q, want %q", got, StatusCancelled)
	}
	waitDone(t, r)

	sess, err := store.LoadSession(db, url)
	if err != nil || sess == nil {
		t.Fatalf("LoadSession: %v, %v", sess, err)
	}
	if sess.IsRunning {
		t.Error("cancelled session still flagged running")
	}
	if !sess.Completed(0) {
		t.Error("completed section lost on cancel")
	}
	if sess.Completed(1) {
		t.Error("in-flight section result should be discarded on cancel")
	}

	statuses := bc.statuses()
	if len(statuses) == 0 || statuses[len(statuses)-1] != "Analysis cancelled" {
		t.Errorf("last status = %v, want cancellation", statuses)
	}
}

func TestCancelNotRunning(t *testing.T) {
	r := newTestRunner(t, testDB(t), &stubExtractor{}, nil)
	if got := r.Cancel("https://example.com/idle"); got != StatusNotRunning {
		t.Errorf("Cancel = %q, want %q", got, StatusNotRunning)
	}
}

func TestRunFallbackWhenSectionsEmpty(t *testing.T) {
	db := testDB(t)
	url := "https://example.com/fallback"

	// Sections yield nothing; the concatenated whole page yields one event.
	ext := &stubExtractor{responses: map[string][]schema.Event{
		"first\n\nsecond": {{Title: "Whole page", StartDate: "2026-10-01"}},
	}}
	r := newTestRunner(t, db, ext, nil)

	r.Start(url, []string{"first", "second"}, false)
	waitDone(t, r)

	sess, err := store.LoadSession(db, url)
	if err != nil || sess == nil {
		t.Fatalf("LoadSession: %v, %v", sess, err)
	}
	if _, ok := sess.EventsPerSection[types.FallbackIndex]; !ok {
		t.Error("fallback events not stored under the synthetic index")
	}
	// Empty sections are never marked completed; a later resume retries them.
	if sess.Completed(0) || sess.Completed(1) {
		t.Errorf("empty sections marked completed: %v", sess.CompletedIndices)
	}

	snap, err := store.LoadDetectedEvents(db, url)
	if err != nil || snap == nil {
		t.Fatalf("LoadDetectedEvents: %v, %v", snap, err)
	}
	if len(snap.Events) != 1 || snap.Events[0].Title != "Whole page" {
		t.Errorf("aggregate = %+v, want the fallback event", snap.Events)
	}
}

func TestRunCorrectsStaleDates(t *testing.T) {
	db := testDB(t)
	url := "https://example.com/dates"

	ext := &stubExtractor{responses: map[string][]schema.Event{
		"only": {{Title: "Annual gala", StartDate: "2024-01-10"}},
	}}
	r := newTestRunner(t, db, ext, nil) // now pinned to 2025-06-15

	r.Start(url, []string{"only"}, false)
	waitDone(t, r)

	snap, err := store.LoadDetectedEvents(db, url)
	if err != nil || snap == nil {
		t.Fatalf("LoadDetectedEvents: %v, %v", snap, err)
	}
	if snap.Events[0].StartDate != "2026-01-10" {
		t.Errorf("StartDate = %q, want corrected 2026-01-10", snap.Events[0].StartDate)
	}
}

func TestStatus(t *testing.T) {
	db := testDB(t)
	url := "https://example.com/status"

	running, sess, agg, err := newTestRunner(t, db, &stubExtractor{}, nil).Status(url)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if running || sess != nil {
		t.Errorf("Status for unknown url = %v, %v", running, sess)
	}
	if agg == nil || len(agg) != 0 {
		t.Errorf("aggregate for unknown url = %v, want empty slice", agg)
	}
}
