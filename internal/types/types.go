package types

import (
	"time"

	"github.com/calaider/calaider/internal/schema"
)

// FallbackIndex is the synthetic section index used for the whole-page
// fallback extraction that runs when per-section extraction found nothing.
const FallbackIndex = -1

// AnalysisSession is the durable unit of work for one page URL. Items are
// fixed at creation (unless force-refreshed); progress is recorded
// incrementally after each section so an interrupted run can resume.
type AnalysisSession struct {
	Items            []string               `json:"items"`
	TotalItems       int                    `json:"totalItems"`
	CompletedIndices []int                  `json:"completedIndices"`
	EventsPerSection map[int][]schema.Event `json:"eventsPerSection"`
	IsRunning        bool                   `json:"isRunning"`
	StartedAt        time.Time              `json:"startedAt"`
	LastUpdated      time.Time              `json:"lastUpdated"`
}

// NewAnalysisSession creates a fresh session over the given section texts.
func NewAnalysisSession(items []string) *AnalysisSession {
	return &AnalysisSession{
		Items:            items,
		TotalItems:       len(items),
		CompletedIndices: []int{},
		EventsPerSection: make(map[int][]schema.Event),
		StartedAt:        time.Now(),
	}
}

// Completed reports whether section index i has already finished.
func (s *AnalysisSession) Completed(i int) bool {
	for _, c := range s.CompletedIndices {
		if c == i {
			return true
		}
	}
	return false
}

// MarkCompleted records section i as finished (idempotent).
func (s *AnalysisSession) MarkCompleted(i int) {
	if !s.Completed(i) {
		s.CompletedIndices = append(s.CompletedIndices, i)
	}
}

// DetectedEvents is the cached, time-stamped snapshot of the current
// aggregate for a URL. Observers consult it as a fast path before starting a
// new analysis.
type DetectedEvents struct {
	Events    []schema.Event `json:"events"`
	Timestamp time.Time      `json:"timestamp"`
}

// Fresh reports whether the snapshot is still inside the freshness window.
func (d DetectedEvents) Fresh(ttl time.Duration, now time.Time) bool {
	return now.Sub(d.Timestamp) <= ttl
}
