package analysis

import (
	"fmt"
	"regexp"
	"time"

	"github.com/calaider/calaider/internal/schema"
)

var dateRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// CorrectPastDate remaps a stale date to the current year, or the next year
// if the current-year substitution is still in the past. The model frequently
// infers a plausible but stale year from page text; this keeps events
// calendar-relevant without touching explicitly future or recent dates.
// Dates at most 30 days old and non-conforming strings pass through
// unchanged.
func CorrectPastDate(dateStr string, now time.Time) string {
	if !dateRe.MatchString(dateStr) {
		return dateStr
	}
	d, err := time.Parse("2006-01-02", dateStr)
	if err != nil {
		return dateStr
	}
	daysPast := int(now.UTC().Sub(d).Hours() / 24)
	if daysPast <= 30 {
		return dateStr
	}

	corrected := fmt.Sprintf("%04d%s", now.Year(), dateStr[4:])
	cd, err := time.Parse("2006-01-02", corrected)
	if err != nil {
		return corrected
	}
	if cd.Before(now.UTC().Truncate(24 * time.Hour)) {
		return fmt.Sprintf("%04d%s", now.Year()+1, dateStr[4:])
	}
	return corrected
}

// correctEventDates applies date correction to every emitted start and end
// date before an event is stored.
func correctEventDates(events []schema.Event, now time.Time) []schema.Event {
	out := make([]schema.Event, len(events))
	for i, ev := range events {
		ev.StartDate = CorrectPastDate(ev.StartDate, now)
		if ev.EndDate != nil {
			corrected := CorrectPastDate(*ev.EndDate, now)
			ev.EndDate = &corrected
		}
		out[i] = ev
	}
	return out
}
