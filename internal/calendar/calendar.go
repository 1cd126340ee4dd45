package calendar

import (
	"fmt"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/google/uuid"

	"github.com/calaider/calaider/internal/schema"
)

// defaultDuration is assumed for timed events when only a start time is
// known.
const defaultDuration = time.Hour

// Entry is an event record translated into the calendar collaborator's
// native start/end representation.
type Entry struct {
	Title       string
	Start       time.Time
	End         time.Time // exclusive for all-day entries
	AllDay      bool
	Location    string
	Description string
	URL         string
}

// Translate converts a validated event record into a calendar entry.
// Date-only events become all-day entries whose exclusive end is one
// calendar day past the inclusive end date; timed events get explicit
// timestamps with a one-hour default duration.
func Translate(ev schema.Event) (Entry, error) {
	loc := time.Local
	if ev.Timezone != nil {
		l, err := time.LoadLocation(*ev.Timezone)
		if err != nil {
			return Entry{}, fmt.Errorf("event %q: bad timezone %q: %w", ev.Title, *ev.Timezone, err)
		}
		loc = l
	}

	startDay, err := time.ParseInLocation("2006-01-02", ev.StartDate, loc)
	if err != nil {
		return Entry{}, fmt.Errorf("event %q: bad start date %q: %w", ev.Title, ev.StartDate, err)
	}
	endDay := startDay
	if ev.EndDate != nil {
		endDay, err = time.ParseInLocation("2006-01-02", *ev.EndDate, loc)
		if err != nil {
			return Entry{}, fmt.Errorf("event %q: bad end date %q: %w", ev.Title, *ev.EndDate, err)
		}
	}

	entry := Entry{
		Title:       ev.Title,
		Location:    location(ev),
		Description: description(ev),
	}
	if ev.URL != nil {
		entry.URL = *ev.URL
	}

	if ev.StartTime == nil {
		// All-day: the end date the user sees is inclusive; the calendar
		// representation wants the day after.
		entry.AllDay = true
		entry.Start = startDay
		entry.End = endDay.AddDate(0, 0, 1)
		return entry, nil
	}

	startClock, err := parseClock(*ev.StartTime)
	if err != nil {
		return Entry{}, fmt.Errorf("event %q: bad start time %q: %w", ev.Title, *ev.StartTime, err)
	}
	entry.Start = startDay.Add(startClock)

	if ev.EndTime != nil {
		endClock, err := parseClock(*ev.EndTime)
		if err != nil {
			return Entry{}, fmt.Errorf("event %q: bad end time %q: %w", ev.Title, *ev.EndTime, err)
		}
		entry.End = endDay.Add(endClock)
	} else {
		entry.End = entry.Start.Add(defaultDuration)
	}
	return entry, nil
}

// ToICS renders event records as an iCalendar document. Records that cannot
// be translated (bad timezone, unparseable time) are skipped rather than
// failing the whole export.
func ToICS(events []schema.Event) (string, error) {
	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId("-//calaider//event extraction//EN")

	added := 0
	for _, ev := range events {
		entry, err := Translate(ev)
		if err != nil {
			continue
		}

		ve := cal.AddEvent(uuid.NewString() + "@calaider")
		ve.SetDtStampTime(time.Now())
		ve.SetSummary(entry.Title)
		if entry.AllDay {
			ve.SetAllDayStartAt(entry.Start)
			ve.SetAllDayEndAt(entry.End)
		} else {
			ve.SetStartAt(entry.Start)
			ve.SetEndAt(entry.End)
		}
		if entry.Location != "" {
			ve.SetLocation(entry.Location)
		}
		if entry.Description != "" {
			ve.SetDescription(entry.Description)
		}
		if entry.URL != "" {
			ve.SetURL(entry.URL)
		}
		added++
	}

	if added == 0 {
		return "", fmt.Errorf("no translatable events")
	}
	return cal.Serialize(), nil
}

func parseClock(s string) (time.Duration, error) {
	layout := "15:04"
	if strings.Count(s, ":") == 2 {
		layout = "15:04:05"
	}
	t, err := time.Parse(layout, s)
	if err != nil {
		return 0, err
	}
	return time.Duration(t.Hour())*time.Hour +
		time.Duration(t.Minute())*time.Minute +
		time.Duration(t.Second())*time.Second, nil
}

// location assembles the most specific venue string available.
func location(ev schema.Event) string {
	parts := make([]string, 0, 4)
	for _, p := range []*string{ev.Venue, ev.Address, ev.City, ev.Country} {
		if p != nil && strings.TrimSpace(*p) != "" {
			parts = append(parts, *p)
		}
	}
	return strings.Join(parts, ", ")
}

func description(ev schema.Event) string {
	if ev.Notes == nil {
		return ""
	}
	return *ev.Notes
}
