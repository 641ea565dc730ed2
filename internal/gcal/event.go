package gcal

import (
	"time"

	"google.golang.org/api/calendar/v3"
)

const (
	StatusConfirmed = "confirmed"
	StatusTentative = "tentative"
	StatusCancelled = "cancelled"
)

// EventTime is either a precise timestamp (DateTime, RFC 3339) or an
// all-day date (Date, YYYY-MM-DD).
type EventTime struct {
	DateTime string
	Date     string
	TimeZone string
}

// Resolved returns DateTime, falling back to Date. This is the form stored
// in the event cache and compared when diffing.
func (t *EventTime) Resolved() string {
	if t == nil {
		return ""
	}
	if t.DateTime != "" {
		return t.DateTime
	}
	return t.Date
}

func (t *EventTime) AllDay() bool {
	return t != nil && t.DateTime == "" && t.Date != ""
}

// Time parses the value. All-day dates resolve to local midnight in loc.
func (t *EventTime) Time(loc *time.Location) (time.Time, bool) {
	if t == nil {
		return time.Time{}, false
	}
	if loc == nil {
		loc = time.UTC
	}
	if t.DateTime != "" {
		ts, err := time.Parse(time.RFC3339, t.DateTime)
		if err != nil {
			return time.Time{}, false
		}
		return ts.In(loc), true
	}
	if t.Date != "" {
		ts, err := time.ParseInLocation(time.DateOnly, t.Date, loc)
		if err != nil {
			return time.Time{}, false
		}
		return ts, true
	}
	return time.Time{}, false
}

// Event is the subset of a Google Calendar event the service reads.
// ID, Status and ETag are always present; the rest may be empty, and
// cancelled events in incremental results usually carry only the required
// fields.
type Event struct {
	ID          string
	Status      string
	ETag        string
	Summary     string
	Location    string
	Description string
	HTMLLink    string
	Updated     string
	Start       *EventTime
	End         *EventTime
}

func (e *Event) Cancelled() bool {
	return e.Status == StatusCancelled
}

// EventPage is one page of an events listing.
type EventPage struct {
	Events        []Event
	NextPageToken string
	NextSyncToken string
}

// CalendarEntry is a calendar from the user's calendar list.
type CalendarEntry struct {
	ID          string `json:"id"`
	Summary     string `json:"summary"`
	Description string `json:"description,omitempty"`
	TimeZone    string `json:"time_zone,omitempty"`
	AccessRole  string `json:"access_role"`
	Primary     bool   `json:"primary"`
}

func eventFromAPI(e *calendar.Event) Event {
	return Event{
		ID:          e.Id,
		Status:      e.Status,
		ETag:        e.Etag,
		Summary:     e.Summary,
		Location:    e.Location,
		Description: e.Description,
		HTMLLink:    e.HtmlLink,
		Updated:     e.Updated,
		Start:       timeFromAPI(e.Start),
		End:         timeFromAPI(e.End),
	}
}

func timeFromAPI(t *calendar.EventDateTime) *EventTime {
	if t == nil || (t.DateTime == "" && t.Date == "") {
		return nil
	}
	return &EventTime{DateTime: t.DateTime, Date: t.Date, TimeZone: t.TimeZone}
}
