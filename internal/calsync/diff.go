package calsync

import (
	"time"

	"gitea.jw6.us/james/calcord/internal/gcal"
	"gitea.jw6.us/james/calcord/internal/store"
)

// ChangeType classifies an observed event change.
type ChangeType string

const (
	ChangeNew       ChangeType = "new"
	ChangeUpdated   ChangeType = "updated"
	ChangeCancelled ChangeType = "cancelled"
)

// Fields compared when diffing against the cache.
const (
	FieldSummary  = "summary"
	FieldTime     = "time"
	FieldLocation = "location"
)

// EventChange is a detected change. Previous is the cached snapshot, when
// one existed. Changes is only set for ChangeUpdated.
type EventChange struct {
	Type     ChangeType
	Event    gcal.Event
	Previous *store.CachedEvent
	Changes  []string
}

// DetectChange compares an incoming event with its cached snapshot. A nil
// result means nothing worth reporting changed.
//
// Cancellation is checked first so a cancelled event always reports as
// cancelled, whether or not it was cached.
func DetectChange(ev gcal.Event, cached *store.CachedEvent) *EventChange {
	if ev.Cancelled() {
		return &EventChange{Type: ChangeCancelled, Event: ev, Previous: cached}
	}
	if cached == nil {
		return &EventChange{Type: ChangeNew, Event: ev}
	}

	var changed []string
	if ev.Summary != cached.Summary {
		changed = append(changed, FieldSummary)
	}
	if ev.Start.Resolved() != cached.StartTime || ev.End.Resolved() != cached.EndTime {
		changed = append(changed, FieldTime)
	}
	if ev.Location != cached.Location {
		changed = append(changed, FieldLocation)
	}
	if len(changed) == 0 {
		return nil
	}
	return &EventChange{Type: ChangeUpdated, Event: ev, Previous: cached, Changes: changed}
}

// ShouldNotify applies the subscription's notification preferences. All-day
// start dates are evaluated as midnight in loc.
func ShouldNotify(change *EventChange, sub *store.CalendarSubscription, now time.Time, loc *time.Location) bool {
	switch change.Type {
	case ChangeCancelled:
		return sub.NotifyCancellations
	case ChangeNew:
		if !sub.NotifyNewEvents {
			return false
		}
		return withinWindow(change.Event, sub.NotifyWindowMinutes, now, loc)
	case ChangeUpdated:
		if !sub.NotifyUpdates {
			return false
		}
		if !change.has(FieldTime) {
			return true
		}
		return withinWindow(change.Event, sub.NotifyWindowMinutes, now, loc)
	}
	return false
}

func (c *EventChange) has(field string) bool {
	for _, f := range c.Changes {
		if f == field {
			return true
		}
	}
	return false
}

// withinWindow reports whether the event starts no later than now+window.
// A zero window, or a start that cannot be read, never suppresses.
func withinWindow(ev gcal.Event, windowMinutes int, now time.Time, loc *time.Location) bool {
	if windowMinutes <= 0 {
		return true
	}
	start, ok := ev.Start.Time(loc)
	if !ok {
		return true
	}
	return !start.After(now.Add(time.Duration(windowMinutes) * time.Minute))
}

// cacheEntry snapshots an event for later diffing.
func cacheEntry(ev gcal.Event, seen time.Time) store.CachedEvent {
	return store.CachedEvent{
		EventID:    ev.ID,
		ETag:       ev.ETag,
		StartTime:  ev.Start.Resolved(),
		EndTime:    ev.End.Resolved(),
		Summary:    ev.Summary,
		Location:   ev.Location,
		Status:     ev.Status,
		LastSeenAt: seen,
	}
}
