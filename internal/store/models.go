package store

import "time"

// User is a Google account that signed in. ID is the provider subject.
// Token fields hold plaintext inside the process; repositories returned by
// New seal them before they reach a backend.
type User struct {
	ID                   string
	Email                string
	Name                 string
	AccessToken          string
	RefreshToken         string
	AccessTokenExpiresAt time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// DiscordChannel is a registered Discord webhook target.
type DiscordChannel struct {
	ID         string
	UserID     string
	Name       string
	WebhookURL string
	IsDefault  bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// CalendarSubscription maps one Google calendar to one Discord channel.
type CalendarSubscription struct {
	ID               string
	UserID           string
	CalendarID       string
	CalendarSummary  string
	DiscordChannelID string
	Active           bool

	NotifyNewEvents     bool
	NotifyUpdates       bool
	NotifyCancellations bool
	// NotifyWindowMinutes limits new and rescheduled event notices to events
	// starting within this many minutes. Zero means unbounded.
	NotifyWindowMinutes int

	GoogleChannelID         string
	GoogleResourceID        string
	GoogleChannelExpiration time.Time

	// SyncToken is empty until the first successful listing; empty means the
	// next sync bootstraps from now.
	SyncToken  string
	LastSyncAt *time.Time

	StatusMessageID   string
	StatusMessageDate string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasWatchChannel reports whether a push channel is registered.
func (s *CalendarSubscription) HasWatchChannel() bool {
	return s.GoogleChannelID != "" && s.GoogleResourceID != ""
}

// CachedEvent is the last observed state of an event, used for diffing.
// Start and end hold the provider's dateTime, or date for all-day events.
type CachedEvent struct {
	EventID    string
	ETag       string
	StartTime  string
	EndTime    string
	Summary    string
	Location   string
	Status     string
	LastSeenAt time.Time
}

// WatchChannel describes a registered push channel.
type WatchChannel struct {
	ChannelID  string
	ResourceID string
	Expiration time.Time
}

// StatusMessageRef points at the status board message posted for a day.
type StatusMessageRef struct {
	MessageID string
	Date      string
}

// SubscriptionUpdate is a partial update. Nil fields are left untouched.
type SubscriptionUpdate struct {
	CalendarSummary     *string
	DiscordChannelID    *string
	Active              *bool
	NotifyNewEvents     *bool
	NotifyUpdates       *bool
	NotifyCancellations *bool
	NotifyWindowMinutes *int

	// SyncToken set to "" clears the token.
	SyncToken  *string
	LastSyncAt *time.Time

	// Watch replaces the push channel; ClearWatch removes it.
	Watch      *WatchChannel
	ClearWatch bool

	StatusMessage      *StatusMessageRef
	ClearStatusMessage bool
}

func (u SubscriptionUpdate) apply(s *CalendarSubscription) {
	if u.CalendarSummary != nil {
		s.CalendarSummary = *u.CalendarSummary
	}
	if u.DiscordChannelID != nil {
		s.DiscordChannelID = *u.DiscordChannelID
	}
	if u.Active != nil {
		s.Active = *u.Active
	}
	if u.NotifyNewEvents != nil {
		s.NotifyNewEvents = *u.NotifyNewEvents
	}
	if u.NotifyUpdates != nil {
		s.NotifyUpdates = *u.NotifyUpdates
	}
	if u.NotifyCancellations != nil {
		s.NotifyCancellations = *u.NotifyCancellations
	}
	if u.NotifyWindowMinutes != nil {
		s.NotifyWindowMinutes = *u.NotifyWindowMinutes
	}
	if u.SyncToken != nil {
		s.SyncToken = *u.SyncToken
	}
	if u.LastSyncAt != nil {
		t := *u.LastSyncAt
		s.LastSyncAt = &t
	}
	if u.ClearWatch {
		s.GoogleChannelID, s.GoogleResourceID, s.GoogleChannelExpiration = "", "", time.Time{}
	}
	if u.Watch != nil {
		s.GoogleChannelID = u.Watch.ChannelID
		s.GoogleResourceID = u.Watch.ResourceID
		s.GoogleChannelExpiration = u.Watch.Expiration
	}
	if u.ClearStatusMessage {
		s.StatusMessageID, s.StatusMessageDate = "", ""
	}
	if u.StatusMessage != nil {
		s.StatusMessageID = u.StatusMessage.MessageID
		s.StatusMessageDate = u.StatusMessage.Date
	}
}

// TokenUpdate carries refreshed OAuth credentials. An empty RefreshToken
// keeps the stored one, since Google only returns it on consent.
type TokenUpdate struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Email        string
	Name         string
}
