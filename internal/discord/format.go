package discord

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"

	"gitea.jw6.us/james/calcord/internal/gcal"
)

const (
	ColorNew       = 0x2ECC71
	ColorUpdated   = 0x3498DB
	ColorCancelled = 0xE74C3C
	// ColorCalendar is Google Calendar blue, used for digests and the board.
	ColorCalendar = 0x4285F4

	// Discord rejects embeds beyond these sizes.
	maxTitleLen  = 256
	maxFieldLen  = 1024
	maxFieldsLen = 25

	descriptionPreview = 300
	digestPreview      = 100

	dateLayout = "Monday, January 2, 2006"
	timeLayout = "3:04 PM"
)

// Notice kinds. They match the change types produced by the sync engine.
const (
	KindNew       = "new"
	KindUpdated   = "updated"
	KindCancelled = "cancelled"
)

// Notice is one event change ready to be rendered.
type Notice struct {
	Kind     string
	Calendar string
	Event    gcal.Event
	// Changes lists the fields that differ for KindUpdated.
	Changes []string
}

var noticeStyle = map[string]struct {
	emoji  string
	status string
	color  int
}{
	KindNew:       {"✨", "New Event", ColorNew},
	KindUpdated:   {"✏️", "Event Updated", ColorUpdated},
	KindCancelled: {"❌", "Event Cancelled", ColorCancelled},
}

// FormatEventChange renders a change as an embed. Times are shown in loc.
func FormatEventChange(n Notice, loc *time.Location, now time.Time) *discordgo.MessageEmbed {
	style, ok := noticeStyle[n.Kind]
	if !ok {
		style.emoji, style.status, style.color = "📅", "Event Change", ColorCalendar
	}

	title := fmt.Sprintf("%s %s in %s", style.emoji, style.status, n.Calendar)
	if n.Event.Summary != "" {
		title += ": " + n.Event.Summary
	}
	embed := &discordgo.MessageEmbed{
		Title:     truncate(title, maxTitleLen),
		URL:       n.Event.HTMLLink,
		Color:     style.color,
		Timestamp: now.UTC().Format(time.RFC3339),
	}
	if n.Event.Description != "" {
		embed.Description = truncate(n.Event.Description, descriptionPreview)
	}

	if when := describeWhen(n.Event, loc, now); when != "" {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{Name: "When", Value: when})
	}
	if n.Event.Location != "" {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name:  "Where",
			Value: truncate(n.Event.Location, maxFieldLen),
		})
	}
	if n.Kind == KindUpdated && len(n.Changes) > 0 {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name:  "Changes",
			Value: strings.Join(n.Changes, ", "),
		})
	}
	embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
		Name:   "Status",
		Value:  style.status,
		Inline: true,
	})
	return embed
}

// describeWhen renders the start, a relative marker for upcoming timed
// events, and the end.
func describeWhen(ev gcal.Event, loc *time.Location, now time.Time) string {
	start, ok := ev.Start.Time(loc)
	if !ok {
		return ""
	}
	if ev.Start.AllDay() {
		out := start.Format(dateLayout)
		// All-day end dates are exclusive.
		if end, ok := ev.End.Time(loc); ok && ev.End.AllDay() {
			last := end.AddDate(0, 0, -1)
			if last.After(start) {
				out += " to " + last.Format(dateLayout)
			}
		}
		return out
	}

	out := start.Format(dateLayout) + " at " + start.Format(timeLayout)
	if start.After(now) {
		// Discord renders <t:unix:R> as a live relative time.
		out += fmt.Sprintf(" (<t:%d:R>)", start.Unix())
	}
	if end, ok := ev.End.Time(loc); ok {
		if sameDay(start, end) {
			out += " - " + end.Format(timeLayout)
		} else {
			out += " - " + end.Format(dateLayout) + " at " + end.Format(timeLayout)
		}
	}
	return out
}

// FormatDailyDigest renders today's events for one calendar.
func FormatDailyDigest(calendar string, events []gcal.Event, loc *time.Location, now time.Time) *discordgo.MessageEmbed {
	plural := "s"
	if len(events) == 1 {
		plural = ""
	}
	embed := &discordgo.MessageEmbed{
		Title:       truncate("📅 Today's Events - "+calendar, maxTitleLen),
		Description: fmt.Sprintf("You have %d event%s scheduled for today", len(events), plural),
		Color:       ColorCalendar,
		Footer:      &discordgo.MessageEmbedFooter{Text: "Daily Summary • " + now.In(loc).Format(dateLayout)},
		Timestamp:   now.UTC().Format(time.RFC3339),
	}

	shown := events
	if len(shown) > maxFieldsLen {
		shown = shown[:maxFieldsLen]
		embed.Description += fmt.Sprintf(" (showing the first %d)", maxFieldsLen)
	}
	for _, ev := range shown {
		name := ev.Summary
		if name == "" {
			name = "(No title)"
		}
		lines := []string{"🕐 " + digestTime(ev, loc)}
		if ev.Location != "" {
			lines = append(lines, "📍 "+ev.Location)
		}
		if ev.Description != "" {
			lines = append(lines, "📝 "+truncate(ev.Description, digestPreview))
		}
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name:  truncate(name, maxTitleLen),
			Value: truncate(strings.Join(lines, "\n"), maxFieldLen),
		})
	}
	return embed
}

func digestTime(ev gcal.Event, loc *time.Location) string {
	if ev.Start.AllDay() {
		return "All day"
	}
	start, ok := ev.Start.Time(loc)
	if !ok {
		return "Time not set"
	}
	out := start.Format(timeLayout)
	if end, ok := ev.End.Time(loc); ok {
		out += " - " + end.Format(timeLayout)
	}
	return out
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// truncate shortens s to at most n runes, marking the cut with "...".
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}
