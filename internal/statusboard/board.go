// Package statusboard derives a daily "who is where" board from calendar
// events titled "INITIALS - LOCATION".
package statusboard

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"gitea.jw6.us/james/calcord/internal/discord"
	"gitea.jw6.us/james/calcord/internal/gcal"
)

var (
	summaryPattern  = regexp.MustCompile(`(?i)^([A-Z]{2,3})\s*-\s*(.+)$`)
	initialsPattern = regexp.MustCompile(`^[A-Z]{2,3}$`)
)

// ParseSummary splits "AW - WFH" into ("AW", "WFH"). Both parts are
// upper-cased.
func ParseSummary(summary string) (initials, location string, ok bool) {
	m := summaryPattern.FindStringSubmatch(strings.TrimSpace(summary))
	if m == nil {
		return "", "", false
	}
	location = strings.ToUpper(strings.TrimSpace(m[2]))
	if location == "" {
		return "", "", false
	}
	return strings.ToUpper(m[1]), location, true
}

// Entry is one person's resolved location.
type Entry struct {
	Person
	Location string
	// EventID is the event that set the location, empty for the default.
	EventID string
}

// Board lists every rostered person in roster order.
type Board struct {
	Date    string
	Entries []Entry
}

// Build resolves today's location for each rostered person. Events are
// scanned in the given order and the last matching event wins.
func Build(events []gcal.Event, roster *Roster, today time.Time, loc *time.Location) Board {
	if loc == nil {
		loc = time.UTC
	}
	today = today.In(loc)
	day := today.Format(time.DateOnly)

	def := DefaultLocation
	if roster.DefaultLocation != "" {
		def = roster.DefaultLocation
	}
	board := Board{Date: day, Entries: make([]Entry, len(roster.People))}
	index := make(map[string]int, len(roster.People))
	for i, p := range roster.People {
		board.Entries[i] = Entry{Person: p, Location: def}
		index[p.Initials] = i
	}

	for _, ev := range events {
		if ev.Cancelled() {
			continue
		}
		initials, location, ok := ParseSummary(ev.Summary)
		if !ok {
			continue
		}
		i, tracked := index[initials]
		if !tracked {
			continue
		}
		start, ok := ev.Start.Time(loc)
		if !ok || start.Format(time.DateOnly) != day {
			continue
		}
		board.Entries[i].Location = location
		board.Entries[i].EventID = ev.ID
	}
	return board
}

// Group returns locations in sorted order with the people at each.
func (b Board) Group() ([]string, map[string][]Entry) {
	byLocation := make(map[string][]Entry)
	for _, e := range b.Entries {
		byLocation[e.Location] = append(byLocation[e.Location], e)
	}
	locations := make([]string, 0, len(byLocation))
	for l := range byLocation {
		locations = append(locations, l)
	}
	sort.Strings(locations)
	return locations, byLocation
}

// Format renders the board as a Discord embed.
func Format(b Board, loc *time.Location, now time.Time) *discordgo.MessageEmbed {
	if loc == nil {
		loc = time.UTC
	}
	dateStr := b.Date
	if d, err := time.ParseInLocation(time.DateOnly, b.Date, loc); err == nil {
		dateStr = d.Format("Monday, January 2, 2006")
	}

	embed := &discordgo.MessageEmbed{
		Title:       "📍 Team Location Status",
		Description: "Status for " + dateStr,
		Color:       discord.ColorCalendar,
		Footer:      &discordgo.MessageEmbedFooter{Text: "Updated automatically from calendar events"},
		Timestamp:   now.UTC().Format(time.RFC3339),
	}
	locations, byLocation := b.Group()
	for _, l := range locations {
		people := make([]string, 0, len(byLocation[l]))
		for _, e := range byLocation[l] {
			people = append(people, fmt.Sprintf("**%s** (%s)", e.Name, e.Initials))
		}
		value := strings.Join(people, ", ")
		if value == "" {
			value = "_No one_"
		}
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{Name: l, Value: value})
	}
	return embed
}
