package statusboard

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

// DefaultLocation is where a tracked person is assumed to be when no event
// says otherwise.
const DefaultLocation = "OFFICE"

// Person is a tracked member of the team.
type Person struct {
	Initials string `toml:"initials"`
	Name     string `toml:"name"`
}

// Roster is the ordered list of people shown on the board.
type Roster struct {
	DefaultLocation string   `toml:"default_location"`
	People          []Person `toml:"person"`
}

// LoadRoster reads a TOML roster file:
//
//	default_location = "OFFICE"
//
//	[[person]]
//	initials = "AW"
//	name = "Andrew Williams"
func LoadRoster(path string) (*Roster, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read roster: %w", err)
	}
	return ParseRoster(data)
}

// ParseRoster decodes and validates roster TOML.
func ParseRoster(data []byte) (*Roster, error) {
	var r Roster
	if err := toml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode roster: %w", err)
	}
	if err := r.normalize(); err != nil {
		return nil, err
	}
	return &r, nil
}

func (r *Roster) normalize() error {
	r.DefaultLocation = strings.ToUpper(strings.TrimSpace(r.DefaultLocation))
	if r.DefaultLocation == "" {
		r.DefaultLocation = DefaultLocation
	}
	if len(r.People) == 0 {
		return errors.New("roster has no people")
	}
	seen := make(map[string]bool, len(r.People))
	for i := range r.People {
		p := &r.People[i]
		p.Initials = strings.ToUpper(strings.TrimSpace(p.Initials))
		p.Name = strings.TrimSpace(p.Name)
		if !initialsPattern.MatchString(p.Initials) {
			return fmt.Errorf("roster entry %d: initials %q must be 2 or 3 letters", i+1, p.Initials)
		}
		if p.Name == "" {
			p.Name = p.Initials
		}
		if seen[p.Initials] {
			return fmt.Errorf("roster entry %d: duplicate initials %q", i+1, p.Initials)
		}
		seen[p.Initials] = true
	}
	return nil
}
