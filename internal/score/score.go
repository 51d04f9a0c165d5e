// Package score holds the scenario model: Scores bind named Players (roles
// mapped to Hosts) to an ordered list of Measures (timed, templated task
// invocations). Scores are immutable once loaded; reload replaces the whole
// registry entry.
package score

import (
	"fmt"
	"time"
)

// Score is one validated scenario definition.
type Score struct {
	Name        string             `yaml:"name" json:"name"`
	Version     string             `yaml:"version" json:"version"`
	Category    string             `yaml:"category" json:"category"`
	Description string             `yaml:"description" json:"description"`
	Players     map[string]*Player `yaml:"players" json:"players"`
	Measures    []*Measure         `yaml:"measures" json:"measures"`
}

// Player is a named role mapped to a set of Hosts. Hostnames may be empty
// at definition time and supplied (or overridden) at launch. Scale is
// advisory sizing for the container layer, not enforced here.
type Player struct {
	Name      string   `yaml:"name" json:"name"`
	Image     string   `yaml:"image" json:"image,omitempty"`
	Hostnames []string `yaml:"hosts" json:"hosts"`
	Scale     int      `yaml:"scale" json:"scale"`
}

// Measure is a named, timed binding of one task (with args) to a set of
// Players. StartDelay is nil when the measure is sequenced purely by its
// dependencies.
type Measure struct {
	Name            string   `yaml:"name" json:"name"`
	PlayerNames     []string `yaml:"players" json:"players"`
	TaskName        string   `yaml:"task" json:"task"`
	Args            []any    `yaml:"args" json:"args"`
	StartDelay      *int     `yaml:"start_delay" json:"start_delay,omitempty"` // seconds
	DependsOn       []string `yaml:"depends_on" json:"depends_on,omitempty"`
	DependencyProof bool     `yaml:"dependency_proof" json:"dependency_proof,omitempty"`
}

// Delay returns the measure's start delay as a duration (zero when
// dependency-sequenced).
func (m *Measure) Delay() time.Duration {
	if m.StartDelay == nil {
		return 0
	}
	return time.Duration(*m.StartDelay) * time.Second
}

// Deferred reports whether the measure waits on dependencies rather than
// dispatching at launch.
func (m *Measure) Deferred() bool {
	return len(m.DependsOn) > 0
}

// Measure returns the measure with the given name, or nil.
func (s *Score) Measure(name string) *Measure {
	for _, m := range s.Measures {
		if m.Name == name {
			return m
		}
	}
	return nil
}

// MeasureNames returns measure names in document order.
func (s *Score) MeasureNames() []string {
	names := make([]string, len(s.Measures))
	for i, m := range s.Measures {
		names[i] = m.Name
	}
	return names
}

func (s *Score) String() string {
	return fmt.Sprintf("Score(name=%s,version=%s,category=%s,players=%d,measures=%d)",
		s.Name, s.Version, s.Category, len(s.Players), len(s.Measures))
}
