package score

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// Load parses and validates one Score document. Unknown keys are rejected
// so a misspelled field fails loudly instead of silently dropping a setting.
func Load(data []byte) (*Score, error) {
	var s Score
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("parse score: %w", err)
	}
	if s.Version == "" {
		s.Version = "1.0"
	}
	if s.Category == "" {
		s.Category = "none"
	}
	for name, p := range s.Players {
		if p == nil {
			p = &Player{}
			s.Players[name] = p
		}
		p.Name = name
		// scale defaults to the mapped host count, minimum 1
		if p.Scale <= 0 {
			p.Scale = len(p.Hostnames)
			if p.Scale < 1 {
				p.Scale = 1
			}
		}
	}
	if err := validate(&s); err != nil {
		return nil, err
	}
	return &s, nil
}

// LoadFile reads and validates a Score YAML file.
func LoadFile(path string) (*Score, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read score file: %w", err)
	}
	return Load(data)
}

// validate aggregates every structural problem instead of stopping at the
// first, so a rejected file logs one complete complaint.
func validate(s *Score) error {
	var err error

	if s.Name == "" {
		err = multierr.Append(err, fmt.Errorf("score name is required"))
	}
	if len(s.Measures) == 0 {
		err = multierr.Append(err, fmt.Errorf("score %q has no measures", s.Name))
	}

	seen := make(map[string]bool)
	for _, m := range s.Measures {
		if m.Name == "" {
			err = multierr.Append(err, fmt.Errorf("measure without a name"))
			continue
		}
		if seen[m.Name] {
			err = multierr.Append(err, fmt.Errorf("duplicate measure name %q", m.Name))
		}
		seen[m.Name] = true

		if m.TaskName == "" {
			err = multierr.Append(err, fmt.Errorf("measure %q: task is required", m.Name))
		}
		if len(m.PlayerNames) == 0 {
			err = multierr.Append(err, fmt.Errorf("measure %q: players is required", m.Name))
		}
		for _, pn := range m.PlayerNames {
			if _, ok := s.Players[pn]; !ok {
				err = multierr.Append(err,
					fmt.Errorf("unrecognized player %q in measure %q", pn, m.Name))
			}
		}
		if m.StartDelay == nil && len(m.DependsOn) == 0 {
			err = multierr.Append(err,
				fmt.Errorf("measure %q: one of start_delay or depends_on is required", m.Name))
		}
		if m.StartDelay != nil && *m.StartDelay < 0 {
			err = multierr.Append(err,
				fmt.Errorf("measure %q: start_delay must be non-negative", m.Name))
		}
		for _, dep := range m.DependsOn {
			if dep == m.Name {
				err = multierr.Append(err,
					fmt.Errorf("measure %q cannot depend on itself", m.Name))
			}
		}
	}

	// dependency targets must exist (checked after the name sweep so
	// forward references are fine)
	for _, m := range s.Measures {
		for _, dep := range m.DependsOn {
			if dep != m.Name && !seen[dep] {
				err = multierr.Append(err,
					fmt.Errorf("measure %q depends on unknown measure %q", m.Name, dep))
			}
		}
	}

	for _, p := range s.Players {
		if p.Scale < 0 {
			err = multierr.Append(err,
				fmt.Errorf("player %q: scale must be non-negative", p.Name))
		}
	}

	if err != nil {
		return fmt.Errorf("score %q failed validation: %w", s.Name, err)
	}
	return nil
}

// LoadDir loads every .yml/.yaml file in dir into reg. A file that fails to
// parse or validate is logged by the caller and skipped; it never aborts
// the remaining files. Returns the names loaded and the per-file errors.
func LoadDir(dir string, reg *Registry) (loaded []string, errs map[string]error) {
	errs = make(map[string]error)

	entries, err := os.ReadDir(dir)
	if err != nil {
		errs[dir] = fmt.Errorf("read scores dir: %w", err)
		return nil, errs
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext != ".yml" && ext != ".yaml" {
			continue
		}
		path := filepath.Join(dir, e.Name())
		s, err := LoadFile(path)
		if err != nil {
			errs[e.Name()] = err
			continue
		}
		reg.Put(s)
		loaded = append(loaded, s.Name)
	}
	return loaded, errs
}
