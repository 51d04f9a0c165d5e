package score

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrScoreNotFound indicates a lookup for a score name that is not loaded.
// Lookups are case-sensitive exact matches.
var ErrScoreNotFound = errors.New("score not found")

// ErrHostNotFound indicates a reference to an unregistered host.
var ErrHostNotFound = errors.New("host not found")

// ErrPlayerNotFound indicates a reference to a player a score does not define.
var ErrPlayerNotFound = errors.New("player not found")

// Registry is the process-wide table of loaded Scores. Entries are
// replaced wholesale on reload; the Score values themselves are never
// mutated after load.
type Registry struct {
	mu     sync.RWMutex
	scores map[string]*Score
}

func NewRegistry() *Registry {
	return &Registry{scores: make(map[string]*Score)}
}

func (r *Registry) Put(s *Score) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scores[s.Name] = s
}

func (r *Registry) Get(name string) (*Score, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.scores[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrScoreNotFound, name)
	}
	return s, nil
}

func (r *Registry) Delete(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.scores, name)
}

// Names returns loaded score names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.scores))
	for name := range r.scores {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Host is an addressable execution target. Its name doubles as the
// dispatch-queue identifier its Player's workers consume.
type Host struct {
	Name  string `json:"name"`
	Image string `json:"image,omitempty"`
}

// Hosts is the orchestra-wide host registry. Hosts are registered
// externally (seed config, hosts file, or API) before a run references
// them; they are not owned by any Score or run.
type Hosts struct {
	mu    sync.RWMutex
	hosts map[string]Host
}

func NewHosts() *Hosts {
	return &Hosts{hosts: make(map[string]Host)}
}

func (h *Hosts) Put(host Host) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hosts[host.Name] = host
}

func (h *Hosts) Get(name string) (Host, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	host, ok := h.hosts[name]
	if !ok {
		return Host{}, fmt.Errorf("%w: %q", ErrHostNotFound, name)
	}
	return host, nil
}

func (h *Hosts) Has(name string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.hosts[name]
	return ok
}

// Names returns registered host names, sorted.
func (h *Hosts) Names() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	names := make([]string, 0, len(h.hosts))
	for name := range h.hosts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
