package doors

import (
	"fmt"
	"regexp"
	"sort"
	"sync"

	"github.com/cory-johannsen/levelsim/internal/level"
)

// Authorizer decides whether an agent may open or lock a door.
type Authorizer interface {
	Allowed(agent string, door level.DoorRef) bool
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(agent string, door level.DoorRef) bool

// Allowed calls f.
func (f AuthorizerFunc) Allowed(agent string, door level.DoorRef) bool {
	return f(agent, door)
}

// compiled memoises anchored patterns across every store in the process.
var compiled sync.Map // string -> *regexp.Regexp

func compilePattern(pattern string) (*regexp.Regexp, error) {
	if re, ok := compiled.Load(pattern); ok {
		return re.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile("^(?:" + pattern + ")$")
	if err != nil {
		return nil, fmt.Errorf("compiling access pattern %q: %w", pattern, err)
	}
	actual, _ := compiled.LoadOrStore(pattern, re)
	return actual.(*regexp.Regexp), nil
}

// AccessStore maps agent keys to door-key patterns. A pattern matches the whole key "g{gm}d{door}".
//
// Invariant: Every stored pattern compiles.
type AccessStore struct {
	mu     sync.RWMutex
	grants map[string][]string
}

// NewAccessStore creates an empty AccessStore.
func NewAccessStore() *AccessStore {
	return &AccessStore{grants: make(map[string][]string)}
}

// Grant adds pattern to agent's grants. Granting an existing pattern is a no-op.
//
// Postcondition: Returns an error and stores nothing when pattern does not compile.
func (s *AccessStore) Grant(agent, pattern string) error {
	if _, err := compilePattern(pattern); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.grants[agent] {
		if p == pattern {
			return nil
		}
	}
	s.grants[agent] = append(s.grants[agent], pattern)
	return nil
}

// Revoke removes pattern from agent's grants.
//
// Postcondition: Returns false when the grant did not exist.
func (s *AccessStore) Revoke(agent, pattern string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps := s.grants[agent]
	for i, p := range ps {
		if p == pattern {
			s.grants[agent] = append(ps[:i:i], ps[i+1:]...)
			if len(s.grants[agent]) == 0 {
				delete(s.grants, agent)
			}
			return true
		}
	}
	return false
}

// Replace swaps every grant for the given map, validating all patterns first.
func (s *AccessStore) Replace(grants map[string][]string) error {
	next := make(map[string][]string, len(grants))
	for agent, ps := range grants {
		for _, p := range ps {
			if _, err := compilePattern(p); err != nil {
				return fmt.Errorf("agent %q: %w", agent, err)
			}
		}
		next[agent] = append([]string(nil), ps...)
	}
	s.mu.Lock()
	s.grants = next
	s.mu.Unlock()
	return nil
}

// Patterns returns agent's patterns in grant order.
func (s *AccessStore) Patterns(agent string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.grants[agent]...)
}

// Agents returns every agent with at least one grant, sorted.
func (s *AccessStore) Agents() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.grants))
	for a := range s.grants {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// Allowed reports whether any of agent's patterns matches door's key.
func (s *AccessStore) Allowed(agent string, door level.DoorRef) bool {
	s.mu.RLock()
	ps := s.grants[agent]
	s.mu.RUnlock()
	key := door.Key()
	for _, p := range ps {
		re, err := compilePattern(p)
		if err == nil && re.MatchString(key) {
			return true
		}
	}
	return false
}
