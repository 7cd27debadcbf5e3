// Package agent tracks the workers that run atomic tasks and dispatches
// tasks to them.
package agent

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
)

// Wildcard is the capability that matches every requirement.
const Wildcard = "*"

var (
	// ErrDuplicateAgent indicates Register was called for a known id.
	ErrDuplicateAgent = errors.New("agent already registered")
	// ErrUnknownAgent indicates no agent has the requested id.
	ErrUnknownAgent = errors.New("unknown agent")
	// ErrInvalidAgent indicates a handle without id or capacity.
	ErrInvalidAgent = errors.New("invalid agent handle")
	// ErrAtCapacity indicates the agent has no free slot.
	ErrAtCapacity = errors.New("agent at capacity")
	// ErrNoCapableAgent indicates no registered agent has the required
	// capabilities.
	ErrNoCapableAgent = errors.New("no capable agent")
	// ErrAllBusy indicates capable agents exist but all are at capacity.
	ErrAllBusy = errors.New("all capable agents busy")
)

// Handle identifies an agent and what it can run.
type Handle struct {
	ID           string   `json:"id" mapstructure:"id"`
	Capabilities []string `json:"capabilities" mapstructure:"capabilities"`
	// Capacity is the number of tasks the agent runs at once.
	Capacity int `json:"capacity" mapstructure:"capacity"`
}

// Can reports whether the agent has every required capability.
func (h Handle) Can(required []string) bool {
	if slices.Contains(h.Capabilities, Wildcard) {
		return true
	}
	for _, r := range required {
		if !slices.Contains(h.Capabilities, r) {
			return false
		}
	}
	return true
}

// Status is a point-in-time view of one agent.
type Status struct {
	Handle Handle `json:"handle"`
	Load   int    `json:"load"`
}

type slot struct {
	handle Handle
	load   int
}

// Pool tracks registered agents and their current load.
// It is safe for concurrent use.
type Pool struct {
	mu     sync.Mutex
	agents map[string]*slot
}

// NewPool creates an empty Pool.
func NewPool() *Pool {
	return &Pool{agents: make(map[string]*slot)}
}

// Register adds an agent.
func (p *Pool) Register(h Handle) error {
	if h.ID == "" || h.Capacity < 1 {
		return fmt.Errorf("%w: id=%q capacity=%d", ErrInvalidAgent, h.ID, h.Capacity)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.agents[h.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateAgent, h.ID)
	}
	h.Capabilities = slices.Clone(h.Capabilities)
	p.agents[h.ID] = &slot{handle: h}
	return nil
}

// Unregister removes an agent. Releases for its in-flight tasks become
// no-ops.
func (p *Pool) Unregister(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.agents[id]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, id)
	}
	delete(p.agents, id)
	return nil
}

// Acquire takes one slot on the agent.
func (p *Pool) Acquire(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.agents[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, id)
	}
	if s.load >= s.handle.Capacity {
		return fmt.Errorf("%w: %s", ErrAtCapacity, id)
	}
	s.load++
	return nil
}

// Release frees one slot on the agent.
func (p *Pool) Release(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.agents[id]; ok && s.load > 0 {
		s.load--
	}
}

// Load returns the agent's current load and capacity.
func (p *Pool) Load(id string) (load, capacity int, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.agents[id]
	if !ok {
		return 0, 0, false
	}
	return s.load, s.handle.Capacity, true
}

// LeastLoaded returns the capable agent with a free slot and the lowest
// load fraction. Ties go to the smaller id.
func (p *Pool) LeastLoaded(required []string) (Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, err := p.leastLoaded(required)
	if err != nil {
		return Handle{}, err
	}
	return cloneHandle(s.handle), nil
}

// AcquireLeastLoaded picks like LeastLoaded and takes a slot on the chosen
// agent in the same critical section.
func (p *Pool) AcquireLeastLoaded(required []string) (Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, err := p.leastLoaded(required)
	if err != nil {
		return Handle{}, err
	}
	s.load++
	return cloneHandle(s.handle), nil
}

// Capable reports whether any registered agent could ever run a task
// with the required capabilities, regardless of load.
func (p *Pool) Capable(required []string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.agents {
		if s.handle.Can(required) {
			return true
		}
	}
	return false
}

// Snapshot returns every agent's status ordered by id.
func (p *Pool) Snapshot() []Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Status, 0, len(p.agents))
	for _, s := range p.agents {
		out = append(out, Status{Handle: cloneHandle(s.handle), Load: s.load})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Handle.ID < out[j].Handle.ID })
	return out
}

// Count returns the number of registered agents.
func (p *Pool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.agents)
}

func (p *Pool) leastLoaded(required []string) (*slot, error) {
	var best *slot
	capable := false
	for _, s := range p.agents {
		if !s.handle.Can(required) {
			continue
		}
		capable = true
		if s.load >= s.handle.Capacity {
			continue
		}
		if best == nil || lessLoaded(s, best) {
			best = s
		}
	}
	switch {
	case best != nil:
		return best, nil
	case capable:
		return nil, ErrAllBusy
	default:
		return nil, fmt.Errorf("%w: requires %v", ErrNoCapableAgent, required)
	}
}

// lessLoaded compares load fractions without division.
func lessLoaded(a, b *slot) bool {
	l, r := a.load*b.handle.Capacity, b.load*a.handle.Capacity
	if l != r {
		return l < r
	}
	return a.handle.ID < b.handle.ID
}

func cloneHandle(h Handle) Handle {
	h.Capabilities = slices.Clone(h.Capabilities)
	return h
}
