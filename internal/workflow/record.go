package workflow

import (
	"maps"
	"time"
)

// Phase is one stage of a workflow. The set and its order are fixed.
type Phase string

const (
	PhaseInitialization Phase = "initialization"
	PhaseDecomposition  Phase = "decomposition"
	PhaseExecution      Phase = "execution"
	PhaseCompletion     Phase = "completion"
)

// Phases lists every phase in the order it must be entered.
var Phases = []Phase{PhaseInitialization, PhaseDecomposition, PhaseExecution, PhaseCompletion}

// Index returns the position of p in Phases, or -1 for an unknown phase.
func (p Phase) Index() int {
	for i, q := range Phases {
		if p == q {
			return i
		}
	}
	return -1
}

// State is the state of a phase or sub-phase.
type State string

const (
	StatePending    State = "pending"
	StateInProgress State = "in_progress"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StatePending, StateInProgress, StateCompleted, StateFailed:
		return true
	}
	return false
}

// Terminal reports whether s admits no further transition.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// CanTransition reports whether from -> to is a legal phase transition.
func CanTransition(from, to State) bool {
	switch from {
	case StatePending:
		return to == StateInProgress
	case StateInProgress:
		return to == StateCompleted || to == StateFailed
	}
	return false
}

// SubPhase is a named unit of progress inside a phase.
type SubPhase struct {
	Progress  float64        `json:"progress"`
	State     State          `json:"state"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// PhaseRecord is the state of one entered phase.
type PhaseRecord struct {
	Phase     Phase                `json:"phase"`
	State     State                `json:"state"`
	EnteredAt time.Time            `json:"enteredAt"`
	UpdatedAt time.Time            `json:"updatedAt"`
	SubPhases map[string]*SubPhase `json:"subPhases"`
}

// Record is the lifecycle of one decomposition-to-completion run. Phases
// holds only entered phases, in order.
type Record struct {
	ID        string         `json:"id"`
	SessionID string         `json:"sessionId"`
	ProjectID string         `json:"projectId"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
	Phases    []*PhaseRecord `json:"phases"`
}

// Phase returns the record of phase p, or nil if it was never entered.
func (r *Record) Phase(p Phase) *PhaseRecord {
	for _, pr := range r.Phases {
		if pr.Phase == p {
			return pr
		}
	}
	return nil
}

// Current returns the most recently entered phase.
func (r *Record) Current() *PhaseRecord {
	if len(r.Phases) == 0 {
		return nil
	}
	return r.Phases[len(r.Phases)-1]
}

// Finished reports whether the workflow can make no further progress:
// a phase failed, or Completion completed.
func (r *Record) Finished() bool {
	cur := r.Current()
	if cur == nil {
		return false
	}
	return cur.State == StateFailed || (cur.Phase == PhaseCompletion && cur.State == StateCompleted)
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.Phases = make([]*PhaseRecord, len(r.Phases))
	for i, pr := range r.Phases {
		cp := *pr
		cp.SubPhases = make(map[string]*SubPhase, len(pr.SubPhases))
		for name, sp := range pr.SubPhases {
			cs := *sp
			cs.Metadata = maps.Clone(sp.Metadata)
			cp.SubPhases[name] = &cs
		}
		c.Phases[i] = &cp
	}
	return &c
}
