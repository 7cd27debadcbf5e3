// Package workflow tracks the phased lifecycle of each run as a
// persistent state machine.
//
// Every operation reports expected failures as errors and recovers
// collaborator panics, so a bad progress event is skipped without taking the
// manager down.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ShayCichocki/taskweave/internal/guard"
)

var (
	// ErrWorkflowExists indicates Initialize was called for a known id.
	ErrWorkflowExists = errors.New("workflow already exists")
	// ErrWorkflowNotFound indicates no record has the requested id.
	ErrWorkflowNotFound = errors.New("Workflow not found")
	// ErrPhaseNotFound indicates the phase was never entered.
	ErrPhaseNotFound = errors.New("Phase not found")
	// ErrInvalidTransition indicates the state change is not a legal successor.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrPhaseOrder indicates a phase was entered out of order.
	ErrPhaseOrder = errors.New("phase entered out of order")
	// ErrInvalidPhase indicates an unknown phase or state value.
	ErrInvalidPhase = errors.New("invalid phase or state")
)

// Store persists workflow records. Saves replace the whole record.
type Store interface {
	SaveWorkflow(ctx context.Context, rec *Record) error
	LoadWorkflows(ctx context.Context) ([]*Record, error)
	DeleteWorkflow(ctx context.Context, id string) error
}

// Manager owns all workflow records. Mutations of one record are
// serialized; different records proceed independently. Each mutation is
// applied to a copy, persisted, and only then published, so a failed
// mutation leaves the record untouched.
type Manager struct {
	mu      sync.Mutex
	records map[string]*Record
	locks   map[string]*sync.Mutex

	store  Store
	now    func() time.Time
	logger zerolog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithStore persists records through s.
func WithStore(s Store) Option {
	return func(m *Manager) { m.store = s }
}

// WithLogger sets the manager's logger.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates an empty Manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		records: make(map[string]*Record),
		locks:   make(map[string]*sync.Mutex),
		now:     time.Now,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// lockWorkflow acquires the per-workflow mutex for id.
func (m *Manager) lockWorkflow(id string) func() {
	m.mu.Lock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	m.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func (m *Manager) get(id string) *Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.records[id]
}

func (m *Manager) publish(rec *Record) {
	m.mu.Lock()
	m.records[rec.ID] = rec
	m.mu.Unlock()
}

func (m *Manager) save(ctx context.Context, rec *Record) error {
	if m.store == nil {
		return nil
	}
	if err := m.store.SaveWorkflow(ctx, rec); err != nil {
		return fmt.Errorf("persist workflow %s: %w", rec.ID, err)
	}
	return nil
}

// Initialize creates a record for workflowID with only the Initialization
// phase, in state pending.
func (m *Manager) Initialize(ctx context.Context, workflowID, sessionID, projectID string) (rec *Record, err error) {
	defer guard.Recover(&err, "workflow.Initialize")

	if workflowID == "" {
		return nil, fmt.Errorf("%w: empty workflow id", ErrInvalidPhase)
	}
	unlock := m.lockWorkflow(workflowID)
	defer unlock()

	if m.get(workflowID) != nil {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowExists, workflowID)
	}

	now := m.now()
	rec = &Record{
		ID:        workflowID,
		SessionID: sessionID,
		ProjectID: projectID,
		CreatedAt: now,
		UpdatedAt: now,
		Phases: []*PhaseRecord{{
			Phase:     PhaseInitialization,
			State:     StatePending,
			EnteredAt: now,
			UpdatedAt: now,
			SubPhases: map[string]*SubPhase{},
		}},
	}
	if err := m.save(ctx, rec); err != nil {
		return nil, err
	}
	m.publish(rec)
	m.logger.Debug().Str("workflow", workflowID).Str("session", sessionID).Msg("workflow initialized")
	return rec.Clone(), nil
}

// mutate applies fn to a copy of the record and publishes it if fn and the
// save both succeed.
func (m *Manager) mutate(ctx context.Context, workflowID string, fn func(rec *Record, now time.Time) error) error {
	unlock := m.lockWorkflow(workflowID)
	defer unlock()

	cur := m.get(workflowID)
	if cur == nil {
		return fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}
	next := cur.Clone()
	now := m.now()
	if err := fn(next, now); err != nil {
		return err
	}
	next.UpdatedAt = now
	if err := m.save(ctx, next); err != nil {
		return err
	}
	m.publish(next)
	return nil
}

// Transition moves phase to newState. A phase that was never entered may
// be entered only when it is the next phase and the current phase has
// completed; it is created pending and newState is then applied.
func (m *Manager) Transition(ctx context.Context, workflowID string, phase Phase, newState State) (err error) {
	defer guard.Recover(&err, "workflow.Transition")

	if phase.Index() < 0 || !newState.Valid() {
		return fmt.Errorf("%w: %s/%s", ErrInvalidPhase, phase, newState)
	}

	return m.mutate(ctx, workflowID, func(rec *Record, now time.Time) error {
		pr := rec.Phase(phase)
		if pr == nil {
			if phase.Index() != len(rec.Phases) {
				return fmt.Errorf("%w: cannot enter %s after %s", ErrPhaseOrder, phase, rec.Current().Phase)
			}
			if prev := rec.Current(); prev.State != StateCompleted {
				return fmt.Errorf("%w: %s is %s, not completed", ErrPhaseOrder, prev.Phase, prev.State)
			}
			pr = &PhaseRecord{
				Phase:     phase,
				State:     StatePending,
				EnteredAt: now,
				UpdatedAt: now,
				SubPhases: map[string]*SubPhase{},
			}
			rec.Phases = append(rec.Phases, pr)
			if newState == StatePending {
				return nil
			}
		}

		if !CanTransition(pr.State, newState) {
			return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, phase, pr.State, newState)
		}
		pr.State = newState
		pr.UpdatedAt = now
		m.logger.Debug().Str("workflow", workflowID).Str("phase", string(phase)).Str("state", string(newState)).Msg("phase transition")
		return nil
	})
}

// SubPhaseOption adjusts a sub-phase update.
type SubPhaseOption func(*subPhaseUpdate)

type subPhaseUpdate struct {
	state    State
	metadata map[string]any
}

// WithState sets the sub-phase state explicitly.
func WithState(s State) SubPhaseOption {
	return func(u *subPhaseUpdate) { u.state = s }
}

// WithMetadata merges md into the sub-phase metadata.
func WithMetadata(md map[string]any) SubPhaseOption {
	return func(u *subPhaseUpdate) {
		if u.metadata == nil {
			u.metadata = make(map[string]any, len(md))
		}
		for k, v := range md {
			u.metadata[k] = v
		}
	}
}

// UpdateSubPhase upserts sub-phase name of an entered phase. Percent is
// clamped to 0-100. Without WithState a new sub-phase starts in_progress and
// becomes completed once it reaches 100; an existing one keeps its state.
func (m *Manager) UpdateSubPhase(ctx context.Context, workflowID string, phase Phase, name string, percent float64, opts ...SubPhaseOption) (err error) {
	defer guard.Recover(&err, "workflow.UpdateSubPhase")

	var u subPhaseUpdate
	for _, opt := range opts {
		opt(&u)
	}
	if u.state != "" && !u.state.Valid() {
		return fmt.Errorf("%w: sub-phase state %q", ErrInvalidPhase, u.state)
	}
	percent = clampPercent(percent)

	return m.mutate(ctx, workflowID, func(rec *Record, now time.Time) error {
		pr := rec.Phase(phase)
		if pr == nil {
			return fmt.Errorf("%w: %s in %s", ErrPhaseNotFound, phase, workflowID)
		}
		sp, ok := pr.SubPhases[name]
		if !ok {
			sp = &SubPhase{State: StateInProgress}
			pr.SubPhases[name] = sp
		}
		sp.Progress = percent
		switch {
		case u.state != "":
			sp.State = u.state
		case percent >= 100 && !sp.State.Terminal():
			sp.State = StateCompleted
		}
		if len(u.metadata) > 0 {
			if sp.Metadata == nil {
				sp.Metadata = make(map[string]any, len(u.metadata))
			}
			for k, v := range u.metadata {
				sp.Metadata[k] = v
			}
		}
		sp.UpdatedAt = now
		pr.UpdatedAt = now
		return nil
	})
}

func clampPercent(p float64) float64 {
	switch {
	case math.IsNaN(p), p < 0:
		return 0
	case p > 100:
		return 100
	}
	return p
}

// Status returns a deep copy of the record for workflowID.
func (m *Manager) Status(workflowID string) (*Record, error) {
	rec := m.get(workflowID)
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}
	return rec.Clone(), nil
}

// List returns copies of every record, ordered by creation time then id.
func (m *Manager) List() []*Record {
	m.mu.Lock()
	out := make([]*Record, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec.Clone())
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Restore loads every persisted record, replacing in-memory state, and
// returns how many were loaded.
func (m *Manager) Restore(ctx context.Context) (n int, err error) {
	defer guard.Recover(&err, "workflow.Restore")
	if m.store == nil {
		return 0, nil
	}
	recs, err := m.store.LoadWorkflows(ctx)
	if err != nil {
		return 0, fmt.Errorf("load workflows: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = make(map[string]*Record, len(recs))
	for _, rec := range recs {
		if rec == nil || rec.ID == "" || len(rec.Phases) == 0 {
			m.logger.Warn().Msg("skipping malformed workflow record")
			continue
		}
		m.records[rec.ID] = rec
	}
	m.logger.Info().Int("count", len(m.records)).Msg("workflows restored")
	return len(m.records), nil
}

// Reclaim removes finished records last updated before cutoff and returns
// their ids.
func (m *Manager) Reclaim(ctx context.Context, cutoff time.Time) (ids []string, err error) {
	defer guard.Recover(&err, "workflow.Reclaim")

	m.mu.Lock()
	var candidates []string
	for id, rec := range m.records {
		if rec.Finished() && rec.UpdatedAt.Before(cutoff) {
			candidates = append(candidates, id)
		}
	}
	m.mu.Unlock()
	sort.Strings(candidates)

	for _, id := range candidates {
		unlock := m.lockWorkflow(id)
		rec := m.get(id)
		if rec == nil || !rec.Finished() || !rec.UpdatedAt.Before(cutoff) {
			unlock()
			continue
		}
		if m.store != nil {
			if err := m.store.DeleteWorkflow(ctx, id); err != nil {
				unlock()
				return ids, fmt.Errorf("delete workflow %s: %w", id, err)
			}
		}
		m.mu.Lock()
		delete(m.records, id)
		m.mu.Unlock()
		unlock()
		ids = append(ids, id)
	}
	if len(ids) > 0 {
		m.logger.Debug().Strs("workflows", ids).Msg("reclaimed finished workflows")
	}
	return ids, nil
}
