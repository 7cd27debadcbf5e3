package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-viper/mapstructure/v2"

	"github.com/ShayCichocki/taskweave/internal/guard"
)

// ErrNoValidID indicates a progress event carries no usable correlation id.
var ErrNoValidID = errors.New("No valid ID found")

// Event is a progress report from any component. Different components know
// different correlation keys, so the target workflow is resolved from
// whichever is present.
type Event struct {
	TaskID string `json:"taskId" mapstructure:"taskId"`
	// Phase defaults to the workflow's current phase.
	Phase    Phase          `json:"phase,omitempty" mapstructure:"phase"`
	SubPhase string         `json:"subPhase" mapstructure:"subPhase"`
	Percent  float64        `json:"percent" mapstructure:"percent"`
	State    State          `json:"state,omitempty" mapstructure:"state"`
	Metadata map[string]any `json:"metadata,omitempty" mapstructure:"metadata"`
}

// correlation holds the keys looked up in Event.Metadata.
type correlation struct {
	JobID     string `mapstructure:"jobId"`
	SessionID string `mapstructure:"sessionId"`
}

// ResolveWorkflowID picks the workflow an event belongs to: metadata.jobId,
// then metadata.sessionId, then taskId. Job ids name exactly one run and are
// preferred; task ids are the weakest signal. Non-string metadata values
// are coerced; values that cannot be coerced are ignored.
func ResolveWorkflowID(ev Event) (string, error) {
	var c correlation
	if len(ev.Metadata) > 0 {
		dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			WeaklyTypedInput: true,
			Result:           &c,
		})
		if err == nil {
			// Partial decodes still populate the fields that succeeded.
			_ = dec.Decode(ev.Metadata)
		}
	}
	for _, id := range []string{c.JobID, c.SessionID, ev.TaskID} {
		if id = strings.TrimSpace(id); id != "" {
			return id, nil
		}
	}
	return "", ErrNoValidID
}

// ApplyProgress resolves the event's workflow and upserts its sub-phase.
func (m *Manager) ApplyProgress(ctx context.Context, ev Event) (err error) {
	defer guard.Recover(&err, "workflow.ApplyProgress")

	id, err := ResolveWorkflowID(ev)
	if err != nil {
		return err
	}
	phase := ev.Phase
	if phase == "" {
		rec := m.get(id)
		if rec == nil {
			return fmt.Errorf("%w: %s", ErrWorkflowNotFound, id)
		}
		phase = rec.Current().Phase
	}
	name := ev.SubPhase
	if name == "" {
		name = "progress"
	}

	var opts []SubPhaseOption
	if ev.State != "" {
		opts = append(opts, WithState(ev.State))
	}
	if len(ev.Metadata) > 0 {
		opts = append(opts, WithMetadata(ev.Metadata))
	}
	return m.UpdateSubPhase(ctx, id, phase, name, ev.Percent, opts...)
}

// ApplyAll applies events in order, skipping the ones that fail. It returns
// the number applied and the joined errors of the rest.
func (m *Manager) ApplyAll(ctx context.Context, events []Event) (int, error) {
	applied := 0
	var errs []error
	for i, ev := range events {
		if err := m.ApplyProgress(ctx, ev); err != nil {
			m.logger.Debug().Int("index", i).Err(err).Msg("skipping progress event")
			errs = append(errs, fmt.Errorf("event %d: %w", i, err))
			continue
		}
		applied++
	}
	return applied, errors.Join(errs...)
}
