// Package ids allocates collision-checked identifiers for projects, epics,
// tasks and dependency edges.
//
// Formats:
//
//	project     PID-<NORMALIZED-NAME>-<NNN>
//	epic        E<NNN>
//	task        T<NNNN>
//	dependency  DEP-<fromTaskID>-<toTaskID>-<NNN>
package ids

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ShayCichocki/taskweave/internal/guard"
)

// MaxAttempts is the number of candidates tried before giving up.
const MaxAttempts = 100

var (
	// ErrInvalidName indicates a project name failed validation.
	ErrInvalidName = errors.New("invalid name")
	// ErrParentNotFound indicates the owning project or epic does not exist.
	ErrParentNotFound = errors.New("parent not found")
	// ErrRetryExhausted indicates every candidate collided.
	ErrRetryExhausted = errors.New("id allocation retries exhausted")
	// ErrInvalidRequest indicates a request is missing a required reference.
	ErrInvalidRequest = errors.New("invalid id request")
)

// Kind names the entity an identifier is for.
type Kind string

const (
	KindProject    Kind = "project"
	KindEpic       Kind = "epic"
	KindTask       Kind = "task"
	KindDependency Kind = "dependency"
)

// Storage is the subset of the storage manager the allocator consults.
// Count methods seed the sequence for epics and tasks.
type Storage interface {
	ProjectExists(ctx context.Context, id string) (bool, error)
	EpicExists(ctx context.Context, id string) (bool, error)
	TaskExists(ctx context.Context, id string) (bool, error)
	DependencyExists(ctx context.Context, id string) (bool, error)
	CountEpics(ctx context.Context) (int, error)
	CountTasks(ctx context.Context) (int, error)
}

// Request describes the identifier to allocate.
type Request struct {
	Kind Kind
	// Name is required for projects.
	Name string
	// ProjectID is required for epics, tasks and dependencies.
	ProjectID string
	// EpicID is required for tasks.
	EpicID string
	// FromTaskID and ToTaskID are required for dependencies.
	FromTaskID string
	ToTaskID   string
}

// Allocator generates identifiers that storage does not yet know about.
// A single Generate call is sequential; concurrent calls may race against
// each other through storage, so a write-time conflict must be treated as
// retryable by the caller.
type Allocator struct {
	store  Storage
	logger zerolog.Logger
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithLogger sets the allocator's logger.
func WithLogger(l zerolog.Logger) Option {
	return func(a *Allocator) { a.logger = l }
}

// New creates an Allocator backed by store.
func New(store Storage, opts ...Option) *Allocator {
	a := &Allocator{store: store, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

var (
	nameCharset  = regexp.MustCompile(`^[A-Za-z0-9 _.\-]+$`)
	nonAlnumRuns = regexp.MustCompile(`[^A-Z0-9]+`)
)

// ValidateName checks a project name: 2-50 characters drawn from letters,
// digits, space, hyphen, underscore and dot, with at least one alphanumeric.
func ValidateName(name string) error {
	trimmed := strings.TrimSpace(name)
	if n := len(trimmed); n < 2 || n > 50 {
		return fmt.Errorf("%w: %q must be 2-50 characters", ErrInvalidName, name)
	}
	if !nameCharset.MatchString(trimmed) {
		return fmt.Errorf("%w: %q contains unsupported characters", ErrInvalidName, name)
	}
	if NormalizeName(trimmed) == "" {
		return fmt.Errorf("%w: %q has no letters or digits", ErrInvalidName, name)
	}
	return nil
}

// NormalizeName uppercases name, collapses every run of non-alphanumeric
// characters into one hyphen and trims leading and trailing hyphens.
func NormalizeName(name string) string {
	upper := strings.ToUpper(name)
	return strings.Trim(nonAlnumRuns.ReplaceAllString(upper, "-"), "-")
}

// Generate allocates an identifier for req.
func (a *Allocator) Generate(ctx context.Context, req Request) (id string, err error) {
	defer guard.Recover(&err, "ids.Generate")

	switch req.Kind {
	case KindProject:
		if err := ValidateName(req.Name); err != nil {
			return "", err
		}
		prefix := "PID-" + NormalizeName(strings.TrimSpace(req.Name)) + "-"
		return a.probe(ctx, req.Kind, 1, a.store.ProjectExists, func(n int) string {
			return fmt.Sprintf("%s%03d", prefix, n)
		})

	case KindEpic:
		if err := a.requireProject(ctx, req.ProjectID); err != nil {
			return "", err
		}
		count, err := a.store.CountEpics(ctx)
		if err != nil {
			return "", fmt.Errorf("count epics: %w", err)
		}
		return a.probe(ctx, req.Kind, count+1, a.store.EpicExists, func(n int) string {
			return fmt.Sprintf("E%03d", n)
		})

	case KindTask:
		if err := a.requireProject(ctx, req.ProjectID); err != nil {
			return "", err
		}
		if err := a.requireEpic(ctx, req.EpicID); err != nil {
			return "", err
		}
		count, err := a.store.CountTasks(ctx)
		if err != nil {
			return "", fmt.Errorf("count tasks: %w", err)
		}
		return a.probe(ctx, req.Kind, count+1, a.store.TaskExists, func(n int) string {
			return fmt.Sprintf("T%04d", n)
		})

	case KindDependency:
		if req.FromTaskID == "" || req.ToTaskID == "" {
			return "", fmt.Errorf("%w: dependency needs both endpoints", ErrInvalidRequest)
		}
		if err := a.requireProject(ctx, req.ProjectID); err != nil {
			return "", err
		}
		prefix := fmt.Sprintf("DEP-%s-%s-", req.FromTaskID, req.ToTaskID)
		return a.probe(ctx, req.Kind, 1, a.store.DependencyExists, func(n int) string {
			return fmt.Sprintf("%s%03d", prefix, n)
		})

	default:
		return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidRequest, req.Kind)
	}
}

// ProjectID allocates a project identifier derived from name.
func (a *Allocator) ProjectID(ctx context.Context, name string) (string, error) {
	return a.Generate(ctx, Request{Kind: KindProject, Name: name})
}

// EpicID allocates an epic identifier inside projectID.
func (a *Allocator) EpicID(ctx context.Context, projectID string) (string, error) {
	return a.Generate(ctx, Request{Kind: KindEpic, ProjectID: projectID})
}

// TaskID allocates a task identifier inside projectID/epicID.
func (a *Allocator) TaskID(ctx context.Context, projectID, epicID string) (string, error) {
	return a.Generate(ctx, Request{Kind: KindTask, ProjectID: projectID, EpicID: epicID})
}

// DependencyID allocates an identifier for the edge from -> to.
func (a *Allocator) DependencyID(ctx context.Context, projectID, from, to string) (string, error) {
	return a.Generate(ctx, Request{Kind: KindDependency, ProjectID: projectID, FromTaskID: from, ToTaskID: to})
}

// probe tries candidates start, start+1, ... until exists reports false.
func (a *Allocator) probe(ctx context.Context, kind Kind, start int, exists func(context.Context, string) (bool, error), candidate func(int) string) (string, error) {
	for attempt := 0; attempt < MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		id := candidate(start + attempt)
		taken, err := exists(ctx, id)
		if err != nil {
			return "", fmt.Errorf("check %s %s: %w", kind, id, err)
		}
		if !taken {
			if attempt > 0 {
				a.logger.Debug().Str("kind", string(kind)).Str("id", id).Int("attempts", attempt+1).Msg("allocated id after collisions")
			}
			return id, nil
		}
	}
	a.logger.Warn().Str("kind", string(kind)).Int("attempts", MaxAttempts).Msg("id allocation exhausted")
	return "", fmt.Errorf("%w: %s after %d attempts", ErrRetryExhausted, kind, MaxAttempts)
}

func (a *Allocator) requireProject(ctx context.Context, projectID string) error {
	if projectID == "" {
		return fmt.Errorf("%w: project id required", ErrInvalidRequest)
	}
	ok, err := a.store.ProjectExists(ctx, projectID)
	if err != nil {
		return fmt.Errorf("check project %s: %w", projectID, err)
	}
	if !ok {
		return fmt.Errorf("%w: project %s", ErrParentNotFound, projectID)
	}
	return nil
}

func (a *Allocator) requireEpic(ctx context.Context, epicID string) error {
	if epicID == "" {
		return fmt.Errorf("%w: epic id required", ErrInvalidRequest)
	}
	ok, err := a.store.EpicExists(ctx, epicID)
	if err != nil {
		return fmt.Errorf("check epic %s: %w", epicID, err)
	}
	if !ok {
		return fmt.Errorf("%w: epic %s", ErrParentNotFound, epicID)
	}
	return nil
}
