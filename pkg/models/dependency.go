package models

// DependencyKind describes how strongly one task depends on another.
type DependencyKind string

const (
	// DependencyBlocks means To cannot start until From is done.
	DependencyBlocks DependencyKind = "blocks"
	// DependencyRequires means To consumes an artifact of From.
	DependencyRequires DependencyKind = "requires"
	// DependencySuggests is an ordering preference; it still orders execution.
	DependencySuggests DependencyKind = "suggests"
)

// DependencyEdge is a directed edge From -> To: From must complete before To.
type DependencyEdge struct {
	ID          string         `json:"id"`
	ProjectID   string         `json:"project_id"`
	From        string         `json:"from"`
	To          string         `json:"to"`
	Kind        DependencyKind `json:"kind"`
	Description string         `json:"description,omitempty"`
}
