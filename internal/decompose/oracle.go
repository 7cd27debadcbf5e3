// Package decompose recursively breaks tasks into atomic units with the
// help of an atomicity oracle.
package decompose

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/ShayCichocki/taskweave/pkg/models"
)

// ErrNoJSON indicates an oracle response carried no JSON payload.
var ErrNoJSON = errors.New("no JSON found in response")

// Judgment is an oracle's verdict on whether a task needs splitting.
type Judgment struct {
	IsAtomic       bool    `json:"is_atomic"`
	Confidence     float64 `json:"confidence"`
	EstimatedHours float64 `json:"estimated_hours"`
	Reasoning      string  `json:"reasoning"`
}

// Candidate is a proposed subtask. DependsOn names sibling candidates by title.
type Candidate struct {
	Title              string   `json:"title"`
	Description        string   `json:"description"`
	AcceptanceCriteria Criteria `json:"acceptance_criteria"`
	Type               string   `json:"type"`
	Priority           string   `json:"priority"`
	EstimatedHours     float64  `json:"estimated_hours"`
	DependsOn          []string `json:"depends_on"`
	Tags               []string `json:"tags,omitempty"`
}

// Oracle judges atomicity and proposes decompositions.
type Oracle interface {
	JudgeAtomicity(ctx context.Context, task *models.Task, pctx models.ProjectContext) (Judgment, error)
	ProposeDecomposition(ctx context.Context, task *models.Task, pctx models.ProjectContext) ([]Candidate, error)
}

// Criteria accepts either a JSON list of strings or a single string.
// Models return both.
type Criteria []string

func (c *Criteria) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s = strings.TrimSpace(s); s != "" {
			*c = Criteria{s}
		}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	*c = list
	return nil
}

// ParseCandidates extracts the JSON array of candidates from a model
// response. Text around the array is ignored. An empty array is valid.
func ParseCandidates(response string) ([]Candidate, error) {
	start := strings.Index(response, "[")
	end := strings.LastIndex(response, "]")
	if start == -1 || end == -1 || end <= start {
		return nil, fmt.Errorf("%w: expected array (got %d chars): %q", ErrNoJSON, len(response), preview(response))
	}
	var cands []Candidate
	if err := json.Unmarshal([]byte(response[start:end+1]), &cands); err != nil {
		return nil, fmt.Errorf("unmarshal candidates: %w", err)
	}
	return cands, nil
}

// ParseJudgment extracts the JSON object verdict from a model response.
func ParseJudgment(response string) (Judgment, error) {
	start := strings.Index(response, "{")
	end := strings.LastIndex(response, "}")
	if start == -1 || end == -1 || end <= start {
		return Judgment{}, fmt.Errorf("%w: expected object (got %d chars): %q", ErrNoJSON, len(response), preview(response))
	}
	var j Judgment
	if err := json.Unmarshal([]byte(response[start:end+1]), &j); err != nil {
		return Judgment{}, fmt.Errorf("unmarshal judgment: %w", err)
	}
	j.Confidence = clamp01(j.Confidence)
	if j.EstimatedHours < 0 || math.IsNaN(j.EstimatedHours) {
		j.EstimatedHours = 0
	}
	return j, nil
}

func preview(s string) string {
	if len(s) > 500 {
		return s[:500] + "... (truncated)"
	}
	return s
}

func clamp01(f float64) float64 {
	switch {
	case math.IsNaN(f), f < 0:
		return 0
	case f > 1:
		return 1
	default:
		return f
	}
}

// minCandidateHours is the smallest estimate a subtask may carry.
const minCandidateHours = 0.1

// sanitize drops untitled candidates and normalizes the rest. Titles are
// trimmed; the first candidate with a given title wins.
func sanitize(cands []Candidate) []Candidate {
	out := make([]Candidate, 0, len(cands))
	seen := make(map[string]bool, len(cands))
	for _, c := range cands {
		c.Title = strings.TrimSpace(c.Title)
		if c.Title == "" || seen[c.Title] {
			continue
		}
		seen[c.Title] = true
		if c.EstimatedHours < minCandidateHours || math.IsNaN(c.EstimatedHours) {
			c.EstimatedHours = minCandidateHours
		}
		c.Priority = string(models.ParsePriority(c.Priority))
		c.Type = string(models.ParseTaskType(c.Type))
		deps := make([]string, 0, len(c.DependsOn))
		for _, d := range c.DependsOn {
			// Self-references and repeats carry no ordering.
			if d = strings.TrimSpace(d); d != "" && d != c.Title && !slices.Contains(deps, d) {
				deps = append(deps, d)
			}
		}
		c.DependsOn = deps
		out = append(out, c)
	}
	return out
}
