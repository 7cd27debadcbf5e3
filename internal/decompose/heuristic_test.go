package decompose

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/taskweave/pkg/models"
)

func TestHeuristicSmallTaskIsAtomic(t *testing.T) {
	task := &models.Task{
		Title:              "Add retry to webhook sender",
		Description:        "Wrap the POST in internal/webhook/send.go with a retry.",
		AcceptanceCriteria: []string{"retries 3 times"},
		EstimatedHours:     2,
	}
	j := HeuristicScorer{}.Score(task, models.ProjectContext{Complexity: models.ComplexityLow})
	require.True(t, j.IsAtomic, "%+v", j)
	assert.Equal(t, 1.0, j.Confidence)
	assert.Equal(t, 2.0, j.EstimatedHours)
}

func TestHeuristicLargeTaskIsNotAtomic(t *testing.T) {
	task := &models.Task{
		Title:       "Redesign the billing system and migrate all invoices",
		Description: "Touches billing/api.go, billing/store.go, billing/models.go, web/invoices.tsx and schema.sql",
		AcceptanceCriteria: []string{
			"a", "b", "c", "d", "e", "f", "g",
		},
		EstimatedHours: 40,
	}
	j := HeuristicScorer{}.Score(task, models.ProjectContext{Complexity: models.ComplexityHigh})
	require.False(t, j.IsAtomic, "%+v", j)
	assert.Greater(t, j.Confidence, 0.5)
	for _, want := range []string{"estimated", "acceptance criteria", "paths", "system-level"} {
		assert.Contains(t, j.Reasoning, want)
	}
}

func TestHeuristicComplexityTipsBorderline(t *testing.T) {
	task := &models.Task{
		Title:          "Write invoice export endpoint",
		EstimatedHours: 10,
	}
	low := HeuristicScorer{}.Score(task, models.ProjectContext{Complexity: models.ComplexityLow})
	high := HeuristicScorer{}.Score(task, models.ProjectContext{Complexity: models.ComplexityHigh})
	assert.True(t, low.IsAtomic, "low complexity stays atomic: %+v", low)
	assert.False(t, high.IsAtomic, "high complexity splits: %+v", high)
}

func TestReferencedPaths(t *testing.T) {
	task := &models.Task{
		Title:       "Update cmd/server/main.go",
		Description: "Also edit config.yaml and cmd/server/main.go again.",
	}
	assert.ElementsMatch(t, []string{"cmd/server/main.go", "config.yaml"}, referencedPaths(task))
}

func TestHeuristicOracleKeepsTasks(t *testing.T) {
	o := HeuristicOracle{}
	big := &models.Task{Title: "Rewrite the entire platform", EstimatedHours: 80}

	j, err := o.JudgeAtomicity(context.Background(), big, models.ProjectContext{})
	require.NoError(t, err)
	assert.False(t, j.IsAtomic)
	assert.Contains(t, j.Reasoning, "heuristic")

	cands, err := o.ProposeDecomposition(context.Background(), big, models.ProjectContext{})
	require.NoError(t, err)
	assert.Empty(t, cands)
}

func TestParseCandidates(t *testing.T) {
	resp := "Here you go:\n```json\n" + `[
  {"title": "Schema", "acceptance_criteria": "tables exist", "estimated_hours": 2},
  {"title": "API", "acceptance_criteria": ["routes", "auth"], "depends_on": ["Schema"], "priority": "high"}
]` + "\n```"
	cands, err := ParseCandidates(resp)
	require.NoError(t, err)
	require.Len(t, cands, 2)
	assert.Equal(t, Criteria{"tables exist"}, cands[0].AcceptanceCriteria, "a single string is accepted")
	assert.Equal(t, Criteria{"routes", "auth"}, cands[1].AcceptanceCriteria)
	assert.Equal(t, []string{"Schema"}, cands[1].DependsOn)
}

func TestParseCandidatesEmptyArray(t *testing.T) {
	cands, err := ParseCandidates("[]")
	require.NoError(t, err)
	assert.Empty(t, cands)
}

func TestParseCandidatesNoJSON(t *testing.T) {
	_, err := ParseCandidates("I cannot help with that.")
	assert.ErrorIs(t, err, ErrNoJSON)
}

func TestParseJudgment(t *testing.T) {
	j, err := ParseJudgment(`Verdict: {"is_atomic": false, "confidence": 1.7, "estimated_hours": -2, "reasoning": "two services"}`)
	require.NoError(t, err)
	assert.False(t, j.IsAtomic)
	assert.Equal(t, 1.0, j.Confidence, "clamped")
	assert.Zero(t, j.EstimatedHours)
	assert.Equal(t, "two services", j.Reasoning)

	_, err = ParseJudgment("yes")
	assert.ErrorIs(t, err, ErrNoJSON)
}
