package oracle

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/taskweave/internal/decompose"
	"github.com/ShayCichocki/taskweave/pkg/models"
)

type scriptedLLM struct {
	mu      sync.Mutex
	replies map[string]string
	err     error
	prompts []string
}

func (s *scriptedLLM) Complete(_ context.Context, system, prompt string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts = append(s.prompts, prompt)
	if s.err != nil {
		return "", s.err
	}
	for marker, reply := range s.replies {
		if strings.Contains(prompt, marker) {
			return reply, nil
		}
	}
	return "", errors.New("no scripted reply")
}

func sampleTask() *models.Task {
	return &models.Task{
		ID:                 "T0001",
		Title:              "Add login endpoint",
		Description:        "POST /login issuing a session cookie",
		AcceptanceCriteria: []string{"returns 200 for valid credentials"},
		Type:               models.TaskTypeDevelopment,
		Priority:           models.PriorityHigh,
		EstimatedHours:     3,
	}
}

func samplePctx() models.ProjectContext {
	return models.ProjectContext{
		Languages:  []string{"go"},
		Frameworks: []string{"chi"},
		Complexity: models.ComplexityMedium,
		TeamSize:   4,
	}
}

func TestClaudeJudgeAtomicity(t *testing.T) {
	llm := &scriptedLLM{replies: map[string]string{
		"Decide whether": `Sure. {"is_atomic": true, "confidence": 0.8, "estimated_hours": 3, "reasoning": "single endpoint"}`,
	}}
	c := NewClaude(llm, zerolog.Nop())

	j, err := c.JudgeAtomicity(context.Background(), sampleTask(), samplePctx())
	require.NoError(t, err)
	assert.True(t, j.IsAtomic)
	assert.InDelta(t, 0.8, j.Confidence, 1e-9)

	require.Len(t, llm.prompts, 1)
	prompt := llm.prompts[0]
	assert.Contains(t, prompt, "Task: Add login endpoint")
	assert.Contains(t, prompt, "- returns 200 for valid credentials")
	assert.Contains(t, prompt, "Languages: go")
	assert.Contains(t, prompt, "Team size: 4")
}

func TestClaudeProposeDecomposition(t *testing.T) {
	llm := &scriptedLLM{replies: map[string]string{
		"Break this task": `[{"title": "Handler", "estimated_hours": 1}, {"title": "Tests", "type": "testing", "depends_on": ["Handler"]}]`,
	}}
	c := NewClaude(llm, zerolog.Nop())

	cands, err := c.ProposeDecomposition(context.Background(), sampleTask(), samplePctx())
	require.NoError(t, err)
	require.Len(t, cands, 2)
	assert.Equal(t, "Tests", cands[1].Title)
	assert.Equal(t, []string{"Handler"}, cands[1].DependsOn)
}

func TestClaudeErrors(t *testing.T) {
	t.Run("upstream", func(t *testing.T) {
		c := NewClaude(&scriptedLLM{err: errors.New("overloaded")}, zerolog.Nop())
		_, err := c.JudgeAtomicity(context.Background(), sampleTask(), samplePctx())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "overloaded")
	})
	t.Run("unparseable", func(t *testing.T) {
		llm := &scriptedLLM{replies: map[string]string{"Break this task": "no idea"}}
		c := NewClaude(llm, zerolog.Nop())
		_, err := c.ProposeDecomposition(context.Background(), sampleTask(), samplePctx())
		assert.ErrorIs(t, err, decompose.ErrNoJSON)
	})
}

type countingOracle struct {
	judges   atomic.Int32
	proposes atomic.Int32
	fail     bool
}

func (o *countingOracle) JudgeAtomicity(context.Context, *models.Task, models.ProjectContext) (decompose.Judgment, error) {
	o.judges.Add(1)
	if o.fail {
		return decompose.Judgment{}, errors.New("down")
	}
	return decompose.Judgment{IsAtomic: false, Confidence: 0.7}, nil
}

func (o *countingOracle) ProposeDecomposition(context.Context, *models.Task, models.ProjectContext) ([]decompose.Candidate, error) {
	o.proposes.Add(1)
	if o.fail {
		return nil, errors.New("down")
	}
	return []decompose.Candidate{{Title: "A", DependsOn: []string{}}, {Title: "B", DependsOn: []string{"A"}}}, nil
}

func TestCachedMemoizesByContent(t *testing.T) {
	inner := &countingOracle{}
	c, err := NewCached(inner, 8)
	require.NoError(t, err)
	ctx := context.Background()

	first := sampleTask()
	twin := sampleTask()
	twin.ID = "T0999"
	twin.ProjectID = "PID-OTHER-001"

	_, err = c.JudgeAtomicity(ctx, first, samplePctx())
	require.NoError(t, err)
	_, err = c.JudgeAtomicity(ctx, twin, samplePctx())
	require.NoError(t, err)
	assert.Equal(t, int32(1), inner.judges.Load(), "identical content should hit the cache")

	changed := sampleTask()
	changed.Title = "Add logout endpoint"
	_, err = c.JudgeAtomicity(ctx, changed, samplePctx())
	require.NoError(t, err)
	assert.Equal(t, int32(2), inner.judges.Load())

	cands, err := c.ProposeDecomposition(ctx, first, samplePctx())
	require.NoError(t, err)
	cands[1].DependsOn[0] = "mutated"
	again, err := c.ProposeDecomposition(ctx, first, samplePctx())
	require.NoError(t, err)
	assert.Equal(t, "A", again[1].DependsOn[0], "cached slice must not be shared")
	assert.Equal(t, int32(1), inner.proposes.Load())

	judgments, proposals := c.Len()
	assert.Equal(t, 2, judgments)
	assert.Equal(t, 1, proposals)
}

func TestCachedDoesNotCacheErrors(t *testing.T) {
	inner := &countingOracle{fail: true}
	c, err := NewCached(inner, 0)
	require.NoError(t, err)

	for range 2 {
		_, err := c.JudgeAtomicity(context.Background(), sampleTask(), samplePctx())
		require.Error(t, err)
	}
	assert.Equal(t, int32(2), inner.judges.Load())
}

func TestCacheKeyIgnoresIdentity(t *testing.T) {
	a, b := sampleTask(), sampleTask()
	b.ID, b.Status, b.ParentID = "T0002", models.TaskStatusDone, "T0001"
	assert.Equal(t, cacheKey(a, samplePctx()), cacheKey(b, samplePctx()))

	pctx := samplePctx()
	pctx.Complexity = models.ComplexityHigh
	assert.NotEqual(t, cacheKey(a, samplePctx()), cacheKey(a, pctx))
}

func TestNewClient(t *testing.T) {
	t.Run("explicit key", func(t *testing.T) {
		c, err := NewClient(ClientConfig{APIKey: "test-key"})
		require.NoError(t, err)
		assert.Equal(t, anthropic.ModelClaudeSonnet4_20250514, c.Model())
		assert.Equal(t, int64(DefaultMaxTokens), c.maxTokens)
		assert.NotNil(t, c.Tracker())
	})
	t.Run("no key", func(t *testing.T) {
		t.Setenv("ANTHROPIC_API_KEY", "")
		_, err := NewClient(ClientConfig{})
		assert.ErrorIs(t, err, ErrNoAPIKey)
	})
	t.Run("env key", func(t *testing.T) {
		t.Setenv("ANTHROPIC_API_KEY", "env-key")
		_, err := NewClient(ClientConfig{MaxTokens: 100})
		require.NoError(t, err)
	})
}

func TestTranslateModelForBedrock(t *testing.T) {
	assert.Equal(t, anthropic.Model("us.anthropic.claude-sonnet-4-20250514-v1:0"),
		translateModelForBedrock(anthropic.ModelClaudeSonnet4_20250514))
	assert.Equal(t, anthropic.Model("custom"), translateModelForBedrock("custom"))
}

func TestTokenTracker(t *testing.T) {
	tr := NewTokenTracker()
	tr.Add(10, 5)
	tr.Add(1, 2)
	in, out := tr.Total()
	assert.Equal(t, int64(11), in)
	assert.Equal(t, int64(7), out)
	assert.Equal(t, 2, tr.Calls())
}
