package oracle

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ShayCichocki/taskweave/internal/decompose"
	"github.com/ShayCichocki/taskweave/internal/guard"
	"github.com/ShayCichocki/taskweave/pkg/models"
)

// Claude asks a language model to judge and split tasks.
type Claude struct {
	llm    Completer
	logger zerolog.Logger
}

var _ decompose.Oracle = (*Claude)(nil)

// NewClaude creates an oracle over llm.
func NewClaude(llm Completer, logger zerolog.Logger) *Claude {
	return &Claude{llm: llm, logger: logger}
}

// JudgeAtomicity asks whether task is small enough for one agent.
func (c *Claude) JudgeAtomicity(ctx context.Context, task *models.Task, pctx models.ProjectContext) (j decompose.Judgment, err error) {
	defer guard.Recover(&err, "oracle.JudgeAtomicity")

	resp, err := c.llm.Complete(ctx, systemPrompt, fmt.Sprintf(judgePrompt, describe(task, pctx)))
	if err != nil {
		return decompose.Judgment{}, fmt.Errorf("judge %s: %w", task.ID, err)
	}
	j, err = decompose.ParseJudgment(resp)
	if err != nil {
		return decompose.Judgment{}, fmt.Errorf("judge %s: %w", task.ID, err)
	}
	c.logger.Debug().
		Str("task", task.ID).
		Bool("atomic", j.IsAtomic).
		Float64("confidence", j.Confidence).
		Msg("atomicity judged")
	return j, nil
}

// ProposeDecomposition asks for subtasks of task.
func (c *Claude) ProposeDecomposition(ctx context.Context, task *models.Task, pctx models.ProjectContext) (cands []decompose.Candidate, err error) {
	defer guard.Recover(&err, "oracle.ProposeDecomposition")

	resp, err := c.llm.Complete(ctx, systemPrompt, fmt.Sprintf(proposePrompt, describe(task, pctx)))
	if err != nil {
		return nil, fmt.Errorf("propose %s: %w", task.ID, err)
	}
	cands, err = decompose.ParseCandidates(resp)
	if err != nil {
		return nil, fmt.Errorf("propose %s: %w", task.ID, err)
	}
	c.logger.Debug().Str("task", task.ID).Int("candidates", len(cands)).Msg("decomposition proposed")
	return cands, nil
}
