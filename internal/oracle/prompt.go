package oracle

import (
	"fmt"
	"strings"

	"github.com/ShayCichocki/taskweave/pkg/models"
)

const systemPrompt = `You plan software work for a team of autonomous agents. An atomic task is one that a single agent can finish in one sitting (roughly a day or less) without coordinating with anyone else. Answer with JSON only.`

const judgePrompt = `Decide whether this task is atomic.

%s
Return ONLY a JSON object with this exact structure (no other text):
{
  "is_atomic": true,
  "confidence": 0.0,
  "estimated_hours": 0.0,
  "reasoning": "One sentence explaining the verdict"
}

A task is NOT atomic when it:
- bundles several independent deliverables ("X and Y")
- spans several services, layers or top-level directories
- needs more than about 8 hours of focused work
- has acceptance criteria that could be verified separately`

const proposePrompt = `Break this task into the smallest set of subtasks that together satisfy it.

%s
Return ONLY a JSON array of subtasks with this exact structure (no other text):
[
  {
    "title": "Short unique subtask title",
    "description": "Detailed description of the work",
    "acceptance_criteria": ["Observable condition 1", "Observable condition 2"],
    "type": "development|testing|documentation|research|deployment|setup",
    "priority": "low|medium|high|critical",
    "estimated_hours": 2.5,
    "depends_on": ["title of a sibling subtask"]
  }
]

Rules:
- depends_on may only name titles from this same array
- prefer parallel subtasks; add a dependency only when work truly blocks
- do not repeat the parent task as a subtask
- return [] if the task cannot be split further`

// describe renders a task and its project context for a prompt.
func describe(task *models.Task, pctx models.ProjectContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n", task.Title)
	if task.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", task.Description)
	}
	if len(task.AcceptanceCriteria) > 0 {
		b.WriteString("Acceptance criteria:\n")
		for _, c := range task.AcceptanceCriteria {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}
	fmt.Fprintf(&b, "Type: %s\nPriority: %s\n", task.Type, task.Priority)
	if task.EstimatedHours > 0 {
		fmt.Fprintf(&b, "Estimated hours: %.1f\n", task.EstimatedHours)
	}

	b.WriteString("\nProject context:\n")
	if len(pctx.Languages) > 0 {
		fmt.Fprintf(&b, "Languages: %s\n", strings.Join(pctx.Languages, ", "))
	}
	if len(pctx.Frameworks) > 0 {
		fmt.Fprintf(&b, "Frameworks: %s\n", strings.Join(pctx.Frameworks, ", "))
	}
	if len(pctx.Layout) > 0 {
		fmt.Fprintf(&b, "Layout: %s\n", strings.Join(pctx.Layout, ", "))
	}
	if pctx.Complexity != "" {
		fmt.Fprintf(&b, "Complexity: %s\n", pctx.Complexity)
	}
	if pctx.TeamSize > 0 {
		fmt.Fprintf(&b, "Team size: %d\n", pctx.TeamSize)
	}
	return b.String()
}
