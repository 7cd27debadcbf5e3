package decompose

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/ShayCichocki/taskweave/pkg/models"
)

// Thresholds above which a task stops looking atomic.
const (
	atomicHours    = 8.0
	atomicCriteria = 5
	atomicPaths    = 3
	// atomicScore is the lowest score still judged atomic.
	atomicScore = 0.5
)

var (
	pathPattern = regexp.MustCompile(`(?:[\w.-]+/)+[\w.-]*|\b[\w-]+\.(?:go|ts|tsx|js|jsx|py|rs|java|rb|sql|ya?ml|json|toml|proto|css|html|md)\b`)
	wordPattern = regexp.MustCompile(`[a-z0-9-]+`)

	conjunctions = []string{" and ", " then ", " as well as ", " plus ", " & "}
	pluralWords  = map[string]bool{"multiple": true, "several": true, "various": true, "all": true, "many": true}
	systemWords  = map[string]bool{
		"system": true, "architecture": true, "platform": true, "infrastructure": true,
		"framework": true, "end-to-end": true, "overhaul": true, "redesign": true,
		"migrate": true, "migration": true, "entire": true, "rewrite": true,
	}
)

// HeuristicScorer judges atomicity locally from textual signals. It stands
// in for the oracle when the oracle is unavailable.
type HeuristicScorer struct{}

// Score returns a judgment for task. The score starts at 1.0 and each
// signal applies a capped penalty; tasks scoring at least 0.5 are atomic.
func (HeuristicScorer) Score(task *models.Task, pctx models.ProjectContext) Judgment {
	score := 1.0
	var reasons []string
	penalize := func(p float64, format string, args ...any) {
		score -= p
		reasons = append(reasons, fmt.Sprintf(format, args...))
	}

	if task.EstimatedHours > atomicHours {
		penalize(math.Min(0.3+(task.EstimatedHours-atomicHours)*0.05, 0.6),
			"estimated %.1fh exceeds %.0fh", task.EstimatedHours, atomicHours)
	}

	if n := len(task.AcceptanceCriteria); n > atomicCriteria {
		penalize(math.Min(float64(n-atomicCriteria)*0.1, 0.3),
			"%d acceptance criteria", n)
	}

	if paths := referencedPaths(task); len(paths) > atomicPaths {
		penalize(math.Min(float64(len(paths)-atomicPaths)*0.1, 0.3),
			"references %d paths", len(paths))
	}

	title := " " + strings.ToLower(task.Title) + " "
	joins := 0
	for _, c := range conjunctions {
		joins += strings.Count(title, c)
	}
	if joins > 0 {
		penalize(math.Min(float64(joins)*0.1, 0.2), "title joins %d pieces of work", joins+1)
	}

	text := strings.ToLower(task.Title + " " + task.Description)
	plural, system := 0, 0
	for _, w := range wordPattern.FindAllString(text, -1) {
		if pluralWords[w] {
			plural++
		}
		if systemWords[w] {
			system++
		}
	}
	if plural > 0 {
		penalize(0.15, "mentions multiple targets")
	}
	if system > 0 {
		penalize(math.Min(float64(system)*0.2, 0.3), "system-level scope")
	}

	switch pctx.Complexity {
	case models.ComplexityHigh:
		penalize(0.15, "high project complexity")
	case models.ComplexityMedium:
		penalize(0.05, "medium project complexity")
	}

	score = clamp01(score)
	j := Judgment{
		IsAtomic:       score >= atomicScore,
		EstimatedHours: task.EstimatedHours,
		Reasoning:      "heuristic: no signals",
	}
	if len(reasons) > 0 {
		j.Reasoning = "heuristic: " + strings.Join(reasons, "; ")
	}
	if j.IsAtomic {
		j.Confidence = score
	} else {
		j.Confidence = 1 - score
	}
	return j
}

// referencedPaths returns the distinct file paths mentioned in the task.
func referencedPaths(task *models.Task) []string {
	text := task.Title + "\n" + task.Description + "\n" + strings.Join(task.AcceptanceCriteria, "\n")
	seen := make(map[string]bool)
	var paths []string
	for _, p := range pathPattern.FindAllString(text, -1) {
		p = strings.TrimRight(p, ".")
		if p == "" || p == "/" || seen[p] {
			continue
		}
		seen[p] = true
		paths = append(paths, p)
	}
	return paths
}

// HeuristicOracle is an Oracle backed only by the HeuristicScorer. It judges
// locally and never proposes candidates, so every task it is asked about is
// kept as it is.
type HeuristicOracle struct {
	Scorer HeuristicScorer
}

var _ Oracle = HeuristicOracle{}

// JudgeAtomicity scores task locally.
func (o HeuristicOracle) JudgeAtomicity(_ context.Context, task *models.Task, pctx models.ProjectContext) (Judgment, error) {
	return o.Scorer.Score(task, pctx), nil
}

// ProposeDecomposition returns no candidates.
func (HeuristicOracle) ProposeDecomposition(context.Context, *models.Task, models.ProjectContext) ([]Candidate, error) {
	return nil, nil
}
