package oracle

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"slices"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/ShayCichocki/taskweave/internal/decompose"
	"github.com/ShayCichocki/taskweave/pkg/models"
)

// DefaultCacheSize is the number of answers kept per call kind.
const DefaultCacheSize = 512

// Cached memoizes another oracle by task content. Ids, status and
// timestamps are not part of the key, so identical tasks in different
// projects share answers. Errors are never cached, and concurrent
// identical calls share one upstream request.
type Cached struct {
	next      decompose.Oracle
	judgments *lru.Cache[string, decompose.Judgment]
	proposals *lru.Cache[string, []decompose.Candidate]
	group     singleflight.Group
}

var _ decompose.Oracle = (*Cached)(nil)

// NewCached wraps next with an LRU cache of size entries per call kind.
func NewCached(next decompose.Oracle, size int) (*Cached, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	judgments, err := lru.New[string, decompose.Judgment](size)
	if err != nil {
		return nil, err
	}
	proposals, err := lru.New[string, []decompose.Candidate](size)
	if err != nil {
		return nil, err
	}
	return &Cached{next: next, judgments: judgments, proposals: proposals}, nil
}

// JudgeAtomicity returns a cached judgment or asks the wrapped oracle.
func (c *Cached) JudgeAtomicity(ctx context.Context, task *models.Task, pctx models.ProjectContext) (decompose.Judgment, error) {
	key := cacheKey(task, pctx)
	if j, ok := c.judgments.Get(key); ok {
		return j, nil
	}
	v, err, _ := c.group.Do("judge:"+key, func() (any, error) {
		j, err := c.next.JudgeAtomicity(ctx, task, pctx)
		if err != nil {
			return nil, err
		}
		c.judgments.Add(key, j)
		return j, nil
	})
	if err != nil {
		return decompose.Judgment{}, err
	}
	return v.(decompose.Judgment), nil
}

// ProposeDecomposition returns cached candidates or asks the wrapped
// oracle. Callers receive their own copy of the slice.
func (c *Cached) ProposeDecomposition(ctx context.Context, task *models.Task, pctx models.ProjectContext) ([]decompose.Candidate, error) {
	key := cacheKey(task, pctx)
	if cands, ok := c.proposals.Get(key); ok {
		return cloneCandidates(cands), nil
	}
	v, err, _ := c.group.Do("propose:"+key, func() (any, error) {
		cands, err := c.next.ProposeDecomposition(ctx, task, pctx)
		if err != nil {
			return nil, err
		}
		c.proposals.Add(key, cloneCandidates(cands))
		return cands, nil
	})
	if err != nil {
		return nil, err
	}
	return cloneCandidates(v.([]decompose.Candidate)), nil
}

// Len returns the number of cached judgments and proposals.
func (c *Cached) Len() (judgments, proposals int) {
	return c.judgments.Len(), c.proposals.Len()
}

// cacheKey hashes the fields an oracle reads.
func cacheKey(task *models.Task, pctx models.ProjectContext) string {
	payload := struct {
		Title       string                `json:"t"`
		Description string                `json:"d"`
		Criteria    []string              `json:"c"`
		Type        models.TaskType       `json:"y"`
		Priority    models.Priority       `json:"p"`
		Hours       float64               `json:"h"`
		Context     models.ProjectContext `json:"x"`
	}{task.Title, task.Description, task.AcceptanceCriteria, task.Type, task.Priority, task.EstimatedHours, pctx}
	data, _ := json.Marshal(payload)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func cloneCandidates(cands []decompose.Candidate) []decompose.Candidate {
	if cands == nil {
		return nil
	}
	out := make([]decompose.Candidate, len(cands))
	for i, c := range cands {
		c.AcceptanceCriteria = slices.Clone(c.AcceptanceCriteria)
		c.DependsOn = slices.Clone(c.DependsOn)
		c.Tags = slices.Clone(c.Tags)
		out[i] = c
	}
	return out
}
