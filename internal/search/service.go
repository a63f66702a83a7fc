package search

import (
	"context"
	"time"

	"go.uber.org/zap"

	"civicportal/api/internal/store"
	"civicportal/api/internal/worker"
)

// Service is the facade that tries the primary engine first and falls back
// to Postgres FTS.
type Service struct {
	primary  Engine
	fallback Searcher
	pools    *worker.Pools
	log      *zap.Logger
}

// NewService creates a search service. primary may be nil when Meilisearch
// is not configured; pools may be nil, in which case indexing runs inline.
func NewService(primary Engine, fallback Searcher, pools *worker.Pools, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{primary: primary, fallback: fallback, pools: pools, log: log.With(zap.String("component", "search"))}
}

func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.primary != nil && s.primary.Healthy() {
		results, total, err := s.primary.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text, Source: "meilisearch"}
		}
		s.log.Warn("primary search failed, falling back to postgres", zap.Error(err))
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text, Source: "none"}
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.log.Error("fallback search failed", zap.Error(err))
		return Response{Results: []Result{}, Query: q.Text, Source: "postgres"}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text, Source: "postgres"}
}

func (s *Service) IndexIssue(issue store.Issue) {
	if issue.Status == "draft" {
		s.run("delete issue", func() error { return s.primary.DeleteIssue(issue.ID) })
		return
	}
	record := IssueToRecord(issue)
	s.run("index issue", func() error { return s.primary.IndexIssues([]IssueRecord{record}) })
}

func (s *Service) IndexSolution(solution store.Solution) {
	record := SolutionToRecord(solution)
	s.run("index solution", func() error { return s.primary.IndexSolutions([]SolutionRecord{record}) })
}

// run sends one index write to the primary engine on the index pool.
func (s *Service) run(op string, fn func() error) {
	if s.primary == nil || !s.primary.Healthy() {
		return
	}
	task := func(context.Context) {
		if err := fn(); err != nil {
			s.log.Warn(op+" failed", zap.Error(err))
		}
	}
	if s.pools == nil {
		task(context.Background())
		return
	}
	if err := s.pools.Go(s.pools.Index, task); err != nil {
		s.log.Warn(op+" not scheduled", zap.Error(err))
	}
}

// RecordLoader reads every searchable row for a full reindex.
type RecordLoader interface {
	LoadAllRecords(ctx context.Context) ([]IssueRecord, []SolutionRecord, error)
}

// Reindex pushes every record from loader into the primary engine.
func (s *Service) Reindex(ctx context.Context, loader RecordLoader) error {
	if s.primary == nil || !s.primary.Healthy() || loader == nil {
		return nil
	}
	issues, solutions, err := loader.LoadAllRecords(ctx)
	if err != nil {
		return err
	}
	if err := s.primary.IndexIssues(issues); err != nil {
		return err
	}
	if err := s.primary.IndexSolutions(solutions); err != nil {
		return err
	}
	s.log.Info("search reindex completed", zap.Int("issues", len(issues)), zap.Int("solutions", len(solutions)))
	return nil
}

func IssueToRecord(issue store.Issue) IssueRecord {
	r := IssueRecord{
		ID:          issue.ID,
		Title:       issue.Title,
		Description: issue.Description,
		Category:    issue.Category,
		Status:      issue.Status,
		Location:    issue.Location,
		VoteCount:   issue.VoteCount,
		CreatedAt:   issue.CreatedAt.Unix(),
	}
	if issue.DepartmentID != nil {
		r.DepartmentID = *issue.DepartmentID
	}
	if issue.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().Unix()
	}
	return r
}

func SolutionToRecord(solution store.Solution) SolutionRecord {
	return SolutionRecord{
		ID:          solution.ID,
		IssueID:     solution.IssueID,
		Title:       solution.Title,
		Description: solution.Description,
		Status:      solution.Status,
		IsOfficial:  solution.IsOfficial,
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
