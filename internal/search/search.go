// Package search finds issues and proposed solutions. Meilisearch serves
// queries while healthy; Postgres full-text search is the fallback.
package search

import "context"

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultIssue    ResultType = "issue"
	ResultSolution ResultType = "solution"
)

const defaultLimit = 20

// Result is a single search hit. Snippet may carry <mark> highlight tags.
type Result struct {
	Type         ResultType `json:"type"`
	ID           string     `json:"id"`
	IssueID      string     `json:"issueId"`
	Title        string     `json:"title"`
	Snippet      string     `json:"snippet"`
	Category     string     `json:"category,omitempty"`
	Status       string     `json:"status"`
	DepartmentID string     `json:"departmentId,omitempty"`
}

// Query describes a search request. Empty Text browses by filters only.
type Query struct {
	Text         string
	Type         ResultType
	Category     string
	Status       string
	DepartmentID string
	Limit        int
	Offset       int
}

func (q Query) limit() int {
	if q.Limit <= 0 || q.Limit > 100 {
		return defaultLimit
	}
	return q.Limit
}

func (q Query) offset() int {
	return max(0, q.Offset)
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
	Source  string   `json:"source"`
}

type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

type Indexer interface {
	IndexIssues(issues []IssueRecord) error
	IndexSolutions(solutions []SolutionRecord) error
	DeleteIssue(id string) error
}

// Engine is a search backend that also maintains its own index.
type Engine interface {
	Searcher
	Indexer
}

// IssueRecord is the data we index for an issue.
type IssueRecord struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	Description  string `json:"description"`
	Category     string `json:"category"`
	Status       string `json:"status"`
	Location     string `json:"location"`
	DepartmentID string `json:"departmentId"`
	VoteCount    int    `json:"voteCount"`
	CreatedAt    int64  `json:"createdAt"`
}

// SolutionRecord is the data we index for a proposed solution.
type SolutionRecord struct {
	ID          string `json:"id"`
	IssueID     string `json:"issueId"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Status      string `json:"status"`
	IsOfficial  bool   `json:"isOfficial"`
}
