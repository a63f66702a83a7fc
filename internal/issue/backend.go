package issue

import (
	"context"

	"civicportal/api/internal/store"
)

// Backend is the slice of the platform the issue core reads and writes.
type Backend interface {
	GetIssue(ctx context.Context, issueID string) (store.Issue, error)
	ListComments(ctx context.Context, issueID string) ([]store.Comment, error)
	ListUpdates(ctx context.Context, issueID string) ([]store.Update, error)
	ListSolutions(ctx context.Context, issueID string) ([]store.Solution, error)
	HasVoted(ctx context.Context, issueID, userID string) (bool, error)
	IsWatching(ctx context.Context, issueID, userID string) (bool, error)
	SolutionVotes(ctx context.Context, issueID, userID string) (map[string]bool, error)

	SetIssueVote(ctx context.Context, issueID, userID string, on bool) (int, error)
	SetIssueWatch(ctx context.Context, issueID, userID string, on bool) (int, error)
	SetSolutionVote(ctx context.Context, solutionID, userID string, on bool) (int, error)

	InsertComment(ctx context.Context, item store.Comment) (store.Comment, error)
	InsertUpdate(ctx context.Context, item store.Update) (store.Update, error)
	InsertSolution(ctx context.Context, item store.Solution) (store.Solution, error)
	UpdateSolutionStatus(ctx context.Context, solutionID, status string) (store.Solution, error)
	MarkSolutionOfficial(ctx context.Context, solutionID, actorID, actorName string) (string, error)
}

// Activity describes a successful write, for side effects outside the view.
type Activity struct {
	Kind       ActivityKind
	IssueID    string
	ActorID    string
	ActorName  string
	CommentID  string
	SolutionID string
	Summary    string
}

type ActivityKind string

const (
	ActivityComment        ActivityKind = "comment"
	ActivityUpdate         ActivityKind = "update"
	ActivitySolution       ActivityKind = "solution"
	ActivitySolutionStatus ActivityKind = "solution_status"
	ActivityOfficial       ActivityKind = "official"
)

type ActivitySink interface {
	Record(ctx context.Context, activity Activity)
}
