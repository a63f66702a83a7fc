package jobs

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"civicportal/api/internal/issue"
)

// ActivitySink turns successful issue writes into watcher fan-out jobs.
type ActivitySink struct {
	queue Inserter
	log   *zap.Logger
}

func NewActivitySink(queue Inserter, log *zap.Logger) *ActivitySink {
	if log == nil {
		log = zap.NewNop()
	}
	return &ActivitySink{queue: queue, log: log}
}

// Record enqueues the fan-out. Enqueue failures are logged; the write that
// caused them has already succeeded.
func (s *ActivitySink) Record(ctx context.Context, a issue.Activity) {
	args, ok := FanoutFor(a)
	if !ok {
		return
	}
	if err := s.Enqueue(ctx, args); err != nil {
		s.log.Warn("enqueue watcher fanout failed",
			zap.String("issue_id", a.IssueID),
			zap.String("kind", string(a.Kind)),
			zap.Error(err),
		)
	}
}

func (s *ActivitySink) Enqueue(ctx context.Context, args WatcherFanoutArgs) error {
	if _, err := s.queue.Insert(ctx, args, nil); err != nil {
		return fmt.Errorf("insert %s job: %w", args.Kind(), err)
	}
	return nil
}

// FanoutFor describes the notification watchers get for an activity.
func FanoutFor(a issue.Activity) (WatcherFanoutArgs, bool) {
	args := WatcherFanoutArgs{
		IssueID:    a.IssueID,
		ActorID:    a.ActorID,
		CommentID:  a.CommentID,
		SolutionID: a.SolutionID,
		Priority:   PriorityNormal,
	}
	actor := a.ActorName
	if actor == "" {
		actor = "Someone"
	}
	switch a.Kind {
	case issue.ActivityComment:
		args.Type = "comment"
		args.Title = "New comment on an issue you watch"
		args.Message = actor + " commented: " + excerpt(a.Summary)
	case issue.ActivityUpdate:
		args.Type = "issue_update"
		args.Title = "New update on an issue you watch"
		args.Message = excerpt(a.Summary)
	case issue.ActivitySolution:
		args.Type = "solution"
		args.Title = "New solution proposed"
		args.Message = actor + " proposed: " + excerpt(a.Summary)
	case issue.ActivitySolutionStatus:
		args.Type = "status_change"
		args.Title = "Solution status changed"
		args.Message = excerpt(a.Summary)
	case issue.ActivityOfficial:
		args.Type = "solution"
		args.Title = "Official solution selected"
		args.Message = "An official solution has been selected for an issue you watch."
		args.Priority = PriorityHigh
	default:
		return WatcherFanoutArgs{}, false
	}
	return args, true
}

// IssueStatusFanout describes the notification for an issue status change.
// Resolution and closure are high priority so watchers also get mail.
func IssueStatusFanout(issueID, actorID, issueTitle, from, to string) WatcherFanoutArgs {
	priority := PriorityNormal
	if to == "resolved" || to == "closed" {
		priority = PriorityHigh
	}
	return WatcherFanoutArgs{
		IssueID:  issueID,
		ActorID:  actorID,
		Type:     "status_change",
		Title:    "Issue status changed",
		Message:  fmt.Sprintf("%s moved from %s to %s.", excerpt(issueTitle), from, to),
		Priority: priority,
	}
}
