// Package jobs holds the River background jobs: watcher fan-out and
// notification cleanup.
package jobs

import (
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/riverqueue/river"
	"go.uber.org/zap"

	"civicportal/api/internal/store"
)

// Notification priorities, lowest first.
const (
	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

// WatcherFanoutArgs notifies every watcher of an issue except the actor.
type WatcherFanoutArgs struct {
	IssueID    string `json:"issue_id"`
	ActorID    string `json:"actor_id"`
	Type       string `json:"type"`
	Title      string `json:"title"`
	Message    string `json:"message"`
	CommentID  string `json:"comment_id,omitempty"`
	SolutionID string `json:"solution_id,omitempty"`
	Priority   string `json:"priority"`
}

func (WatcherFanoutArgs) Kind() string { return "watcher_fanout" }

func (WatcherFanoutArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{Queue: river.QueueDefault, MaxAttempts: 3}
}

type FanoutStore interface {
	ListWatchers(ctx context.Context, issueID string) ([]store.Watcher, error)
	InsertNotification(ctx context.Context, item store.Notification) (store.Notification, error)
}

type Mailer interface {
	IsConfigured() bool
	SendWatcherAlert(to, userName, issueID, title, message, priority string) error
}

type WatcherFanoutWorker struct {
	river.WorkerDefaults[WatcherFanoutArgs]
	store  FanoutStore
	mailer Mailer
	log    *zap.Logger
}

// NewWatcherFanoutWorker builds the worker. mailer may be nil.
func NewWatcherFanoutWorker(s FanoutStore, mailer Mailer, log *zap.Logger) *WatcherFanoutWorker {
	if log == nil {
		log = zap.NewNop()
	}
	return &WatcherFanoutWorker{store: s, mailer: mailer, log: log}
}

// Work writes one notification per watcher. Individual failures are logged
// and skipped; only a failure to read the watcher list is retried.
func (w *WatcherFanoutWorker) Work(ctx context.Context, job *river.Job[WatcherFanoutArgs]) error {
	if w == nil || w.store == nil {
		return fmt.Errorf("watcher fanout worker is not initialized")
	}
	args := job.Args
	watchers, err := w.store.ListWatchers(ctx, args.IssueID)
	if err != nil {
		return fmt.Errorf("list watchers for %s: %w", args.IssueID, err)
	}

	sendMail := w.mailer != nil && w.mailer.IsConfigured() && (args.Priority == PriorityHigh || args.Priority == PriorityUrgent)
	notified, mailed := 0, 0
	for _, watcher := range watchers {
		if watcher.UserID == args.ActorID {
			continue
		}
		n := store.Notification{
			UserID:   watcher.UserID,
			Type:     args.Type,
			Title:    args.Title,
			Message:  args.Message,
			IssueID:  ref(args.IssueID),
			Priority: args.Priority,
		}
		n.CommentID = ref(args.CommentID)
		n.SolutionID = ref(args.SolutionID)
		if _, err := w.store.InsertNotification(ctx, n); err != nil {
			w.log.Warn("watcher notification not saved",
				zap.String("issue_id", args.IssueID),
				zap.String("user_id", watcher.UserID),
				zap.Error(err),
			)
			continue
		}
		notified++

		if sendMail && watcher.IsEmailVerified && watcher.Email != "" {
			if err := w.mailer.SendWatcherAlert(watcher.Email, watcher.DisplayName, args.IssueID, args.Title, args.Message, args.Priority); err != nil {
				w.log.Warn("watcher alert mail failed", zap.String("user_id", watcher.UserID), zap.Error(err))
				continue
			}
			mailed++
		}
	}

	w.log.Info("watcher fanout completed",
		zap.String("issue_id", args.IssueID),
		zap.String("type", args.Type),
		zap.Int("watchers", len(watchers)),
		zap.Int("notified", notified),
		zap.Int("mailed", mailed),
	)
	return nil
}

func ref(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

const maxMessageRunes = 160

// excerpt shortens s to a notification-sized preview.
func excerpt(s string) string {
	if utf8.RuneCountInString(s) <= maxMessageRunes {
		return s
	}
	r := []rune(s)
	return string(r[:maxMessageRunes-1]) + "…"
}
