package jobs

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"civicportal/api/internal/issue"
	"civicportal/api/internal/store"
)

type fakeStore struct {
	mu            sync.Mutex
	watchers      []store.Watcher
	listErr       error
	failFor       map[string]bool
	notifications []store.Notification
	retention     time.Duration
	deleted       int
	deleteErr     error
}

func (s *fakeStore) ListWatchers(context.Context, string) ([]store.Watcher, error) {
	return s.watchers, s.listErr
}

func (s *fakeStore) InsertNotification(_ context.Context, n store.Notification) (store.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failFor[n.UserID] {
		return store.Notification{}, errors.New("insert failed")
	}
	s.notifications = append(s.notifications, n)
	return n, nil
}

func (s *fakeStore) DeleteExpiredNotifications(_ context.Context, retention time.Duration) (int, error) {
	s.retention = retention
	return s.deleted, s.deleteErr
}

type fakeMailer struct {
	configured bool
	sent       []string
}

func (m *fakeMailer) IsConfigured() bool { return m.configured }

func (m *fakeMailer) SendWatcherAlert(to, _, _, _, _, _ string) error {
	m.sent = append(m.sent, to)
	return nil
}

type fakeInserter struct {
	args []river.JobArgs
	err  error
}

func (f *fakeInserter) Insert(_ context.Context, args river.JobArgs, _ *river.InsertOpts) (*rivertype.JobInsertResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.args = append(f.args, args)
	return &rivertype.JobInsertResult{Job: &rivertype.JobRow{Kind: args.Kind()}}, nil
}

func watchers() []store.Watcher {
	return []store.Watcher{
		{UserID: "actor", DisplayName: "Actor", Email: "actor@example.com", IsEmailVerified: true},
		{UserID: "w-1", DisplayName: "Verified", Email: "w1@example.com", IsEmailVerified: true},
		{UserID: "w-2", DisplayName: "Unverified", Email: "w2@example.com"},
	}
}

func TestJobArgsKinds(t *testing.T) {
	assert.Equal(t, "watcher_fanout", WatcherFanoutArgs{}.Kind())
	assert.Equal(t, "notification_cleanup", NotificationCleanupArgs{}.Kind())

	opts := NotificationCleanupArgs{}.InsertOpts()
	assert.Equal(t, river.QueueDefault, opts.Queue)
	assert.Equal(t, 1, opts.MaxAttempts)
	assert.Equal(t, time.Hour, opts.UniqueOpts.ByPeriod)
	assert.Equal(t, 3, WatcherFanoutArgs{}.InsertOpts().MaxAttempts)
}

func TestWatcherFanoutSkipsActor(t *testing.T) {
	s := &fakeStore{watchers: watchers()}
	mailer := &fakeMailer{configured: true}
	w := NewWatcherFanoutWorker(s, mailer, nil)

	err := w.Work(context.Background(), &river.Job[WatcherFanoutArgs]{Args: WatcherFanoutArgs{
		IssueID:   "issue-1",
		ActorID:   "actor",
		Type:      "comment",
		Title:     "New comment",
		CommentID: "c-1",
		Priority:  PriorityNormal,
	}})
	require.NoError(t, err)

	require.Len(t, s.notifications, 2)
	for _, n := range s.notifications {
		assert.NotEqual(t, "actor", n.UserID)
		require.NotNil(t, n.CommentID)
		assert.Equal(t, "c-1", *n.CommentID)
		assert.Nil(t, n.SolutionID)
	}
	assert.Empty(t, mailer.sent, "normal priority does not mail")
}

func TestWatcherFanoutMailsVerifiedWatchersOnHighPriority(t *testing.T) {
	s := &fakeStore{watchers: watchers(), failFor: map[string]bool{}}
	mailer := &fakeMailer{configured: true}
	w := NewWatcherFanoutWorker(s, mailer, nil)

	err := w.Work(context.Background(), &river.Job[WatcherFanoutArgs]{Args: WatcherFanoutArgs{
		IssueID:  "issue-1",
		ActorID:  "actor",
		Type:     "status_change",
		Priority: PriorityHigh,
	}})
	require.NoError(t, err)
	assert.Equal(t, []string{"w1@example.com"}, mailer.sent)

	mailer.sent = nil
	mailer.configured = false
	require.NoError(t, w.Work(context.Background(), &river.Job[WatcherFanoutArgs]{Args: WatcherFanoutArgs{IssueID: "issue-1", Priority: PriorityUrgent}}))
	assert.Empty(t, mailer.sent)
}

func TestWatcherFanoutContinuesPastInsertFailure(t *testing.T) {
	s := &fakeStore{watchers: watchers(), failFor: map[string]bool{"w-1": true}}
	w := NewWatcherFanoutWorker(s, nil, nil)

	err := w.Work(context.Background(), &river.Job[WatcherFanoutArgs]{Args: WatcherFanoutArgs{IssueID: "issue-1", ActorID: "actor"}})
	require.NoError(t, err)
	require.Len(t, s.notifications, 1)
	assert.Equal(t, "w-2", s.notifications[0].UserID)
}

func TestWatcherFanoutRetriesWhenWatchersUnavailable(t *testing.T) {
	s := &fakeStore{listErr: errors.New("db down")}
	w := NewWatcherFanoutWorker(s, nil, nil)

	err := w.Work(context.Background(), &river.Job[WatcherFanoutArgs]{Args: WatcherFanoutArgs{IssueID: "issue-1"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")
}

func TestNotificationCleanupWorker(t *testing.T) {
	s := &fakeStore{deleted: 7}
	w := NewNotificationCleanupWorker(s, 0, nil)

	require.NoError(t, w.Work(context.Background(), &river.Job[NotificationCleanupArgs]{}))
	assert.Equal(t, DefaultReadRetention, s.retention)

	s.deleteErr = errors.New("locked")
	require.Error(t, w.Work(context.Background(), &river.Job[NotificationCleanupArgs]{}))
}

func TestWorkersRejectMissingStore(t *testing.T) {
	var fanout *WatcherFanoutWorker
	require.Error(t, fanout.Work(context.Background(), &river.Job[WatcherFanoutArgs]{}))

	cleanup := NewNotificationCleanupWorker(nil, time.Hour, nil)
	require.Error(t, cleanup.Work(context.Background(), &river.Job[NotificationCleanupArgs]{}))
}

func TestFanoutForActivities(t *testing.T) {
	tests := []struct {
		kind     issue.ActivityKind
		typ      string
		priority string
	}{
		{issue.ActivityComment, "comment", PriorityNormal},
		{issue.ActivityUpdate, "issue_update", PriorityNormal},
		{issue.ActivitySolution, "solution", PriorityNormal},
		{issue.ActivitySolutionStatus, "status_change", PriorityNormal},
		{issue.ActivityOfficial, "solution", PriorityHigh},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			args, ok := FanoutFor(issue.Activity{Kind: tt.kind, IssueID: "issue-1", ActorID: "actor", ActorName: "Ada", Summary: "text"})
			require.True(t, ok)
			assert.Equal(t, tt.typ, args.Type)
			assert.Equal(t, tt.priority, args.Priority)
			assert.Equal(t, "issue-1", args.IssueID)
			assert.NotEmpty(t, args.Title)
		})
	}

	_, ok := FanoutFor(issue.Activity{Kind: "unknown"})
	assert.False(t, ok)
}

func TestFanoutExcerptsLongText(t *testing.T) {
	args, ok := FanoutFor(issue.Activity{Kind: issue.ActivityComment, ActorName: "Ada", Summary: strings.Repeat("x", 500)})
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(args.Message, "Ada commented: "))
	assert.True(t, strings.HasSuffix(args.Message, "…"))
	assert.Less(t, len([]rune(args.Message)), 200)
}

func TestActivitySinkEnqueues(t *testing.T) {
	q := &fakeInserter{}
	sink := NewActivitySink(q, nil)

	sink.Record(context.Background(), issue.Activity{Kind: issue.ActivityOfficial, IssueID: "issue-1", SolutionID: "sol-1"})
	require.Len(t, q.args, 1)
	args, ok := q.args[0].(WatcherFanoutArgs)
	require.True(t, ok)
	assert.Equal(t, "sol-1", args.SolutionID)

	q.err = errors.New("queue down")
	sink.Record(context.Background(), issue.Activity{Kind: issue.ActivityComment})
	assert.Len(t, q.args, 1)
}

func TestIssueStatusFanoutPriority(t *testing.T) {
	assert.Equal(t, PriorityHigh, IssueStatusFanout("i", "a", "Pothole", "open", "resolved").Priority)
	assert.Equal(t, PriorityHigh, IssueStatusFanout("i", "a", "Pothole", "open", "closed").Priority)
	args := IssueStatusFanout("i", "a", "Pothole", "open", "in_progress")
	assert.Equal(t, PriorityNormal, args.Priority)
	assert.Equal(t, "Pothole moved from open to in_progress.", args.Message)
}
