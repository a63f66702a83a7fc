package issue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"civicportal/api/internal/rbac"
	"civicportal/api/internal/realtime"
	"civicportal/api/internal/store"
)

const testIssueID = "issue-1"

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeBackend serves a single in-memory issue. Each write can be overridden
// through its fn field; the default behaviour persists the write.
type fakeBackend struct {
	mu    sync.Mutex
	calls map[string]int
	seq   int

	issue         store.Issue
	comments      []store.Comment
	updates       []store.Update
	solutions     []store.Solution
	voted         bool
	watching      bool
	solutionVotes map[string]bool

	getIssueFn             func(ctx context.Context, issueID string) (store.Issue, error)
	listUpdatesFn          func(ctx context.Context, issueID string) ([]store.Update, error)
	setIssueVoteFn         func(ctx context.Context, issueID, userID string, on bool) (int, error)
	setIssueWatchFn        func(ctx context.Context, issueID, userID string, on bool) (int, error)
	setSolutionVoteFn      func(ctx context.Context, solutionID, userID string, on bool) (int, error)
	insertCommentFn        func(ctx context.Context, item store.Comment) (store.Comment, error)
	insertUpdateFn         func(ctx context.Context, item store.Update) (store.Update, error)
	insertSolutionFn       func(ctx context.Context, item store.Solution) (store.Solution, error)
	markSolutionOfficialFn func(ctx context.Context, solutionID, actorID, actorName string) (string, error)
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		calls: make(map[string]int),
		issue: store.Issue{
			ID:         testIssueID,
			Title:      "Broken streetlight",
			Category:   "lighting",
			Status:     "open",
			VoteCount:  10,
			WatchCount: 3,
			CreatedAt:  base.Add(-48 * time.Hour),
			UpdatedAt:  base.Add(-48 * time.Hour),
		},
		solutions: []store.Solution{{
			ID:          "sol-1",
			IssueID:     testIssueID,
			ProposedBy:  "user-2",
			Title:       "Replace bulb",
			Description: "Swap the sodium lamp for LED",
			Status:      "proposed",
			VoteCount:   4,
			CreatedAt:   base.Add(-24 * time.Hour),
			UpdatedAt:   base.Add(-24 * time.Hour),
		}},
		solutionVotes: map[string]bool{},
	}
}

func (b *fakeBackend) count(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[name]
}

func (b *fakeBackend) total() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.calls {
		n += c
	}
	return n
}

func (b *fakeBackend) hit(name string) {
	b.mu.Lock()
	b.calls[name]++
	b.mu.Unlock()
}

func (b *fakeBackend) nextID(prefix string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	return fmt.Sprintf("%s-%d", prefix, b.seq)
}

func (b *fakeBackend) GetIssue(ctx context.Context, issueID string) (store.Issue, error) {
	b.hit("GetIssue")
	if b.getIssueFn != nil {
		return b.getIssueFn(ctx, issueID)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if issueID != b.issue.ID {
		return store.Issue{}, sql.ErrNoRows
	}
	return b.issue, nil
}

func (b *fakeBackend) ListComments(_ context.Context, _ string) ([]store.Comment, error) {
	b.hit("ListComments")
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.comments), nil
}

func (b *fakeBackend) ListUpdates(ctx context.Context, issueID string) ([]store.Update, error) {
	b.hit("ListUpdates")
	if b.listUpdatesFn != nil {
		return b.listUpdatesFn(ctx, issueID)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.updates), nil
}

func (b *fakeBackend) ListSolutions(_ context.Context, _ string) ([]store.Solution, error) {
	b.hit("ListSolutions")
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.solutions), nil
}

func (b *fakeBackend) HasVoted(_ context.Context, _, _ string) (bool, error) {
	b.hit("HasVoted")
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.voted, nil
}

func (b *fakeBackend) IsWatching(_ context.Context, _, _ string) (bool, error) {
	b.hit("IsWatching")
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.watching, nil
}

func (b *fakeBackend) SolutionVotes(_ context.Context, _, _ string) (map[string]bool, error) {
	b.hit("SolutionVotes")
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]bool, len(b.solutionVotes))
	for k, v := range b.solutionVotes {
		out[k] = v
	}
	return out, nil
}

func (b *fakeBackend) SetIssueVote(ctx context.Context, issueID, userID string, on bool) (int, error) {
	b.hit("SetIssueVote")
	if b.setIssueVoteFn != nil {
		return b.setIssueVoteFn(ctx, issueID, userID, on)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.voted != on {
		b.voted = on
		b.issue.VoteCount += delta(on)
	}
	return b.issue.VoteCount, nil
}

func (b *fakeBackend) SetIssueWatch(ctx context.Context, issueID, userID string, on bool) (int, error) {
	b.hit("SetIssueWatch")
	if b.setIssueWatchFn != nil {
		return b.setIssueWatchFn(ctx, issueID, userID, on)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.watching != on {
		b.watching = on
		b.issue.WatchCount += delta(on)
	}
	return b.issue.WatchCount, nil
}

func (b *fakeBackend) SetSolutionVote(ctx context.Context, solutionID, userID string, on bool) (int, error) {
	b.hit("SetSolutionVote")
	if b.setSolutionVoteFn != nil {
		return b.setSolutionVoteFn(ctx, solutionID, userID, on)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.solutions {
		if b.solutions[i].ID != solutionID {
			continue
		}
		if b.solutionVotes[solutionID] != on {
			b.solutionVotes[solutionID] = on
			b.solutions[i].VoteCount += delta(on)
		}
		return b.solutions[i].VoteCount, nil
	}
	return 0, sql.ErrNoRows
}

func (b *fakeBackend) InsertComment(ctx context.Context, item store.Comment) (store.Comment, error) {
	b.hit("InsertComment")
	if b.insertCommentFn != nil {
		return b.insertCommentFn(ctx, item)
	}
	item.ID = b.nextID("comment")
	b.mu.Lock()
	b.comments = append(b.comments, item)
	b.mu.Unlock()
	return item, nil
}

func (b *fakeBackend) InsertUpdate(ctx context.Context, item store.Update) (store.Update, error) {
	b.hit("InsertUpdate")
	if b.insertUpdateFn != nil {
		return b.insertUpdateFn(ctx, item)
	}
	item.ID = b.nextID("update")
	b.mu.Lock()
	b.updates = append(b.updates, item)
	b.mu.Unlock()
	return item, nil
}

func (b *fakeBackend) InsertSolution(ctx context.Context, item store.Solution) (store.Solution, error) {
	b.hit("InsertSolution")
	if b.insertSolutionFn != nil {
		return b.insertSolutionFn(ctx, item)
	}
	item.ID = b.nextID("solution")
	b.mu.Lock()
	b.solutions = append(b.solutions, item)
	b.mu.Unlock()
	return item, nil
}

func (b *fakeBackend) UpdateSolutionStatus(_ context.Context, solutionID, status string) (store.Solution, error) {
	b.hit("UpdateSolutionStatus")
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.solutions {
		if b.solutions[i].ID == solutionID {
			b.solutions[i].Status = status
			b.solutions[i].UpdatedAt = base
			return b.solutions[i], nil
		}
	}
	return store.Solution{}, sql.ErrNoRows
}

func (b *fakeBackend) MarkSolutionOfficial(ctx context.Context, solutionID, actorID, actorName string) (string, error) {
	b.hit("MarkSolutionOfficial")
	if b.markSolutionOfficialFn != nil {
		return b.markSolutionOfficialFn(ctx, solutionID, actorID, actorName)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.solutions {
		b.solutions[i].IsOfficial = b.solutions[i].ID == solutionID
		if b.solutions[i].IsOfficial {
			b.solutions[i].Status = "approved"
		}
	}
	return b.issue.ID, nil
}

// noticeLog records every notice a view emits.
type noticeLog struct {
	mu      sync.Mutex
	notices []Notice
}

func (l *noticeLog) Notify(n Notice) {
	l.mu.Lock()
	l.notices = append(l.notices, n)
	l.mu.Unlock()
}

func (l *noticeLog) all() []Notice {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.notices)
}

var (
	citizen  = Viewer{UserID: "user-1", DisplayName: "Ada", Role: rbac.RoleCitizen, HasProfile: true}
	proposer = Viewer{UserID: "user-2", DisplayName: "Grace", Role: rbac.RoleCitizen, HasProfile: true}
	official = Viewer{UserID: "user-9", DisplayName: "Clerk", Role: rbac.RoleOfficial, HasProfile: true}
)

func openView(t *testing.T, backend *fakeBackend, hub *realtime.Hub, viewer Viewer) (*View, *noticeLog) {
	t.Helper()
	notices := &noticeLog{}
	v, err := Open(context.Background(), backend, hub, testIssueID, viewer,
		WithNotifier(notices),
		WithClock(func() time.Time { return base }),
	)
	require.NoError(t, err)
	t.Cleanup(v.Close)
	return v, notices
}

func publish(t *testing.T, hub *realtime.Hub, table string, typ realtime.EventType, row any) {
	t.Helper()
	raw, err := json.Marshal(row)
	require.NoError(t, err)
	require.NoError(t, hub.Publish(context.Background(), realtime.Event{Table: table, Type: typ, New: raw}))
}

func rowEvent(t *testing.T, table string, typ realtime.EventType, row any) realtime.Event {
	t.Helper()
	raw, err := json.Marshal(row)
	require.NoError(t, err)
	return realtime.Event{Table: table, Type: typ, New: raw}
}
