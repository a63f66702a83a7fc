package inbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"civicportal/api/internal/realtime"
	"civicportal/api/internal/store"
)

const recipient = "user-1"

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeBackend struct {
	mu    sync.Mutex
	items []store.Notification
	calls map[string]int

	listFn    func(ctx context.Context, userID string, limit int) ([]store.Notification, error)
	markFn    func(ctx context.Context, userID, notificationID string) error
	markAllFn func(ctx context.Context, userID string) (int, error)
	countFn   func(ctx context.Context, userID string) (int, error)
}

func newFakeBackend(items ...store.Notification) *fakeBackend {
	return &fakeBackend{items: items, calls: make(map[string]int)}
}

func (b *fakeBackend) hit(name string) {
	b.mu.Lock()
	b.calls[name]++
	b.mu.Unlock()
}

func (b *fakeBackend) ListNotifications(ctx context.Context, userID string, limit int) ([]store.Notification, error) {
	b.hit("list")
	if b.listFn != nil {
		return b.listFn(ctx, userID, limit)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.items), nil
}

func (b *fakeBackend) MarkNotificationRead(ctx context.Context, userID, notificationID string) error {
	b.hit("mark")
	if b.markFn != nil {
		return b.markFn(ctx, userID, notificationID)
	}
	return nil
}

func (b *fakeBackend) MarkAllNotificationsRead(ctx context.Context, userID string) (int, error) {
	b.hit("markAll")
	if b.markAllFn != nil {
		return b.markAllFn(ctx, userID)
	}
	return 0, nil
}

func (b *fakeBackend) CountUnreadNotifications(ctx context.Context, userID string) (int, error) {
	b.hit("count")
	if b.countFn != nil {
		return b.countFn(ctx, userID)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, item := range b.items {
		if !item.Read {
			n++
		}
	}
	return n, nil
}

func ref(s string) *string { return &s }

func notification(id, typ string, created time.Time) store.Notification {
	return store.Notification{
		ID:        id,
		UserID:    recipient,
		Type:      typ,
		Title:     "Issue update",
		IssueID:   ref("issue-1"),
		Priority:  "normal",
		CreatedAt: created,
	}
}

func openInbox(t *testing.T, backend *fakeBackend, hub *realtime.Hub) *Inbox {
	t.Helper()
	in, err := Open(context.Background(), backend, hub, recipient, WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	t.Cleanup(in.Close)
	return in
}

func publish(t *testing.T, hub *realtime.Hub, typ realtime.EventType, n store.Notification) {
	t.Helper()
	raw, err := json.Marshal(n)
	require.NoError(t, err)
	require.NoError(t, hub.Publish(context.Background(), realtime.Event{Table: "notifications", Type: typ, New: raw}))
}

func rowEvent(t *testing.T, n store.Notification) realtime.Event {
	t.Helper()
	raw, err := json.Marshal(n)
	require.NoError(t, err)
	return realtime.Event{Table: "notifications", Type: realtime.Insert, New: raw}
}

func TestOpenRequiresUser(t *testing.T) {
	backend := newFakeBackend()
	_, err := Open(context.Background(), backend, realtime.NewHub(nil), " ")
	require.ErrorIs(t, err, ErrAuthRequired)
	assert.Zero(t, backend.calls["list"])
}

func TestOpenLoadsPageSize(t *testing.T) {
	backend := newFakeBackend()
	var gotLimit int
	backend.listFn = func(_ context.Context, _ string, limit int) ([]store.Notification, error) {
		gotLimit = limit
		return nil, nil
	}
	in := openInbox(t, backend, realtime.NewHub(nil))
	assert.Equal(t, PageSize, gotLimit)
	assert.NotNil(t, in.Notifications())
}

func TestOpenFailsWhenLoadFails(t *testing.T) {
	backend := newFakeBackend()
	backend.listFn = func(context.Context, string, int) ([]store.Notification, error) {
		return nil, errors.New("db down")
	}
	hub := realtime.NewHub(nil)
	_, err := Open(context.Background(), backend, hub, recipient)
	require.ErrorIs(t, err, ErrLoadFailed)
	assert.Zero(t, hub.Subscribers(realtime.Channel("notifications", "user_id", recipient)))
}

func TestIncomingNotificationIsPrepended(t *testing.T) {
	hub := realtime.NewHub(nil)
	in := openInbox(t, newFakeBackend(notification("n-1", "comment", now.Add(-time.Hour))), hub)

	publish(t, hub, realtime.Insert, notification("n-2", "status_change", now))

	items := in.Notifications()
	require.Len(t, items, 2)
	assert.Equal(t, "n-2", items[0].ID)
	assert.Equal(t, 2, in.Unread())
}

func TestNotificationsForOtherRecipientsAreDropped(t *testing.T) {
	hub := realtime.NewHub(nil)
	in := openInbox(t, newFakeBackend(), hub)

	other := notification("n-9", "comment", now)
	other.UserID = "user-2"
	publish(t, hub, realtime.Insert, other)
	in.handle(rowEvent(t, other))

	assert.Empty(t, in.Notifications())
}

func TestExpiredNotificationsAreDropped(t *testing.T) {
	hub := realtime.NewHub(nil)
	in := openInbox(t, newFakeBackend(), hub)

	expired := notification("n-1", "comment", now)
	past := now.Add(-time.Minute)
	expired.ExpiresAt = &past
	publish(t, hub, realtime.Insert, expired)

	live := notification("n-2", "comment", now)
	future := now.Add(time.Hour)
	live.ExpiresAt = &future
	publish(t, hub, realtime.Insert, live)

	items := in.Notifications()
	require.Len(t, items, 1)
	assert.Equal(t, "n-2", items[0].ID)
}

func TestDuplicateNotificationsAreDropped(t *testing.T) {
	hub := realtime.NewHub(nil)
	in := openInbox(t, newFakeBackend(notification("n-1", "comment", now)), hub)

	publish(t, hub, realtime.Insert, notification("n-1", "comment", now))
	publish(t, hub, realtime.Insert, notification("n-2", "comment", now.Add(3*time.Second)))
	require.Len(t, in.Notifications(), 1)

	publish(t, hub, realtime.Insert, notification("n-3", "comment", now.Add(10*time.Second)))
	publish(t, hub, realtime.Insert, notification("n-4", "solution", now.Add(time.Second)))
	assert.Len(t, in.Notifications(), 3)
}

func TestReadStateUpdatesReplaceRow(t *testing.T) {
	hub := realtime.NewHub(nil)
	in := openInbox(t, newFakeBackend(notification("n-1", "comment", now)), hub)

	read := notification("n-1", "comment", now)
	read.Read = true
	publish(t, hub, realtime.Update, read)

	assert.Zero(t, in.Unread())
	assert.Len(t, in.Notifications(), 1)
}

func TestUpdateForUnloadedNotificationIsDropped(t *testing.T) {
	hub := realtime.NewHub(nil)
	in := openInbox(t, newFakeBackend(notification("n-1", "comment", now)), hub)

	older := notification("n-0", "solution", now.Add(-30*24*time.Hour))
	older.Read = true
	publish(t, hub, realtime.Update, older)

	items := in.Notifications()
	require.Len(t, items, 1)
	assert.Equal(t, "n-1", items[0].ID)
	assert.Equal(t, 1, in.Unread())
}

func TestMarkReadRollsBackOnFailure(t *testing.T) {
	backend := newFakeBackend(notification("n-1", "comment", now))
	backend.markFn = func(context.Context, string, string) error {
		return errors.New("timeout")
	}
	in := openInbox(t, backend, realtime.NewHub(nil))

	err := in.MarkRead(context.Background(), "n-1")
	require.Error(t, err)
	assert.Equal(t, 1, in.Unread())
	assert.Nil(t, in.Notifications()[0].ReadAt)
}

func TestMarkReadForeignNotification(t *testing.T) {
	backend := newFakeBackend(notification("n-1", "comment", now))
	backend.markFn = func(context.Context, string, string) error {
		return sql.ErrNoRows
	}
	in := openInbox(t, backend, realtime.NewHub(nil))

	require.ErrorIs(t, in.MarkRead(context.Background(), "n-1"), ErrNotFound)
	require.ErrorIs(t, in.MarkRead(context.Background(), "n-missing"), ErrNotFound)
	assert.Equal(t, 2, backend.calls["mark"])
}

func TestMarkAllRead(t *testing.T) {
	backend := newFakeBackend(
		notification("n-1", "comment", now),
		notification("n-2", "solution", now.Add(-time.Hour)),
	)
	in := openInbox(t, backend, realtime.NewHub(nil))

	require.NoError(t, in.MarkAllRead(context.Background()))
	assert.Zero(t, in.Unread())

	require.NoError(t, in.MarkAllRead(context.Background()))
	assert.Equal(t, 2, backend.calls["markAll"])
}

// pagedBackend holds 60 rows: the newest 50 read, the 10 older unread.
func pagedBackend() *fakeBackend {
	backend := newFakeBackend()
	for i := range 60 {
		n := notification(fmt.Sprintf("n-%02d", i), "comment", now.Add(-time.Duration(i)*time.Minute))
		n.Read = i < PageSize
		backend.items = append(backend.items, n)
	}
	backend.listFn = func(_ context.Context, _ string, limit int) ([]store.Notification, error) {
		backend.mu.Lock()
		defer backend.mu.Unlock()
		return slices.Clone(backend.items[:min(limit, len(backend.items))]), nil
	}
	backend.markFn = func(_ context.Context, _ string, id string) error {
		backend.mu.Lock()
		defer backend.mu.Unlock()
		for i := range backend.items {
			if backend.items[i].ID == id {
				backend.items[i].Read = true
				return nil
			}
		}
		return sql.ErrNoRows
	}
	backend.markAllFn = func(context.Context, string) (int, error) {
		backend.mu.Lock()
		defer backend.mu.Unlock()
		n := 0
		for i := range backend.items {
			if !backend.items[i].Read {
				backend.items[i].Read = true
				n++
			}
		}
		return n, nil
	}
	return backend
}

func TestUnreadCoversRowsPastThePage(t *testing.T) {
	backend := pagedBackend()
	in := openInbox(t, backend, realtime.NewHub(nil))

	require.Len(t, in.Notifications(), PageSize)
	assert.Equal(t, 10, in.Unread())

	require.NoError(t, in.MarkRead(context.Background(), "n-55"))
	assert.Equal(t, 1, backend.calls["mark"])
	assert.Equal(t, 9, in.Unread())

	require.NoError(t, in.MarkAllRead(context.Background()))
	assert.Equal(t, 1, backend.calls["markAll"])
	assert.Zero(t, in.Unread())

	left, err := backend.CountUnreadNotifications(context.Background(), recipient)
	require.NoError(t, err)
	assert.Zero(t, left)
}

func TestMarkAllReadRestoresOlderCountOnFailure(t *testing.T) {
	backend := pagedBackend()
	backend.markAllFn = func(context.Context, string) (int, error) {
		return 0, errors.New("timeout")
	}
	in := openInbox(t, backend, realtime.NewHub(nil))

	require.Error(t, in.MarkAllRead(context.Background()))
	assert.Equal(t, 10, in.Unread())
}

func TestReadUpdateForOlderRowRefreshesUnread(t *testing.T) {
	hub := realtime.NewHub(nil)
	backend := pagedBackend()
	in := openInbox(t, backend, hub)
	require.Equal(t, 10, in.Unread())

	backend.mu.Lock()
	backend.items[57].Read = true
	read := backend.items[57]
	backend.mu.Unlock()
	publish(t, hub, realtime.Update, read)

	assert.Eventually(t, func() bool { return in.Unread() == 9 }, time.Second, 10*time.Millisecond)
	assert.Len(t, in.Notifications(), PageSize)
}

func TestMarkAllReadRollsBackOnFailure(t *testing.T) {
	alreadyRead := notification("n-2", "solution", now.Add(-time.Hour))
	alreadyRead.Read = true
	backend := newFakeBackend(notification("n-1", "comment", now), alreadyRead)
	backend.markAllFn = func(context.Context, string) (int, error) {
		return 0, errors.New("timeout")
	}
	in := openInbox(t, backend, realtime.NewHub(nil))

	require.Error(t, in.MarkAllRead(context.Background()))
	items := in.Notifications()
	assert.False(t, items[0].Read)
	assert.True(t, items[1].Read)
}

func TestWatchAndClose(t *testing.T) {
	hub := realtime.NewHub(nil)
	in, err := Open(context.Background(), newFakeBackend(), hub, recipient, WithClock(func() time.Time { return now }))
	require.NoError(t, err)

	frames := in.Watch(context.Background())
	first := <-frames
	assert.Zero(t, first.Unread)

	publish(t, hub, realtime.Insert, notification("n-1", "comment", now))
	second := <-frames
	assert.Equal(t, 1, second.Unread)

	in.Close()
	_, ok := <-frames
	assert.False(t, ok)
	assert.Zero(t, hub.Subscribers(realtime.Channel("notifications", "user_id", recipient)))
}

func TestCloseEndsWatchWithoutCancel(t *testing.T) {
	in, err := Open(context.Background(), newFakeBackend(), realtime.NewHub(nil), recipient)
	require.NoError(t, err)

	frames := in.Watch(context.Background())
	<-frames
	in.Close()

	select {
	case <-in.done:
	default:
		t.Fatal("done channel still open after Close")
	}
	_, ok := <-frames
	assert.False(t, ok)
}
