// Package inbox keeps a live, per-recipient list of notifications.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"civicportal/api/internal/realtime"
	"civicportal/api/internal/store"
)

const (
	PageSize     = 50
	DedupWindow  = 5 * time.Second
	watchBuffer  = 16
	recountLimit = 5 * time.Second
)

var (
	ErrAuthRequired = errors.New("authentication required")
	ErrNotFound     = errors.New("notification not found")
	ErrLoadFailed   = errors.New("failed to load notifications")
	ErrClosed       = errors.New("inbox closed")
)

type Backend interface {
	ListNotifications(ctx context.Context, userID string, limit int) ([]store.Notification, error)
	MarkNotificationRead(ctx context.Context, userID, notificationID string) error
	MarkAllNotificationsRead(ctx context.Context, userID string) (int, error)
	CountUnreadNotifications(ctx context.Context, userID string) (int, error)
}

// Frame is the inbox state pushed to watchers.
type Frame struct {
	Notifications []store.Notification `json:"notifications"`
	Unread        int                  `json:"unread"`
}

type Inbox struct {
	userID  string
	backend Backend
	feed    realtime.Feed
	log     *zap.Logger
	now     func() time.Time

	done chan struct{}

	mu    sync.Mutex
	items []store.Notification
	// unreadOlder counts unread rows past the loaded page.
	unreadOlder int
	loading     bool
	backlog  []realtime.Event
	sub      realtime.Subscription
	watchers map[int]chan Frame
	nextWID  int
	closed   bool
}

type Option func(*Inbox)

func WithLogger(log *zap.Logger) Option {
	return func(in *Inbox) {
		if log != nil {
			in.log = log
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(in *Inbox) {
		if now != nil {
			in.now = now
		}
	}
}

// Open subscribes to the recipient's notification rows and loads the newest
// page. Rows arriving while the page loads are merged afterwards.
func Open(ctx context.Context, backend Backend, feed realtime.Feed, userID string, opts ...Option) (*Inbox, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, ErrAuthRequired
	}
	in := &Inbox{
		userID:   userID,
		backend:  backend,
		feed:     feed,
		log:      zap.NewNop(),
		now:      time.Now,
		loading:  true,
		watchers: make(map[int]chan Frame),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(in)
	}
	in.log = in.log.With(zap.String("user_id", userID))

	if feed != nil {
		sub, err := feed.Subscribe(ctx, realtime.Filter{
			Table:  "notifications",
			Column: "user_id",
			Value:  userID,
			Events: []realtime.EventType{realtime.Insert, realtime.Update},
		}, in.handle)
		if err != nil {
			in.log.Warn("notification subscribe failed; inbox will not receive live updates", zap.Error(err))
		} else {
			in.mu.Lock()
			in.sub = sub
			in.mu.Unlock()
		}
	}

	items, err := backend.ListNotifications(ctx, userID, PageSize)
	if err != nil {
		in.Close()
		return nil, fmt.Errorf("%w: %w", ErrLoadFailed, err)
	}

	older := 0
	if len(items) >= PageSize {
		total, err := backend.CountUnreadNotifications(ctx, userID)
		if err != nil {
			in.log.Warn("count unread notifications failed; badge covers the loaded page only", zap.Error(err))
		} else {
			older = max(0, total-countUnread(items))
		}
	}

	in.mu.Lock()
	in.items = items
	if in.items == nil {
		in.items = []store.Notification{}
	}
	in.unreadOlder = older
	in.loading = false
	backlog := in.backlog
	in.backlog = nil
	for _, e := range backlog {
		in.applyLocked(e)
	}
	in.mu.Unlock()
	return in, nil
}

func (in *Inbox) UserID() string { return in.userID }

// Notifications returns a copy of the current list, newest first.
func (in *Inbox) Notifications() []store.Notification {
	in.mu.Lock()
	defer in.mu.Unlock()
	return slices.Clone(in.items)
}

func (in *Inbox) Unread() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.unreadLocked()
}

func (in *Inbox) unreadLocked() int {
	return countUnread(in.items) + in.unreadOlder
}

func countUnread(items []store.Notification) int {
	n := 0
	for _, item := range items {
		if !item.Read {
			n++
		}
	}
	return n
}

// recountOlder refreshes the unread count of rows outside the loaded page
// from the store.
func (in *Inbox) recountOlder(ctx context.Context) {
	total, err := in.backend.CountUnreadNotifications(ctx, in.userID)
	if err != nil {
		in.log.Warn("count unread notifications failed", zap.Error(err))
		return
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return
	}
	older := max(0, total-countUnread(in.items))
	if older != in.unreadOlder {
		in.unreadOlder = older
		in.broadcastLocked()
	}
}

// MarkRead marks one notification read, restoring it if the write fails.
// Rows outside the loaded page are written through without a local flip.
func (in *Inbox) MarkRead(ctx context.Context, notificationID string) error {
	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return ErrClosed
	}
	i := slices.IndexFunc(in.items, func(n store.Notification) bool { return n.ID == notificationID })
	if i < 0 {
		recount := in.unreadOlder > 0
		in.mu.Unlock()
		return in.markUnloaded(ctx, notificationID, recount)
	}
	prev := in.items[i]
	if prev.Read {
		in.mu.Unlock()
		return nil
	}
	now := in.now()
	in.items[i].Read = true
	in.items[i].ReadAt = &now
	in.broadcastLocked()
	in.mu.Unlock()

	err := in.backend.MarkNotificationRead(ctx, in.userID, notificationID)
	if err == nil {
		return nil
	}

	in.mu.Lock()
	defer in.mu.Unlock()
	if !in.closed {
		in.restoreLocked([]store.Notification{prev})
	}
	if store.IsNotFound(err) {
		return fmt.Errorf("notification %s: %w", notificationID, ErrNotFound)
	}
	in.log.Warn("mark notification read failed", zap.String("notification_id", notificationID), zap.Error(err))
	return fmt.Errorf("mark read: %w", err)
}

func (in *Inbox) markUnloaded(ctx context.Context, notificationID string, recount bool) error {
	err := in.backend.MarkNotificationRead(ctx, in.userID, notificationID)
	if store.IsNotFound(err) {
		return fmt.Errorf("notification %s: %w", notificationID, ErrNotFound)
	}
	if err != nil {
		in.log.Warn("mark notification read failed", zap.String("notification_id", notificationID), zap.Error(err))
		return fmt.Errorf("mark read: %w", err)
	}
	if recount {
		in.recountOlder(ctx)
	}
	return nil
}

// MarkAllRead marks every notification of the recipient read, loaded or
// not. Loaded rows and the badge are restored if the write fails.
func (in *Inbox) MarkAllRead(ctx context.Context) error {
	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return ErrClosed
	}
	now := in.now()
	var prev []store.Notification
	for i := range in.items {
		if in.items[i].Read {
			continue
		}
		prev = append(prev, in.items[i])
		in.items[i].Read = true
		in.items[i].ReadAt = &now
	}
	prevOlder := in.unreadOlder
	in.unreadOlder = 0
	if len(prev) > 0 || prevOlder > 0 {
		in.broadcastLocked()
	}
	in.mu.Unlock()

	if _, err := in.backend.MarkAllNotificationsRead(ctx, in.userID); err != nil {
		in.mu.Lock()
		defer in.mu.Unlock()
		if !in.closed {
			in.unreadOlder += prevOlder
			in.restoreLocked(prev)
		}
		in.log.Warn("mark all notifications read failed", zap.Error(err))
		return fmt.Errorf("mark all read: %w", err)
	}
	return nil
}

// restoreLocked puts back the pre-write copies of rows that are still
// marked read by our own optimistic write.
func (in *Inbox) restoreLocked(prev []store.Notification) {
	for _, p := range prev {
		for i := range in.items {
			if in.items[i].ID == p.ID {
				in.items[i].Read = p.Read
				in.items[i].ReadAt = p.ReadAt
			}
		}
	}
	in.broadcastLocked()
}

func (in *Inbox) handle(e realtime.Event) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return
	}
	if in.loading {
		in.backlog = append(in.backlog, e)
		return
	}
	if in.applyLocked(e) {
		in.broadcastLocked()
	}
}

// applyLocked merges one notification row. Rows for another recipient,
// expired rows and duplicates are dropped.
func (in *Inbox) applyLocked(e realtime.Event) bool {
	change, err := realtime.Decode[store.Notification](e)
	if err != nil {
		in.log.Debug("drop undecodable notification", zap.Error(err))
		return false
	}
	n := change.New
	if n.UserID != in.userID {
		return false
	}
	if n.ExpiresAt != nil && !n.ExpiresAt.After(in.now()) {
		return false
	}
	if i := slices.IndexFunc(in.items, func(x store.Notification) bool { return x.ID == n.ID }); i >= 0 {
		if change.Kind != realtime.Updated || in.items[i] == n {
			return false
		}
		in.items[i] = n
		return true
	}
	if change.Kind == realtime.Updated {
		// Not in the page: the row is older than anything loaded.
		if n.Read && in.unreadOlder > 0 && (change.Old == nil || !change.Old.Read) {
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), recountLimit)
				defer cancel()
				in.recountOlder(ctx)
			}()
		}
		return false
	}
	if change.Kind == realtime.Inserted && slices.ContainsFunc(in.items, func(x store.Notification) bool { return duplicate(x, n) }) {
		return false
	}
	in.items = slices.Insert(in.items, 0, n)
	return true
}

// duplicate reports whether two rows announce the same event: same type and
// subject, created within DedupWindow of each other.
func duplicate(a, b store.Notification) bool {
	if a.Type != b.Type || !sameRef(a.IssueID, b.IssueID) || !sameRef(a.CommentID, b.CommentID) || !sameRef(a.SolutionID, b.SolutionID) {
		return false
	}
	d := a.CreatedAt.Sub(b.CreatedAt)
	if d < 0 {
		d = -d
	}
	return d <= DedupWindow
}

func sameRef(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// Watch streams the inbox state until ctx is done or the inbox closes.
func (in *Inbox) Watch(ctx context.Context) <-chan Frame {
	ch := make(chan Frame, watchBuffer)
	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		close(ch)
		return ch
	}
	id := in.nextWID
	in.nextWID++
	in.watchers[id] = ch
	ch <- in.frameLocked()
	in.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-in.done:
		}
		in.mu.Lock()
		defer in.mu.Unlock()
		if w, ok := in.watchers[id]; ok {
			delete(in.watchers, id)
			close(w)
		}
	}()
	return ch
}

func (in *Inbox) frameLocked() Frame {
	return Frame{Notifications: slices.Clone(in.items), Unread: in.unreadLocked()}
}

func (in *Inbox) broadcastLocked() {
	if len(in.watchers) == 0 {
		return
	}
	f := in.frameLocked()
	for id, w := range in.watchers {
		select {
		case w <- f:
		default:
			in.log.Debug("inbox watcher lagging; frame dropped", zap.Int("watcher", id))
		}
	}
}

func (in *Inbox) Close() {
	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return
	}
	in.closed = true
	close(in.done)
	sub := in.sub
	in.sub = nil
	for id, w := range in.watchers {
		delete(in.watchers, id)
		close(w)
	}
	in.backlog = nil
	in.mu.Unlock()
	if sub != nil {
		sub.Unsubscribe()
	}
}
