package issue

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"civicportal/api/internal/realtime"
	"civicportal/api/internal/util"
)

type FrameKind string

const (
	FrameSnapshot FrameKind = "snapshot"
	FrameNotice   FrameKind = "notice"
)

// Frame is one message to a watcher of a view.
type Frame struct {
	Kind     FrameKind  `json:"kind"`
	Snapshot *Aggregate `json:"snapshot,omitempty"`
	Notice   *Notice    `json:"notice,omitempty"`
}

const watchBuffer = 16

// View is the live, per-viewer projection of one issue aggregate. It merges
// the viewer's optimistic writes with row changes from the realtime feed.
// All state is guarded by mu; remote calls never run with mu held.
type View struct {
	issueID  string
	viewer   Viewer
	backend  Backend
	feed     realtime.Feed
	notifier Notifier
	sink     ActivitySink
	log      *zap.Logger
	now      func() time.Time
	tempID   func() string
	done     chan struct{}

	mu       sync.Mutex
	agg      Aggregate
	pending  map[string]struct{}
	inFlight map[string]bool
	loading  int
	backlog  []realtime.Event
	subs     []realtime.Subscription
	watchers map[int]chan Frame
	nextWID  int
	closed   bool
}

type Option func(*View)

func WithNotifier(n Notifier) Option {
	return func(v *View) {
		if n != nil {
			v.notifier = n
		}
	}
}

func WithActivitySink(s ActivitySink) Option {
	return func(v *View) { v.sink = s }
}

func WithLogger(log *zap.Logger) Option {
	return func(v *View) {
		if log != nil {
			v.log = log
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(v *View) {
		if now != nil {
			v.now = now
		}
	}
}

// Open subscribes to the issue's row changes, loads the aggregate and returns
// the live view. Events arriving during the load are replayed on top of it.
// A failed subscription leaves the view usable without live updates.
func Open(ctx context.Context, backend Backend, feed realtime.Feed, issueID string, viewer Viewer, opts ...Option) (*View, error) {
	issueID = strings.TrimSpace(issueID)
	if issueID == "" {
		return nil, ErrMissingIssueID
	}

	v := &View{
		issueID:  issueID,
		viewer:   viewer,
		backend:  backend,
		feed:     feed,
		notifier: nopNotifier{},
		log:      zap.NewNop(),
		now:      time.Now,
		tempID:   func() string { return util.NewID("tmp") },
		pending:  make(map[string]struct{}),
		inFlight: make(map[string]bool),
		watchers: make(map[int]chan Frame),
		done:     make(chan struct{}),
		loading:  1,
	}
	for _, opt := range opts {
		opt(v)
	}
	v.log = v.log.With(zap.String("issue_id", issueID), zap.String("viewer_id", viewer.UserID))

	if feed != nil {
		if err := v.subscribe(ctx); err != nil {
			v.log.Warn("realtime subscribe failed; view will not receive live updates", zap.Error(err))
		}
	}

	agg, err := Load(ctx, backend, issueID, viewer)
	if err != nil {
		v.Close()
		return nil, err
	}

	v.mu.Lock()
	v.agg = agg
	v.loading--
	v.replayLocked()
	v.mu.Unlock()
	return v, nil
}

func (v *View) IssueID() string { return v.issueID }

func (v *View) Viewer() Viewer { return v.viewer }

// Snapshot returns a copy of the current aggregate.
func (v *View) Snapshot() Aggregate {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.agg.Clone()
}

// Refresh reloads the aggregate from the backend, keeping optimistic
// placeholders and in-flight toggles in place.
func (v *View) Refresh(ctx context.Context) error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return ErrClosed
	}
	v.loading++
	v.mu.Unlock()

	agg, err := Load(ctx, v.backend, v.issueID, v.viewer)

	v.mu.Lock()
	defer v.mu.Unlock()
	v.loading--
	if v.closed {
		return ErrClosed
	}
	if err != nil {
		v.replayLocked()
		return err
	}
	v.preserveInFlightLocked(&agg)
	v.carryPendingLocked(&agg)
	v.agg = agg
	v.replayLocked()
	v.broadcastLocked()
	return nil
}

// Watch streams frames until ctx is done or the view closes. The current
// snapshot is sent first. Slow watchers miss frames rather than block the view.
func (v *View) Watch(ctx context.Context) <-chan Frame {
	ch := make(chan Frame, watchBuffer)

	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		close(ch)
		return ch
	}
	id := v.nextWID
	v.nextWID++
	v.watchers[id] = ch
	snap := v.agg.Clone()
	ch <- Frame{Kind: FrameSnapshot, Snapshot: &snap}
	v.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-v.done:
		}
		v.mu.Lock()
		defer v.mu.Unlock()
		if w, ok := v.watchers[id]; ok {
			delete(v.watchers, id)
			close(w)
		}
	}()
	return ch
}

// Close releases every subscription and watcher. State writes from calls
// still in flight are discarded afterwards.
func (v *View) Close() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.closed = true
	close(v.done)
	subs := v.subs
	v.subs = nil
	for id, w := range v.watchers {
		delete(v.watchers, id)
		close(w)
	}
	v.backlog = nil
	v.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
}

func (v *View) broadcastLocked() {
	if len(v.watchers) == 0 {
		return
	}
	snap := v.agg.Clone()
	v.sendLocked(Frame{Kind: FrameSnapshot, Snapshot: &snap})
}

func (v *View) sendLocked(f Frame) {
	for id, w := range v.watchers {
		select {
		case w <- f:
		default:
			v.log.Debug("watcher lagging; frame dropped", zap.Int("watcher", id), zap.String("kind", string(f.Kind)))
		}
	}
}

// report delivers a notice to the notifier and to watchers, and logs failures.
func (v *View) report(n Notice, err error) Notice {
	if err != nil {
		v.log.Warn(n.Title, zap.String("description", n.Description), zap.Error(err))
	}
	v.notifier.Notify(n)
	v.mu.Lock()
	if !v.closed {
		notice := n
		v.sendLocked(Frame{Kind: FrameNotice, Notice: &notice})
	}
	v.mu.Unlock()
	return n
}

func (v *View) record(ctx context.Context, a Activity) {
	if v.sink == nil {
		return
	}
	a.IssueID = v.issueID
	a.ActorID = v.viewer.UserID
	a.ActorName = v.viewer.DisplayName
	v.sink.Record(ctx, a)
}

func (v *View) requireParticipant() (Notice, error) {
	if !v.viewer.Authenticated() {
		return v.report(noticeAuthRequired, nil), ErrAuthRequired
	}
	return Notice{}, nil
}

func (v *View) requireAuthor() (Notice, error) {
	if n, err := v.requireParticipant(); err != nil {
		return n, err
	}
	if !v.viewer.HasProfile {
		return v.report(noticeProfileRequired, nil), ErrProfileRequired
	}
	return Notice{}, nil
}

func remoteErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrRemote, op, err)
}
