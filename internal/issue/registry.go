package issue

import (
	"context"
	"strings"
	"sync"

	"civicportal/api/internal/realtime"
)

// Registry shares one live View per (viewer, issue) among concurrent callers
// and closes it when the last caller releases it.
type Registry struct {
	backend Backend
	feed    realtime.Feed
	opts    []Option

	mu      sync.Mutex
	entries map[viewKey]*registryEntry
}

type viewKey struct {
	userID  string
	issueID string
}

type registryEntry struct {
	view  *View
	err   error
	refs  int
	ready chan struct{}
}

func NewRegistry(backend Backend, feed realtime.Feed, opts ...Option) *Registry {
	return &Registry{
		backend: backend,
		feed:    feed,
		opts:    opts,
		entries: make(map[viewKey]*registryEntry),
	}
}

// Acquire returns the shared view and a release func that must be called
// exactly once when the caller is done with it.
func (r *Registry) Acquire(ctx context.Context, viewer Viewer, issueID string, opts ...Option) (*View, func(), error) {
	issueID = strings.TrimSpace(issueID)
	if issueID == "" {
		return nil, nil, ErrMissingIssueID
	}
	key := viewKey{userID: viewer.UserID, issueID: issueID}

	r.mu.Lock()
	if e, ok := r.entries[key]; ok {
		e.refs++
		r.mu.Unlock()
		return r.await(ctx, key, e)
	}
	e := &registryEntry{refs: 1, ready: make(chan struct{})}
	r.entries[key] = e
	r.mu.Unlock()

	view, err := Open(context.WithoutCancel(ctx), r.backend, r.feed, issueID, viewer, r.options(opts)...)
	e.view, e.err = view, err
	if err != nil {
		r.mu.Lock()
		if r.entries[key] == e {
			delete(r.entries, key)
		}
		r.mu.Unlock()
		close(e.ready)
		return nil, nil, err
	}
	close(e.ready)
	return view, r.releaser(key, e), nil
}

// Borrow is Acquire for one-shot requests. It shares the live view when one
// is open; otherwise it opens a private view with no feed subscriptions,
// which release closes.
func (r *Registry) Borrow(ctx context.Context, viewer Viewer, issueID string, opts ...Option) (*View, func(), error) {
	issueID = strings.TrimSpace(issueID)
	if issueID == "" {
		return nil, nil, ErrMissingIssueID
	}
	key := viewKey{userID: viewer.UserID, issueID: issueID}

	r.mu.Lock()
	if e, ok := r.entries[key]; ok {
		e.refs++
		r.mu.Unlock()
		return r.await(ctx, key, e)
	}
	r.mu.Unlock()

	view, err := Open(ctx, r.backend, nil, issueID, viewer, r.options(opts)...)
	if err != nil {
		return nil, nil, err
	}
	var once sync.Once
	return view, func() { once.Do(view.Close) }, nil
}

// await waits for another caller's open of e. A caller that gives up hands
// its reference back once the open settles.
func (r *Registry) await(ctx context.Context, key viewKey, e *registryEntry) (*View, func(), error) {
	select {
	case <-e.ready:
	case <-ctx.Done():
		go func() {
			<-e.ready
			if e.err == nil {
				r.releaser(key, e)()
			}
		}()
		return nil, nil, ctx.Err()
	}
	if e.err != nil {
		return nil, nil, e.err
	}
	return e.view, r.releaser(key, e), nil
}

func (r *Registry) options(extra []Option) []Option {
	return append(append([]Option{}, r.opts...), extra...)
}

func (r *Registry) releaser(key viewKey, e *registryEntry) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			e.refs--
			last := e.refs == 0
			if last && r.entries[key] == e {
				delete(r.entries, key)
			}
			r.mu.Unlock()
			if last {
				e.view.Close()
			}
		})
	}
}

// Len reports how many views are open.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Close closes every open view regardless of outstanding references.
func (r *Registry) Close() {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[viewKey]*registryEntry)
	r.mu.Unlock()
	for _, e := range entries {
		<-e.ready
		if e.view != nil {
			e.view.Close()
		}
	}
}
