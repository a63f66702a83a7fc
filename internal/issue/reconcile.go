package issue

import (
	"context"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"civicportal/api/internal/realtime"
	"civicportal/api/internal/store"
)

// DedupWindow is how far apart an optimistic placeholder and the row that
// confirms it may be stamped and still be treated as the same write.
const DedupWindow = 5 * time.Second

func (v *View) subscribe(ctx context.Context) error {
	filters := []realtime.Filter{
		{Table: "comments", Column: "issue_id", Value: v.issueID, Events: []realtime.EventType{realtime.Insert, realtime.Update}},
		{Table: "updates", Column: "issue_id", Value: v.issueID, Events: []realtime.EventType{realtime.Insert, realtime.Update}},
		{Table: "solutions", Column: "issue_id", Value: v.issueID, Events: []realtime.EventType{realtime.Insert, realtime.Update}},
		{Table: "issues", Column: "id", Value: v.issueID, Events: []realtime.EventType{realtime.Update}},
	}
	for _, filter := range filters {
		sub, err := v.feed.Subscribe(ctx, filter, v.handle)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", filter.Table, err)
		}
		v.mu.Lock()
		if v.closed {
			v.mu.Unlock()
			sub.Unsubscribe()
			return ErrClosed
		}
		v.subs = append(v.subs, sub)
		v.mu.Unlock()
	}
	return nil
}

func (v *View) handle(e realtime.Event) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return
	}
	if v.loading > 0 {
		v.backlog = append(v.backlog, e)
		return
	}
	if v.applyLocked(e) {
		v.broadcastLocked()
	}
}

func (v *View) replayLocked() {
	if v.loading > 0 || len(v.backlog) == 0 {
		return
	}
	backlog := v.backlog
	v.backlog = nil
	for _, e := range backlog {
		v.applyLocked(e)
	}
}

// applyLocked merges one row change and reports whether state changed.
// Undecodable, duplicate and out-of-scope events are dropped.
func (v *View) applyLocked(e realtime.Event) bool {
	var (
		changed bool
		err     error
	)
	switch e.Table {
	case "comments":
		var c realtime.Change[store.Comment]
		if c, err = realtime.Decode[store.Comment](e); err == nil {
			changed = v.mergeCommentLocked(c.New)
		}
	case "updates":
		var c realtime.Change[store.Update]
		if c, err = realtime.Decode[store.Update](e); err == nil {
			changed = v.mergeUpdateLocked(c.New)
		}
	case "solutions":
		var c realtime.Change[store.Solution]
		if c, err = realtime.Decode[store.Solution](e); err == nil {
			changed = v.mergeSolutionLocked(c.New)
		}
	case "issues":
		var c realtime.Change[store.Issue]
		if c, err = realtime.Decode[store.Issue](e); err == nil && c.Kind == realtime.Updated {
			changed = v.mergeIssueLocked(c.New)
		}
	}
	if err != nil {
		v.log.Debug("drop undecodable row change", zap.String("table", e.Table), zap.Error(err))
	}
	return changed
}

func within(a, b time.Time, window time.Duration) bool {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d <= window
}

func (v *View) isPendingLocked(id string) bool {
	_, ok := v.pending[id]
	return ok
}

// mergeCommentLocked adds c unless it is already present, either by id or as
// a pending placeholder for the same write. A matched placeholder takes the
// authoritative row in place.
func (v *View) mergeCommentLocked(c store.Comment) bool {
	if c.IssueID != v.issueID {
		return false
	}
	for _, existing := range v.agg.Comments {
		if existing.ID == c.ID {
			return false
		}
	}
	for i, existing := range v.agg.Comments {
		if v.isPendingLocked(existing.ID) && sameComment(existing, c) {
			delete(v.pending, existing.ID)
			v.agg.Comments[i] = c
			return true
		}
	}
	v.agg.Comments = insertByTime(v.agg.Comments, c, commentAt)
	return true
}

func (v *View) mergeUpdateLocked(u store.Update) bool {
	if u.IssueID != v.issueID {
		return false
	}
	for _, existing := range v.agg.Updates {
		if existing.ID == u.ID {
			return false
		}
	}
	for i, existing := range v.agg.Updates {
		if v.isPendingLocked(existing.ID) && sameUpdate(existing, u) {
			delete(v.pending, existing.ID)
			v.agg.Updates[i] = u
			return true
		}
	}
	v.agg.Updates = insertByTime(v.agg.Updates, u, updateAt)
	return true
}

// mergeSolutionLocked inserts new solutions and replaces known ones. While the
// viewer's own vote on a solution is in flight its optimistic count is kept.
func (v *View) mergeSolutionLocked(s store.Solution) bool {
	if s.IssueID != v.issueID {
		return false
	}
	for i, existing := range v.agg.Solutions {
		if existing.ID != s.ID {
			continue
		}
		if v.isInFlightLocked(solutionVoteKey(s.ID)) {
			s.VoteCount = existing.VoteCount
		}
		if existing == s {
			return false
		}
		v.agg.Solutions[i] = s
		return true
	}
	for i, existing := range v.agg.Solutions {
		if v.isPendingLocked(existing.ID) && sameSolution(existing, s) {
			delete(v.pending, existing.ID)
			v.agg.Solutions[i] = s
			return true
		}
	}
	v.agg.Solutions = insertByTime(v.agg.Solutions, s, solutionAt)
	return true
}

// mergeIssueLocked adopts the issue row, except for counters with a toggle of
// this viewer still in flight.
func (v *View) mergeIssueLocked(item store.Issue) bool {
	if item.ID != v.issueID {
		return false
	}
	if v.isInFlightLocked(keyVote) {
		item.VoteCount = v.agg.Issue.VoteCount
	}
	if v.isInFlightLocked(keyWatch) {
		item.WatchCount = v.agg.Issue.WatchCount
	}
	v.agg.Issue = item
	return true
}

// preserveInFlightLocked copies optimistic toggle state from the current
// aggregate into a freshly loaded one.
func (v *View) preserveInFlightLocked(next *Aggregate) {
	cur := &v.agg
	if v.isInFlightLocked(keyVote) {
		next.Issue.VoteCount = cur.Issue.VoteCount
		if cur.Personal != nil && next.Personal != nil {
			next.Personal.Voted = cur.Personal.Voted
		}
	}
	if v.isInFlightLocked(keyWatch) {
		next.Issue.WatchCount = cur.Issue.WatchCount
		if cur.Personal != nil && next.Personal != nil {
			next.Personal.Watching = cur.Personal.Watching
		}
	}
	for _, s := range cur.Solutions {
		if !v.isInFlightLocked(solutionVoteKey(s.ID)) {
			continue
		}
		for i := range next.Solutions {
			if next.Solutions[i].ID == s.ID {
				next.Solutions[i].VoteCount = s.VoteCount
			}
		}
		if cur.Personal != nil && next.Personal != nil {
			next.Personal.SolutionVotes[s.ID] = cur.Personal.SolutionVotes[s.ID]
		}
	}
}

// carryPendingLocked re-adds placeholders still awaiting confirmation, unless
// the freshly loaded rows already contain the write they stand for.
func (v *View) carryPendingLocked(next *Aggregate) {
	if len(v.pending) == 0 {
		return
	}
	for _, c := range v.agg.Comments {
		if !v.isPendingLocked(c.ID) {
			continue
		}
		if slices.ContainsFunc(next.Comments, func(x store.Comment) bool { return sameComment(c, x) }) {
			delete(v.pending, c.ID)
			continue
		}
		next.Comments = insertByTime(next.Comments, c, commentAt)
	}
	for _, u := range v.agg.Updates {
		if !v.isPendingLocked(u.ID) {
			continue
		}
		if slices.ContainsFunc(next.Updates, func(x store.Update) bool { return sameUpdate(u, x) }) {
			delete(v.pending, u.ID)
			continue
		}
		next.Updates = insertByTime(next.Updates, u, updateAt)
	}
	for _, sol := range v.agg.Solutions {
		if !v.isPendingLocked(sol.ID) {
			continue
		}
		if slices.ContainsFunc(next.Solutions, func(x store.Solution) bool { return sameSolution(sol, x) }) {
			delete(v.pending, sol.ID)
			continue
		}
		next.Solutions = insertByTime(next.Solutions, sol, solutionAt)
	}
}

// sameComment reports whether a placeholder and a row describe the same write.
func sameComment(p, c store.Comment) bool {
	return p.IssueID == c.IssueID &&
		p.AuthorID == c.AuthorID &&
		p.Content == c.Content &&
		within(p.CreatedAt, c.CreatedAt, DedupWindow)
}

func sameUpdate(p, u store.Update) bool {
	return p.IssueID == u.IssueID &&
		p.Type == u.Type &&
		sameRef(p.AuthorID, u.AuthorID) &&
		p.Content == u.Content &&
		within(p.CreatedAt, u.CreatedAt, DedupWindow)
}

func sameSolution(p, s store.Solution) bool {
	return p.IssueID == s.IssueID &&
		p.ProposedBy == s.ProposedBy &&
		p.Title == s.Title &&
		p.Description == s.Description &&
		within(p.CreatedAt, s.CreatedAt, DedupWindow)
}

// confirm swaps the placeholder tempID for the authoritative row. If the row
// already arrived on its own the placeholder is simply dropped.
func confirm[T any](items []T, tempID string, row T, id func(T) string, at func(T) time.Time) []T {
	rowID := id(row)
	if slices.ContainsFunc(items, func(x T) bool { return id(x) == rowID }) {
		return slices.DeleteFunc(items, func(x T) bool { return id(x) == tempID })
	}
	if i := slices.IndexFunc(items, func(x T) bool { return id(x) == tempID }); i >= 0 {
		items[i] = row
		return items
	}
	return insertByTime(items, row, at)
}

func withoutID[T any](items []T, tempID string, id func(T) string) []T {
	return slices.DeleteFunc(items, func(x T) bool { return id(x) == tempID })
}

func commentID(c store.Comment) string      { return c.ID }
func commentAt(c store.Comment) time.Time   { return c.CreatedAt }
func updateID(u store.Update) string        { return u.ID }
func updateAt(u store.Update) time.Time     { return u.CreatedAt }
func solutionID(s store.Solution) string    { return s.ID }
func solutionAt(s store.Solution) time.Time { return s.CreatedAt }

// insertByTime keeps items ordered by creation time, placing ties last.
func insertByTime[T any](items []T, item T, at func(T) time.Time) []T {
	ts := at(item)
	i := len(items)
	for i > 0 && at(items[i-1]).After(ts) {
		i--
	}
	return slices.Insert(items, i, item)
}

func sameRef(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
