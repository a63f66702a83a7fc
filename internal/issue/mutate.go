package issue

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"civicportal/api/internal/store"
)

const (
	MaxCommentLength             = 1000
	MaxUpdateLength              = 2000
	MaxSolutionTitleLength       = 100
	MaxSolutionDescriptionLength = 2000
	MaxStatusNoteLength          = 2000
)

// Update types a viewer may post.
var UpdateTypes = []string{"general", "status", "progress", "solution", "official"}

// SolutionStatuses is the closed set of solution states; proposed is initial.
var SolutionStatuses = []string{"proposed", "under_review", "in_progress", "approved", "rejected", "implemented"}

// ToggleVote flips the viewer's vote on the issue.
func (v *View) ToggleVote(ctx context.Context) (Notice, error) {
	if n, err := v.requireParticipant(); err != nil {
		return n, err
	}
	var on bool
	var count int
	err := v.transact(ctx, keyVote, edit{
		apply: func() {
			on = !v.agg.Personal.Voted
			v.agg.Personal.Voted = on
			v.agg.Issue.VoteCount += delta(on)
		},
		undo: func() {
			v.agg.Personal.Voted = !on
			v.agg.Issue.VoteCount -= delta(on)
		},
	}, func(ctx context.Context) error {
		var err error
		count, err = v.backend.SetIssueVote(ctx, v.issueID, v.viewer.UserID, on)
		return err
	})
	if n, err := v.toggleOutcome(err, "vote"); err != nil {
		return n, err
	}
	v.adopt(func() bool { return setCount(&v.agg.Issue.VoteCount, count) })
	if on {
		return v.report(success("Vote recorded", "Thanks for supporting this issue."), nil), nil
	}
	return v.report(success("Vote removed", "Your vote has been withdrawn."), nil), nil
}

// ToggleWatch flips whether the viewer follows the issue.
func (v *View) ToggleWatch(ctx context.Context) (Notice, error) {
	if n, err := v.requireParticipant(); err != nil {
		return n, err
	}
	var on bool
	var count int
	err := v.transact(ctx, keyWatch, edit{
		apply: func() {
			on = !v.agg.Personal.Watching
			v.agg.Personal.Watching = on
			v.agg.Issue.WatchCount += delta(on)
		},
		undo: func() {
			v.agg.Personal.Watching = !on
			v.agg.Issue.WatchCount -= delta(on)
		},
	}, func(ctx context.Context) error {
		var err error
		count, err = v.backend.SetIssueWatch(ctx, v.issueID, v.viewer.UserID, on)
		return err
	})
	if n, err := v.toggleOutcome(err, "watch"); err != nil {
		return n, err
	}
	v.adopt(func() bool { return setCount(&v.agg.Issue.WatchCount, count) })
	if on {
		return v.report(success("Watching issue", "You will be notified about changes to this issue."), nil), nil
	}
	return v.report(success("Stopped watching", "You will no longer receive notifications for this issue."), nil), nil
}

// VoteSolution flips the viewer's vote on one of the issue's solutions.
func (v *View) VoteSolution(ctx context.Context, solutionID string) (Notice, error) {
	if n, err := v.requireParticipant(); err != nil {
		return n, err
	}
	if _, ok := v.solution(solutionID); !ok {
		return v.report(failure("Solution not found", "The solution may have been removed."), nil), fmt.Errorf("solution %s: %w", solutionID, ErrNotFound)
	}

	var on bool
	var count int
	err := v.transact(ctx, solutionVoteKey(solutionID), edit{
		apply: func() {
			on = !v.agg.Personal.SolutionVotes[solutionID]
			v.agg.Personal.SolutionVotes[solutionID] = on
			v.adjustSolutionVotesLocked(solutionID, delta(on))
		},
		undo: func() {
			v.agg.Personal.SolutionVotes[solutionID] = !on
			v.adjustSolutionVotesLocked(solutionID, -delta(on))
		},
	}, func(ctx context.Context) error {
		var err error
		count, err = v.backend.SetSolutionVote(ctx, solutionID, v.viewer.UserID, on)
		return err
	})
	if n, err := v.toggleOutcome(err, "solution vote"); err != nil {
		return n, err
	}
	v.adopt(func() bool {
		changed := false
		for i := range v.agg.Solutions {
			if v.agg.Solutions[i].ID == solutionID && setCount(&v.agg.Solutions[i].VoteCount, count) {
				changed = true
			}
		}
		return changed
	})
	if on {
		return v.report(success("Vote recorded", "Thanks for supporting this solution."), nil), nil
	}
	return v.report(success("Vote removed", "Your vote on this solution has been withdrawn."), nil), nil
}

func (v *View) adjustSolutionVotesLocked(solutionID string, d int) {
	for i := range v.agg.Solutions {
		if v.agg.Solutions[i].ID == solutionID {
			v.agg.Solutions[i].VoteCount += d
			return
		}
	}
}

func (v *View) toggleOutcome(err error, what string) (Notice, error) {
	switch {
	case err == nil:
		return Notice{}, nil
	case errors.Is(err, ErrInFlight):
		return v.report(noticeInFlight, nil), err
	case errors.Is(err, ErrClosed):
		return v.report(noticeClosed, nil), err
	default:
		err = remoteErr(what, err)
		return v.report(failure("Could not update "+what, "Your change was not saved. Please try again."), err), err
	}
}

// AddComment posts a comment. The placeholder appears at once and is replaced
// by the stored row, or removed if the write fails.
func (v *View) AddComment(ctx context.Context, content string) (Notice, error) {
	if n, err := v.requireAuthor(); err != nil {
		return n, err
	}
	body, n, err := v.validateText(content, MaxCommentLength, "Comment")
	if err != nil {
		return n, err
	}

	placeholder := store.Comment{
		ID:           v.tempID(),
		IssueID:      v.issueID,
		AuthorID:     v.viewer.UserID,
		AuthorName:   v.viewer.DisplayName,
		AuthorAvatar: v.viewer.AvatarURL,
		Content:      body,
		CreatedAt:    v.now(),
	}
	var saved store.Comment
	err = v.transact(ctx, "", v.placeholderEdit(placeholder.ID, func() {
		v.agg.Comments = insertByTime(v.agg.Comments, placeholder, commentAt)
	}, func() {
		v.agg.Comments = withoutID(v.agg.Comments, placeholder.ID, commentID)
	}), func(ctx context.Context) error {
		row := placeholder
		row.ID = ""
		var err error
		saved, err = v.backend.InsertComment(ctx, row)
		return err
	})
	if err != nil {
		return v.writeFailed(err, "comment")
	}

	v.settle(placeholder.ID, func() {
		v.agg.Comments = confirm(v.agg.Comments, placeholder.ID, saved, commentID, commentAt)
	})
	v.record(ctx, Activity{Kind: ActivityComment, CommentID: saved.ID, Summary: saved.Content})
	return v.report(success("Comment posted", "Your comment has been added."), nil), nil
}

// AddUpdate appends a timeline entry of the given type.
func (v *View) AddUpdate(ctx context.Context, updateType, content string) (Notice, error) {
	if n, err := v.requireAuthor(); err != nil {
		return n, err
	}
	updateType = strings.TrimSpace(updateType)
	if updateType == "" {
		updateType = "general"
	}
	if !slices.Contains(UpdateTypes, updateType) {
		return v.report(failure("Invalid update type", fmt.Sprintf("%q is not a known update type.", updateType)), nil), fmt.Errorf("update type %q: %w", updateType, ErrInvalidInput)
	}
	if updateType == "official" && !v.viewer.Elevated() {
		return v.report(noticeForbidden, nil), ErrForbidden
	}
	body, n, err := v.validateText(content, MaxUpdateLength, "Update")
	if err != nil {
		return n, err
	}

	saved, err := v.postUpdate(ctx, updateType, body)
	if err != nil {
		return v.writeFailed(err, "update")
	}
	v.record(ctx, Activity{Kind: ActivityUpdate, Summary: saved.Content})
	return v.report(success("Update posted", "Your update has been added to the timeline."), nil), nil
}

// postUpdate writes an already sanitized timeline entry through a placeholder.
func (v *View) postUpdate(ctx context.Context, updateType, body string) (store.Update, error) {
	authorID := v.viewer.UserID
	placeholder := store.Update{
		ID:         v.tempID(),
		IssueID:    v.issueID,
		AuthorID:   &authorID,
		AuthorName: v.viewer.DisplayName,
		Type:       updateType,
		Content:    body,
		CreatedAt:  v.now(),
	}
	var saved store.Update
	err := v.transact(ctx, "", v.placeholderEdit(placeholder.ID, func() {
		v.agg.Updates = insertByTime(v.agg.Updates, placeholder, updateAt)
	}, func() {
		v.agg.Updates = withoutID(v.agg.Updates, placeholder.ID, updateID)
	}), func(ctx context.Context) error {
		row := placeholder
		row.ID = ""
		var err error
		saved, err = v.backend.InsertUpdate(ctx, row)
		return err
	})
	if err != nil {
		return store.Update{}, err
	}
	v.settle(placeholder.ID, func() {
		v.agg.Updates = confirm(v.agg.Updates, placeholder.ID, saved, updateID, updateAt)
	})
	return saved, nil
}

// AddSolution proposes a solution and announces it on the timeline.
func (v *View) AddSolution(ctx context.Context, title, description string, estimatedCost float64) (Notice, error) {
	if n, err := v.requireAuthor(); err != nil {
		return n, err
	}
	cleanTitle, n, err := v.validateText(title, MaxSolutionTitleLength, "Title")
	if err != nil {
		return n, err
	}
	cleanDescription, n, err := v.validateText(description, MaxSolutionDescriptionLength, "Description")
	if err != nil {
		return n, err
	}
	if math.IsNaN(estimatedCost) || math.IsInf(estimatedCost, 0) || estimatedCost < 0 {
		return v.report(failure("Invalid cost", "Estimated cost must be a non-negative number."), nil), fmt.Errorf("estimated cost %v: %w", estimatedCost, ErrInvalidInput)
	}

	placeholder := store.Solution{
		ID:            v.tempID(),
		IssueID:       v.issueID,
		ProposedBy:    v.viewer.UserID,
		ProposerName:  v.viewer.DisplayName,
		Title:         cleanTitle,
		Description:   cleanDescription,
		EstimatedCost: estimatedCost,
		Status:        "proposed",
		CreatedAt:     v.now(),
		UpdatedAt:     v.now(),
	}
	var saved store.Solution
	err = v.transact(ctx, "", v.placeholderEdit(placeholder.ID, func() {
		v.agg.Solutions = insertByTime(v.agg.Solutions, placeholder, solutionAt)
	}, func() {
		v.agg.Solutions = withoutID(v.agg.Solutions, placeholder.ID, solutionID)
	}), func(ctx context.Context) error {
		row := placeholder
		row.ID = ""
		var err error
		saved, err = v.backend.InsertSolution(ctx, row)
		return err
	})
	if err != nil {
		return v.writeFailed(err, "solution")
	}
	v.settle(placeholder.ID, func() {
		v.agg.Solutions = confirm(v.agg.Solutions, placeholder.ID, saved, solutionID, solutionAt)
	})

	if _, err := v.postUpdate(ctx, "solution", "New solution proposed: "+cleanTitle); err != nil {
		v.log.Warn("solution announcement not saved", zap.String("solution_id", saved.ID), zap.Error(err))
	}
	v.record(ctx, Activity{Kind: ActivitySolution, SolutionID: saved.ID, Summary: saved.Title})
	return v.report(success("Solution proposed", "Your solution has been added."), nil), nil
}

// UpdateSolutionStatus moves a solution to status. Only its proposer or an
// elevated role may do so.
func (v *View) UpdateSolutionStatus(ctx context.Context, solutionID, status, note string) (Notice, error) {
	if n, err := v.requireParticipant(); err != nil {
		return n, err
	}
	current, ok := v.solution(solutionID)
	if !ok {
		return v.report(failure("Solution not found", "The solution may have been removed."), nil), fmt.Errorf("solution %s: %w", solutionID, ErrNotFound)
	}
	if !v.viewer.Elevated() && current.ProposedBy != v.viewer.UserID {
		return v.report(noticeForbidden, nil), ErrForbidden
	}
	status = strings.TrimSpace(status)
	if !slices.Contains(SolutionStatuses, status) {
		return v.report(failure("Invalid status", fmt.Sprintf("%q is not a valid solution status.", status)), nil), fmt.Errorf("solution status %q: %w", status, ErrInvalidInput)
	}
	note = strings.TrimSpace(note)
	if utf8.RuneCountInString(note) > MaxStatusNoteLength {
		return v.report(failure("Note too long", fmt.Sprintf("Notes are limited to %d characters.", MaxStatusNoteLength)), nil), ErrTooLong
	}

	saved, err := v.backend.UpdateSolutionStatus(ctx, solutionID, status)
	if err != nil {
		return v.writeFailed(err, "solution status")
	}
	v.mu.Lock()
	if !v.closed {
		v.mergeSolutionLocked(saved)
		v.broadcastLocked()
	}
	v.mu.Unlock()

	message := fmt.Sprintf("Solution %s status changed from %s to %s.", current.Title, current.Status, status)
	if note != "" {
		message += " Note: " + Sanitize(note)
	}
	if _, err := v.postUpdate(ctx, "status", message); err != nil {
		v.log.Warn("status change update not saved", zap.String("solution_id", solutionID), zap.Error(err))
	}
	v.record(ctx, Activity{Kind: ActivitySolutionStatus, SolutionID: solutionID, Summary: message})
	return v.report(success("Status updated", fmt.Sprintf("Solution is now %s.", status)), nil), nil
}

// MarkSolutionOfficial designates a solution as the official one. Sibling
// solutions change too, so the whole aggregate is reloaded afterwards.
func (v *View) MarkSolutionOfficial(ctx context.Context, solutionID string) (Notice, error) {
	if n, err := v.requireParticipant(); err != nil {
		return n, err
	}
	if !v.viewer.Elevated() {
		return v.report(noticeForbidden, nil), ErrForbidden
	}
	if _, ok := v.solution(solutionID); !ok {
		return v.report(failure("Solution not found", "The solution may have been removed."), nil), fmt.Errorf("solution %s: %w", solutionID, ErrNotFound)
	}
	if _, err := v.backend.MarkSolutionOfficial(ctx, solutionID, v.viewer.UserID, v.viewer.DisplayName); err != nil {
		return v.writeFailed(err, "official solution")
	}
	if err := v.Refresh(ctx); err != nil {
		v.log.Warn("reload after official designation failed", zap.Error(err))
	}
	v.record(ctx, Activity{Kind: ActivityOfficial, SolutionID: solutionID})
	return v.report(success("Official solution set", "The solution has been marked as official."), nil), nil
}

// solution finds a confirmed solution; placeholders are not addressable yet.
func (v *View) solution(id string) (store.Solution, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.isPendingLocked(id) {
		return store.Solution{}, false
	}
	for _, s := range v.agg.Solutions {
		if s.ID == id {
			return s, true
		}
	}
	return store.Solution{}, false
}

// validateText trims s, enforces 1..max characters and returns it sanitized.
func (v *View) validateText(s string, limit int, field string) (string, Notice, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return "", v.report(failure(field+" required", field+" cannot be empty."), nil), fmt.Errorf("%s: %w", strings.ToLower(field), ErrEmptyContent)
	}
	if utf8.RuneCountInString(trimmed) > limit {
		return "", v.report(failure(field+" too long", fmt.Sprintf("%s is limited to %d characters.", field, limit)), nil), fmt.Errorf("%s: %w", strings.ToLower(field), ErrTooLong)
	}
	return Sanitize(trimmed), Notice{}, nil
}

func (v *View) placeholderEdit(tempID string, add, remove func()) edit {
	return edit{
		apply: func() {
			v.pending[tempID] = struct{}{}
			add()
		},
		undo: func() {
			delete(v.pending, tempID)
			remove()
		},
	}
}

// settle replaces a confirmed placeholder with its stored row.
// adopt applies a value the backend reported for a successful write. It
// corrects counts that drifted when the local flag was stale. Watchers hear
// about it only when set reports a change.
func (v *View) adopt(set func() bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return
	}
	if set() {
		v.broadcastLocked()
	}
}

func setCount(dst *int, n int) bool {
	if *dst == n {
		return false
	}
	*dst = n
	return true
}

func (v *View) settle(tempID string, replace func()) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return
	}
	delete(v.pending, tempID)
	replace()
	v.broadcastLocked()
}

func (v *View) writeFailed(err error, what string) (Notice, error) {
	if errors.Is(err, ErrClosed) {
		return v.report(noticeClosed, nil), err
	}
	err = remoteErr(what, err)
	return v.report(failure("Could not save "+what, "Your change was not saved. Please try again."), err), err
}
