package app

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"civicportal/api/internal/export"
	"civicportal/api/internal/inbox"
	"civicportal/api/internal/issue"
	"civicportal/api/internal/jobs"
	"civicportal/api/internal/media"
	"civicportal/api/internal/rbac"
	"civicportal/api/internal/search"
	"civicportal/api/internal/store"
	"civicportal/api/internal/worker"
)

const (
	MaxIssueTitleLength       = 200
	MaxIssueDescriptionLength = 5000
	MaxIssueLocationLength    = 300
)

// IssueStatuses is the closed set of issue states.
var IssueStatuses = []string{"draft", "open", "in_progress", "resolved", "closed"}

// MutationResult is what every issue write returns: the user-facing notice
// and the view's state after the write.
type MutationResult struct {
	Notice issue.Notice     `json:"notice"`
	Issue  *issue.Aggregate `json:"issue,omitempty"`
}

type CreateIssueInput struct {
	Title        string `json:"title"`
	Description  string `json:"description"`
	Category     string `json:"category"`
	Location     string `json:"location"`
	DepartmentID string `json:"departmentId"`
	Draft        bool   `json:"draft"`
}

// ListIssues searches issues and solutions. Without a search service it
// falls back to a plain filtered listing.
func (s *Service) ListIssues(ctx context.Context, q search.Query) (search.Response, error) {
	if s.search != nil {
		return s.search.Search(ctx, q), nil
	}
	items, err := s.store.ListIssues(ctx, store.IssueFilter{
		Category:     q.Category,
		Status:       q.Status,
		DepartmentID: q.DepartmentID,
		Limit:        q.Limit,
		Offset:       q.Offset,
	})
	if err != nil {
		return search.Response{}, err
	}
	results := make([]search.Result, 0, len(items))
	for _, item := range items {
		rec := search.IssueToRecord(item)
		results = append(results, search.Result{
			Type:         search.ResultIssue,
			ID:           rec.ID,
			IssueID:      rec.ID,
			Title:        rec.Title,
			Snippet:      rec.Description,
			Category:     rec.Category,
			Status:       rec.Status,
			DepartmentID: rec.DepartmentID,
		})
	}
	return search.Response{Results: results, Total: len(results), Query: q.Text, Source: "postgres"}, nil
}

// CreateIssue files a new issue for the session's profile. Text is stored
// sanitized, like every other user-authored field.
func (s *Service) CreateIssue(ctx context.Context, session Session, input CreateIssueInput) (store.Issue, issue.Notice, error) {
	if session.UserID == "" {
		return store.Issue{}, noticeFailure("Authentication required", "Please sign in to continue."), issue.ErrAuthRequired
	}
	if !session.HasProfile {
		return store.Issue{}, noticeFailure("Profile required", "Complete your profile before posting."), issue.ErrProfileRequired
	}
	if !session.can(rbac.ActionParticipate) {
		return store.Issue{}, noticeFailure("Permission denied", "You are not allowed to perform this action."), issue.ErrForbidden
	}

	title, err := requiredText(input.Title, MaxIssueTitleLength, "title")
	if err != nil {
		return store.Issue{}, noticeFailure("Invalid issue", err.Error()), err
	}
	description := strings.TrimSpace(input.Description)
	if utf8.RuneCountInString(description) > MaxIssueDescriptionLength {
		err := fmt.Errorf("description is limited to %d characters: %w", MaxIssueDescriptionLength, issue.ErrTooLong)
		return store.Issue{}, noticeFailure("Invalid issue", err.Error()), err
	}
	location := strings.TrimSpace(input.Location)
	if utf8.RuneCountInString(location) > MaxIssueLocationLength {
		err := fmt.Errorf("location is limited to %d characters: %w", MaxIssueLocationLength, issue.ErrTooLong)
		return store.Issue{}, noticeFailure("Invalid issue", err.Error()), err
	}

	item := store.Issue{
		Title:       issue.Sanitize(title),
		Description: issue.Sanitize(description),
		Category:    strings.ToLower(strings.TrimSpace(input.Category)),
		Location:    issue.Sanitize(location),
		AuthorName:  session.UserName,
		Status:      "open",
	}
	if item.Category == "" {
		item.Category = "general"
	}
	if input.Draft {
		item.Status = "draft"
	}
	authorID := session.UserID
	item.AuthorID = &authorID
	if dep := strings.TrimSpace(input.DepartmentID); dep != "" {
		item.DepartmentID = &dep
	}

	created, err := s.store.InsertIssue(ctx, item)
	if err != nil {
		s.log.Warn("create issue failed", zap.String("user_id", session.UserID), zap.Error(err))
		return store.Issue{}, noticeFailure("Failed to create issue", "Please try again."), fmt.Errorf("%w: create issue: %w", issue.ErrRemote, err)
	}
	if s.search != nil {
		s.search.IndexIssue(created)
	}
	return created, issue.Notice{Level: issue.LevelSuccess, Title: "Issue reported", Description: "Thanks, your issue has been filed."}, nil
}

func requiredText(s string, limit int, field string) (string, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return "", fmt.Errorf("%s is required: %w", field, issue.ErrEmptyContent)
	}
	if utf8.RuneCountInString(trimmed) > limit {
		return "", fmt.Errorf("%s is limited to %d characters: %w", field, limit, issue.ErrTooLong)
	}
	return trimmed, nil
}

func noticeFailure(title, description string) issue.Notice {
	return issue.Notice{Level: issue.LevelError, Title: title, Description: description}
}

// Issue returns the aggregate as the session sees it.
func (s *Service) Issue(ctx context.Context, session Session, issueID string) (issue.Aggregate, error) {
	view, release, err := s.views.Borrow(ctx, session.Viewer(), issueID)
	if err != nil {
		return issue.Aggregate{}, err
	}
	defer release()
	return view.Snapshot(), nil
}

// WatchIssue streams view frames until ctx ends. release must be called once
// the stream is drained.
func (s *Service) WatchIssue(ctx context.Context, session Session, issueID string) (<-chan issue.Frame, func(), error) {
	view, release, err := s.views.Acquire(ctx, session.Viewer(), issueID)
	if err != nil {
		return nil, nil, err
	}
	return view.Watch(ctx), release, nil
}

// mutate runs one write against the session's view of the issue, shared
// with its event stream when one is open.
func (s *Service) mutate(ctx context.Context, session Session, issueID string, write func(*issue.View) (issue.Notice, error)) (MutationResult, error) {
	view, release, err := s.views.Borrow(ctx, session.Viewer(), issueID)
	if err != nil {
		return MutationResult{Notice: noticeFailure("Failed to load issue", "Please try again.")}, err
	}
	defer release()
	notice, err := write(view)
	snapshot := view.Snapshot()
	return MutationResult{Notice: notice, Issue: &snapshot}, err
}

func (s *Service) ToggleVote(ctx context.Context, session Session, issueID string) (MutationResult, error) {
	return s.mutate(ctx, session, issueID, func(v *issue.View) (issue.Notice, error) {
		return v.ToggleVote(ctx)
	})
}

func (s *Service) ToggleWatch(ctx context.Context, session Session, issueID string) (MutationResult, error) {
	return s.mutate(ctx, session, issueID, func(v *issue.View) (issue.Notice, error) {
		return v.ToggleWatch(ctx)
	})
}

func (s *Service) VoteSolution(ctx context.Context, session Session, issueID, solutionID string) (MutationResult, error) {
	return s.mutate(ctx, session, issueID, func(v *issue.View) (issue.Notice, error) {
		return v.VoteSolution(ctx, solutionID)
	})
}

func (s *Service) AddComment(ctx context.Context, session Session, issueID, content string) (MutationResult, error) {
	return s.mutate(ctx, session, issueID, func(v *issue.View) (issue.Notice, error) {
		return v.AddComment(ctx, content)
	})
}

func (s *Service) AddUpdate(ctx context.Context, session Session, issueID, updateType, content string) (MutationResult, error) {
	return s.mutate(ctx, session, issueID, func(v *issue.View) (issue.Notice, error) {
		return v.AddUpdate(ctx, updateType, content)
	})
}

func (s *Service) AddSolution(ctx context.Context, session Session, issueID, title, description string, estimatedCost float64) (MutationResult, error) {
	return s.mutate(ctx, session, issueID, func(v *issue.View) (issue.Notice, error) {
		return v.AddSolution(ctx, title, description, estimatedCost)
	})
}

func (s *Service) UpdateSolutionStatus(ctx context.Context, session Session, issueID, solutionID, status, note string) (MutationResult, error) {
	return s.mutate(ctx, session, issueID, func(v *issue.View) (issue.Notice, error) {
		return v.UpdateSolutionStatus(ctx, solutionID, status, note)
	})
}

func (s *Service) MarkSolutionOfficial(ctx context.Context, session Session, issueID, solutionID string) (MutationResult, error) {
	return s.mutate(ctx, session, issueID, func(v *issue.View) (issue.Notice, error) {
		return v.MarkSolutionOfficial(ctx, solutionID)
	})
}

// UpdateIssueStatus moves an issue through its lifecycle on behalf of
// department staff. The move is recorded as a status update on the timeline
// and announced to watchers.
func (s *Service) UpdateIssueStatus(ctx context.Context, session Session, issueID, status, note string) (MutationResult, error) {
	if session.UserID == "" {
		return MutationResult{Notice: noticeFailure("Authentication required", "Please sign in to continue.")}, issue.ErrAuthRequired
	}
	if !session.can(rbac.ActionModerate) {
		return MutationResult{Notice: noticeFailure("Permission denied", "Only department staff can change issue status.")}, issue.ErrForbidden
	}
	status = strings.TrimSpace(status)
	if !slices.Contains(IssueStatuses, status) {
		return MutationResult{Notice: noticeFailure("Invalid status", fmt.Sprintf("%q is not a known issue status.", status))},
			fmt.Errorf("issue status %q: %w", status, issue.ErrInvalidInput)
	}
	note = strings.TrimSpace(note)
	if utf8.RuneCountInString(note) > issue.MaxStatusNoteLength {
		return MutationResult{Notice: noticeFailure("Note too long", fmt.Sprintf("Notes are limited to %d characters.", issue.MaxStatusNoteLength))}, issue.ErrTooLong
	}

	view, release, err := s.views.Borrow(ctx, session.Viewer(), issueID)
	if err != nil {
		return MutationResult{Notice: noticeFailure("Failed to load issue", "Please try again.")}, err
	}
	defer release()

	before := view.Snapshot().Issue
	if before.Status == status {
		snapshot := view.Snapshot()
		return MutationResult{Notice: issue.Notice{Level: issue.LevelInfo, Title: "No change", Description: fmt.Sprintf("Issue is already %s.", status)}, Issue: &snapshot}, nil
	}

	updated, err := s.store.UpdateIssueStatus(ctx, view.IssueID(), status)
	if err != nil {
		s.log.Warn("update issue status failed", zap.String("issue_id", view.IssueID()), zap.Error(err))
		snapshot := view.Snapshot()
		return MutationResult{Notice: noticeFailure("Failed to update status", "Please try again."), Issue: &snapshot},
			fmt.Errorf("%w: update issue status: %w", issue.ErrRemote, err)
	}

	content := fmt.Sprintf("Status changed from %s to %s", before.Status, status)
	if note != "" {
		content += ": " + issue.Sanitize(note)
	}
	authorID := session.UserID
	if _, err := s.store.InsertUpdate(ctx, store.Update{
		IssueID:    updated.ID,
		AuthorID:   &authorID,
		AuthorName: session.UserName,
		Type:       "status",
		Content:    content,
	}); err != nil {
		s.log.Warn("status change update not saved", zap.String("issue_id", updated.ID), zap.Error(err))
	}

	if s.search != nil {
		s.search.IndexIssue(updated)
	}
	if s.activity != nil {
		args := jobs.IssueStatusFanout(updated.ID, session.UserID, updated.Title, before.Status, status)
		if err := s.activity.Enqueue(ctx, args); err != nil {
			s.log.Warn("enqueue status fanout failed", zap.String("issue_id", updated.ID), zap.Error(err))
		}
	}

	if err := view.Refresh(ctx); err != nil {
		s.log.Warn("refresh after status change failed", zap.String("issue_id", updated.ID), zap.Error(err))
	}
	snapshot := view.Snapshot()
	return MutationResult{
		Notice: issue.Notice{Level: issue.LevelSuccess, Title: "Status updated", Description: fmt.Sprintf("Issue is now %s.", status)},
		Issue:  &snapshot,
	}, nil
}

// Notifications returns the newest page of the session's notifications.
func (s *Service) Notifications(ctx context.Context, session Session) (inbox.Frame, error) {
	in, err := inbox.Open(ctx, s.store, nil, session.UserID, inbox.WithLogger(s.log))
	if err != nil {
		return inbox.Frame{}, err
	}
	defer in.Close()
	return inbox.Frame{Notifications: in.Notifications(), Unread: in.Unread()}, nil
}

// WatchNotifications streams the live inbox until ctx ends; release closes it.
func (s *Service) WatchNotifications(ctx context.Context, session Session) (<-chan inbox.Frame, func(), error) {
	in, err := inbox.Open(ctx, s.store, s.feed, session.UserID, inbox.WithLogger(s.log))
	if err != nil {
		return nil, nil, err
	}
	return in.Watch(ctx), in.Close, nil
}

func (s *Service) MarkNotificationRead(ctx context.Context, session Session, notificationID string) (inbox.Frame, error) {
	return s.withInbox(ctx, session, func(in *inbox.Inbox) error {
		return in.MarkRead(ctx, notificationID)
	})
}

func (s *Service) MarkAllNotificationsRead(ctx context.Context, session Session) (inbox.Frame, error) {
	return s.withInbox(ctx, session, func(in *inbox.Inbox) error {
		return in.MarkAllRead(ctx)
	})
}

func (s *Service) withInbox(ctx context.Context, session Session, fn func(*inbox.Inbox) error) (inbox.Frame, error) {
	in, err := inbox.Open(ctx, s.store, nil, session.UserID, inbox.WithLogger(s.log))
	if err != nil {
		return inbox.Frame{}, err
	}
	defer in.Close()
	if err := fn(in); err != nil {
		return inbox.Frame{}, err
	}
	return inbox.Frame{Notifications: in.Notifications(), Unread: in.Unread()}, nil
}

// Attachment is an uploaded photo with a short-lived download link.
type Attachment struct {
	media.Object
	URL string `json:"url"`
}

// UploadAttachment stores a photo for an existing issue.
func (s *Service) UploadAttachment(ctx context.Context, session Session, issueID, filename, contentType string, size int64, r io.Reader) (Attachment, error) {
	if s.media == nil {
		return Attachment{}, domainError(http.StatusServiceUnavailable, "MEDIA_UNAVAILABLE", "Uploads are not configured", nil)
	}
	if session.UserID == "" {
		return Attachment{}, issue.ErrAuthRequired
	}
	if !session.HasProfile {
		return Attachment{}, issue.ErrProfileRequired
	}
	item, err := s.store.GetIssue(ctx, issueID)
	if err != nil {
		return Attachment{}, err
	}
	obj, err := s.media.Upload(ctx, item.ID, filename, contentType, size, r)
	if err != nil {
		return Attachment{}, err
	}
	url, err := s.media.PresignedURL(ctx, item.ID, obj.Key, media.DefaultPresignTTL)
	if err != nil {
		s.log.Warn("presign attachment failed", zap.String("key", obj.Key), zap.Error(err))
	}
	return Attachment{Object: obj, URL: url}, nil
}

// AttachmentURL presigns a download link for a stored photo.
func (s *Service) AttachmentURL(ctx context.Context, issueID, key string) (string, error) {
	if s.media == nil {
		return "", domainError(http.StatusServiceUnavailable, "MEDIA_UNAVAILABLE", "Uploads are not configured", nil)
	}
	return s.media.PresignedURL(ctx, issueID, key, media.DefaultPresignTTL)
}

// Export renders the issue report for department staff.
func (s *Service) Export(ctx context.Context, session Session, req export.Request) (*export.Result, error) {
	if session.UserID == "" {
		return nil, issue.ErrAuthRequired
	}
	if !session.can(rbac.ActionExport) {
		return nil, errElevatedOnly
	}
	return s.exporter.Export(ctx, req)
}

// Dashboard returns department metrics. Officials see their own department;
// admins see any.
func (s *Service) Dashboard(ctx context.Context, session Session, departmentID string) (store.DepartmentDashboard, error) {
	if session.UserID == "" {
		return store.DepartmentDashboard{}, issue.ErrAuthRequired
	}
	if !rbac.IsElevated(rbac.Normalize(session.Role)) {
		return store.DepartmentDashboard{}, errElevatedOnly
	}
	if !session.can(rbac.ActionAdmin) && session.DepartmentID != departmentID {
		return store.DepartmentDashboard{}, domainError(http.StatusForbidden, "FORBIDDEN", "You can only view your own department", nil)
	}
	if _, err := s.store.GetDepartment(ctx, departmentID); err != nil {
		return store.DepartmentDashboard{}, err
	}
	return s.store.DepartmentDashboard(ctx, departmentID)
}

// indexingSink keeps the search index current with solution writes made
// through issue views, then hands the activity on to the job queue.
type indexingSink struct {
	next   issue.ActivitySink
	store  solutionGetter
	search *search.Service
	pools  *worker.Pools
	log    *zap.Logger
}

type solutionGetter interface {
	GetSolution(ctx context.Context, solutionID string) (store.Solution, error)
}

func (k *indexingSink) Record(ctx context.Context, a issue.Activity) {
	if k.next != nil {
		k.next.Record(ctx, a)
	}
	if k.search == nil || a.SolutionID == "" {
		return
	}
	solutionID := a.SolutionID
	k.run(func(ctx context.Context) {
		item, err := k.store.GetSolution(ctx, solutionID)
		if err != nil {
			k.log.Warn("load solution for indexing failed", zap.String("solution_id", solutionID), zap.Error(err))
			return
		}
		k.search.IndexSolution(item)
	})
}

func (k *indexingSink) run(task worker.Task) {
	if k.pools == nil {
		task(context.Background())
		return
	}
	if err := k.pools.Go(k.pools.General, task); err != nil {
		k.log.Warn("index task rejected", zap.Error(err))
	}
}
