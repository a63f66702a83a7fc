package app

import (
	"context"
	"database/sql"
	"slices"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"civicportal/api/internal/config"
	"civicportal/api/internal/jobs"
	"civicportal/api/internal/issue"
	"civicportal/api/internal/store"
	"civicportal/api/internal/util"
)

const testSecret = "test-secret-at-least-16"

// fakeStore is an in-memory dataStore. Function fields override single calls.
type fakeStore struct {
	mu sync.Mutex

	profiles      map[string]store.Profile
	issues        map[string]store.Issue
	comments      []store.Comment
	updates       []store.Update
	solutions     []store.Solution
	votes         map[string]bool
	watches       map[string]bool
	notifications []store.Notification
	departments   map[string]store.Department
	refresh       map[string]string
	revoked       map[string]bool

	pingFn              func(context.Context) error
	setIssueVoteFn      func(ctx context.Context, issueID, userID string, on bool) (int, error)
	updateIssueStatusFn func(ctx context.Context, issueID, status string) (store.Issue, error)
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		profiles:    make(map[string]store.Profile),
		issues:      make(map[string]store.Issue),
		votes:       make(map[string]bool),
		watches:     make(map[string]bool),
		departments: make(map[string]store.Department),
		refresh:     make(map[string]string),
		revoked:     make(map[string]bool),
	}
}

func (f *fakeStore) addProfile(p store.Profile) store.Profile {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.profiles[p.ID] = p
	return p
}

func (f *fakeStore) addIssue(item store.Issue) store.Issue {
	f.mu.Lock()
	defer f.mu.Unlock()
	if item.Status == "" {
		item.Status = "open"
	}
	f.issues[item.ID] = item
	return item
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func (f *fakeStore) GetProfileByID(_ context.Context, id string) (store.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.profiles[id]
	if !ok {
		return store.Profile{}, sql.ErrNoRows
	}
	return p, nil
}

func (f *fakeStore) GetProfileByEmail(_ context.Context, email string) (store.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.profiles {
		if p.Email == email {
			return p, nil
		}
	}
	return store.Profile{}, sql.ErrNoRows
}

func (f *fakeStore) CreateProfile(_ context.Context, p store.Profile) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.profiles[p.ID] = p
	return nil
}

func (f *fakeStore) UpdateProfileVerificationToken(_ context.Context, profileID, token string, expiresAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.profiles[profileID]
	if !ok {
		return sql.ErrNoRows
	}
	p.VerificationToken = token
	p.VerificationExpiresAt = &expiresAt
	f.profiles[profileID] = p
	return nil
}

func (f *fakeStore) VerifyProfileEmail(_ context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, p := range f.profiles {
		if token != "" && p.VerificationToken == token {
			p.IsEmailVerified = true
			p.VerificationToken = ""
			f.profiles[id] = p
			return nil
		}
	}
	return sql.ErrNoRows
}

func (f *fakeStore) SaveRefreshSession(_ context.Context, tokenHash, userID string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refresh[tokenHash] = userID
	return nil
}

func (f *fakeStore) LookupRefreshSession(_ context.Context, tokenHash string) (store.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	userID, ok := f.refresh[tokenHash]
	if !ok {
		return store.Profile{}, sql.ErrNoRows
	}
	return store.Profile{ID: userID}, nil
}

func (f *fakeStore) RevokeRefreshSession(_ context.Context, tokenHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.refresh, tokenHash)
	return nil
}

func (f *fakeStore) RevokeAccessToken(_ context.Context, jti string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked[jti] = true
	return nil
}

func (f *fakeStore) IsAccessTokenRevoked(_ context.Context, jti string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.revoked[jti], nil
}

func (f *fakeStore) GetIssue(_ context.Context, issueID string) (store.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.issues[issueID]
	if !ok {
		return store.Issue{}, sql.ErrNoRows
	}
	return item, nil
}

func (f *fakeStore) InsertIssue(_ context.Context, item store.Issue) (store.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if item.ID == "" {
		item.ID = util.NewID("iss")
	}
	item.CreatedAt = time.Now()
	item.UpdatedAt = item.CreatedAt
	f.issues[item.ID] = item
	return item, nil
}

func (f *fakeStore) ListIssues(_ context.Context, filter store.IssueFilter) ([]store.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := make([]store.Issue, 0)
	for _, item := range f.issues {
		if item.Status == "draft" {
			continue
		}
		if filter.Category != "" && item.Category != filter.Category {
			continue
		}
		if filter.Status != "" && item.Status != filter.Status {
			continue
		}
		items = append(items, item)
	}
	slices.SortFunc(items, func(a, b store.Issue) int { return b.CreatedAt.Compare(a.CreatedAt) })
	return items, nil
}

func (f *fakeStore) UpdateIssueStatus(ctx context.Context, issueID, status string) (store.Issue, error) {
	if f.updateIssueStatusFn != nil {
		return f.updateIssueStatusFn(ctx, issueID, status)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.issues[issueID]
	if !ok {
		return store.Issue{}, sql.ErrNoRows
	}
	now := time.Now()
	if item.FirstResponseAt == nil && status != "open" && status != "draft" {
		item.FirstResponseAt = &now
	}
	if status == "resolved" {
		item.ResolvedAt = &now
	}
	item.Status = status
	f.issues[issueID] = item
	return item, nil
}

func (f *fakeStore) ListComments(_ context.Context, issueID string) ([]store.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.Comment, 0)
	for _, c := range f.comments {
		if c.IssueID == issueID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeStore) InsertComment(_ context.Context, item store.Comment) (store.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item.ID = util.NewID("cmt")
	item.CreatedAt = time.Now()
	f.comments = append(f.comments, item)
	return item, nil
}

func (f *fakeStore) ListUpdates(_ context.Context, issueID string) ([]store.Update, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.Update, 0)
	for _, u := range f.updates {
		if u.IssueID == issueID {
			out = append(out, u)
		}
	}
	return out, nil
}

func (f *fakeStore) InsertUpdate(_ context.Context, item store.Update) (store.Update, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item.ID = util.NewID("upd")
	item.CreatedAt = time.Now()
	f.updates = append(f.updates, item)
	return item, nil
}

func (f *fakeStore) ListSolutions(_ context.Context, issueID string) ([]store.Solution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.Solution, 0)
	for _, s := range f.solutions {
		if s.IssueID == issueID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeStore) GetSolution(_ context.Context, solutionID string) (store.Solution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.solutions {
		if s.ID == solutionID {
			return s, nil
		}
	}
	return store.Solution{}, sql.ErrNoRows
}

func (f *fakeStore) InsertSolution(_ context.Context, item store.Solution) (store.Solution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item.ID = util.NewID("sol")
	if item.Status == "" {
		item.Status = "proposed"
	}
	item.CreatedAt = time.Now()
	item.UpdatedAt = item.CreatedAt
	f.solutions = append(f.solutions, item)
	return item, nil
}

func (f *fakeStore) UpdateSolutionStatus(_ context.Context, solutionID, status string) (store.Solution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.solutions {
		if f.solutions[i].ID == solutionID {
			f.solutions[i].Status = status
			return f.solutions[i], nil
		}
	}
	return store.Solution{}, sql.ErrNoRows
}

func (f *fakeStore) MarkSolutionOfficial(_ context.Context, solutionID, _, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.solutions {
		if f.solutions[i].ID == solutionID {
			issueID := f.solutions[i].IssueID
			for j := range f.solutions {
				if f.solutions[j].IssueID == issueID {
					f.solutions[j].IsOfficial = j == i
				}
			}
			return issueID, nil
		}
	}
	return "", sql.ErrNoRows
}

func (f *fakeStore) HasVoted(_ context.Context, issueID, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.votes[issueID+"/"+userID], nil
}

func (f *fakeStore) IsWatching(_ context.Context, issueID, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.watches[issueID+"/"+userID], nil
}

func (f *fakeStore) SolutionVotes(_ context.Context, _, _ string) (map[string]bool, error) {
	return map[string]bool{}, nil
}

func (f *fakeStore) SetIssueVote(ctx context.Context, issueID, userID string, on bool) (int, error) {
	if f.setIssueVoteFn != nil {
		return f.setIssueVoteFn(ctx, issueID, userID, on)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.setMembership(f.votes, issueID, userID, on, func(item *store.Issue) *int { return &item.VoteCount }), nil
}

func (f *fakeStore) SetIssueWatch(_ context.Context, issueID, userID string, on bool) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.setMembership(f.watches, issueID, userID, on, func(item *store.Issue) *int { return &item.WatchCount }), nil
}

func (f *fakeStore) setMembership(set map[string]bool, issueID, userID string, on bool, counter func(*store.Issue) *int) int {
	item := f.issues[issueID]
	key := issueID + "/" + userID
	if set[key] != on {
		set[key] = on
		if on {
			*counter(&item)++
		} else {
			*counter(&item)--
		}
		f.issues[issueID] = item
	}
	return *counter(&item)
}

func (f *fakeStore) SetSolutionVote(_ context.Context, solutionID, _ string, on bool) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.solutions {
		if f.solutions[i].ID == solutionID {
			if on {
				f.solutions[i].VoteCount++
			} else {
				f.solutions[i].VoteCount--
			}
			return f.solutions[i].VoteCount, nil
		}
	}
	return 0, sql.ErrNoRows
}

func (f *fakeStore) ListNotifications(_ context.Context, userID string, limit int) ([]store.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.Notification, 0)
	for _, n := range f.notifications {
		if n.UserID == userID && len(out) < limit {
			out = append(out, n)
		}
	}
	return out, nil
}

func (f *fakeStore) MarkNotificationRead(_ context.Context, userID, notificationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.notifications {
		if f.notifications[i].ID == notificationID && f.notifications[i].UserID == userID {
			f.notifications[i].Read = true
			return nil
		}
	}
	return sql.ErrNoRows
}

func (f *fakeStore) MarkAllNotificationsRead(_ context.Context, userID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for i := range f.notifications {
		if f.notifications[i].UserID == userID && !f.notifications[i].Read {
			f.notifications[i].Read = true
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) CountUnreadNotifications(_ context.Context, userID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, item := range f.notifications {
		if item.UserID == userID && !item.Read {
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) GetDepartment(_ context.Context, departmentID string) (store.Department, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.departments[departmentID]
	if !ok {
		return store.Department{}, sql.ErrNoRows
	}
	return d, nil
}

func (f *fakeStore) DepartmentDashboard(_ context.Context, departmentID string) (store.DepartmentDashboard, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	dash := store.DepartmentDashboard{DepartmentID: departmentID, ByStatus: map[string]int{}, ByCategory: map[string]int{}}
	for _, item := range f.issues {
		if item.DepartmentID != nil && *item.DepartmentID == departmentID {
			dash.TotalIssues++
			dash.ByStatus[item.Status]++
			dash.ByCategory[item.Category]++
		}
	}
	return dash, nil
}

// fakeQueue records enqueued fan-outs.
type fakeQueue struct {
	mu         sync.Mutex
	activities []issue.Activity
	enqueued   []jobs.WatcherFanoutArgs
}

func (q *fakeQueue) Record(_ context.Context, a issue.Activity) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.activities = append(q.activities, a)
}

func (q *fakeQueue) Enqueue(_ context.Context, args jobs.WatcherFanoutArgs) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enqueued = append(q.enqueued, args)
	return nil
}

func testConfig() config.Config {
	return config.Config{
		JWTSecret:  testSecret,
		AccessTTL:  time.Hour,
		RefreshTTL: 24 * time.Hour,
	}
}

func newTestService(t *testing.T, fs *fakeStore, opts ...Option) *Service {
	t.Helper()
	svc := New(testConfig(), fs, opts...)
	t.Cleanup(svc.Close)
	return svc
}

// signIn seeds a verified profile and returns a live session for it.
func signIn(t *testing.T, svc *Service, fs *fakeStore, p store.Profile) Session {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("password123"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	p.PasswordHash = string(hash)
	p.IsEmailVerified = true
	fs.addProfile(p)
	session, err := svc.issueSession(context.Background(), p)
	if err != nil {
		t.Fatalf("issueSession() error = %v", err)
	}
	return session
}

var (
	citizenProfile  = store.Profile{ID: "00000000-0000-0000-0000-000000000001", DisplayName: "Avery", Email: "avery@example.com", Role: "citizen"}
	officialProfile = store.Profile{ID: "00000000-0000-0000-0000-000000000002", DisplayName: "Roads Dept", Email: "roads@example.com", Role: "official", DepartmentID: "roads"}
)
