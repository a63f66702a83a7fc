package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func getTestDatabaseURL(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("CIVIC_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("CIVIC_TEST_DATABASE_URL is not set")
	}
	return dsn
}

func openIntegrationStore(t *testing.T) (*PostgresStore, context.Context) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	dsn := getTestDatabaseURL(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	t.Cleanup(cancel)

	clients, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(clients.Close)
	db := clients.DB

	if err := resetPublicSchema(ctx, db); err != nil {
		t.Fatalf("reset schema: %v", err)
	}
	if _, err := ApplyMigrations(ctx, db, filepath.Join("..", "..", "db", "migrations")); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return NewPostgresStore(db), ctx
}

func seedIssue(t *testing.T, ctx context.Context, s *PostgresStore) (Profile, Issue) {
	t.Helper()
	author := Profile{ID: uuid.NewString(), DisplayName: "Ada", Email: uuid.NewString() + "@example.test", Role: "citizen"}
	if err := s.CreateProfile(ctx, author); err != nil {
		t.Fatalf("CreateProfile() error = %v", err)
	}
	issue, err := s.InsertIssue(ctx, Issue{
		ID:         uuid.NewString(),
		Title:      "Pothole on Main St",
		Category:   "roads",
		AuthorID:   &author.ID,
		AuthorName: author.DisplayName,
	})
	if err != nil {
		t.Fatalf("InsertIssue() error = %v", err)
	}
	return author, issue
}

func TestSetIssueVoteIsIdempotent(t *testing.T) {
	s, ctx := openIntegrationStore(t)
	author, issue := seedIssue(t, ctx, s)

	count, err := s.SetIssueVote(ctx, issue.ID, author.ID, true)
	if err != nil {
		t.Fatalf("SetIssueVote(on) error = %v", err)
	}
	if count != 1 {
		t.Fatalf("vote count = %d, want 1", count)
	}

	count, err = s.SetIssueVote(ctx, issue.ID, author.ID, true)
	if err != nil {
		t.Fatalf("SetIssueVote(on again) error = %v", err)
	}
	if count != 1 {
		t.Fatalf("repeated vote count = %d, want 1", count)
	}

	voted, err := s.HasVoted(ctx, issue.ID, author.ID)
	if err != nil || !voted {
		t.Fatalf("HasVoted() = %v, %v; want true", voted, err)
	}

	count, err = s.SetIssueVote(ctx, issue.ID, author.ID, false)
	if err != nil {
		t.Fatalf("SetIssueVote(off) error = %v", err)
	}
	if count != 0 {
		t.Fatalf("vote count after removal = %d, want 0", count)
	}
}

func TestMarkSolutionOfficialKeepsSingleOfficial(t *testing.T) {
	s, ctx := openIntegrationStore(t)
	author, issue := seedIssue(t, ctx, s)

	first, err := s.InsertSolution(ctx, Solution{ID: uuid.NewString(), IssueID: issue.ID, ProposedBy: author.ID, ProposerName: author.DisplayName, Title: "Patch", Description: "Cold patch"})
	if err != nil {
		t.Fatalf("InsertSolution(first) error = %v", err)
	}
	second, err := s.InsertSolution(ctx, Solution{ID: uuid.NewString(), IssueID: issue.ID, ProposedBy: author.ID, ProposerName: author.DisplayName, Title: "Resurface", Description: "Full resurfacing", EstimatedCost: 5000})
	if err != nil {
		t.Fatalf("InsertSolution(second) error = %v", err)
	}

	if _, err := s.MarkSolutionOfficial(ctx, first.ID, author.ID, author.DisplayName); err != nil {
		t.Fatalf("MarkSolutionOfficial(first) error = %v", err)
	}
	issueID, err := s.MarkSolutionOfficial(ctx, second.ID, author.ID, author.DisplayName)
	if err != nil {
		t.Fatalf("MarkSolutionOfficial(second) error = %v", err)
	}
	if issueID != issue.ID {
		t.Fatalf("issue id = %q, want %q", issueID, issue.ID)
	}

	items, err := s.ListSolutions(ctx, issue.ID)
	if err != nil {
		t.Fatalf("ListSolutions() error = %v", err)
	}
	official := 0
	for _, item := range items {
		if item.IsOfficial {
			official++
			if item.ID != second.ID || item.Status != "approved" {
				t.Fatalf("unexpected official solution %+v", item)
			}
		}
	}
	if official != 1 {
		t.Fatalf("official solutions = %d, want 1", official)
	}

	updates, err := s.ListUpdates(ctx, issue.ID)
	if err != nil {
		t.Fatalf("ListUpdates() error = %v", err)
	}
	if len(updates) != 2 || updates[1].Type != "official" {
		t.Fatalf("expected two official updates, got %+v", updates)
	}
}

func TestNotificationWritesAreScopedToRecipient(t *testing.T) {
	s, ctx := openIntegrationStore(t)
	author, issue := seedIssue(t, ctx, s)

	other := Profile{ID: uuid.NewString(), DisplayName: "Grace", Email: uuid.NewString() + "@example.test"}
	if err := s.CreateProfile(ctx, other); err != nil {
		t.Fatalf("CreateProfile() error = %v", err)
	}

	n, err := s.InsertNotification(ctx, Notification{ID: uuid.NewString(), UserID: author.ID, Type: "comment", Title: "New comment", IssueID: &issue.ID})
	if err != nil {
		t.Fatalf("InsertNotification() error = %v", err)
	}

	if err := s.MarkNotificationRead(ctx, other.ID, n.ID); err != sql.ErrNoRows {
		t.Fatalf("MarkNotificationRead(other) error = %v, want sql.ErrNoRows", err)
	}
	if err := s.MarkNotificationRead(ctx, author.ID, n.ID); err != nil {
		t.Fatalf("MarkNotificationRead(owner) error = %v", err)
	}

	items, err := s.ListNotifications(ctx, other.ID, 10)
	if err != nil {
		t.Fatalf("ListNotifications(other) error = %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("other user sees %d notifications, want 0", len(items))
	}
}
