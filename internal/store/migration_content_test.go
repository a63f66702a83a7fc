package store

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func readMigration(t *testing.T, name string) string {
	t.Helper()
	sqlBytes, err := os.ReadFile(filepath.Join("..", "..", "db", "migrations", name))
	if err != nil {
		t.Fatalf("read migration %s: %v", name, err)
	}
	return string(sqlBytes)
}

func TestCounterMigrationDefinesAtomicProcedures(t *testing.T) {
	sqlText := readMigration(t, "0002_counters.up.sql")

	expectedSnippets := []string{
		"FUNCTION adjust_issue_votes",
		"FUNCTION adjust_issue_watchers",
		"FUNCTION adjust_solution_votes",
		"FUNCTION mark_solution_official",
		"FOR UPDATE",
		"SET is_official = FALSE",
	}
	for _, snippet := range expectedSnippets {
		if !strings.Contains(sqlText, snippet) {
			t.Fatalf("expected migration to contain %q", snippet)
		}
	}
}

func TestCoreMigrationKeepsOneRowPerVoter(t *testing.T) {
	sqlText := readMigration(t, "0001_core.up.sql")

	expectedSnippets := []string{
		"PRIMARY KEY (issue_id, user_id)",
		"PRIMARY KEY (solution_id, user_id)",
		"solutions_one_official_idx",
		"estimated_cost >= 0",
	}
	for _, snippet := range expectedSnippets {
		if !strings.Contains(sqlText, snippet) {
			t.Fatalf("expected migration to contain %q", snippet)
		}
	}
}

func TestRowChangeTriggersCoverRealtimeTables(t *testing.T) {
	sqlText := readMigration(t, "0005_row_changes.up.sql")

	if !strings.Contains(sqlText, "pg_notify('row_changes'") {
		t.Fatal("expected row change function to notify the row_changes channel")
	}
	for _, table := range []string{"issues", "comments", "updates", "solutions", "notifications"} {
		if !strings.Contains(sqlText, "ON "+table) {
			t.Fatalf("expected trigger on %s", table)
		}
	}
}
