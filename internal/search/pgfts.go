package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// PgFTS implements Searcher using PostgreSQL full-text search.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// pgQuery accumulates positional arguments for a dynamically built query.
type pgQuery struct {
	args []any
}

func (b *pgQuery) arg(v any) string {
	b.args = append(b.args, v)
	return fmt.Sprintf("$%d", len(b.args))
}

// Search ranks issues by their stored search_vector and solutions by an
// on-the-fly vector. Empty text lists newest first.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	b := &pgQuery{}
	text := strings.TrimSpace(q.Text)
	tsQuery := "NULL::tsquery"
	if text != "" {
		tsQuery = "websearch_to_tsquery('english', " + b.arg(text) + ")"
	}

	var subQueries []string
	if q.Type == "" || q.Type == ResultIssue {
		where := []string{"i.status <> 'draft'"}
		rank := "0::real"
		snippet := "left(i.description, 200)"
		if text != "" {
			where = append(where, "i.search_vector @@ "+tsQuery)
			rank = "ts_rank(i.search_vector, " + tsQuery + ")"
			snippet = "ts_headline('english', i.description, " + tsQuery + ", 'StartSel=<mark>,StopSel=</mark>,MaxFragments=1,MaxWords=30')"
		}
		if q.Category != "" {
			where = append(where, "i.category = "+b.arg(q.Category))
		}
		if q.Status != "" {
			where = append(where, "i.status = "+b.arg(q.Status))
		}
		if q.DepartmentID != "" {
			where = append(where, "i.department_id = "+b.arg(q.DepartmentID))
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'issue'::text AS type, i.id, i.id AS issue_id, i.title, %s AS snippet,
				i.category, i.status, COALESCE(i.department_id, '') AS department_id,
				%s AS rank, i.created_at
			FROM issues i
			WHERE %s`, snippet, rank, strings.Join(where, " AND ")))
	}

	if q.Type == "" || q.Type == ResultSolution {
		vector := "to_tsvector('english', s.title || ' ' || s.description)"
		where := []string{"i.status <> 'draft'"}
		rank := "0::real"
		snippet := "left(s.description, 200)"
		if text != "" {
			where = append(where, vector+" @@ "+tsQuery)
			rank = "ts_rank(" + vector + ", " + tsQuery + ")"
			snippet = "ts_headline('english', s.description, " + tsQuery + ", 'StartSel=<mark>,StopSel=</mark>,MaxFragments=1,MaxWords=30')"
		}
		if q.Category != "" {
			where = append(where, "i.category = "+b.arg(q.Category))
		}
		if q.Status != "" {
			where = append(where, "s.status = "+b.arg(q.Status))
		}
		if q.DepartmentID != "" {
			where = append(where, "i.department_id = "+b.arg(q.DepartmentID))
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'solution'::text AS type, s.id, s.issue_id, s.title, %s AS snippet,
				''::text AS category, s.status, ''::text AS department_id,
				%s AS rank, s.created_at
			FROM solutions s
			JOIN issues i ON i.id = s.issue_id
			WHERE %s`, snippet, rank, strings.Join(where, " AND ")))
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}
	union := strings.Join(subQueries, " UNION ALL ")

	var total int
	if err := p.db.QueryRowContext(ctx, "SELECT count(*) FROM ("+union+") sub", b.args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	dataSQL := fmt.Sprintf(`SELECT type, id, issue_id, title, snippet, category, status, department_id
		FROM (%s) sub
		ORDER BY rank DESC, created_at DESC
		LIMIT %d OFFSET %d`, union, q.limit(), q.offset())
	rows, err := p.db.QueryContext(ctx, dataSQL, b.args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	results := make([]Result, 0)
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.IssueID, &r.Title, &r.Snippet, &r.Category, &r.Status, &r.DepartmentID); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("pgfts iterate: %w", err)
	}
	return results, total, nil
}

// LoadAllRecords returns every searchable row for a full reindex.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]IssueRecord, []SolutionRecord, error) {
	issueRows, err := p.db.QueryContext(ctx, `
		SELECT id, title, description, category, status, location, COALESCE(department_id, ''), vote_count, created_at
		FROM issues
		WHERE status <> 'draft'
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load issues: %w", err)
	}
	defer issueRows.Close()

	issues := make([]IssueRecord, 0)
	for issueRows.Next() {
		var r IssueRecord
		var created time.Time
		if err := issueRows.Scan(&r.ID, &r.Title, &r.Description, &r.Category, &r.Status, &r.Location, &r.DepartmentID, &r.VoteCount, &created); err != nil {
			return nil, nil, fmt.Errorf("scan issue: %w", err)
		}
		r.CreatedAt = created.Unix()
		issues = append(issues, r)
	}
	if err := issueRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate issues: %w", err)
	}

	solutionRows, err := p.db.QueryContext(ctx, `
		SELECT s.id, s.issue_id, s.title, s.description, s.status, s.is_official
		FROM solutions s
		JOIN issues i ON i.id = s.issue_id
		WHERE i.status <> 'draft'
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load solutions: %w", err)
	}
	defer solutionRows.Close()

	solutions := make([]SolutionRecord, 0)
	for solutionRows.Next() {
		var r SolutionRecord
		if err := solutionRows.Scan(&r.ID, &r.IssueID, &r.Title, &r.Description, &r.Status, &r.IsOfficial); err != nil {
			return nil, nil, fmt.Errorf("scan solution: %w", err)
		}
		solutions = append(solutions, r)
	}
	if err := solutionRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate solutions: %w", err)
	}
	return issues, solutions, nil
}
