package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

const profileColumns = `id::text, display_name, email, password_hash, role, COALESCE(department_id, ''), avatar_url, is_email_verified, COALESCE(verification_token, ''), verification_expires_at, created_at, updated_at`

func scanProfile(row interface{ Scan(...any) error }) (Profile, error) {
	var p Profile
	err := row.Scan(
		&p.ID,
		&p.DisplayName,
		&p.Email,
		&p.PasswordHash,
		&p.Role,
		&p.DepartmentID,
		&p.AvatarURL,
		&p.IsEmailVerified,
		&p.VerificationToken,
		&p.VerificationExpiresAt,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	return p, err
}

func (s *PostgresStore) GetProfileByID(ctx context.Context, id string) (Profile, error) {
	return scanProfile(s.db.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM profiles WHERE id::text=$1`, id))
}

func (s *PostgresStore) GetProfileByEmail(ctx context.Context, email string) (Profile, error) {
	return scanProfile(s.db.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM profiles WHERE LOWER(email)=LOWER($1)`, email))
}

func (s *PostgresStore) CreateProfile(ctx context.Context, p Profile) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	role := p.Role
	if role == "" {
		role = "citizen"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profiles (id, display_name, email, password_hash, role, department_id, avatar_url, is_email_verified)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8)
	`, p.ID, p.DisplayName, p.Email, p.PasswordHash, role, p.DepartmentID, p.AvatarURL, p.IsEmailVerified)
	if err != nil {
		return fmt.Errorf("insert profile: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateProfileVerificationToken(ctx context.Context, profileID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE profiles SET verification_token=$2, verification_expires_at=$3, updated_at=NOW()
		WHERE id::text=$1
	`, profileID, token, expiresAt)
	if err != nil {
		return fmt.Errorf("update verification token: %w", err)
	}
	return nil
}

// VerifyProfileEmail consumes a verification token. sql.ErrNoRows means the
// token is unknown or expired.
func (s *PostgresStore) VerifyProfileEmail(ctx context.Context, token string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE profiles
		SET is_email_verified=TRUE, verification_token=NULL, verification_expires_at=NULL, updated_at=NOW()
		WHERE verification_token=$1 AND verification_expires_at > NOW()
	`, token)
	if err != nil {
		return fmt.Errorf("verify email: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("verify email rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (Profile, error) {
	return scanProfile(s.db.QueryRowContext(ctx, `
		SELECT `+profileColumns+`
		FROM profiles
		WHERE id = (
			SELECT user_id FROM refresh_sessions
			WHERE token_hash = $1 AND revoked_at IS NULL AND expires_at > NOW()
		)
	`, tokenHash))
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

const issueColumns = `id, title, description, category, status, location, vote_count, watch_count, author_id::text, author_name, department_id, created_at, updated_at, first_response_at, resolved_at`

func scanIssue(row interface{ Scan(...any) error }) (Issue, error) {
	var item Issue
	err := row.Scan(
		&item.ID,
		&item.Title,
		&item.Description,
		&item.Category,
		&item.Status,
		&item.Location,
		&item.VoteCount,
		&item.WatchCount,
		&item.AuthorID,
		&item.AuthorName,
		&item.DepartmentID,
		&item.CreatedAt,
		&item.UpdatedAt,
		&item.FirstResponseAt,
		&item.ResolvedAt,
	)
	return item, err
}

func (s *PostgresStore) GetIssue(ctx context.Context, issueID string) (Issue, error) {
	return scanIssue(s.db.QueryRowContext(ctx, `SELECT `+issueColumns+` FROM issues WHERE id=$1`, issueID))
}

func (s *PostgresStore) InsertIssue(ctx context.Context, item Issue) (Issue, error) {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	status := item.Status
	if status == "" {
		status = "open"
	}
	created, err := scanIssue(s.db.QueryRowContext(ctx, `
		INSERT INTO issues (id, title, description, category, status, location, author_id, author_name, department_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7::uuid, $8, $9)
		RETURNING `+issueColumns,
		item.ID, item.Title, item.Description, item.Category, status, item.Location, item.AuthorID, item.AuthorName, item.DepartmentID,
	))
	if err != nil {
		return Issue{}, fmt.Errorf("insert issue: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) ListIssues(ctx context.Context, filter IssueFilter) ([]Issue, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+issueColumns+`
		FROM issues
		WHERE ($1 = '' OR category = $1)
		  AND ($2 = '' OR status = $2)
		  AND ($3 = '' OR department_id = $3)
		  AND status <> 'draft'
		ORDER BY created_at DESC
		LIMIT $4 OFFSET $5
	`, filter.Category, filter.Status, filter.DepartmentID, limit, filter.Offset)
	if err != nil {
		return nil, fmt.Errorf("list issues: %w", err)
	}
	defer rows.Close()

	items := make([]Issue, 0)
	for rows.Next() {
		item, err := scanIssue(rows)
		if err != nil {
			return nil, fmt.Errorf("scan issue: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate issues: %w", err)
	}
	return items, nil
}

// UpdateIssueStatus moves an issue to status, stamping first_response_at on the
// first move away from open and resolved_at when it becomes resolved.
func (s *PostgresStore) UpdateIssueStatus(ctx context.Context, issueID, status string) (Issue, error) {
	updated, err := scanIssue(s.db.QueryRowContext(ctx, `
		UPDATE issues
		SET status = $2,
			updated_at = NOW(),
			first_response_at = CASE
				WHEN first_response_at IS NULL AND $2 NOT IN ('draft', 'open') THEN NOW()
				ELSE first_response_at
			END,
			resolved_at = CASE
				WHEN $2 = 'resolved' THEN NOW()
				WHEN $2 IN ('open', 'in_progress') THEN NULL
				ELSE resolved_at
			END
		WHERE id = $1
		RETURNING `+issueColumns,
		issueID, status,
	))
	if err != nil {
		return Issue{}, fmt.Errorf("update issue status: %w", err)
	}
	return updated, nil
}

func (s *PostgresStore) ListComments(ctx context.Context, issueID string) ([]Comment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, issue_id, author_id::text, author_name, author_avatar, content, created_at
		FROM comments
		WHERE issue_id=$1
		ORDER BY created_at ASC
	`, issueID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	items := make([]Comment, 0)
	for rows.Next() {
		var item Comment
		if err := rows.Scan(&item.ID, &item.IssueID, &item.AuthorID, &item.AuthorName, &item.AuthorAvatar, &item.Content, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertComment(ctx context.Context, item Comment) (Comment, error) {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO comments (id, issue_id, author_id, author_name, author_avatar, content)
		VALUES ($1, $2, $3::uuid, $4, $5, $6)
		RETURNING created_at
	`, item.ID, item.IssueID, item.AuthorID, item.AuthorName, item.AuthorAvatar, item.Content).Scan(&item.CreatedAt)
	if err != nil {
		return Comment{}, fmt.Errorf("insert comment: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) ListUpdates(ctx context.Context, issueID string) ([]Update, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, issue_id, author_id::text, author_name, type, content, created_at
		FROM updates
		WHERE issue_id=$1
		ORDER BY created_at ASC
	`, issueID)
	if err != nil {
		return nil, fmt.Errorf("list updates: %w", err)
	}
	defer rows.Close()

	items := make([]Update, 0)
	for rows.Next() {
		var item Update
		if err := rows.Scan(&item.ID, &item.IssueID, &item.AuthorID, &item.AuthorName, &item.Type, &item.Content, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan update: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate updates: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertUpdate(ctx context.Context, item Update) (Update, error) {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO updates (id, issue_id, author_id, author_name, type, content)
		VALUES ($1, $2, $3::uuid, $4, $5, $6)
		RETURNING created_at
	`, item.ID, item.IssueID, item.AuthorID, item.AuthorName, item.Type, item.Content).Scan(&item.CreatedAt)
	if err != nil {
		return Update{}, fmt.Errorf("insert update: %w", err)
	}
	return item, nil
}

const solutionColumns = `id, issue_id, proposed_by::text, proposer_name, title, description, estimated_cost::float8, status, vote_count, is_official, created_at, updated_at`

func scanSolution(row interface{ Scan(...any) error }) (Solution, error) {
	var item Solution
	err := row.Scan(
		&item.ID,
		&item.IssueID,
		&item.ProposedBy,
		&item.ProposerName,
		&item.Title,
		&item.Description,
		&item.EstimatedCost,
		&item.Status,
		&item.VoteCount,
		&item.IsOfficial,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	return item, err
}

func (s *PostgresStore) ListSolutions(ctx context.Context, issueID string) ([]Solution, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+solutionColumns+` FROM solutions WHERE issue_id=$1 ORDER BY created_at ASC`, issueID)
	if err != nil {
		return nil, fmt.Errorf("list solutions: %w", err)
	}
	defer rows.Close()

	items := make([]Solution, 0)
	for rows.Next() {
		item, err := scanSolution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan solution: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate solutions: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetSolution(ctx context.Context, solutionID string) (Solution, error) {
	return scanSolution(s.db.QueryRowContext(ctx, `SELECT `+solutionColumns+` FROM solutions WHERE id=$1`, solutionID))
}

func (s *PostgresStore) InsertSolution(ctx context.Context, item Solution) (Solution, error) {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	status := item.Status
	if status == "" {
		status = "proposed"
	}
	created, err := scanSolution(s.db.QueryRowContext(ctx, `
		INSERT INTO solutions (id, issue_id, proposed_by, proposer_name, title, description, estimated_cost, status)
		VALUES ($1, $2, $3::uuid, $4, $5, $6, $7, $8)
		RETURNING `+solutionColumns,
		item.ID, item.IssueID, item.ProposedBy, item.ProposerName, item.Title, item.Description, item.EstimatedCost, status,
	))
	if err != nil {
		return Solution{}, fmt.Errorf("insert solution: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) UpdateSolutionStatus(ctx context.Context, solutionID, status string) (Solution, error) {
	updated, err := scanSolution(s.db.QueryRowContext(ctx, `
		UPDATE solutions SET status=$2, updated_at=NOW()
		WHERE id=$1
		RETURNING `+solutionColumns,
		solutionID, status,
	))
	if err != nil {
		return Solution{}, fmt.Errorf("update solution status: %w", err)
	}
	return updated, nil
}

// MarkSolutionOfficial runs the mark_solution_official procedure, which clears
// the flag on sibling solutions in the same statement. It returns the issue id.
func (s *PostgresStore) MarkSolutionOfficial(ctx context.Context, solutionID, actorID, actorName string) (string, error) {
	var issueID string
	err := s.db.QueryRowContext(ctx, `SELECT mark_solution_official($1, $2::uuid, $3)`, solutionID, actorID, actorName).Scan(&issueID)
	if err != nil {
		return "", fmt.Errorf("mark solution official: %w", err)
	}
	return issueID, nil
}

func (s *PostgresStore) HasVoted(ctx context.Context, issueID, userID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM issue_votes WHERE issue_id=$1 AND user_id::text=$2)`, issueID, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check issue vote: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) IsWatching(ctx context.Context, issueID, userID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM issue_watchers WHERE issue_id=$1 AND user_id::text=$2)`, issueID, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check issue watcher: %w", err)
	}
	return exists, nil
}

// SolutionVotes returns the ids of the issue's solutions the user has voted for.
func (s *PostgresStore) SolutionVotes(ctx context.Context, issueID, userID string) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sv.solution_id
		FROM solution_votes sv
		JOIN solutions so ON so.id = sv.solution_id
		WHERE so.issue_id=$1 AND sv.user_id::text=$2
	`, issueID, userID)
	if err != nil {
		return nil, fmt.Errorf("list solution votes: %w", err)
	}
	defer rows.Close()

	voted := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan solution vote: %w", err)
		}
		voted[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate solution votes: %w", err)
	}
	return voted, nil
}

// membership describes one join table and the counter procedure that keeps the
// subject's denormalised count in step with it.
type membership struct {
	insert  string
	delete  string
	adjust  string
	current string
	name    string
}

var (
	issueVotes = membership{
		insert:  `INSERT INTO issue_votes (issue_id, user_id) VALUES ($1, $2::uuid) ON CONFLICT DO NOTHING`,
		delete:  `DELETE FROM issue_votes WHERE issue_id=$1 AND user_id::text=$2`,
		adjust:  `SELECT adjust_issue_votes($1, $2)`,
		current: `SELECT vote_count FROM issues WHERE id=$1`,
		name:    "issue vote",
	}
	issueWatchers = membership{
		insert:  `INSERT INTO issue_watchers (issue_id, user_id) VALUES ($1, $2::uuid) ON CONFLICT DO NOTHING`,
		delete:  `DELETE FROM issue_watchers WHERE issue_id=$1 AND user_id::text=$2`,
		adjust:  `SELECT adjust_issue_watchers($1, $2)`,
		current: `SELECT watch_count FROM issues WHERE id=$1`,
		name:    "issue watcher",
	}
	solutionVotes = membership{
		insert:  `INSERT INTO solution_votes (solution_id, user_id) VALUES ($1, $2::uuid) ON CONFLICT DO NOTHING`,
		delete:  `DELETE FROM solution_votes WHERE solution_id=$1 AND user_id::text=$2`,
		adjust:  `SELECT adjust_solution_votes($1, $2)`,
		current: `SELECT vote_count FROM solutions WHERE id=$1`,
		name:    "solution vote",
	}
)

// setMembership makes the (subject, user) row exist when on is true and not
// exist otherwise. The counter procedure only runs when a row actually changed,
// so repeating a call is harmless. It returns the subject's count afterwards.
func (s *PostgresStore) setMembership(ctx context.Context, m membership, subjectID, userID string, on bool) (int, error) {
	var count int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, delta := m.delete, -1
		if on {
			stmt, delta = m.insert, 1
		}
		result, err := tx.ExecContext(ctx, stmt, subjectID, userID)
		if err != nil {
			return fmt.Errorf("write %s: %w", m.name, err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("write %s rows: %w", m.name, err)
		}
		if affected == 0 {
			if err := tx.QueryRowContext(ctx, m.current, subjectID).Scan(&count); err != nil {
				return fmt.Errorf("read %s count: %w", m.name, err)
			}
			return nil
		}
		var adjusted sql.NullInt64
		if err := tx.QueryRowContext(ctx, m.adjust, subjectID, delta).Scan(&adjusted); err != nil {
			return fmt.Errorf("adjust %s count: %w", m.name, err)
		}
		if !adjusted.Valid {
			return fmt.Errorf("adjust %s count: %w", m.name, sql.ErrNoRows)
		}
		count = int(adjusted.Int64)
		return nil
	})
	return count, err
}

func (s *PostgresStore) SetIssueVote(ctx context.Context, issueID, userID string, on bool) (int, error) {
	return s.setMembership(ctx, issueVotes, issueID, userID, on)
}

func (s *PostgresStore) SetIssueWatch(ctx context.Context, issueID, userID string, on bool) (int, error) {
	return s.setMembership(ctx, issueWatchers, issueID, userID, on)
}

func (s *PostgresStore) SetSolutionVote(ctx context.Context, solutionID, userID string, on bool) (int, error) {
	return s.setMembership(ctx, solutionVotes, solutionID, userID, on)
}

func (s *PostgresStore) ListWatchers(ctx context.Context, issueID string) ([]Watcher, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id::text, p.display_name, p.email, p.is_email_verified
		FROM issue_watchers w
		JOIN profiles p ON p.id = w.user_id
		WHERE w.issue_id=$1
		ORDER BY w.created_at ASC
	`, issueID)
	if err != nil {
		return nil, fmt.Errorf("list watchers: %w", err)
	}
	defer rows.Close()

	items := make([]Watcher, 0)
	for rows.Next() {
		var item Watcher
		if err := rows.Scan(&item.UserID, &item.DisplayName, &item.Email, &item.IsEmailVerified); err != nil {
			return nil, fmt.Errorf("scan watcher: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate watchers: %w", err)
	}
	return items, nil
}

const notificationColumns = `id, user_id::text, type, title, message, read, read_at, issue_id, comment_id, solution_id, priority, expires_at, created_at`

func scanNotification(row interface{ Scan(...any) error }) (Notification, error) {
	var item Notification
	err := row.Scan(
		&item.ID,
		&item.UserID,
		&item.Type,
		&item.Title,
		&item.Message,
		&item.Read,
		&item.ReadAt,
		&item.IssueID,
		&item.CommentID,
		&item.SolutionID,
		&item.Priority,
		&item.ExpiresAt,
		&item.CreatedAt,
	)
	return item, err
}

// ListNotifications returns the user's live notifications, newest first.
func (s *PostgresStore) ListNotifications(ctx context.Context, userID string, limit int) ([]Notification, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+notificationColumns+`
		FROM notifications
		WHERE user_id::text=$1
		  AND (expires_at IS NULL OR expires_at > NOW())
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	items := make([]Notification, 0)
	for rows.Next() {
		item, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notifications: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertNotification(ctx context.Context, item Notification) (Notification, error) {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	priority := item.Priority
	if priority == "" {
		priority = "normal"
	}
	created, err := scanNotification(s.db.QueryRowContext(ctx, `
		INSERT INTO notifications (id, user_id, type, title, message, issue_id, comment_id, solution_id, priority, expires_at)
		VALUES ($1, $2::uuid, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING `+notificationColumns,
		item.ID, item.UserID, item.Type, item.Title, item.Message, item.IssueID, item.CommentID, item.SolutionID, priority, item.ExpiresAt,
	))
	if err != nil {
		return Notification{}, fmt.Errorf("insert notification: %w", err)
	}
	return created, nil
}

// MarkNotificationRead flips the read flag. The recipient check is part of the
// statement; sql.ErrNoRows means no such notification for this user.
func (s *PostgresStore) MarkNotificationRead(ctx context.Context, userID, notificationID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET read=TRUE, read_at=COALESCE(read_at, NOW())
		WHERE id=$1 AND user_id::text=$2
	`, notificationID, userID)
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark notification read rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) MarkAllNotificationsRead(ctx context.Context, userID string) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET read=TRUE, read_at=NOW()
		WHERE user_id::text=$1 AND NOT read
	`, userID)
	if err != nil {
		return 0, fmt.Errorf("mark all notifications read: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("mark all notifications read rows: %w", err)
	}
	return int(affected), nil
}

// CountUnreadNotifications counts the recipient's unread, unexpired rows.
func (s *PostgresStore) CountUnreadNotifications(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM notifications
		WHERE user_id::text=$1 AND NOT read AND (expires_at IS NULL OR expires_at > NOW())
	`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count unread notifications: %w", err)
	}
	return n, nil
}

// DeleteExpiredNotifications removes expired rows and read rows older than
// readRetention. A zero retention keeps read rows.
func (s *PostgresStore) DeleteExpiredNotifications(ctx context.Context, readRetention time.Duration) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM notifications
		WHERE (expires_at IS NOT NULL AND expires_at <= NOW())
		   OR ($1::bigint > 0 AND read AND read_at < NOW() - make_interval(secs => $1::bigint))
	`, int64(readRetention/time.Second))
	if err != nil {
		return 0, fmt.Errorf("delete expired notifications: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expired notifications rows: %w", err)
	}
	return int(affected), nil
}

func (s *PostgresStore) DepartmentDashboard(ctx context.Context, departmentID string) (DepartmentDashboard, error) {
	out := DepartmentDashboard{
		DepartmentID: departmentID,
		ByStatus:     map[string]int{},
		ByCategory:   map[string]int{},
		MostVoted:    []Issue{},
	}

	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(AVG(EXTRACT(EPOCH FROM (first_response_at - created_at)) / 3600) FILTER (WHERE first_response_at IS NOT NULL), 0),
			COALESCE(AVG(EXTRACT(EPOCH FROM (resolved_at - created_at)) / 3600) FILTER (WHERE resolved_at IS NOT NULL), 0),
			COUNT(*) FILTER (WHERE status = 'open' AND created_at < NOW() - INTERVAL '7 days')
		FROM issues
		WHERE department_id=$1
	`, departmentID).Scan(&out.TotalIssues, &out.AvgFirstResponseHrs, &out.AvgResolutionHrs, &out.OpenOlderThanWeek)
	if err != nil {
		return DepartmentDashboard{}, fmt.Errorf("dashboard totals: %w", err)
	}

	if err := s.countInto(ctx, out.ByStatus, `SELECT status, COUNT(*) FROM issues WHERE department_id=$1 GROUP BY status`, departmentID); err != nil {
		return DepartmentDashboard{}, fmt.Errorf("dashboard by status: %w", err)
	}
	if err := s.countInto(ctx, out.ByCategory, `SELECT category, COUNT(*) FROM issues WHERE department_id=$1 GROUP BY category`, departmentID); err != nil {
		return DepartmentDashboard{}, fmt.Errorf("dashboard by category: %w", err)
	}

	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM solutions so JOIN issues i ON i.id = so.issue_id
		WHERE i.department_id=$1 AND so.is_official
	`, departmentID).Scan(&out.OfficialSolutions); err != nil {
		return DepartmentDashboard{}, fmt.Errorf("dashboard official solutions: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+issueColumns+`
		FROM issues
		WHERE department_id=$1 AND status IN ('open', 'in_progress')
		ORDER BY vote_count DESC, created_at ASC
		LIMIT 5
	`, departmentID)
	if err != nil {
		return DepartmentDashboard{}, fmt.Errorf("dashboard most voted: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		item, err := scanIssue(rows)
		if err != nil {
			return DepartmentDashboard{}, fmt.Errorf("scan most voted: %w", err)
		}
		out.MostVoted = append(out.MostVoted, item)
	}
	if err := rows.Err(); err != nil {
		return DepartmentDashboard{}, fmt.Errorf("iterate most voted: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) countInto(ctx context.Context, into map[string]int, query string, args ...any) error {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var count int
		if err := rows.Scan(&key, &count); err != nil {
			return err
		}
		into[key] = count
	}
	return rows.Err()
}

func (s *PostgresStore) GetDepartment(ctx context.Context, departmentID string) (Department, error) {
	var item Department
	err := s.db.QueryRowContext(ctx, `SELECT id, name, created_at FROM departments WHERE id=$1`, departmentID).Scan(&item.ID, &item.Name, &item.CreatedAt)
	if err != nil {
		return Department{}, err
	}
	return item, nil
}

// IsNotFound reports whether err is a missing-row error from this store.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
