package store

import "time"

// Column tags follow the row shape emitted by the row_changes trigger so realtime
// payloads decode straight into these types.

type Profile struct {
	ID                    string     `json:"id"`
	DisplayName           string     `json:"display_name"`
	Email                 string     `json:"email"`
	PasswordHash          string     `json:"-"`
	Role                  string     `json:"role"`
	DepartmentID          string     `json:"department_id,omitempty"`
	AvatarURL             string     `json:"avatar_url,omitempty"`
	IsEmailVerified       bool       `json:"is_email_verified"`
	VerificationToken     string     `json:"-"`
	VerificationExpiresAt *time.Time `json:"-"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

type Department struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

type Issue struct {
	ID              string     `json:"id"`
	Title           string     `json:"title"`
	Description     string     `json:"description"`
	Category        string     `json:"category"`
	Status          string     `json:"status"`
	Location        string     `json:"location"`
	VoteCount       int        `json:"vote_count"`
	WatchCount      int        `json:"watch_count"`
	AuthorID        *string    `json:"author_id"`
	AuthorName      string     `json:"author_name"`
	DepartmentID    *string    `json:"department_id"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	FirstResponseAt *time.Time `json:"first_response_at"`
	ResolvedAt      *time.Time `json:"resolved_at"`
}

type Comment struct {
	ID           string    `json:"id"`
	IssueID      string    `json:"issue_id"`
	AuthorID     string    `json:"author_id"`
	AuthorName   string    `json:"author_name"`
	AuthorAvatar string    `json:"author_avatar"`
	Content      string    `json:"content"`
	CreatedAt    time.Time `json:"created_at"`
}

type Update struct {
	ID         string    `json:"id"`
	IssueID    string    `json:"issue_id"`
	AuthorID   *string   `json:"author_id"`
	AuthorName string    `json:"author_name"`
	Type       string    `json:"type"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"created_at"`
}

type Solution struct {
	ID            string    `json:"id"`
	IssueID       string    `json:"issue_id"`
	ProposedBy    string    `json:"proposed_by"`
	ProposerName  string    `json:"proposer_name"`
	Title         string    `json:"title"`
	Description   string    `json:"description"`
	EstimatedCost float64   `json:"estimated_cost"`
	Status        string    `json:"status"`
	VoteCount     int       `json:"vote_count"`
	IsOfficial    bool      `json:"is_official"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type Notification struct {
	ID         string     `json:"id"`
	UserID     string     `json:"user_id"`
	Type       string     `json:"type"`
	Title      string     `json:"title"`
	Message    string     `json:"message"`
	Read       bool       `json:"read"`
	ReadAt     *time.Time `json:"read_at"`
	IssueID    *string    `json:"issue_id"`
	CommentID  *string    `json:"comment_id"`
	SolutionID *string    `json:"solution_id"`
	Priority   string     `json:"priority"`
	ExpiresAt  *time.Time `json:"expires_at"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Watcher is a profile subscribed to an issue, with what is needed to reach them.
type Watcher struct {
	UserID          string
	DisplayName     string
	Email           string
	IsEmailVerified bool
}

type IssueFilter struct {
	Category     string
	Status       string
	DepartmentID string
	Limit        int
	Offset       int
}

type DepartmentDashboard struct {
	DepartmentID        string         `json:"departmentId"`
	TotalIssues         int            `json:"totalIssues"`
	ByStatus            map[string]int `json:"byStatus"`
	ByCategory          map[string]int `json:"byCategory"`
	AvgFirstResponseHrs float64        `json:"avgFirstResponseHours"`
	AvgResolutionHrs    float64        `json:"avgResolutionHours"`
	OfficialSolutions   int            `json:"officialSolutions"`
	OpenOlderThanWeek   int            `json:"openOlderThanWeek"`
	MostVoted           []Issue        `json:"mostVoted"`
}
