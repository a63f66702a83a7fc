package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"civicportal/api/internal/auth"
	"civicportal/api/internal/authpw"
	"civicportal/api/internal/config"
	"civicportal/api/internal/email"
	"civicportal/api/internal/export"
	"civicportal/api/internal/inbox"
	"civicportal/api/internal/issue"
	"civicportal/api/internal/jobs"
	"civicportal/api/internal/media"
	"civicportal/api/internal/rbac"
	"civicportal/api/internal/realtime"
	"civicportal/api/internal/search"
	sessionstore "civicportal/api/internal/session"
	"civicportal/api/internal/store"
	"civicportal/api/internal/util"
	"civicportal/api/internal/worker"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	AvatarURL    string
	Role         string
	DepartmentID string
	HasProfile   bool
	JTI          string
	ExpiresAt    time.Time
}

// Viewer is the identity the issue core acts for. A zero Session is an
// anonymous visitor.
func (s Session) Viewer() issue.Viewer {
	if s.UserID == "" {
		return issue.Viewer{}
	}
	return issue.Viewer{
		UserID:      s.UserID,
		DisplayName: s.UserName,
		AvatarURL:   s.AvatarURL,
		Role:        rbac.Normalize(s.Role),
		HasProfile:  s.HasProfile,
	}
}

func (s Session) can(action rbac.Action) bool {
	if s.UserID == "" {
		return rbac.Can("", action)
	}
	return rbac.Can(rbac.Normalize(s.Role), action)
}

type dataStore interface {
	issue.Backend
	inbox.Backend
	authpw.ProfileStore
	sessionStore

	GetProfileByID(ctx context.Context, id string) (store.Profile, error)
	InsertIssue(ctx context.Context, item store.Issue) (store.Issue, error)
	ListIssues(ctx context.Context, filter store.IssueFilter) ([]store.Issue, error)
	UpdateIssueStatus(ctx context.Context, issueID, status string) (store.Issue, error)
	GetSolution(ctx context.Context, solutionID string) (store.Solution, error)
	GetDepartment(ctx context.Context, departmentID string) (store.Department, error)
	DepartmentDashboard(ctx context.Context, departmentID string) (store.DepartmentDashboard, error)
	Ping(ctx context.Context) error
}

// sessionStore keeps refresh sessions and revoked access tokens. Postgres
// serves it by default; Redis replaces it when configured.
type sessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.Profile, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
	RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error
	IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error)
}

// activityQueue takes issue activity and ad-hoc watcher fan-outs.
type activityQueue interface {
	issue.ActivitySink
	Enqueue(ctx context.Context, args jobs.WatcherFanoutArgs) error
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions sessionStore
	feed     realtime.Feed
	views    *issue.Registry
	accounts *authpw.Service
	search   *search.Service
	media    *media.Store
	exporter *export.Service
	activity activityQueue
	mailer   *email.Service
	pools    *worker.Pools
	checks   []readinessCheck
	log      *zap.Logger
}

type readinessCheck struct {
	name  string
	check func(context.Context) error
}

type Option func(*Service)

func WithSessionStore(sessions sessionStore) Option {
	return func(s *Service) { s.sessions = sessions }
}

// WithFeed sets the realtime feed views and inboxes subscribe to. Without it
// an in-process hub is used.
func WithFeed(feed realtime.Feed) Option {
	return func(s *Service) { s.feed = feed }
}

func WithSearch(svc *search.Service) Option {
	return func(s *Service) { s.search = svc }
}

func WithMedia(m *media.Store) Option {
	return func(s *Service) { s.media = m }
}

func WithExporter(e *export.Service) Option {
	return func(s *Service) { s.exporter = e }
}

func WithActivity(q activityQueue) Option {
	return func(s *Service) { s.activity = q }
}

func WithMailer(m *email.Service) Option {
	return func(s *Service) { s.mailer = m }
}

func WithPools(p *worker.Pools) Option {
	return func(s *Service) { s.pools = p }
}

func WithLogger(log *zap.Logger) Option {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

// WithReadinessCheck adds a dependency to /api/ready.
func WithReadinessCheck(name string, check func(context.Context) error) Option {
	return func(s *Service) { s.checks = append(s.checks, readinessCheck{name: name, check: check}) }
}

func New(cfg config.Config, dataStore dataStore, opts ...Option) *Service {
	s := &Service{
		cfg:      cfg,
		store:    dataStore,
		sessions: dataStore,
		accounts: authpw.NewService(dataStore),
		log:      zap.NewNop(),
		checks:   []readinessCheck{{name: "database", check: dataStore.Ping}},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.feed == nil {
		s.feed = realtime.NewHub(s.log)
	}
	if s.exporter == nil {
		s.exporter = export.NewService(dataStore)
	}

	viewOpts := []issue.Option{issue.WithLogger(s.log)}
	sink := &indexingSink{store: dataStore, search: s.search, pools: s.pools, log: s.log}
	if s.activity != nil {
		sink.next = s.activity
	}
	viewOpts = append(viewOpts, issue.WithActivitySink(sink))
	s.views = issue.NewRegistry(dataStore, s.feed, viewOpts...)
	return s
}

// Close closes every open issue view.
func (s *Service) Close() {
	s.views.Close()
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Ready runs every readiness check and returns the failures by name.
func (s *Service) Ready(ctx context.Context) map[string]error {
	results := make(map[string]error, len(s.checks))
	for _, c := range s.checks {
		results[c.name] = c.check(ctx)
	}
	return results
}

func (s *Service) EmailConfigured() bool {
	return s.mailer != nil && s.mailer.IsConfigured()
}

// SignUp creates the profile and mails the verification link. Mail goes out
// on the worker pool; a failed send is logged and the token stays valid.
func (s *Service) SignUp(ctx context.Context, req authpw.SignUpRequest) (*authpw.SignUpResponse, error) {
	resp, err := s.accounts.SignUp(ctx, req)
	if err != nil {
		return nil, err
	}
	if s.EmailConfigured() {
		profile, token := resp.Profile, resp.VerificationToken
		s.background(func(context.Context) {
			if err := s.mailer.SendVerificationEmail(profile.Email, profile.DisplayName, token); err != nil {
				s.log.Warn("verification email failed", zap.String("user_id", profile.ID), zap.Error(err))
			}
		})
	}
	return resp, nil
}

// SignIn checks credentials and opens a session. Unverified accounts get
// requiresVerify and no session.
func (s *Service) SignIn(ctx context.Context, req authpw.SignInRequest) (Session, bool, error) {
	resp, err := s.accounts.SignIn(ctx, req)
	if err != nil {
		return Session{}, false, err
	}
	if resp.RequiresVerify {
		return Session{}, true, nil
	}
	session, err := s.issueSession(ctx, resp.Profile)
	return session, false, err
}

func (s *Service) VerifyEmail(ctx context.Context, token string) error {
	return s.accounts.VerifyEmail(ctx, token)
}

// Refresh rotates a refresh token: the old one is revoked and a new pair is
// issued for the current profile.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return Session{}, auth.ErrInvalidToken
	}
	tokenHash := auth.HashToken(refreshToken)
	owner, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		if store.IsNotFound(err) || errors.Is(err, sessionstore.ErrNotFound) {
			return Session{}, auth.ErrInvalidToken
		}
		return Session{}, err
	}
	profile, err := s.store.GetProfileByID(ctx, owner.ID)
	if err != nil {
		if store.IsNotFound(err) {
			return Session{}, auth.ErrInvalidToken
		}
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, profile)
}

func (s *Service) issueSession(ctx context.Context, profile store.Profile) (Session, error) {
	token, claims, err := auth.IssueToken([]byte(s.cfg.JWTSecret), profile.ID, profile.DisplayName, profile.Role, s.cfg.AccessTTL)
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewSecret(16)
	refreshExpires := time.Now().Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), profile.ID, refreshExpires); err != nil {
		return Session{}, fmt.Errorf("save refresh session: %w", err)
	}

	session := sessionForProfile(profile)
	session.Token = token
	session.RefreshToken = refresh
	session.JTI = claims.ID
	session.ExpiresAt = claims.ExpiresAt.Time
	return session, nil
}

// SessionFromToken validates an access token. A token whose profile row is
// gone still authenticates, but without a profile.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.sessions.IsAccessTokenRevoked(ctx, claims.ID)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	session := Session{UserID: claims.Subject, UserName: claims.Name, Role: claims.Role}
	profile, err := s.store.GetProfileByID(ctx, claims.Subject)
	switch {
	case err == nil:
		session = sessionForProfile(profile)
	case !store.IsNotFound(err):
		return Session{}, err
	}
	session.Token = token
	session.JTI = claims.ID
	session.ExpiresAt = claims.ExpiresAt.Time
	return session, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		if err := s.sessions.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt); err != nil {
			s.log.Warn("revoke access token failed", zap.String("user_id", session.UserID), zap.Error(err))
		}
	}
	if refreshToken != "" {
		if err := s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken)); err != nil {
			s.log.Warn("revoke refresh session failed", zap.String("user_id", session.UserID), zap.Error(err))
		}
	}
	return nil
}

func sessionForProfile(p store.Profile) Session {
	return Session{
		UserID:       p.ID,
		UserName:     p.DisplayName,
		AvatarURL:    p.AvatarURL,
		Role:         string(rbac.Normalize(p.Role)),
		DepartmentID: p.DepartmentID,
		HasProfile:   strings.TrimSpace(p.DisplayName) != "",
	}
}

// background runs task on the general pool, or inline without pools.
func (s *Service) background(task worker.Task) {
	if s.pools == nil {
		task(context.Background())
		return
	}
	if err := s.pools.Go(s.pools.General, task); err != nil {
		s.log.Warn("background task rejected", zap.Error(err))
	}
}
