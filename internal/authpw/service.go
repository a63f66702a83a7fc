// Package authpw provides email/password authentication with verification.
package authpw

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"civicportal/api/internal/store"
)

const (
	MinPasswordLength    = 8
	MaxDisplayNameLength = 80
	VerificationTTL      = 24 * time.Hour
)

var (
	ErrMissingFields      = errors.New("email, password, and display name are required")
	ErrInvalidEmail       = errors.New("email address is invalid")
	ErrWeakPassword       = fmt.Errorf("password must be at least %d characters", MinPasswordLength)
	ErrDisplayNameTooLong = fmt.Errorf("display name must be at most %d characters", MaxDisplayNameLength)
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrInvalidToken       = errors.New("invalid or expired verification token")
)

type ProfileStore interface {
	GetProfileByEmail(ctx context.Context, email string) (store.Profile, error)
	CreateProfile(ctx context.Context, p store.Profile) error
	UpdateProfileVerificationToken(ctx context.Context, profileID, token string, expiresAt time.Time) error
	VerifyProfileEmail(ctx context.Context, token string) error
}

type Service struct {
	store ProfileStore
	now   func() time.Time
}

func NewService(s ProfileStore) *Service {
	return &Service{store: s, now: time.Now}
}

type SignUpRequest struct {
	Email       string
	Password    string
	DisplayName string
}

type SignUpResponse struct {
	Profile             store.Profile
	VerificationToken   string
	RequiresEmailVerify bool
}

// SignUp creates a citizen profile awaiting email verification.
func (s *Service) SignUp(ctx context.Context, req SignUpRequest) (*SignUpResponse, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	name := strings.TrimSpace(req.DisplayName)
	if email == "" || req.Password == "" || name == "" {
		return nil, ErrMissingFields
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, ErrInvalidEmail
	}
	if len(req.Password) < MinPasswordLength {
		return nil, ErrWeakPassword
	}
	if utf8.RuneCountInString(name) > MaxDisplayNameLength {
		return nil, ErrDisplayNameTooLong
	}

	if _, err := s.store.GetProfileByEmail(ctx, email); err == nil {
		return nil, ErrEmailTaken
	} else if !store.IsNotFound(err) {
		return nil, fmt.Errorf("lookup profile: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	token, err := generateToken()
	if err != nil {
		return nil, fmt.Errorf("generate verification token: %w", err)
	}

	profile := store.Profile{
		ID:           uuid.NewString(),
		DisplayName:  name,
		Email:        email,
		PasswordHash: string(hash),
		Role:         "citizen",
	}
	if err := s.store.CreateProfile(ctx, profile); err != nil {
		return nil, fmt.Errorf("create profile: %w", err)
	}
	expiresAt := s.now().Add(VerificationTTL)
	if err := s.store.UpdateProfileVerificationToken(ctx, profile.ID, token, expiresAt); err != nil {
		return nil, fmt.Errorf("set verification token: %w", err)
	}
	profile.VerificationToken = token
	profile.VerificationExpiresAt = &expiresAt

	return &SignUpResponse{
		Profile:             profile,
		VerificationToken:   token,
		RequiresEmailVerify: true,
	}, nil
}

type SignInRequest struct {
	Email    string
	Password string
}

type SignInResponse struct {
	Profile        store.Profile
	RequiresVerify bool
}

// SignIn checks the password before revealing verification state.
func (s *Service) SignIn(ctx context.Context, req SignInRequest) (*SignInResponse, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" || req.Password == "" {
		return nil, ErrInvalidCredentials
	}

	profile, err := s.store.GetProfileByEmail(ctx, email)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("lookup profile: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(profile.PasswordHash), []byte(req.Password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	return &SignInResponse{
		Profile:        profile,
		RequiresVerify: !profile.IsEmailVerified,
	}, nil
}

func (s *Service) VerifyEmail(ctx context.Context, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrInvalidToken
	}
	if err := s.store.VerifyProfileEmail(ctx, token); err != nil {
		if store.IsNotFound(err) {
			return ErrInvalidToken
		}
		return fmt.Errorf("verify email: %w", err)
	}
	return nil
}

func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
