package service

import (
	"context"
	"errors"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/parisxmas/oxiwarehouse/internal/access"
	"github.com/parisxmas/oxiwarehouse/internal/apperr"
	"github.com/parisxmas/oxiwarehouse/internal/auth"
	"github.com/parisxmas/oxiwarehouse/internal/models"
	"github.com/parisxmas/oxiwarehouse/internal/repository"
)

const (
	minNameLength     = 2
	minPasswordLength = 8
)

type AuthService struct {
	users     repository.UserRepository
	jwtSecret string
	logger    *slog.Logger
}

func NewAuthService(users repository.UserRepository, jwtSecret string, logger *slog.Logger) *AuthService {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthService{users: users, jwtSecret: jwtSecret, logger: logger}
}

type AuthResult struct {
	Token string              `json:"token"`
	User  models.UserResponse `json:"user"`
}

func validateRegistration(email, password, name string) error {
	if len(strings.TrimSpace(name)) < minNameLength {
		return apperr.Validation("name must be at least 2 characters")
	}
	if _, err := mail.ParseAddress(email); err != nil || !strings.Contains(email, "@") {
		return apperr.Validation("invalid email address")
	}
	if len(password) < minPasswordLength {
		return apperr.Validation("password must be at least 8 characters")
	}
	return nil
}

func (s *AuthService) Register(ctx context.Context, email, password, name string) (*AuthResult, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if err := validateRegistration(email, password, name); err != nil {
		return nil, err
	}
	existing, err := s.users.FindByEmail(ctx, email)
	if err != nil {
		return nil, apperr.Internal("failed to look up user", err)
	}
	if existing != nil {
		return nil, apperr.Validation("email already registered")
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, apperr.Internal("failed to hash password", err)
	}
	user := &models.User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: hash,
		Name:         strings.TrimSpace(name),
		Role:         models.RoleUser,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, apperr.Validation("email already registered")
		}
		return nil, apperr.Internal("failed to create user", err)
	}
	s.logger.Info("user registered", "user", user.ID)
	return s.issue(user)
}

func (s *AuthService) Login(ctx context.Context, email, password string) (*AuthResult, error) {
	user, err := s.users.FindByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		return nil, apperr.Internal("failed to look up user", err)
	}
	if user == nil || !auth.CheckPassword(password, user.PasswordHash) {
		return nil, apperr.Unauthenticated("invalid credentials")
	}
	return s.issue(user)
}

func (s *AuthService) issue(user *models.User) (*AuthResult, error) {
	token, err := auth.GenerateToken(s.jwtSecret, user.ID, user.Email, user.Role)
	if err != nil {
		return nil, apperr.Internal("failed to issue token", err)
	}
	return &AuthResult{Token: token, User: user.ToResponse()}, nil
}

func (s *AuthService) Me(ctx context.Context, id access.Identity) (*models.UserResponse, error) {
	if id.UserID == "" {
		return nil, apperr.Unauthenticated("unauthorized")
	}
	user, err := s.users.FindByID(ctx, id.UserID)
	if err != nil {
		return nil, apperr.Internal("failed to look up user", err)
	}
	if user == nil {
		return nil, apperr.NotFound("user not found")
	}
	resp := user.ToResponse()
	return &resp, nil
}

// ListUsers is the admin view of every account.
func (s *AuthService) ListUsers(ctx context.Context, id access.Identity) ([]models.UserResponse, error) {
	if err := access.Require(id); err != nil {
		return nil, err
	}
	if !id.IsAdmin() {
		return nil, apperr.Forbidden("admin access required")
	}
	users, err := s.users.List(ctx)
	if err != nil {
		return nil, apperr.Internal("failed to list users", err)
	}
	out := make([]models.UserResponse, 0, len(users))
	for i := range users {
		out = append(out, users[i].ToResponse())
	}
	return out, nil
}

// SeedAdmin creates the admin account unless one with that email exists.
func (s *AuthService) SeedAdmin(ctx context.Context, email, password string) error {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return nil
	}
	existing, err := s.users.FindByEmail(ctx, email)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	user := &models.User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: hash,
		Name:         "Admin",
		Role:         models.RoleAdmin,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.users.Create(ctx, user); err != nil && !errors.Is(err, repository.ErrDuplicate) {
		return err
	}
	s.logger.Info("admin account seeded", "email", email)
	return nil
}
