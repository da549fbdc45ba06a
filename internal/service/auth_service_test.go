package service_test

import (
	"context"
	"testing"

	"github.com/parisxmas/oxiwarehouse/internal/access"
	"github.com/parisxmas/oxiwarehouse/internal/apperr"
	"github.com/parisxmas/oxiwarehouse/internal/auth"
	"github.com/parisxmas/oxiwarehouse/internal/logging"
	"github.com/parisxmas/oxiwarehouse/internal/models"
	"github.com/parisxmas/oxiwarehouse/internal/service"
	"github.com/parisxmas/oxiwarehouse/internal/testsupport"
)

const jwtSecret = "auth-test-secret"

func newAuthService(t *testing.T) *service.AuthService {
	t.Helper()
	store := testsupport.MustOpenStore(t)
	return service.NewAuthService(store.Users, jwtSecret, logging.Discard())
}

func TestRegisterAndLogin(t *testing.T) {
	svc := newAuthService(t)
	ctx := context.Background()

	res, err := svc.Register(ctx, " Alice@Example.com ", "correct-horse", "Alice")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if res.User.Email != "alice@example.com" || res.User.Role != models.RoleUser || res.User.ID == "" {
		t.Fatalf("unexpected user %+v", res.User)
	}
	claims, err := auth.ValidateToken(jwtSecret, res.Token)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if claims.UserID != res.User.ID {
		t.Fatalf("token subject %q, want %q", claims.UserID, res.User.ID)
	}

	if _, err := svc.Login(ctx, "alice@example.com", "correct-horse"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	_, err = svc.Login(ctx, "alice@example.com", "wrong-password")
	wantKind(t, err, apperr.KindAuthentication)
	_, err = svc.Login(ctx, "nobody@example.com", "correct-horse")
	wantKind(t, err, apperr.KindAuthentication)

	_, err = svc.Register(ctx, "alice@example.com", "another-pass", "Alice Again")
	wantKind(t, err, apperr.KindValidation)

	me, err := svc.Me(ctx, claims.Identity())
	if err != nil {
		t.Fatalf("Me: %v", err)
	}
	if me.Name != "Alice" {
		t.Fatalf("unexpected profile %+v", me)
	}
}

func TestRegisterValidation(t *testing.T) {
	svc := newAuthService(t)
	tests := []struct {
		name, email, password, user string
	}{
		{"short name", "a@example.com", "long-enough", "A"},
		{"bad email", "not-an-email", "long-enough", "Alice"},
		{"short password", "a@example.com", "short", "Alice"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Register(context.Background(), tt.email, tt.password, tt.user)
			wantKind(t, err, apperr.KindValidation)
		})
	}
}

func TestSeedAdminIsIdempotent(t *testing.T) {
	svc := newAuthService(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := svc.SeedAdmin(ctx, "admin@example.com", "admin-password"); err != nil {
			t.Fatalf("SeedAdmin #%d: %v", i, err)
		}
	}
	res, err := svc.Login(ctx, "admin@example.com", "admin-password")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if res.User.Role != models.RoleAdmin {
		t.Fatalf("expected admin role, got %s", res.User.Role)
	}

	users, err := svc.ListUsers(ctx, access.Identity{UserID: res.User.ID, Role: models.RoleAdmin})
	if err != nil {
		t.Fatalf("ListUsers: %v", err)
	}
	if len(users) != 1 {
		t.Fatalf("expected one user, got %d", len(users))
	}
	_, err = svc.ListUsers(ctx, testsupport.UserIdentity("someone"))
	wantKind(t, err, apperr.KindAuthorization)
}
