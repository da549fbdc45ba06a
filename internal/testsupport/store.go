package testsupport

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/parisxmas/oxiwarehouse/internal/access"
	"github.com/parisxmas/oxiwarehouse/internal/config"
	"github.com/parisxmas/oxiwarehouse/internal/models"
	"github.com/parisxmas/oxiwarehouse/internal/repository"
)

// MustOpenStore opens a SQLite-backed repository.Store in a temp directory
// and registers cleanup.
func MustOpenStore(t testing.TB) *repository.Store {
	t.Helper()

	path := filepath.Join(t.TempDir(), "oxiwarehouse.db")
	store, err := repository.Open(context.Background(), config.Database{Driver: "sqlite", Path: path})
	if err != nil {
		t.Fatalf("repository.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// MustCreateUser inserts a user with the given id and role.
func MustCreateUser(t testing.TB, store *repository.Store, id, email string, role models.Role) *models.User {
	t.Helper()

	user := &models.User{
		ID:           id,
		Email:        email,
		Name:         id,
		PasswordHash: "x",
		Role:         role,
		CreatedAt:    time.Now().UTC(),
	}
	if err := store.Users.Create(context.Background(), user); err != nil {
		t.Fatalf("Users.Create: %v", err)
	}
	return user
}

func UserIdentity(id string) access.Identity {
	return access.Identity{UserID: id, Email: id + "@example.com", Role: models.RoleUser}
}

func AdminIdentity() access.Identity {
	return access.Identity{UserID: "admin", Email: "admin@example.com", Role: models.RoleAdmin}
}

func WorkerIdentity() access.Identity {
	return access.Identity{Role: models.RoleWorker}
}
