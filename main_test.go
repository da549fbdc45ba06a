package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/parisxmas/oxiwarehouse/internal/auth"
	"github.com/parisxmas/oxiwarehouse/internal/config"
	"github.com/parisxmas/oxiwarehouse/internal/models"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "oxiwarehouse.toml")
	body := "[database]\npath = " + quote(filepath.Join(dir, "db.sqlite")) + "\n" +
		"[storage]\nbackend = \"fs\"\nroot = " + quote(filepath.Join(dir, "blobs")) + "\n" +
		"[log]\nformat = \"json\"\nlevel = \"error\"\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func quote(s string) string {
	return `'` + s + `'`
}

func TestTokenCommand(t *testing.T) {
	t.Setenv("OXW_JWT_SECRET", "cli-test-secret")
	out, err := execute(t, "token", "--user", "u-1", "--email", "ops@example.com", "--role", "admin", "--ttl", "1h")
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	claims, err := auth.ValidateToken("cli-test-secret", strings.TrimSpace(out))
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if claims.UserID != "u-1" || claims.Role != string(models.RoleAdmin) {
		t.Fatalf("unexpected claims %+v", claims)
	}
	if _, err := execute(t, "token", "--user", "u-1", "--role", "worker"); err == nil {
		t.Fatal("expected worker role to be rejected")
	}
}

func TestMigrateAndListCommands(t *testing.T) {
	cfgPath := writeConfig(t)

	out, err := execute(t, "--config", cfgPath, "migrate")
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if !strings.Contains(out, "Applied 1 migration(s)") {
		t.Fatalf("unexpected migrate output %q", out)
	}
	out, err = execute(t, "--config", cfgPath, "migrate")
	if err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	if !strings.Contains(out, "Applied 0 migration(s)") {
		t.Fatalf("expected idempotent migrate, got %q", out)
	}

	out, err = execute(t, "--config", cfgPath, "submissions", "list")
	if err != nil {
		t.Fatalf("submissions list: %v", err)
	}
	if !strings.Contains(out, "No submissions found") {
		t.Fatalf("unexpected list output %q", out)
	}
	if _, err := execute(t, "--config", cfgPath, "submissions", "list", "--status", "bogus"); err == nil {
		t.Fatal("expected invalid status to fail")
	}
}

func TestSweepCommand(t *testing.T) {
	cfgPath := writeConfig(t)
	lock := filepath.Join(t.TempDir(), "sweep.lock")
	out, err := execute(t, "--config", cfgPath, "sweep", "--lock", lock)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if !strings.Contains(out, "Removed 0 expired archive(s)") {
		t.Fatalf("unexpected sweep output %q", out)
	}
}

func TestRenderSubmissions(t *testing.T) {
	done := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	table := renderSubmissions([]models.Submission{
		{ID: "s-1", Title: "Survey", Status: models.StatusCompleted, OwnerID: "alice", Version: 3, CreatedAt: done, CompletedAt: &done},
		{ID: "s-2", Title: "Draft", Status: models.StatusPending, OwnerID: "bob", Version: 1, CreatedAt: done},
	})
	for _, want := range []string{"ID", "Survey", "completed", "alice", "s-2", "pending"} {
		if !strings.Contains(table, want) {
			t.Fatalf("table missing %q:\n%s", want, table)
		}
	}
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config: %v", err)
	}
}
