package logging_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/parisxmas/oxiwarehouse/internal/logging"
)

func TestNewJSONRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, closeFn, err := logging.New(logging.Options{Level: "warn", Format: "json", Output: &buf})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer closeFn()

	logger.Info("hidden")
	logger.Warn("shown", "submission", "s1")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one line, got %d: %q", len(lines), buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec["msg"] != "shown" || rec["submission"] != "s1" {
		t.Fatalf("unexpected record %v", rec)
	}
}

func TestAutoFormatFallsBackToJSONForBuffers(t *testing.T) {
	var buf bytes.Buffer
	logger, _, err := logging.New(logging.Options{Format: "auto", Output: &buf})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.Info("hello")
	if !strings.HasPrefix(strings.TrimSpace(buf.String()), "{") {
		t.Fatalf("expected JSON output, got %q", buf.String())
	}
}

func TestRejectsUnknownFormat(t *testing.T) {
	if _, _, err := logging.New(logging.Options{Format: "xml", Output: &bytes.Buffer{}}); err == nil {
		t.Fatal("expected error for unknown format")
	}
}

func TestTeeWritesToAllHandlers(t *testing.T) {
	var a, b bytes.Buffer
	logger := slog.New(logging.Tee(
		slog.NewTextHandler(&a, nil),
		slog.NewJSONHandler(&b, nil),
	))
	logger.With("kind", "storage").Info("retry")
	if !strings.Contains(a.String(), "kind=storage") {
		t.Fatalf("text handler missing attr: %q", a.String())
	}
	if !strings.Contains(b.String(), `"kind":"storage"`) {
		t.Fatalf("json handler missing attr: %q", b.String())
	}
}
