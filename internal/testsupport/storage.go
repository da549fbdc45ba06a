package testsupport

import (
	"testing"
	"time"

	"github.com/parisxmas/oxiwarehouse/internal/logging"
	"github.com/parisxmas/oxiwarehouse/internal/storage"
)

const (
	SigningSecret = "test-signing-secret"
	PublicURL     = "http://files.test"
)

// NewGateway returns a gateway over a fresh in-memory backend with a retry
// policy fast enough for tests.
func NewGateway(t testing.TB) (*storage.Gateway, *storage.MemoryBackend) {
	t.Helper()

	backend := storage.NewMemoryBackend()
	gw := storage.NewGateway(backend, storage.NewSigner(SigningSecret, PublicURL),
		storage.WithRetry(storage.RetryPolicy{Attempts: 2, Initial: time.Millisecond, Max: time.Millisecond}),
		storage.WithLogger(logging.Discard()),
	)
	return gw, backend
}
