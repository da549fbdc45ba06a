package archive

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPFetcher downloads signed URLs over plain HTTP. It is used when the blob
// store lives behind another service's /files endpoint.
type HTTPFetcher struct {
	Client *http.Client
	// MaxBytes caps a single body; zero means 512 MiB.
	MaxBytes int64
}

func NewHTTPFetcher(timeout time.Duration) *HTTPFetcher {
	return &HTTPFetcher{Client: &http.Client{Timeout: timeout}}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, signedURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, signedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", req.URL.Redacted(), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get %s: unexpected status %d", req.URL.Path, resp.StatusCode)
	}
	limit := f.MaxBytes
	if limit <= 0 {
		limit = 512 << 20
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("get %s: body exceeds %d bytes", req.URL.Path, limit)
	}
	return data, nil
}
