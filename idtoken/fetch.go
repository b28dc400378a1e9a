package idtoken

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// maxKeySetBytes caps how much of a key-set response is read.
const maxKeySetBytes = 1024 * 1024

// newHTTPFetcher returns the default FetchFunc backed by the given HTTP
// client. A nil client gets a dedicated one with the default timeout.
func newHTTPFetcher(client *http.Client) FetchFunc {
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}

	return func(ctx context.Context, url string) (*FetchResult, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch key set: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			return nil, fmt.Errorf("key set endpoint returned status %d: %s", resp.StatusCode, string(body))
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxKeySetBytes))
		if err != nil {
			return nil, fmt.Errorf("failed to read key set response: %w", err)
		}

		return &FetchResult{
			Body:   body,
			MaxAge: parseMaxAge(resp.Header.Get("Cache-Control")),
		}, nil
	}
}

// parseMaxAge extracts the max-age directive from a Cache-Control header.
// Returns zero when the header carries no usable directive.
func parseMaxAge(header string) time.Duration {
	for _, part := range strings.Split(header, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if !strings.HasPrefix(part, "max-age") {
			continue
		}
		_, value, found := strings.Cut(part, "=")
		if !found {
			return 0
		}
		seconds, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil || seconds < 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	return 0
}
