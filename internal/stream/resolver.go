// Package stream talks to the outside world: it finds the live stream
// address and grabs one frame from it. Everything here may fail for
// reasons outside our control; callers treat failures as non-fatal.
package stream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/pierviz/pierviz/internal/errors"
)

// maxPageBytes caps how much of the vendor page is read.
const maxPageBytes = 4 << 20

// Resolver returns a playable stream address.
type Resolver interface {
	Resolve(ctx context.Context) (string, error)
}

// StaticResolver always returns a fixed, configured address.
type StaticResolver string

// Resolve implements Resolver.
func (s StaticResolver) Resolve(_ context.Context) (string, error) {
	u := strings.TrimSpace(string(s))
	if u == "" {
		return "", errors.NewResolutionFailed("stream_url", fmt.Errorf("empty stream url"))
	}
	return u, nil
}

// HTTPResolver fetches an embed page and extracts the stream address with
// Pattern's first capture group. The markup shape is owned by the vendor and
// may change at any time.
type HTTPResolver struct {
	PageURL string
	Pattern *regexp.Regexp
	Client  *http.Client
	// UserAgent is sent with the page request when set.
	UserAgent string
}

// NewHTTPResolver creates a resolver with a client bounded by timeout (0 = none).
func NewHTTPResolver(pageURL string, pattern *regexp.Regexp, timeout time.Duration) *HTTPResolver {
	return &HTTPResolver{
		PageURL: pageURL,
		Pattern: pattern,
		Client:  &http.Client{Timeout: timeout},
	}
}

// Resolve implements Resolver.
func (r *HTTPResolver) Resolve(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.PageURL, nil)
	if err != nil {
		return "", errors.NewResolutionFailed(r.PageURL, err)
	}
	if r.UserAgent != "" {
		req.Header.Set("User-Agent", r.UserAgent)
	}

	client := r.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", errors.NewResolutionFailed(r.PageURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", errors.NewResolutionFailed(r.PageURL, fmt.Errorf("unexpected status %s", resp.Status))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return "", errors.NewResolutionFailed(r.PageURL, fmt.Errorf("read page: %w", err))
	}

	u, err := ExtractSource(r.Pattern, string(body))
	if err != nil {
		return "", errors.NewResolutionFailed(r.PageURL, err)
	}
	return u, nil
}

// ExtractSource applies pattern to markup and returns the cleaned first
// capture group. JSON-escaped slashes ("\/") are unescaped.
func ExtractSource(pattern *regexp.Regexp, markup string) (string, error) {
	if pattern == nil {
		return "", fmt.Errorf("no source pattern configured")
	}
	m := pattern.FindStringSubmatch(markup)
	if len(m) < 2 {
		return "", fmt.Errorf("no stream source in page")
	}
	u := strings.TrimSpace(strings.ReplaceAll(m[1], `\/`, "/"))
	if u == "" {
		return "", fmt.Errorf("stream source is empty")
	}
	return u, nil
}
