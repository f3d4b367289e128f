package knowledge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultFetchTimeout = 20 * time.Second
	defaultMaxBodyBytes = 4 << 20
	defaultUserAgent    = "sitechat-crawler/1.0"
)

type fetchedPage struct {
	Body        []byte
	ContentType string
	FinalURL    string
}

type fetcher struct {
	client       *http.Client
	userAgent    string
	timeout      time.Duration
	maxBodyBytes int64
}

func newFetcherFromEnv() *fetcher {
	timeout := defaultFetchTimeout
	if raw := strings.TrimSpace(os.Getenv("KNOWLEDGE_FETCH_TIMEOUT_SECONDS")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			timeout = time.Duration(parsed) * time.Second
		}
	}

	maxBody := int64(defaultMaxBodyBytes)
	if raw := strings.TrimSpace(os.Getenv("KNOWLEDGE_FETCH_MAX_BYTES")); raw != "" {
		if parsed, err := strconv.ParseInt(raw, 10, 64); err == nil && parsed > 0 {
			maxBody = parsed
		}
	}

	userAgent := strings.TrimSpace(os.Getenv("KNOWLEDGE_FETCH_USER_AGENT"))
	if userAgent == "" {
		userAgent = defaultUserAgent
	}

	return newFetcher(timeout, userAgent, maxBody)
}

func newFetcher(timeout time.Duration, userAgent string, maxBodyBytes int64) *fetcher {
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	if maxBodyBytes <= 0 {
		maxBodyBytes = defaultMaxBodyBytes
	}
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	return &fetcher{
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return errors.New("too many redirects")
				}
				return nil
			},
		},
		userAgent:    userAgent,
		timeout:      timeout,
		maxBodyBytes: maxBodyBytes,
	}
}

// fetchPage retrieves one page within the configured timeout. Timeouts come
// back as a dedicated message so the caller can surface them verbatim.
func (f *fetcher) fetchPage(ctx context.Context, pageURL string) (*fetchedPage, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.5")

	resp, err := f.client.Do(req)
	if err != nil {
		if isTimeoutError(err) {
			return nil, fmt.Errorf("fetch timed out after %s", f.timeout)
		}
		return nil, fmt.Errorf("fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("unexpected status %d (%s)", resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	limited := io.LimitReader(resp.Body, f.maxBodyBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		if isTimeoutError(err) {
			return nil, fmt.Errorf("fetch timed out after %s", f.timeout)
		}
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > f.maxBodyBytes {
		return nil, fmt.Errorf("page exceeds %d bytes", f.maxBodyBytes)
	}

	finalURL := pageURL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}

	return &fetchedPage{
		Body:        body,
		ContentType: resp.Header.Get("Content-Type"),
		FinalURL:    finalURL,
	}, nil
}

func isTimeoutError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}
