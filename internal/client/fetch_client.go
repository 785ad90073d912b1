package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/reelforge/api/internal/apperr"
	"github.com/reelforge/api/internal/config"
)

var ErrTooLarge = errors.New("remote file exceeds size limit")

// FetchClient downloads slide images and audio segments. Plain paths and
// file:// URLs are copied from disk.
type FetchClient struct {
	httpClient *http.Client
	maxBytes   int64
}

// NewFetchClient creates a new fetch client
func NewFetchClient(cfg *config.FetchConfig) *FetchClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &FetchClient{
		httpClient: &http.Client{Timeout: timeout},
		maxBytes:   cfg.MaxBytes,
	}
}

// Fetch copies src to dst.
func (c *FetchClient) Fetch(ctx context.Context, src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return apperr.Wrap(apperr.ErrResource, "", "create fetch dir", err)
	}

	u, err := url.Parse(src)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 {
		return c.copyLocal(src, dst)
	}
	switch u.Scheme {
	case "file":
		return c.copyLocal(u.Path, dst)
	case "http", "https":
		return c.download(ctx, src, dst)
	default:
		return apperr.Validation("unsupported source scheme %q", u.Scheme)
	}
}

func (c *FetchClient) copyLocal(src, dst string) error {
	if err := copyFile(src, dst); err != nil {
		return apperr.Wrap(apperr.ErrResource, "", "copy "+src, err)
	}
	return nil
}

// download streams a GET response to dst
func (c *FetchClient) download(ctx context.Context, src, dst string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return apperr.Wrap(apperr.ErrCancelled, "", "download "+src, ctx.Err())
		}
		return apperr.Wrap(apperr.ErrResource, "", "download "+src, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return apperr.Wrap(apperr.ErrResource, "", "download "+src,
			fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	out, err := os.Create(dst)
	if err != nil {
		return apperr.Wrap(apperr.ErrResource, "", "create "+dst, err)
	}

	var body io.Reader = resp.Body
	if c.maxBytes > 0 {
		body = io.LimitReader(resp.Body, c.maxBytes+1)
	}
	n, err := io.Copy(out, body)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return apperr.Wrap(apperr.ErrResource, "", "write "+dst, err)
	}
	if c.maxBytes > 0 && n > c.maxBytes {
		return apperr.Wrap(apperr.ErrResource, "", "download "+src, ErrTooLarge)
	}
	return nil
}
