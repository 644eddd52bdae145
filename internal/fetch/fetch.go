package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hyperifyio/metaextract/internal/failure"
)

// ErrTooLarge is returned when a download exceeds MaxBytes.
var ErrTooLarge = errors.New("remote file exceeds size limit")

// Client downloads remote files to temporary files with timeouts and limited
// retry on transient errors.
type Client struct {
	HTTPClient *http.Client
	UserAgent  string
	// MaxAttempts includes the initial attempt. Minimum 1.
	MaxAttempts int
	// PerRequestTimeout bounds each request including the body transfer.
	PerRequestTimeout time.Duration
	// MaxBytes caps the downloaded size. Zero means unlimited.
	MaxBytes int64
	// TempDir receives downloads; empty uses os.TempDir().
	TempDir string

	// RedirectMaxHops caps redirect following to avoid loops. Zero means default (5).
	RedirectMaxHops int
	// MaxConcurrent limits concurrent in-flight requests per client instance.
	// Zero means unlimited.
	MaxConcurrent int

	limiter     chan struct{}
	limiterOnce sync.Once
}

// Download is a fetched file on local disk. Remove it with Cleanup.
type Download struct {
	URL         string
	Path        string
	Name        string
	ContentType string
	Size        int64
}

func (d *Download) Cleanup() {
	if d != nil && d.Path != "" {
		_ = os.Remove(d.Path)
	}
}

// IsRemote reports whether ref is an http(s) URL.
func IsRemote(ref string) bool {
	u, err := url.Parse(ref)
	return err == nil && isHTTPScheme(u) && u.Host != ""
}

func (c *Client) getHTTPClient() *http.Client {
	if c.HTTPClient != nil {
		base := *c.HTTPClient
		base.CheckRedirect = c.checkRedirectFunc()
		return &base
	}
	return &http.Client{CheckRedirect: c.checkRedirectFunc()}
}

// Fetch downloads rawURL with bounded retry for transient errors.
func (c *Client) Fetch(ctx context.Context, rawURL string) (*Download, error) {
	attempts := c.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		d, err := c.tryOnce(ctx, rawURL)
		if err == nil {
			return d, nil
		}
		lastErr = err
		if !failure.IsTransient(err) || i == attempts-1 {
			break
		}
		log.Debug().Str("url", rawURL).Int("attempt", i+1).Err(err).Msg("download failed, retrying")
		select {
		case <-time.After(time.Duration(i+1) * 200 * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

func (c *Client) tryOnce(ctx context.Context, rawURL string) (*Download, error) {
	c.acquire()
	defer c.release()

	if c.PerRequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.PerRequestTimeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	if req.URL == nil || !isHTTPScheme(req.URL) {
		return nil, fmt.Errorf("unsupported URL scheme: %q", rawURL)
	}
	if c.UserAgent != "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}

	resp, err := c.getHTTPClient().Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, failure.Transient(err)
		}
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, failure.Transient(fmt.Errorf("server error: %d", resp.StatusCode))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}
	if c.MaxBytes > 0 && resp.ContentLength > c.MaxBytes {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrTooLarge, resp.ContentLength, c.MaxBytes)
	}

	f, err := os.CreateTemp(c.TempDir, "metaextract-*")
	if err != nil {
		return nil, fmt.Errorf("create temp: %w", err)
	}
	d := &Download{
		URL:         rawURL,
		Path:        f.Name(),
		Name:        remoteName(resp),
		ContentType: resp.Header.Get("Content-Type"),
	}
	body := io.Reader(resp.Body)
	if c.MaxBytes > 0 {
		body = io.LimitReader(resp.Body, c.MaxBytes+1)
	}
	n, err := io.Copy(f, body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		d.Cleanup()
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, failure.Transient(fmt.Errorf("read body: %w", err))
		}
		return nil, fmt.Errorf("read body: %w", err)
	}
	if c.MaxBytes > 0 && n > c.MaxBytes {
		d.Cleanup()
		return nil, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, c.MaxBytes)
	}
	d.Size = n
	return d, nil
}

// remoteName prefers the Content-Disposition file name, then the last path
// segment of the final URL.
func remoteName(resp *http.Response) string {
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil {
			if fn := path.Base(params["filename"]); fn != "" && fn != "." && fn != "/" {
				return fn
			}
		}
	}
	if resp.Request != nil && resp.Request.URL != nil {
		if base := path.Base(resp.Request.URL.Path); base != "" && base != "/" && base != "." {
			return base
		}
	}
	return "download"
}

func (c *Client) checkRedirectFunc() func(req *http.Request, via []*http.Request) error {
	max := c.RedirectMaxHops
	if max <= 0 {
		max = 5
	}
	return func(req *http.Request, via []*http.Request) error {
		if len(via) >= max {
			return errors.New("too many redirects")
		}
		if req.URL == nil || !isHTTPScheme(req.URL) {
			return errors.New("redirect to unsupported scheme")
		}
		return nil
	}
}

func isHTTPScheme(u *url.URL) bool {
	if u == nil {
		return false
	}
	scheme := strings.ToLower(u.Scheme)
	return scheme == "http" || scheme == "https"
}

func (c *Client) acquire() {
	if c.MaxConcurrent <= 0 {
		return
	}
	c.limiterOnce.Do(func() {
		c.limiter = make(chan struct{}, c.MaxConcurrent)
	})
	c.limiter <- struct{}{}
}

func (c *Client) release() {
	if c.MaxConcurrent <= 0 || c.limiter == nil {
		return
	}
	select {
	case <-c.limiter:
	default:
	}
}
