// Package scraper fetches page metadata for links shared in posts.
package scraper

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
	"github.com/petroleumjelliffe/skybot/internal/retry"
	"golang.org/x/time/rate"
)

// PageInfo holds the metadata of one page
type PageInfo struct {
	URL         string
	Title       string
	Description string
	ImageURL    string
	SiteName    string
}

// StatusError is a non-200 response
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status code: %d", e.StatusCode)
}

// DomainRateLimiter enforces per-domain rate limiting
type DomainRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	every    time.Duration
}

// NewDomainRateLimiter allows one request per domain every minDelay
func NewDomainRateLimiter(minDelay time.Duration) *DomainRateLimiter {
	return &DomainRateLimiter{
		limiters: make(map[string]*rate.Limiter),
		every:    minDelay,
	}
}

// Wait blocks until domain may be requested again or ctx is done
func (d *DomainRateLimiter) Wait(ctx context.Context, domain string) error {
	d.mu.Lock()
	l, ok := d.limiters[domain]
	if !ok {
		l = rate.NewLimiter(rate.Every(d.every), 1)
		d.limiters[domain] = l
	}
	d.mu.Unlock()
	return l.Wait(ctx)
}

// Options configures a Scraper
type Options struct {
	Timeout     time.Duration
	DomainDelay time.Duration
	MaxBodySize int64
	MaxRetries  int
	Backoff     time.Duration
	HTTPClient  *http.Client
}

// Scraper fetches OpenGraph data from URLs
type Scraper struct {
	client      *http.Client
	rateLimiter *DomainRateLimiter
	maxBodySize int64
	maxRetries  int
	backoff     time.Duration
}

// NewScraper creates a new scraper
func NewScraper(opts Options) *Scraper {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.DomainDelay <= 0 {
		opts.DomainDelay = time.Second // 1 req/sec per domain
	}
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = 1024 * 1024 // 1MB limit
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 500 * time.Millisecond
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					MinVersion: tls.VersionTLS12,
				},
			},
		}
	}

	return &Scraper{
		client:      opts.HTTPClient,
		rateLimiter: NewDomainRateLimiter(opts.DomainDelay),
		maxBodySize: opts.MaxBodySize,
		maxRetries:  opts.MaxRetries,
		backoff:     opts.Backoff,
	}
}

// Fetch fetches page metadata with retry logic
func (s *Scraper) Fetch(ctx context.Context, urlStr string) (*PageInfo, error) {
	parsed, err := url.Parse(urlStr)
	if err != nil || parsed.Host == "" {
		return nil, fmt.Errorf("invalid URL: %q", urlStr)
	}

	// Rate limit per domain
	if err := s.rateLimiter.Wait(ctx, parsed.Host); err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		info, err := s.fetchOnce(ctx, parsed)
		if err == nil {
			return info, nil
		}
		lastErr = err

		if !isRetryableError(err) {
			return nil, err
		}

		// Don't sleep after last attempt
		if attempt < s.maxRetries {
			delay := s.backoff * time.Duration(1<<attempt) // Exponential: 500ms, 1s
			if err := retry.Sleep(ctx, delay); err != nil {
				return nil, err
			}
		}
	}

	return nil, fmt.Errorf("failed after %d retries: %w", s.maxRetries, lastErr)
}

func (s *Scraper) fetchOnce(ctx context.Context, pageURL *url.URL) (*PageInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL.String(), nil)
	if err != nil {
		return nil, err
	}

	// Set browser-like headers
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; skybot/1.0; +https://bsky.app)")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{StatusCode: resp.StatusCode}
	}

	// Limit body size to prevent reading huge files
	body, err := io.ReadAll(io.LimitReader(resp.Body, s.maxBodySize))
	if err != nil {
		return nil, err
	}

	return parsePage(pageURL, body)
}

// parsePage reads OpenGraph tags, then plain HTML tags, then falls back to
// readability extraction for anything still missing.
func parsePage(pageURL *url.URL, body []byte) (*PageInfo, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	info := &PageInfo{URL: pageURL.String()}

	doc.Find("meta").Each(func(i int, s *goquery.Selection) {
		property, _ := s.Attr("property")
		content, _ := s.Attr("content")
		content = strings.TrimSpace(content)

		switch property {
		case "og:title":
			info.Title = content
		case "og:description":
			info.Description = content
		case "og:image":
			info.ImageURL = content
		case "og:site_name":
			info.SiteName = content
		}
	})

	if info.Title == "" {
		info.Title = strings.TrimSpace(doc.Find("title").First().Text())
	}
	if info.Description == "" {
		if desc, ok := doc.Find("meta[name='description']").Attr("content"); ok {
			info.Description = strings.TrimSpace(desc)
		}
	}
	if info.ImageURL == "" {
		if img, ok := doc.Find("meta[name='twitter:image']").Attr("content"); ok {
			info.ImageURL = img
		}
	}

	if info.Title == "" || info.Description == "" {
		if article, err := readability.FromReader(bytes.NewReader(body), pageURL); err == nil {
			if info.Title == "" {
				info.Title = strings.TrimSpace(article.Title)
			}
			if info.Description == "" {
				info.Description = strings.TrimSpace(article.Excerpt)
			}
			if info.SiteName == "" {
				info.SiteName = article.SiteName
			}
		}
	}

	return info, nil
}

// isRetryableError determines if an error should be retried
func isRetryableError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}

	var se *StatusError
	if errors.As(err, &se) {
		switch se.StatusCode {
		case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		}
		return false
	}

	errStr := err.Error()
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "EOF")
}
