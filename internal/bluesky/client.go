package bluesky

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/petroleumjelliffe/skybot/internal/retry"
	"golang.org/x/time/rate"
)

// DefaultBaseURL is the XRPC endpoint of the main PDS entryway.
const DefaultBaseURL = "https://bsky.social/xrpc"

// Options configures a Client
type Options struct {
	BaseURL string
	// ActionsPerSecond paces writes. Zero means one write every two seconds.
	ActionsPerSecond float64
	HTTPClient       *http.Client
}

// Client is a Bluesky API client
type Client struct {
	httpClient *http.Client
	baseURL    string
	handle     string
	did        string
	limiter    *rate.Limiter

	mu         sync.RWMutex
	jwt        string
	refreshJWT string
}

// NewClient creates a new Bluesky client and authenticates
func NewClient(ctx context.Context, handle, password string, opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.ActionsPerSecond <= 0 {
		opts.ActionsPerSecond = 0.5
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}

	client := &Client{
		httpClient: opts.HTTPClient,
		baseURL:    strings.TrimSuffix(opts.BaseURL, "/"),
		handle:     handle,
		limiter:    rate.NewLimiter(rate.Limit(opts.ActionsPerSecond), 1),
	}

	if err := client.authenticate(ctx, password); err != nil {
		return nil, fmt.Errorf("authentication failed: %w", err)
	}

	return client, nil
}

// APIError is a non-2xx XRPC response
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
	RetryAfter time.Duration
}

// Error renders rate limits with the wait hint the retrier parses.
func (e *APIError) Error() string {
	if e.StatusCode == http.StatusTooManyRequests {
		if e.RetryAfter > 0 {
			return fmt.Sprintf("rate limited, try again in %d seconds", int(e.RetryAfter.Seconds()))
		}
		return "rate limited"
	}
	return fmt.Sprintf("API error: %d, body: %s", e.StatusCode, e.Body)
}

// Is makes errors.Is(err, retry.ErrTargetGone) hold for missing records.
func (e *APIError) Is(target error) bool {
	return target == retry.ErrTargetGone && e.targetGone()
}

func (e *APIError) targetGone() bool {
	switch {
	case e.StatusCode == http.StatusNotFound, e.StatusCode == http.StatusGone:
		return true
	case e.Code == "RecordNotFound", e.Code == "NotFound":
		return true
	case strings.Contains(e.Message, "Could not locate record"):
		return true
	}
	return false
}

// authenticate logs in and stores the JWT tokens
func (c *Client) authenticate(ctx context.Context, password string) error {
	payload := map[string]string{
		"identifier": c.handle,
		"password":   password,
	}

	var session SessionResponse
	if err := c.do(ctx, http.MethodPost, "com.atproto.server.createSession", nil, payload, &session, ""); err != nil {
		return err
	}

	c.setSession(&session)
	return nil
}

// refresh exchanges the refresh token for a new session
func (c *Client) refresh(ctx context.Context) error {
	c.mu.RLock()
	token := c.refreshJWT
	c.mu.RUnlock()

	var session SessionResponse
	if err := c.do(ctx, http.MethodPost, "com.atproto.server.refreshSession", nil, nil, &session, token); err != nil {
		return fmt.Errorf("refresh session: %w", err)
	}

	c.setSession(&session)
	return nil
}

func (c *Client) setSession(session *SessionResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.jwt = session.AccessJWT
	c.refreshJWT = session.RefreshJWT
	c.did = session.DID
}

// GetDID returns the authenticated user's DID
func (c *Client) GetDID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.did
}

// CreateReply posts text as a reply to parent within the thread rooted at root.
// Writes are paced by the client's rate limiter.
func (c *Client) CreateReply(ctx context.Context, parent, root StrongRef, text string) (*RecordResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	record := PostRecord{
		Type:      PostCollection,
		Text:      text,
		CreatedAt: time.Now().UTC(),
		Reply:     &ReplyRef{Root: root, Parent: parent},
	}

	req := createRecordRequest{
		Repo:       c.GetDID(),
		Collection: PostCollection,
		Record:     record,
	}

	var resp RecordResponse
	if err := c.authed(ctx, http.MethodPost, "com.atproto.repo.createRecord", nil, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetPost fetches a post record by its at:// URI
func (c *Client) GetPost(ctx context.Context, uri string) (*RecordResponse, error) {
	repo, collection, rkey, err := ParseATURI(uri)
	if err != nil {
		return nil, err
	}

	query := url.Values{}
	query.Set("repo", repo)
	query.Set("collection", collection)
	query.Set("rkey", rkey)

	var resp RecordResponse
	if err := c.authed(ctx, http.MethodGet, "com.atproto.repo.getRecord", query, nil, &resp); err != nil {
		return nil, err
	}
	if resp.Value == nil {
		return nil, fmt.Errorf("record %s has no value", uri)
	}
	return &resp, nil
}

// ResolveHandle returns the DID behind a handle
func (c *Client) ResolveHandle(ctx context.Context, handle string) (string, error) {
	query := url.Values{}
	query.Set("handle", handle)

	var resp struct {
		DID string `json:"did"`
	}
	if err := c.authed(ctx, http.MethodGet, "com.atproto.identity.resolveHandle", query, nil, &resp); err != nil {
		return "", err
	}
	if resp.DID == "" {
		return "", fmt.Errorf("no DID for handle %s", handle)
	}
	return resp.DID, nil
}

// ThreadItem is a post's position in a reply chain
type ThreadItem struct {
	URI   string
	Reply *ReplyRef
}

// IsRoot reports whether item starts its thread
func (c *Client) IsRoot(item ThreadItem) bool {
	return item.Reply == nil
}

// Parent fetches the post item replies to
func (c *Client) Parent(ctx context.Context, item ThreadItem) (ThreadItem, error) {
	if item.Reply == nil {
		return ThreadItem{}, fmt.Errorf("%s is a thread root", item.URI)
	}
	rec, err := c.GetPost(ctx, item.Reply.Parent.URI)
	if err != nil {
		return ThreadItem{}, err
	}
	return ThreadItem{URI: rec.URI, Reply: rec.Value.Reply}, nil
}

// authed performs an authenticated call, refreshing the session once if
// the access token expired.
func (c *Client) authed(ctx context.Context, method, nsid string, query url.Values, body, out interface{}) error {
	c.mu.RLock()
	token := c.jwt
	c.mu.RUnlock()

	err := c.do(ctx, method, nsid, query, body, out, token)

	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Code == "ExpiredToken" {
		if err := c.refresh(ctx); err != nil {
			return err
		}
		c.mu.RLock()
		token = c.jwt
		c.mu.RUnlock()
		return c.do(ctx, method, nsid, query, body, out, token)
	}
	return err
}

// do performs a single XRPC request
func (c *Client) do(ctx context.Context, method, nsid string, query url.Values, body, out interface{}, token string) error {
	endpoint := fmt.Sprintf("%s/%s", c.baseURL, nsid)
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Read error response body for debugging
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return newAPIError(resp, bodyBytes)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func newAPIError(resp *http.Response, body []byte) *APIError {
	apiErr := &APIError{
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(body)),
	}

	var xe xrpcError
	if json.Unmarshal(body, &xe) == nil {
		apiErr.Code = xe.Error
		apiErr.Message = xe.Message
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		apiErr.RetryAfter = retryAfter(resp.Header, time.Now())
	}
	return apiErr
}

// retryAfter reads the wait from the ratelimit-reset (unix seconds) or
// Retry-After (seconds) headers.
func retryAfter(h http.Header, now time.Time) time.Duration {
	if v := h.Get("ratelimit-reset"); v != "" {
		if reset, err := strconv.ParseInt(v, 10, 64); err == nil {
			if d := time.Unix(reset, 0).Sub(now); d > 0 {
				return d.Round(time.Second)
			}
		}
	}
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}

// ParseATURI splits at://repo/collection/rkey
func ParseATURI(uri string) (repo, collection, rkey string, err error) {
	rest, ok := strings.CutPrefix(uri, "at://")
	if !ok {
		return "", "", "", fmt.Errorf("not an at:// URI: %q", uri)
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", fmt.Errorf("malformed at:// URI: %q", uri)
	}
	return parts[0], parts[1], parts[2], nil
}
