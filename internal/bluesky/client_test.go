package bluesky

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/petroleumjelliffe/skybot/internal/retry"
)

type fakePDS struct {
	t        *testing.T
	expired  atomic.Bool
	refreshs atomic.Int32
	created  atomic.Int32
	records  map[string]RecordResponse
	limited  bool
}

func (f *fakePDS) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	writeJSON := func(status int, v interface{}) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(v)
	}

	switch r.URL.Path {
	case "/xrpc/com.atproto.server.createSession":
		writeJSON(http.StatusOK, SessionResponse{AccessJWT: "access-1", RefreshJWT: "refresh-1", DID: "did:plc:bot"})

	case "/xrpc/com.atproto.server.refreshSession":
		if r.Header.Get("Authorization") != "Bearer refresh-1" {
			writeJSON(http.StatusUnauthorized, xrpcError{Error: "InvalidToken"})
			return
		}
		f.refreshs.Add(1)
		f.expired.Store(false)
		writeJSON(http.StatusOK, SessionResponse{AccessJWT: "access-2", RefreshJWT: "refresh-2", DID: "did:plc:bot"})

	case "/xrpc/com.atproto.repo.createRecord":
		if f.expired.Load() {
			writeJSON(http.StatusBadRequest, xrpcError{Error: "ExpiredToken", Message: "Token has expired"})
			return
		}
		if f.limited {
			w.Header().Set("ratelimit-reset", strconv.FormatInt(time.Now().Add(90*time.Second).Unix(), 10))
			writeJSON(http.StatusTooManyRequests, xrpcError{Error: "RateLimitExceeded"})
			return
		}
		var req struct {
			Repo   string     `json:"repo"`
			Record PostRecord `json:"record"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			f.t.Errorf("bad createRecord body: %v", err)
		}
		if req.Repo != "did:plc:bot" || req.Record.Reply == nil {
			f.t.Errorf("unexpected createRecord request %+v", req)
		}
		f.created.Add(1)
		writeJSON(http.StatusOK, RecordResponse{URI: "at://did:plc:bot/app.bsky.feed.post/new", CID: "c-new"})

	case "/xrpc/com.atproto.repo.getRecord":
		q := r.URL.Query()
		uri := "at://" + q.Get("repo") + "/" + q.Get("collection") + "/" + q.Get("rkey")
		rec, ok := f.records[uri]
		if !ok {
			writeJSON(http.StatusBadRequest, xrpcError{Error: "RecordNotFound", Message: "Could not locate record: " + uri})
			return
		}
		writeJSON(http.StatusOK, rec)

	case "/xrpc/com.atproto.identity.resolveHandle":
		if r.URL.Query().Get("handle") != "alice.test" {
			writeJSON(http.StatusBadRequest, xrpcError{Error: "InvalidRequest", Message: "Unable to resolve handle"})
			return
		}
		writeJSON(http.StatusOK, map[string]string{"did": "did:plc:alice"})

	default:
		http.NotFound(w, r)
	}
}

func newTestClient(t *testing.T, pds *fakePDS) *Client {
	t.Helper()
	pds.t = t
	srv := httptest.NewServer(pds)
	t.Cleanup(srv.Close)

	c, err := NewClient(context.Background(), "bot.test", "secret", Options{
		BaseURL:          srv.URL + "/xrpc",
		ActionsPerSecond: 1000,
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestClientAuthenticates(t *testing.T) {
	c := newTestClient(t, &fakePDS{})
	if c.GetDID() != "did:plc:bot" {
		t.Errorf("expected DID did:plc:bot, got %q", c.GetDID())
	}
}

func TestCreateReply(t *testing.T) {
	pds := &fakePDS{}
	c := newTestClient(t, pds)

	parent := StrongRef{URI: "at://did:plc:alice/app.bsky.feed.post/2", CID: "p"}
	root := StrongRef{URI: "at://did:plc:alice/app.bsky.feed.post/1", CID: "r"}
	resp, err := c.CreateReply(context.Background(), parent, root, "hi")
	if err != nil {
		t.Fatalf("CreateReply: %v", err)
	}
	if resp.CID != "c-new" || pds.created.Load() != 1 {
		t.Errorf("unexpected response %+v, created=%d", resp, pds.created.Load())
	}
}

func TestCreateReplyRefreshesExpiredSession(t *testing.T) {
	pds := &fakePDS{}
	c := newTestClient(t, pds)
	pds.expired.Store(true)

	ref := StrongRef{URI: "at://did:plc:alice/app.bsky.feed.post/1", CID: "r"}
	if _, err := c.CreateReply(context.Background(), ref, ref, "hi"); err != nil {
		t.Fatalf("CreateReply: %v", err)
	}
	if pds.refreshs.Load() != 1 {
		t.Errorf("expected one refresh, got %d", pds.refreshs.Load())
	}
	if pds.created.Load() != 1 {
		t.Errorf("expected record created after refresh, got %d", pds.created.Load())
	}
}

func TestRateLimitErrorCarriesWait(t *testing.T) {
	c := newTestClient(t, &fakePDS{limited: true})

	ref := StrongRef{URI: "at://did:plc:alice/app.bsky.feed.post/1", CID: "r"}
	_, err := c.CreateReply(context.Background(), ref, ref, "hi")
	if err == nil {
		t.Fatal("expected rate limit error")
	}
	if !strings.HasPrefix(err.Error(), "rate limited, try again in ") {
		t.Fatalf("unexpected error text %q", err)
	}

	wait := retry.ParseWaitTime(err.Error())
	if wait < 80*time.Second || wait > 100*time.Second {
		t.Errorf("expected ~90s wait, got %v", wait)
	}
}

func TestGetPostAndParent(t *testing.T) {
	root := "at://did:plc:alice/app.bsky.feed.post/1"
	reply := "at://did:plc:alice/app.bsky.feed.post/2"
	pds := &fakePDS{records: map[string]RecordResponse{
		root: {URI: root, CID: "r", Value: &PostRecord{Text: "root"}},
		reply: {URI: reply, CID: "p", Value: &PostRecord{
			Text:  "reply",
			Reply: &ReplyRef{Root: StrongRef{URI: root, CID: "r"}, Parent: StrongRef{URI: root, CID: "r"}},
		}},
	}}
	c := newTestClient(t, pds)
	ctx := context.Background()

	item := ThreadItem{
		URI:   "at://did:plc:bob/app.bsky.feed.post/3",
		Reply: &ReplyRef{Root: StrongRef{URI: root}, Parent: StrongRef{URI: reply}},
	}
	if c.IsRoot(item) {
		t.Fatal("reply reported as root")
	}

	parent, err := c.Parent(ctx, item)
	if err != nil {
		t.Fatalf("Parent: %v", err)
	}
	if parent.URI != reply || c.IsRoot(parent) {
		t.Fatalf("unexpected parent %+v", parent)
	}

	grand, err := c.Parent(ctx, parent)
	if err != nil {
		t.Fatalf("Parent: %v", err)
	}
	if grand.URI != root || !c.IsRoot(grand) {
		t.Errorf("unexpected grandparent %+v", grand)
	}
}

func TestMissingRecordIsTargetGone(t *testing.T) {
	c := newTestClient(t, &fakePDS{})

	_, err := c.GetPost(context.Background(), "at://did:plc:alice/app.bsky.feed.post/gone")
	if !errors.Is(err, retry.ErrTargetGone) {
		t.Fatalf("expected ErrTargetGone, got %v", err)
	}
	if !strings.HasPrefix(err.Error(), "API error: 400, body: ") {
		t.Errorf("unexpected error text %q", err)
	}
}

func TestResolveHandle(t *testing.T) {
	c := newTestClient(t, &fakePDS{})

	did, err := c.ResolveHandle(context.Background(), "alice.test")
	if err != nil || did != "did:plc:alice" {
		t.Fatalf("ResolveHandle = %q, %v", did, err)
	}
	if _, err := c.ResolveHandle(context.Background(), "nobody.test"); err == nil {
		t.Error("expected error for unknown handle")
	}
}

func TestParseATURI(t *testing.T) {
	tests := []struct {
		uri     string
		wantErr bool
	}{
		{"at://did:plc:alice/app.bsky.feed.post/3kabc", false},
		{"https://bsky.app/profile/alice", true},
		{"at://did:plc:alice/app.bsky.feed.post", true},
		{"at://did:plc:alice//3kabc", true},
	}
	for _, tt := range tests {
		repo, collection, rkey, err := ParseATURI(tt.uri)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseATURI(%q) error = %v, wantErr %v", tt.uri, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && (repo != "did:plc:alice" || collection != PostCollection || rkey != "3kabc") {
			t.Errorf("ParseATURI(%q) = %q %q %q", tt.uri, repo, collection, rkey)
		}
	}
}
