// Package processor turns posts that share links into replies listing the
// linked pages' titles.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"unicode/utf8"

	"github.com/petroleumjelliffe/skybot/internal/bluesky"
	"github.com/petroleumjelliffe/skybot/internal/bot"
	"github.com/petroleumjelliffe/skybot/internal/jetstream"
	"github.com/petroleumjelliffe/skybot/internal/ledger"
	"github.com/petroleumjelliffe/skybot/internal/retry"
	"github.com/petroleumjelliffe/skybot/internal/scraper"
	"github.com/petroleumjelliffe/skybot/internal/urlutil"
)

// MaxReplyLength is the post length limit in characters.
const MaxReplyLength = 300

// Replier posts replies
type Replier interface {
	CreateReply(ctx context.Context, parent, root bluesky.StrongRef, text string) (*bluesky.RecordResponse, error)
}

// Fetcher fetches page metadata
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*scraper.PageInfo, error)
}

// Config configures a Processor
type Config struct {
	Kind bot.Kind
	// MaxDepth skips replies nested deeper than this; 0 disables the check.
	MaxDepth int
	// MaxLinks caps how many links one reply lists.
	MaxLinks int
}

// Stats counts processor outcomes
type Stats struct {
	Seen      int64
	NoLinks   int64
	TooDeep   int64
	Duplicate int64
	Replied   int64
	Skipped   int64
}

// Processor handles posts for one pipeline
type Processor struct {
	cfg      Config
	replier  Replier
	fetcher  Fetcher
	ledger   ledger.Ledger
	retrier  *retry.Retrier
	resolver bot.ParentResolver[bluesky.ThreadItem]

	seen      atomic.Int64
	noLinks   atomic.Int64
	tooDeep   atomic.Int64
	duplicate atomic.Int64
	replied   atomic.Int64
	skipped   atomic.Int64
}

// NewProcessor creates a post processor. resolver may be nil when
// cfg.MaxDepth is 0.
func NewProcessor(cfg Config, replier Replier, fetcher Fetcher, l ledger.Ledger, r *retry.Retrier, resolver bot.ParentResolver[bluesky.ThreadItem]) (*Processor, error) {
	if replier == nil || fetcher == nil {
		return nil, errors.New("processor: replier and fetcher are required")
	}
	if cfg.MaxDepth > 0 && resolver == nil {
		return nil, errors.New("processor: depth limit needs a parent resolver")
	}
	if cfg.MaxLinks <= 0 {
		cfg.MaxLinks = 3
	}
	if l == nil {
		l = ledger.Nop{}
	}
	if r == nil {
		r = retry.New()
	}
	return &Processor{
		cfg:      cfg,
		replier:  replier,
		fetcher:  fetcher,
		ledger:   l,
		retrier:  r,
		resolver: resolver,
	}, nil
}

// HandlePost is a pool.Handler for jetstream posts
func (p *Processor) HandlePost(ctx context.Context, post *jetstream.Post) error {
	p.seen.Add(1)

	links := postLinks(post)
	if len(links) == 0 {
		p.noLinks.Add(1)
		return nil
	}
	if len(links) > p.cfg.MaxLinks {
		links = links[:p.cfg.MaxLinks]
	}

	if p.cfg.MaxDepth > 0 && post.IsReply() {
		item := bluesky.ThreadItem{URI: post.URI, Reply: post.Record.Reply}
		ok, err := bot.CheckDepth(ctx, p.resolver, item, p.cfg.MaxDepth)
		if err != nil {
			if retry.IsTargetGone(err) {
				p.skipped.Add(1)
				return nil
			}
			return fmt.Errorf("check depth of %s: %w", post.URI, err)
		}
		if !ok {
			p.tooDeep.Add(1)
			return nil
		}
	}

	won, err := p.ledger.MarkHandled(ctx, post.URI, string(p.cfg.Kind))
	if err != nil {
		return fmt.Errorf("ledger: %w", err)
	}
	if !won {
		p.duplicate.Add(1)
		return nil
	}

	text := p.replyText(ctx, post, links)
	if text == "" {
		p.skipped.Add(1)
		return nil
	}

	_, ok, err := retry.Call(ctx, p.retrier, "create_reply", func(ctx context.Context) (*bluesky.RecordResponse, error) {
		return p.replier.CreateReply(ctx, post.Ref(), post.ThreadRoot(), text)
	})
	switch {
	case ok:
		p.replied.Add(1)
		log.Printf("[REPLY] %s: %d links", post.URI, len(links))
		return nil
	case errors.Is(err, retry.ErrTargetGone):
		p.skipped.Add(1)
		log.Printf("[WARN] Post %s is gone, not replying", post.URI)
		return nil
	case errors.Is(err, retry.ErrGaveUp):
		p.skipped.Add(1)
		p.release(post.URI)
		return nil
	default:
		p.release(post.URI)
		return err
	}
}

// release frees the ledger claim so a later delivery can try again
func (p *Processor) release(key string) {
	if err := p.ledger.Forget(context.Background(), key); err != nil {
		log.Printf("[WARN] Failed to release %s: %v", key, err)
	}
}

// replyText builds one line per link, using the embed card metadata Bluesky
// already fetched before scraping the page. It returns "" when no link has
// a usable title.
func (p *Processor) replyText(ctx context.Context, post *jetstream.Post, links []string) string {
	known := embedTitles(post)

	var lines []string
	for _, link := range links {
		title := known[link]
		if title == "" {
			info, err := p.fetcher.Fetch(ctx, link)
			if err != nil {
				log.Printf("[WARN] Failed to fetch metadata for %s: %v", link, err)
				continue
			}
			title = info.Title
		}
		if title = strings.Join(strings.Fields(title), " "); title != "" {
			lines = append(lines, "🔗 "+title)
		}
	}
	if len(lines) == 0 {
		return ""
	}
	return truncate(strings.Join(lines, "\n"), MaxReplyLength)
}

// Stats returns a snapshot of the counters
func (p *Processor) Stats() Stats {
	return Stats{
		Seen:      p.seen.Load(),
		NoLinks:   p.noLinks.Load(),
		TooDeep:   p.tooDeep.Load(),
		Duplicate: p.duplicate.Load(),
		Replied:   p.replied.Load(),
		Skipped:   p.skipped.Load(),
	}
}

// postLinks collects links from the text and the external embed
func postLinks(post *jetstream.Post) []string {
	var extra []string
	if e := post.Record.Embed; e != nil && e.External != nil {
		extra = append(extra, e.External.URI)
	}
	return urlutil.Links(post.Record.Text, extra...)
}

func embedTitles(post *jetstream.Post) map[string]string {
	titles := map[string]string{}
	e := post.Record.Embed
	if e == nil || e.External == nil || e.External.Title == "" {
		return titles
	}
	if normalized, err := urlutil.Normalize(e.External.URI); err == nil {
		titles[normalized] = e.External.Title
	}
	return titles
}

// truncate cuts s to at most n characters, marking the cut with an ellipsis
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:n-1])) + "…"
}
