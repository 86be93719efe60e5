// Package jetstream turns the Bluesky Jetstream firehose into item streams
// of newly created posts.
package jetstream

import (
	"encoding/json"
	"fmt"

	"github.com/bluesky-social/jetstream/pkg/models"
	"github.com/petroleumjelliffe/skybot/internal/bluesky"
)

// PostCollection is the record collection for posts.
const PostCollection = bluesky.PostCollection

// Post is one newly created post, the item handed to bot handlers.
type Post struct {
	URI    string
	CID    string
	DID    string
	RKey   string
	TimeUS int64
	Record bluesky.PostRecord
}

// IsReply reports whether the post answers another post.
func (p *Post) IsReply() bool {
	return p.Record.Reply != nil
}

// Ref returns a strong reference to the post.
func (p *Post) Ref() bluesky.StrongRef {
	return bluesky.StrongRef{URI: p.URI, CID: p.CID}
}

// ThreadRoot returns the root of the post's thread, which is the post
// itself for top-level posts.
func (p *Post) ThreadRoot() bluesky.StrongRef {
	if p.Record.Reply != nil {
		return p.Record.Reply.Root
	}
	return p.Ref()
}

// DecodePost extracts a created post from a Jetstream event. ok is false
// for events that are not post creations.
func DecodePost(event *models.Event) (post *Post, ok bool, err error) {
	// Only commit events that create posts
	if event == nil || event.Kind != "commit" || event.Commit == nil {
		return nil, false, nil
	}
	if event.Commit.Operation != "create" || event.Commit.Collection != PostCollection {
		return nil, false, nil
	}

	var record bluesky.PostRecord
	if err := json.Unmarshal(event.Commit.Record, &record); err != nil {
		return nil, false, fmt.Errorf("failed to decode post record: %w", err)
	}

	// Build post URI (at://{did}/{collection}/{rkey})
	return &Post{
		URI:    fmt.Sprintf("at://%s/%s/%s", event.Did, event.Commit.Collection, event.Commit.RKey),
		CID:    event.Commit.CID,
		DID:    event.Did,
		RKey:   event.Commit.RKey,
		TimeUS: event.TimeUS,
		Record: record,
	}, true, nil
}

// Filter selects which posts a source delivers.
type Filter func(*Post) bool

// All accepts every post.
func All(*Post) bool { return true }

// Comments accepts replies.
func Comments(p *Post) bool { return p.IsReply() }

// Submissions accepts top-level posts.
func Submissions(p *Post) bool { return !p.IsReply() }

// NotFrom drops posts authored by did, so a bot never answers itself.
func NotFrom(did string, next Filter) Filter {
	return func(p *Post) bool {
		return p.DID != did && next(p)
	}
}
