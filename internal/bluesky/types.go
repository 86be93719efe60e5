package bluesky

import "time"

// PostCollection is the record collection for posts.
const PostCollection = "app.bsky.feed.post"

// PostRecord represents the content of an app.bsky.feed.post record
type PostRecord struct {
	Type      string    `json:"$type"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
	Langs     []string  `json:"langs,omitempty"`
	Reply     *ReplyRef `json:"reply,omitempty"`
	Embed     *Embed    `json:"embed,omitempty"`
}

// StrongRef points at a specific version of a record
type StrongRef struct {
	URI string `json:"uri"`
	CID string `json:"cid"`
}

// ReplyRef links a reply to its thread root and direct parent
type ReplyRef struct {
	Root   StrongRef `json:"root"`
	Parent StrongRef `json:"parent"`
}

// Embed represents embedded content in a post (quote, external link, images, etc.)
type Embed struct {
	Type     string         `json:"$type"`
	External *EmbedExternal `json:"external,omitempty"` // For link previews
	Record   *StrongRef     `json:"record,omitempty"`   // For quote posts
}

// EmbedExternal represents an external link with metadata
type EmbedExternal struct {
	URI         string `json:"uri"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// SessionResponse represents authentication response
type SessionResponse struct {
	AccessJWT  string `json:"accessJwt"`
	RefreshJWT string `json:"refreshJwt"`
	Handle     string `json:"handle"`
	DID        string `json:"did"`
}

// createRecordRequest is the body of com.atproto.repo.createRecord
type createRecordRequest struct {
	Repo       string      `json:"repo"`
	Collection string      `json:"collection"`
	Record     interface{} `json:"record"`
}

// RecordResponse is returned by createRecord and getRecord
type RecordResponse struct {
	URI   string      `json:"uri"`
	CID   string      `json:"cid"`
	Value *PostRecord `json:"value,omitempty"`
}

// xrpcError is the error body returned by XRPC endpoints
type xrpcError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
