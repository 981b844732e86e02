// Package feed defines the social feed transport the bot talks to.
package feed

import (
	"context"

	"github.com/pkg/errors"
)

// ErrAuth is returned when the feed rejects the bot's credentials.
var ErrAuth = errors.New("feed: authentication failed")

// Message is an inbound mention or any other message returned by Poll.
type Message struct {
	ID           int64  `json:"id"`
	AuthorHandle string `json:"author"`
	Text         string `json:"text"`
	// InReplyToID is 0 when the message is not a reply.
	InReplyToID int64 `json:"in_reply_to_id,omitempty"`
}

// Transport is the feed the bot polls and posts to.
type Transport interface {
	// Poll returns messages with id > sinceID in ascending id order.
	Poll(ctx context.Context, sinceID int64) ([]Message, error)
	// Post publishes text, as a reply when inReplyToID is non-zero, and returns the new id.
	Post(ctx context.Context, text string, inReplyToID int64) (int64, error)
}

// Identity is implemented by transports that can report who the bot is logged in as.
type Identity interface {
	VerifyCredentials(ctx context.Context) (string, error)
}
