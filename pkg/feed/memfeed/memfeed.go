// Package memfeed is an in-process feed used by tests and local play.
package memfeed

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/go-go-golems/grotto/pkg/feed"
)

// Post is a message published through the feed, kept for inspection.
type Post struct {
	ID          int64
	Text        string
	InReplyToID int64
	Author      string
}

type Feed struct {
	mu       sync.Mutex
	handle   string
	nextID   int64
	messages []feed.Message
	posts    []Post
	failures map[int]error
	calls    int
	pollErr  error
}

var _ feed.Transport = &Feed{}
var _ feed.Identity = &Feed{}

// New creates a feed for the bot handle; ids start after firstID.
func New(handle string, firstID int64) *Feed {
	return &Feed{handle: handle, nextID: firstID, failures: map[int]error{}}
}

func (f *Feed) VerifyCredentials(context.Context) (string, error) {
	return f.handle, nil
}

// Mention adds an inbound message and returns its id.
func (f *Feed) Mention(author, text string, inReplyToID int64) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.messages = append(f.messages, feed.Message{
		ID:           f.nextID,
		AuthorHandle: author,
		Text:         text,
		InReplyToID:  inReplyToID,
	})
	return f.nextID
}

// Redeliver makes an already seen message visible again, as a feed with at-least-once
// delivery would.
func (f *Feed) Redeliver(m feed.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, m)
}

// FailPost makes the n-th Post call (1-based, counted from now) fail with err.
func (f *Feed) FailPost(n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[f.calls+n] = err
}

// FailPoll makes every Poll fail with err until cleared with nil.
func (f *Feed) FailPoll(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pollErr = err
}

func (f *Feed) Poll(ctx context.Context, sinceID int64) ([]feed.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pollErr != nil {
		return nil, f.pollErr
	}
	out := []feed.Message{}
	for _, m := range f.messages {
		if m.ID > sinceID {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *Feed) Post(ctx context.Context, text string, inReplyToID int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err, ok := f.failures[f.calls]; ok {
		delete(f.failures, f.calls)
		return 0, err
	}
	if strings.TrimSpace(text) == "" {
		return 0, errors.New("memfeed: empty post")
	}
	f.nextID++
	f.posts = append(f.posts, Post{ID: f.nextID, Text: text, InReplyToID: inReplyToID, Author: f.handle})
	return f.nextID, nil
}

// Posts returns everything published so far.
func (f *Feed) Posts() []Post {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Post(nil), f.posts...)
}

// RepliesTo returns posts answering inReplyToID, in posting order.
func (f *Feed) RepliesTo(inReplyToID int64) []Post {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []Post{}
	for _, p := range f.posts {
		if p.InReplyToID == inReplyToID {
			out = append(out, p)
		}
	}
	return out
}
