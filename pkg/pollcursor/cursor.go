// Package pollcursor keeps the "last seen message id" watermark used as the exclusive lower
// bound for feed polling.
//
// The watermark only moves forward. Advance is cheap and in-memory; Commit persists it and is
// meant to be called once at the end of a successful polling cycle, so a crash mid-cycle makes
// the whole batch visible again on restart instead of losing it.
package pollcursor

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// DefaultField is the watermark field used for inbound mentions.
const DefaultField = "last_seen_mention_id"

// WatermarkStore persists watermark values; the newest value per field wins.
type WatermarkStore interface {
	LoadWatermark(ctx context.Context, field string) (int64, bool, error)
	SaveWatermark(ctx context.Context, field string, value int64) error
}

type Cursor struct {
	store WatermarkStore
	field string
	start int64

	mu        sync.Mutex
	current   int64
	committed int64
	persisted bool
}

func New(store WatermarkStore, field string, start int64) *Cursor {
	if field == "" {
		field = DefaultField
	}
	return &Cursor{
		store:   store,
		field:   field,
		start:   start,
		current: start,
	}
}

// Load reads the persisted watermark. The result never drops below the configured start value
// or below anything already advanced in memory.
func (c *Cursor) Load(ctx context.Context) (int64, error) {
	if c == nil || c.store == nil {
		return 0, errors.New("pollcursor: store is nil")
	}
	v, ok, err := c.store.LoadWatermark(ctx, c.field)
	if err != nil {
		return 0, errors.Wrap(err, "pollcursor: load")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if ok {
		c.persisted = true
		c.committed = v
		if v > c.current {
			c.current = v
		}
	}
	log.Info().Str("field", c.field).Int64("watermark", c.current).Bool("persisted", ok).Msg("loaded poll watermark")
	return c.current, nil
}

func (c *Cursor) Get() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Advance moves the watermark to max(current, id) and reports whether it moved.
func (c *Cursor) Advance(id int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id <= c.current {
		return false
	}
	c.current = id
	return true
}

// Commit persists the current watermark if it differs from the last durable value.
func (c *Cursor) Commit(ctx context.Context) error {
	if c == nil || c.store == nil {
		return errors.New("pollcursor: store is nil")
	}
	c.mu.Lock()
	v := c.current
	dirty := !c.persisted || v != c.committed
	c.mu.Unlock()
	if !dirty {
		return nil
	}

	if err := c.store.SaveWatermark(ctx, c.field, v); err != nil {
		return errors.Wrap(err, "pollcursor: commit")
	}

	c.mu.Lock()
	c.persisted = true
	if v > c.committed {
		c.committed = v
	}
	c.mu.Unlock()
	log.Debug().Str("field", c.field).Int64("watermark", v).Msg("committed poll watermark")
	return nil
}
