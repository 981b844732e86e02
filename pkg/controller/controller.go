// Package controller runs the polling loop that turns inbound mentions into game turns.
//
// Each inbound message is handled in ascending id order: already answered messages are skipped,
// a reply to one of the bot's own messages continues the session that message belongs to, and
// anything else starts a new session. The session a message belongs to is never carried
// explicitly; it is looked up every turn from the id of the bot message being replied to.
package controller

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/grotto/pkg/chunker"
	"github.com/go-go-golems/grotto/pkg/engine"
	"github.com/go-go-golems/grotto/pkg/feed"
	"github.com/go-go-golems/grotto/pkg/metrics"
	"github.com/go-go-golems/grotto/pkg/persistence/sessionstore"
	"github.com/go-go-golems/grotto/pkg/pollcursor"
	"github.com/go-go-golems/grotto/pkg/turnevents"
)

// ErrStorage marks failures of the session store. They abandon the current cycle without
// committing the watermark.
var ErrStorage = errors.New("controller: storage failure")

const opCommit = "commit watermark"

// errDeferred reports that the cycle deadline hit before a message produced any visible effect.
// The message is left unobserved so the next poll returns it.
var errDeferred = errors.New("controller: deferred to next cycle")

type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return "controller: storage failure during " + e.Op + ": " + e.Err.Error()
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrStorage }

type postError struct {
	posted int
	err    error
}

func (e *postError) Error() string { return "controller: post: " + e.err.Error() }

func (e *postError) Unwrap() error { return e.err }

type Outcome string

const (
	OutcomeNewSession   Outcome = metrics.OutcomeNewSession
	OutcomeContinuation Outcome = metrics.OutcomeContinuation
	OutcomeDuplicate    Outcome = metrics.OutcomeDuplicate
	OutcomeOwn          Outcome = metrics.OutcomeOwn
	OutcomeSkipped      Outcome = metrics.OutcomeSkipped
	OutcomeFailed       Outcome = metrics.OutcomeFailed
)

// Store is the part of the session store the controller needs.
type Store interface {
	SaveTurn(ctx context.Context, state []byte, rec sessionstore.TurnRecord) (int64, error)
	ResolveSession(ctx context.Context, messageID int64) (sessionstore.Resolved, bool, error)
	HasBeenRepliedTo(ctx context.Context, messageID int64) (bool, error)
}

type EventPublisher interface {
	PublishTurn(ctx context.Context, ev turnevents.Event) error
}

type BatchResult struct {
	Observed      int   `json:"observed"`
	NewSessions   int   `json:"new_sessions"`
	Continuations int   `json:"continuations"`
	Duplicates    int   `json:"duplicates"`
	Own           int   `json:"own"`
	Skipped       int   `json:"skipped"`
	Failed        int   `json:"failed"`
	Watermark     int64 `json:"watermark"`
}

func (r *BatchResult) add(o Outcome) {
	r.Observed++
	switch o {
	case OutcomeNewSession:
		r.NewSessions++
	case OutcomeContinuation:
		r.Continuations++
	case OutcomeDuplicate:
		r.Duplicates++
	case OutcomeOwn:
		r.Own++
	case OutcomeSkipped:
		r.Skipped++
	case OutcomeFailed:
		r.Failed++
	}
}

type Controller struct {
	cfg     Config
	feed    feed.Transport
	store   Store
	cursor  *pollcursor.Cursor
	engine  engine.Engine
	events  EventPublisher
	metrics *metrics.Metrics
	now     func() time.Time
}

type Option func(*Controller)

func WithEvents(p EventPublisher) Option {
	return func(c *Controller) { c.events = p }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

func New(cfg Config, tr feed.Transport, store Store, cursor *pollcursor.Cursor, eng engine.Engine, opts ...Option) (*Controller, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if tr == nil || store == nil || cursor == nil || eng == nil {
		return nil, errors.New("controller: feed, store, cursor and engine are required")
	}
	c := &Controller{
		cfg:    cfg,
		feed:   tr,
		store:  store,
		cursor: cursor,
		engine: eng,
		now:    time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Run loads the watermark and polls until ctx is cancelled. Storage failures are logged and the
// cycle is retried after the poll interval; an authentication failure ends the loop.
func (c *Controller) Run(ctx context.Context) error {
	if _, err := c.cursor.Load(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return errors.Wrap(err, "controller: load watermark")
	}
	c.metrics.SetWatermark(c.cursor.Get())

	for {
		if _, err := c.RunCycle(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, feed.ErrAuth) {
				return err
			}
			log.Error().Err(err).Msg("polling cycle failed")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.cfg.PollInterval):
		}
	}
}

// RunCycle polls once from the current watermark and processes what came back.
func (c *Controller) RunCycle(ctx context.Context) (BatchResult, error) {
	start := time.Now()
	if c.cfg.DispatchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.DispatchTimeout)
		defer cancel()
	}

	since := c.cursor.Get()
	msgs, err := c.feed.Poll(ctx, since)
	if err != nil {
		c.metrics.RecordCycle(metrics.CyclePollError, time.Since(start))
		return BatchResult{}, errors.Wrapf(err, "controller: poll since %d", since)
	}

	res, err := c.ProcessBatch(ctx, msgs)
	if err != nil {
		result := metrics.CycleStoreError
		var se *StorageError
		if errors.As(err, &se) && se.Op == opCommit {
			result = metrics.CycleCommitError
		}
		c.metrics.RecordCycle(result, time.Since(start))
		return res, err
	}
	c.metrics.RecordCycle(metrics.CycleOK, time.Since(start))

	ev := log.Debug()
	if res.Observed > 0 {
		ev = log.Info()
	}
	ev.Int64("since_id", since).
		Int("observed", res.Observed).
		Int("new_sessions", res.NewSessions).
		Int("continuations", res.Continuations).
		Int("duplicates", res.Duplicates).
		Int("skipped", res.Skipped+res.Failed).
		Int64("watermark", res.Watermark).
		Dur("took", time.Since(start)).
		Msg("polling cycle done")
	return res, nil
}

// ProcessBatch handles msgs in ascending id order, then advances the watermark past the highest
// id observed and commits it. A storage error stops the batch and nothing is committed.
func (c *Controller) ProcessBatch(ctx context.Context, msgs []feed.Message) (BatchResult, error) {
	batch := append([]feed.Message(nil), msgs...)
	sort.SliceStable(batch, func(i, j int) bool { return batch[i].ID < batch[j].ID })
	if len(batch) > c.cfg.BatchSize {
		batch = batch[:c.cfg.BatchSize]
	}

	var res BatchResult
	highest := sessionstore.NoMessage
	for _, m := range batch {
		if ctx.Err() != nil {
			// unobserved messages are returned again by the next poll
			log.Warn().Err(ctx.Err()).Int64("message_id", m.ID).Msg("cycle deadline reached, deferring rest of batch")
			break
		}
		outcome, err := c.handle(ctx, m)
		if errors.Is(err, errDeferred) {
			log.Warn().Err(ctx.Err()).Int64("message_id", m.ID).Msg("cycle deadline reached, deferring rest of batch")
			break
		}
		if err != nil {
			c.metrics.RecordMessage(string(OutcomeFailed))
			return res, err
		}
		res.add(outcome)
		c.metrics.RecordMessage(string(outcome))
		if m.ID > highest {
			highest = m.ID
		}
	}

	c.cursor.Advance(highest)
	res.Watermark = c.cursor.Get()
	if err := c.cursor.Commit(context.WithoutCancel(ctx)); err != nil {
		return res, &StorageError{Op: opCommit, Err: err}
	}
	c.metrics.SetWatermark(res.Watermark)
	return res, nil
}

// StartSession opens a session nobody asked for: the opening output is posted top-level and
// recorded with no reply target.
func (c *Controller) StartSession(ctx context.Context, actor string) ([]int64, error) {
	st, out, err := c.engine.Start()
	if err != nil {
		return nil, errors.Wrap(err, "controller: start game")
	}
	rec := sessionstore.TurnRecord{
		InReplyToID: sessionstore.NoMessage,
		SessionID:   uuid.NewString(),
		ActorHandle: strings.TrimPrefix(actor, "@"),
	}
	ids, err := c.respond(ctx, log.Logger, st, out, rec, true)
	if err != nil {
		return nil, err
	}
	c.metrics.RecordMessage(string(OutcomeNewSession))
	return ids, nil
}

func (c *Controller) handle(ctx context.Context, m feed.Message) (Outcome, error) {
	logger := log.With().Int64("message_id", m.ID).Int64("in_reply_to_id", m.InReplyToID).Str("actor", m.AuthorHandle).Logger()

	if c.isOwn(m) {
		logger.Debug().Msg("ignoring own message")
		return OutcomeOwn, nil
	}

	replied, err := c.store.HasBeenRepliedTo(ctx, m.ID)
	if err != nil {
		if ctx.Err() != nil {
			return OutcomeFailed, errDeferred
		}
		return OutcomeFailed, &StorageError{Op: "dedup check", Err: err}
	}
	if replied {
		logger.Info().Msg("already replied, skipping")
		return OutcomeDuplicate, nil
	}

	var (
		head  sessionstore.Resolved
		found bool
	)
	if m.InReplyToID != sessionstore.NoMessage {
		head, found, err = c.store.ResolveSession(ctx, m.InReplyToID)
		if err != nil {
			if ctx.Err() != nil {
				return OutcomeFailed, errDeferred
			}
			return OutcomeFailed, &StorageError{Op: "resolve session", Err: err}
		}
	}

	var (
		st      engine.State
		out     string
		outcome Outcome
		rec     = sessionstore.TurnRecord{InReplyToID: m.ID, ActorHandle: m.AuthorHandle}
	)
	if found {
		outcome = OutcomeContinuation
		st, err = c.engine.Deserialize(head.State)
		if err != nil {
			logger.Error().Err(err).Int64("snapshot_id", head.SnapshotID).Msg("cannot restore session snapshot")
			return OutcomeSkipped, nil
		}
		tokens := engine.Tokenize(m.Text)
		out, err = c.engine.Apply(st, tokens)
		rec.CommandText = strings.Join(tokens, " ")
		rec.ContinuesID = m.InReplyToID
		rec.SessionID = head.SessionID
	} else {
		outcome = OutcomeNewSession
		st, out, err = c.engine.Start()
	}
	if err != nil {
		logger.Error().Err(err).Str("outcome", string(outcome)).Msg("engine failed")
		return OutcomeSkipped, nil
	}
	if rec.SessionID == "" {
		rec.SessionID = uuid.NewString()
	}

	if _, err := c.respond(ctx, logger, st, out, rec, outcome == OutcomeNewSession); err != nil {
		var pe *postError
		switch {
		case errors.Is(err, ErrStorage):
			return OutcomeFailed, err
		case errors.As(err, &pe) && pe.posted == 0 && ctx.Err() != nil:
			return OutcomeFailed, errDeferred
		case errors.As(err, &pe):
			logger.Error().Err(err).Int("posted", pe.posted).Msg("posting failed, turn not recorded")
			return OutcomeFailed, nil
		case errors.Is(err, chunker.ErrTokenTooLarge):
			logger.Error().Err(err).Str("text", out).Msg("response cannot be split, turn abandoned")
			return OutcomeSkipped, nil
		default:
			logger.Error().Err(err).Msg("turn abandoned")
			return OutcomeSkipped, nil
		}
	}
	return outcome, nil
}

// respond posts the engine output as one or more replies to rec.InReplyToID, then stores the
// new snapshot linked to every posted id. Nothing is stored unless every post succeeded.
func (c *Controller) respond(ctx context.Context, logger zerolog.Logger, st engine.State, out string, rec sessionstore.TurnRecord, newSession bool) ([]int64, error) {
	if strings.TrimSpace(out) == "" {
		return nil, errors.New("controller: engine produced no output")
	}
	state, err := c.engine.Serialize(st)
	if err != nil {
		return nil, errors.Wrap(err, "controller: serialize state")
	}

	text := out
	if c.cfg.Salutation && rec.ActorHandle != "" {
		text = "@" + rec.ActorHandle + " " + out
	}
	segments, err := chunker.Split(text, c.cfg.MaxLength, c.cfg.Numbering)
	if err != nil {
		return nil, err
	}

	ids := make([]int64, 0, len(segments))
	for _, seg := range segments {
		id, err := c.feed.Post(ctx, seg, rec.InReplyToID)
		if err != nil {
			c.metrics.RecordPost(false)
			return nil, &postError{posted: len(ids), err: err}
		}
		c.metrics.RecordPost(true)
		ids = append(ids, id)
	}

	rec.MessageIDs = ids
	rec.ResponseText = out
	rec.CreatedAtMs = c.now().UnixMilli()
	// the replies are already visible; a cycle deadline must not keep them from being recorded
	snapshotID, err := c.store.SaveTurn(context.WithoutCancel(ctx), state, rec)
	if err != nil {
		logger.Error().Err(err).Ints64("posted_ids", ids).Msg("posted but could not record turn")
		return nil, &StorageError{Op: "save turn", Err: err}
	}
	c.metrics.RecordSegments(len(ids))
	logger.Info().Int64("snapshot_id", snapshotID).Ints64("posted_ids", ids).Str("session_id", rec.SessionID).Msg("turn recorded")

	c.publish(ctx, logger, turnevents.Event{
		MessageIDs:     ids,
		InReplyToID:    rec.InReplyToID,
		ContinuesID:    rec.ContinuesID,
		SessionID:      rec.SessionID,
		SnapshotID:     snapshotID,
		Actor:          rec.ActorHandle,
		Command:        rec.CommandText,
		ResponseLength: len([]rune(out)),
		NewSession:     newSession,
		RecordedAtMs:   rec.CreatedAtMs,
	})
	return ids, nil
}

func (c *Controller) publish(ctx context.Context, logger zerolog.Logger, ev turnevents.Event) {
	if c.events == nil {
		return
	}
	if err := c.events.PublishTurn(ctx, ev); err != nil {
		logger.Warn().Err(err).Msg("could not publish turn event")
	}
}

func (c *Controller) isOwn(m feed.Message) bool {
	if c.cfg.BotHandle == "" {
		return false
	}
	return strings.EqualFold(strings.TrimPrefix(m.AuthorHandle, "@"), strings.TrimPrefix(c.cfg.BotHandle, "@"))
}
