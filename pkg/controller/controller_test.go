package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/grotto/pkg/engine"
	"github.com/go-go-golems/grotto/pkg/feed"
	"github.com/go-go-golems/grotto/pkg/feed/memfeed"
	"github.com/go-go-golems/grotto/pkg/metrics"
	"github.com/go-go-golems/grotto/pkg/persistence/sessionstore"
	"github.com/go-go-golems/grotto/pkg/pollcursor"
	"github.com/go-go-golems/grotto/pkg/turnevents"
)

const firstID int64 = 1000

type fakeState struct {
	Turns   int      `json:"turns"`
	History []string `json:"history"`
}

// scriptedEngine answers from a table of canned outputs, falling back to an echo of the command.
type scriptedEngine struct {
	outputs map[string]string
}

func (e *scriptedEngine) Start() (engine.State, string, error) {
	return &fakeState{}, "You are standing at the end of a road.", nil
}

func (e *scriptedEngine) Apply(st engine.State, tokens []string) (string, error) {
	s := st.(*fakeState)
	s.Turns++
	cmd := strings.Join(tokens, " ")
	s.History = append(s.History, cmd)
	if out, ok := e.outputs[cmd]; ok {
		return out, nil
	}
	return fmt.Sprintf("turn %d: %s", s.Turns, cmd), nil
}

func (e *scriptedEngine) Serialize(st engine.State) ([]byte, error) {
	return json.Marshal(st)
}

func (e *scriptedEngine) Deserialize(b []byte) (engine.State, error) {
	var s fakeState
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

type flakyStore struct {
	*sessionstore.SQLiteStore
	failSave      error
	failWatermark error
	dedupDelay    time.Duration
}

func (s *flakyStore) HasBeenRepliedTo(ctx context.Context, messageID int64) (bool, error) {
	if s.dedupDelay > 0 {
		select {
		case <-time.After(s.dedupDelay):
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	return s.SQLiteStore.HasBeenRepliedTo(ctx, messageID)
}

func (s *flakyStore) SaveTurn(ctx context.Context, state []byte, rec sessionstore.TurnRecord) (int64, error) {
	if s.failSave != nil {
		return 0, s.failSave
	}
	return s.SQLiteStore.SaveTurn(ctx, state, rec)
}

func (s *flakyStore) SaveWatermark(ctx context.Context, field string, value int64) error {
	if s.failWatermark != nil {
		return s.failWatermark
	}
	return s.SQLiteStore.SaveWatermark(ctx, field, value)
}

// latePostFeed delivers every post but only returns after delay.
type latePostFeed struct {
	*memfeed.Feed
	delay time.Duration
}

func (f *latePostFeed) Post(ctx context.Context, text string, inReplyToID int64) (int64, error) {
	id, err := f.Feed.Post(ctx, text, inReplyToID)
	time.Sleep(f.delay)
	return id, err
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []turnevents.Event
	err    error
}

func (p *recordingPublisher) PublishTurn(_ context.Context, ev turnevents.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return p.err
}

type harness struct {
	feed   *memfeed.Feed
	store  *flakyStore
	cursor *pollcursor.Cursor
	eng    *scriptedEngine
	ctrl   *Controller
	cfg    Config
}

func newHarness(t *testing.T, mutate ...func(*Config)) *harness {
	t.Helper()
	dsn, err := sessionstore.SQLiteDSNForFile(filepath.Join(t.TempDir(), "grotto.sqlite"))
	require.NoError(t, err)
	s, err := sessionstore.NewSQLiteStore(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	cfg := DefaultConfig()
	cfg.StartID = firstID
	cfg.BotHandle = "grotto"
	cfg.PollInterval = 5 * time.Millisecond
	for _, m := range mutate {
		m(&cfg)
	}

	h := &harness{
		feed:  memfeed.New("grotto", firstID),
		store: &flakyStore{SQLiteStore: s},
		eng:   &scriptedEngine{outputs: map[string]string{}},
		cfg:   cfg,
	}
	h.cursor = pollcursor.New(h.store, pollcursor.DefaultField, cfg.StartID)
	_, err = h.cursor.Load(context.Background())
	require.NoError(t, err)
	h.ctrl, err = New(cfg, h.feed, h.store, h.cursor, h.eng)
	require.NoError(t, err)
	return h
}

func (h *harness) cycle(t *testing.T) BatchResult {
	t.Helper()
	res, err := h.ctrl.RunCycle(context.Background())
	require.NoError(t, err)
	return res
}

func (h *harness) persistedWatermark(t *testing.T) (int64, bool) {
	t.Helper()
	v, ok, err := h.store.LoadWatermark(context.Background(), pollcursor.DefaultField)
	require.NoError(t, err)
	return v, ok
}

func TestController_NewSessionThenContinuation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	m0 := h.feed.Mention("alice", "@grotto let's play", 0)
	res := h.cycle(t)
	require.Equal(t, 1, res.NewSessions)
	require.Equal(t, m0, res.Watermark)

	replies := h.feed.RepliesTo(m0)
	require.Len(t, replies, 1)
	require.Equal(t, "You are standing at the end of a road.", replies[0].Text)
	opening := replies[0].ID

	head0, ok, err := h.store.ResolveSession(ctx, opening)
	require.NoError(t, err)
	require.True(t, ok)

	m1 := h.feed.Mention("alice", "@grotto go North", opening)
	res = h.cycle(t)
	require.Equal(t, 1, res.Continuations)

	replies = h.feed.RepliesTo(m1)
	require.Len(t, replies, 1)
	require.Equal(t, "turn 1: go north", replies[0].Text)

	head1, ok, err := h.store.ResolveSession(ctx, replies[0].ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEqual(t, head0.SnapshotID, head1.SnapshotID)
	require.Equal(t, head0.SessionID, head1.SessionID)
	require.JSONEq(t, `{"turns":1,"history":["go north"]}`, string(head1.State))

	// replying to the old head forks from the old snapshot, it does not see "go north"
	m2 := h.feed.Mention("bob", "look", opening)
	h.cycle(t)
	require.Equal(t, "turn 1: look", h.feed.RepliesTo(m2)[0].Text)

	lineage, err := h.store.Lineage(ctx, replies[0].ID, 0)
	require.NoError(t, err)
	require.Len(t, lineage, 2)
	require.Equal(t, "go north", lineage[0].CommandText)
	require.Equal(t, opening, lineage[0].ContinuesID)
	require.Equal(t, "", lineage[1].CommandText)

	v, ok := h.persistedWatermark(t)
	require.True(t, ok)
	require.Equal(t, m2, v)
}

func TestController_ReplyToUnknownMessageStartsNewSession(t *testing.T) {
	h := newHarness(t)
	m := h.feed.Mention("carol", "go north", 42)
	res := h.cycle(t)
	require.Equal(t, 1, res.NewSessions)
	require.Equal(t, "You are standing at the end of a road.", h.feed.RepliesTo(m)[0].Text)
}

func TestController_ReprocessingIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	m0 := h.feed.Mention("alice", "hello", 0)
	m1 := h.feed.Mention("bob", "hello", 0)

	// the turns are posted and stored but the process dies before the watermark is durable
	h.store.failWatermark = errors.New("disk full")
	_, err := h.ctrl.RunCycle(ctx)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrStorage))
	require.Len(t, h.feed.Posts(), 2)
	_, ok := h.persistedWatermark(t)
	require.False(t, ok)

	// restart from the durable state
	h.store.failWatermark = nil
	cursor := pollcursor.New(h.store, pollcursor.DefaultField, firstID)
	_, err = cursor.Load(ctx)
	require.NoError(t, err)
	ctrl, err := New(h.cfg, h.feed, h.store, cursor, h.eng)
	require.NoError(t, err)

	res, err := ctrl.RunCycle(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, res.Observed)
	require.Equal(t, 2, res.Duplicates)
	require.Len(t, h.feed.Posts(), 2)
	require.Equal(t, m1, res.Watermark)

	// a redelivered copy is also suppressed
	res, err = ctrl.ProcessBatch(ctx, []feed.Message{{ID: m0, AuthorHandle: "alice", Text: "hello"}})
	require.NoError(t, err)
	require.Equal(t, 1, res.Duplicates)
	require.Len(t, h.feed.Posts(), 2)
}

func TestController_PostFailureIsRetriedOnRedelivery(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	m := h.feed.Mention("alice", "hello", 0)
	h.feed.FailPost(1, errors.New("feed unavailable"))
	res := h.cycle(t)
	require.Equal(t, 1, res.Failed)
	require.Equal(t, m, res.Watermark)

	replied, err := h.store.HasBeenRepliedTo(ctx, m)
	require.NoError(t, err)
	require.False(t, replied)

	// the watermark moved past it, so it only comes back if the feed redelivers it
	require.Equal(t, 0, h.cycle(t).Observed)
	res, err = h.ctrl.ProcessBatch(ctx, []feed.Message{{ID: m, AuthorHandle: "alice", Text: "hello"}})
	require.NoError(t, err)
	require.Equal(t, 1, res.NewSessions)
	require.Len(t, h.feed.RepliesTo(m), 1)
}

func TestController_PartialPostRecordsNothing(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.MaxLength = 40 })
	h.eng.outputs["look"] = strings.Repeat("You see a twisty passage. ", 6)

	m0 := h.feed.Mention("alice", "start", 0)
	h.cycle(t)
	opening := h.feed.RepliesTo(m0)[0].ID

	m1 := h.feed.Mention("alice", "look", opening)
	h.feed.FailPost(2, errors.New("rate limited"))
	res := h.cycle(t)
	require.Equal(t, 1, res.Failed)
	require.Len(t, h.feed.RepliesTo(m1), 1)

	replied, err := h.store.HasBeenRepliedTo(context.Background(), m1)
	require.NoError(t, err)
	require.False(t, replied)
}

func TestController_LongOutputIsChunkedIntoOneTurn(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	long := strings.Repeat("a ", 150)
	h.eng.outputs["look"] = long

	m0 := h.feed.Mention("alice", "start", 0)
	h.cycle(t)
	opening := h.feed.RepliesTo(m0)[0].ID

	m1 := h.feed.Mention("alice", "look", opening)
	h.cycle(t)
	replies := h.feed.RepliesTo(m1)
	require.Len(t, replies, 2)
	require.True(t, strings.HasPrefix(replies[0].Text, "1/2 "))
	require.True(t, strings.HasPrefix(replies[1].Text, "2/2 "))

	a, ok, err := h.store.ResolveSession(ctx, replies[0].ID)
	require.NoError(t, err)
	require.True(t, ok)
	b, ok, err := h.store.ResolveSession(ctx, replies[1].ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, a.SnapshotID, b.SnapshotID)

	// continuing from either segment continues the same game
	m2 := h.feed.Mention("alice", "wait", replies[0].ID)
	m3 := h.feed.Mention("alice", "wait", replies[1].ID)
	h.cycle(t)
	require.Equal(t, "turn 2: wait", h.feed.RepliesTo(m2)[0].Text)
	require.Equal(t, "turn 2: wait", h.feed.RepliesTo(m3)[0].Text)

	turns, err := h.store.ListTurns(ctx, sessionstore.TurnQuery{SessionID: a.SessionID})
	require.NoError(t, err)
	require.Len(t, turns, 5)
}

func TestController_OversizedTokenAbandonsTurn(t *testing.T) {
	h := newHarness(t)
	h.eng.outputs["xyzzy"] = "Nothing happens: " + strings.Repeat("z", 400)

	m0 := h.feed.Mention("alice", "start", 0)
	h.cycle(t)
	opening := h.feed.RepliesTo(m0)[0].ID
	posts := len(h.feed.Posts())

	m1 := h.feed.Mention("alice", "xyzzy", opening)
	res := h.cycle(t)
	require.Equal(t, 1, res.Skipped)
	require.Equal(t, m1, res.Watermark)
	require.Len(t, h.feed.Posts(), posts)
}

func TestController_StorageFailureAbandonsCycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.feed.Mention("alice", "hello", 0)
	h.store.failSave = errors.New("database is locked")

	_, err := h.ctrl.RunCycle(ctx)
	require.Error(t, err)
	var se *StorageError
	require.True(t, errors.As(err, &se))
	require.Equal(t, "save turn", se.Op)
	require.Equal(t, firstID, h.cursor.Get())
	_, ok := h.persistedWatermark(t)
	require.False(t, ok)

	// the same batch is picked up again once storage recovers
	h.store.failSave = nil
	res := h.cycle(t)
	require.Equal(t, 1, res.NewSessions)
}

func TestController_DispatchTimeoutStillRecordsPostedTurn(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.DispatchTimeout = 50 * time.Millisecond })
	ctx := context.Background()
	ctrl, err := New(h.cfg, &latePostFeed{Feed: h.feed, delay: 80 * time.Millisecond}, h.store, h.cursor, h.eng)
	require.NoError(t, err)

	m0 := h.feed.Mention("alice", "hello", 0)
	m1 := h.feed.Mention("bob", "hello", 0)

	// the first reply lands after the deadline; it is recorded and the second message waits
	res, err := ctrl.RunCycle(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Observed)
	require.Equal(t, 1, res.NewSessions)
	require.Equal(t, m0, res.Watermark)
	replied, err := h.store.HasBeenRepliedTo(ctx, m0)
	require.NoError(t, err)
	require.True(t, replied)
	require.Empty(t, h.feed.RepliesTo(m1))
	v, ok := h.persistedWatermark(t)
	require.True(t, ok)
	require.Equal(t, m0, v)

	res, err = ctrl.RunCycle(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Observed)
	require.Equal(t, m1, res.Watermark)

	res, err = ctrl.RunCycle(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, res.Observed)
	require.Len(t, h.feed.RepliesTo(m0), 1)
	require.Len(t, h.feed.RepliesTo(m1), 1)
}

func TestController_DispatchTimeoutDefersUnansweredMessage(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.DispatchTimeout = 30 * time.Millisecond })
	ctx := context.Background()

	m := h.feed.Mention("alice", "hello", 0)
	h.store.dedupDelay = time.Second

	res, err := h.ctrl.RunCycle(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, res.Observed)
	require.Equal(t, firstID, res.Watermark)
	require.Empty(t, h.feed.Posts())

	h.store.dedupDelay = 0
	res = h.cycle(t)
	require.Equal(t, 1, res.NewSessions)
	require.Equal(t, m, res.Watermark)
	require.Len(t, h.feed.RepliesTo(m), 1)
}

func TestController_IgnoresOwnMessages(t *testing.T) {
	h := newHarness(t)
	own := h.feed.Mention("Grotto", "You are in a maze.", 0)
	res := h.cycle(t)
	require.Equal(t, 1, res.Own)
	require.Equal(t, own, res.Watermark)
	require.Empty(t, h.feed.Posts())
}

func TestController_BatchSizeCap(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.BatchSize = 2 })
	a := h.feed.Mention("a", "hi", 0)
	b := h.feed.Mention("b", "hi", 0)
	c := h.feed.Mention("c", "hi", 0)

	res := h.cycle(t)
	require.Equal(t, 2, res.Observed)
	require.Equal(t, b, res.Watermark)
	require.Len(t, h.feed.RepliesTo(a), 1)
	require.Empty(t, h.feed.RepliesTo(c))

	res = h.cycle(t)
	require.Equal(t, 1, res.Observed)
	require.Equal(t, c, res.Watermark)
}

func TestController_OutOfOrderBatch(t *testing.T) {
	h := newHarness(t)
	res, err := h.ctrl.ProcessBatch(context.Background(), []feed.Message{
		{ID: firstID + 30, AuthorHandle: "c", Text: "hi"},
		{ID: firstID + 10, AuthorHandle: "a", Text: "hi"},
		{ID: firstID + 20, AuthorHandle: "b", Text: "hi"},
	})
	require.NoError(t, err)
	require.Equal(t, firstID+30, res.Watermark)

	posts := h.feed.Posts()
	require.Len(t, posts, 3)
	require.Equal(t, firstID+10, posts[0].InReplyToID)
	require.Equal(t, firstID+30, posts[2].InReplyToID)
}

func TestController_StartSession(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Salutation = true })
	ctx := context.Background()

	ids, err := h.ctrl.StartSession(ctx, "@dave")
	require.NoError(t, err)
	require.Len(t, ids, 1)

	posts := h.feed.Posts()
	require.Len(t, posts, 1)
	require.Equal(t, sessionstore.NoMessage, posts[0].InReplyToID)
	require.Equal(t, "@dave You are standing at the end of a road.", posts[0].Text)

	turns, err := h.store.ListTurns(ctx, sessionstore.TurnQuery{ActorHandle: "dave"})
	require.NoError(t, err)
	require.Len(t, turns, 1)
	require.Equal(t, sessionstore.NoMessage, turns[0].InReplyToID)

	m := h.feed.Mention("dave", "go west", ids[0])
	res := h.cycle(t)
	require.Equal(t, 1, res.Continuations)
	require.Equal(t, "@dave turn 1: go west", h.feed.RepliesTo(m)[0].Text)
}

func TestController_PublishesEventsAndMetrics(t *testing.T) {
	h := newHarness(t)
	pub := &recordingPublisher{err: errors.New("broker down")}
	m := metrics.New()
	ctrl, err := New(h.cfg, h.feed, h.store, h.cursor, h.eng, WithEvents(pub), WithMetrics(m),
		WithClock(func() time.Time { return time.UnixMilli(1700000000000) }))
	require.NoError(t, err)

	id := h.feed.Mention("alice", "hello", 0)
	res, err := ctrl.RunCycle(context.Background())
	require.NoError(t, err)
	// a failing publisher does not fail the turn
	require.Equal(t, 1, res.NewSessions)

	require.Len(t, pub.events, 1)
	ev := pub.events[0]
	require.True(t, ev.NewSession)
	require.Equal(t, id, ev.InReplyToID)
	require.Equal(t, "alice", ev.Actor)
	require.Equal(t, int64(1700000000000), ev.RecordedAtMs)
	require.Len(t, ev.MessageIDs, 1)
}

func TestController_RunStopsOnAuthFailure(t *testing.T) {
	h := newHarness(t)
	h.feed.Mention("alice", "hello", 0)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- h.ctrl.Run(ctx) }()

	require.Eventually(t, func() bool { return len(h.feed.Posts()) == 1 }, 2*time.Second, 5*time.Millisecond)
	h.feed.FailPoll(errors.Wrap(feed.ErrAuth, "token revoked"))

	select {
	case err := <-done:
		require.True(t, errors.Is(err, feed.ErrAuth))
	case <-ctx.Done():
		t.Fatal("Run did not stop")
	}
}

func TestController_RunReturnsNilWhenCancelledBeforeStart(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, h.ctrl.Run(ctx))
	require.Empty(t, h.feed.Posts())
}

func TestController_RunStopsOnCancel(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.ctrl.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestNew_Validation(t *testing.T) {
	h := newHarness(t)
	_, err := New(Config{}, h.feed, h.store, h.cursor, h.eng)
	require.Error(t, err)
	_, err = New(h.cfg, nil, h.store, h.cursor, h.eng)
	require.Error(t, err)
}
