package sessionstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// InMemoryStore is a Store kept entirely in memory. It mirrors the SQLite store's semantics
// (append-only snapshots, unique message ids, newest-first listings) for local play and tests.
type InMemoryStore struct {
	mu         sync.Mutex
	snapshots  map[int64][]byte
	lastSnap   int64
	turns      map[int64]Turn
	replied    map[int64]struct{}
	watermarks map[string]int64
}

var _ Store = &InMemoryStore{}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		snapshots:  map[int64][]byte{},
		turns:      map[int64]Turn{},
		replied:    map[int64]struct{}{},
		watermarks: map[string]int64{},
	}
}

func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) CreateSnapshot(_ context.Context, state []byte) (int64, error) {
	if s == nil {
		return 0, errors.New("in-memory session store: nil store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addSnapshot(state)
}

func (s *InMemoryStore) RecordTurn(_ context.Context, rec TurnRecord) error {
	if s == nil {
		return errors.New("in-memory session store: nil store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addTurns(rec)
}

func (s *InMemoryStore) SaveTurn(_ context.Context, state []byte, rec TurnRecord) (int64, error) {
	if s == nil {
		return 0, errors.New("in-memory session store: nil store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	// validate before mutating so a rejected turn leaves no snapshot behind
	if err := s.checkTurn(rec, true); err != nil {
		return 0, err
	}
	id, err := s.addSnapshot(state)
	if err != nil {
		return 0, err
	}
	rec.SnapshotID = id
	if err := s.addTurns(rec); err != nil {
		delete(s.snapshots, id)
		return 0, err
	}
	return id, nil
}

func (s *InMemoryStore) addSnapshot(state []byte) (int64, error) {
	if len(state) == 0 {
		return 0, errors.New("in-memory session store: empty snapshot state")
	}
	s.lastSnap++
	s.snapshots[s.lastSnap] = append([]byte(nil), state...)
	return s.lastSnap, nil
}

func (s *InMemoryStore) checkTurn(rec TurnRecord, pendingSnapshot bool) error {
	if len(rec.MessageIDs) == 0 {
		return errors.New("in-memory session store: turn has no message ids")
	}
	if !pendingSnapshot {
		if _, ok := s.snapshots[rec.SnapshotID]; !ok {
			return errors.Errorf("in-memory session store: unknown snapshot %d", rec.SnapshotID)
		}
	}
	seen := map[int64]struct{}{}
	for _, id := range rec.MessageIDs {
		if id == NoMessage {
			return errors.New("in-memory session store: message id is empty")
		}
		if _, ok := s.turns[id]; ok {
			return errors.Errorf("in-memory session store: message %d already recorded", id)
		}
		if _, ok := seen[id]; ok {
			return errors.Errorf("in-memory session store: message %d repeated", id)
		}
		seen[id] = struct{}{}
	}
	return nil
}

func (s *InMemoryStore) addTurns(rec TurnRecord) error {
	if err := s.checkTurn(rec, false); err != nil {
		return err
	}
	createdAtMs := rec.CreatedAtMs
	if createdAtMs <= 0 {
		createdAtMs = time.Now().UnixMilli()
	}
	for i, id := range rec.MessageIDs {
		s.turns[id] = Turn{
			MessageID:    id,
			InReplyToID:  rec.InReplyToID,
			ContinuesID:  rec.ContinuesID,
			SessionID:    rec.SessionID,
			ActorHandle:  rec.ActorHandle,
			CommandText:  rec.CommandText,
			ResponseText: rec.ResponseText,
			SnapshotID:   rec.SnapshotID,
			SegmentIndex: i,
			CreatedAtMs:  createdAtMs,
		}
	}
	if rec.InReplyToID != NoMessage {
		s.replied[rec.InReplyToID] = struct{}{}
	}
	return nil
}

func (s *InMemoryStore) ResolveSession(_ context.Context, messageID int64) (Resolved, bool, error) {
	if s == nil {
		return Resolved{}, false, errors.New("in-memory session store: nil store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.turns[messageID]
	if !ok || messageID == NoMessage {
		return Resolved{}, false, nil
	}
	return Resolved{
		MessageID:  messageID,
		SnapshotID: t.SnapshotID,
		SessionID:  t.SessionID,
		State:      append([]byte(nil), s.snapshots[t.SnapshotID]...),
	}, true, nil
}

func (s *InMemoryStore) HasBeenRepliedTo(_ context.Context, messageID int64) (bool, error) {
	if s == nil {
		return false, errors.New("in-memory session store: nil store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.replied[messageID]
	return ok, nil
}

func (s *InMemoryStore) ListTurns(_ context.Context, q TurnQuery) ([]Turn, error) {
	if s == nil {
		return nil, errors.New("in-memory session store: nil store")
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 200
	}
	sessionID := strings.TrimSpace(q.SessionID)
	actor := strings.TrimSpace(q.ActorHandle)

	s.mu.Lock()
	items := make([]Turn, 0, len(s.turns))
	for _, t := range s.turns {
		if sessionID != "" && t.SessionID != sessionID {
			continue
		}
		if actor != "" && t.ActorHandle != actor {
			continue
		}
		items = append(items, t)
	}
	s.mu.Unlock()

	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAtMs != items[j].CreatedAtMs {
			return items[i].CreatedAtMs > items[j].CreatedAtMs
		}
		return items[i].MessageID > items[j].MessageID
	})
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (s *InMemoryStore) Lineage(_ context.Context, messageID int64, limit int) ([]Turn, error) {
	if s == nil {
		return nil, errors.New("in-memory session store: nil store")
	}
	if limit <= 0 {
		limit = 1000
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	items := []Turn{}
	seen := map[int64]struct{}{}
	for next := messageID; next != NoMessage && len(items) < limit; {
		if _, ok := seen[next]; ok {
			break
		}
		seen[next] = struct{}{}
		t, ok := s.turns[next]
		if !ok {
			break
		}
		items = append(items, t)
		next = t.ContinuesID
	}
	return items, nil
}

func (s *InMemoryStore) Stats(_ context.Context) (Stats, error) {
	if s == nil {
		return Stats{}, errors.New("in-memory session store: nil store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sessions := map[string]struct{}{}
	actors := map[string]struct{}{}
	for _, t := range s.turns {
		if t.SessionID != "" {
			sessions[t.SessionID] = struct{}{}
		}
		if t.ActorHandle != "" {
			actors[t.ActorHandle] = struct{}{}
		}
	}
	return Stats{
		Snapshots: int64(len(s.snapshots)),
		Turns:     int64(len(s.turns)),
		Sessions:  int64(len(sessions)),
		Actors:    int64(len(actors)),
	}, nil
}

func (s *InMemoryStore) LoadWatermark(_ context.Context, field string) (int64, bool, error) {
	if s == nil {
		return 0, false, errors.New("in-memory session store: nil store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.watermarks[field]
	return v, ok, nil
}

func (s *InMemoryStore) SaveWatermark(_ context.Context, field string, value int64) error {
	if s == nil {
		return errors.New("in-memory session store: nil store")
	}
	if strings.TrimSpace(field) == "" {
		return errors.New("in-memory session store: watermark field is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watermarks[field] = value
	return nil
}
