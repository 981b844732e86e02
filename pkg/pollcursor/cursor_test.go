package pollcursor

import (
	"context"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/grotto/pkg/persistence/sessionstore"
)

type countingStore struct {
	values map[string][]int64
	fail   bool
}

func (s *countingStore) LoadWatermark(_ context.Context, field string) (int64, bool, error) {
	vs := s.values[field]
	if len(vs) == 0 {
		return 0, false, nil
	}
	return vs[len(vs)-1], true, nil
}

func (s *countingStore) SaveWatermark(_ context.Context, field string, value int64) error {
	if s.fail {
		return errors.New("disk full")
	}
	if s.values == nil {
		s.values = map[string][]int64{}
	}
	s.values[field] = append(s.values[field], value)
	return nil
}

func TestCursor_AdvanceIsMonotonic(t *testing.T) {
	ids := []int64{5, 17, 3, 99, 42, 99, 1, 64}
	for i := 0; i < 20; i++ {
		shuffled := append([]int64(nil), ids...)
		rand.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })

		c := New(&countingStore{}, "", 0)
		for _, id := range shuffled {
			c.Advance(id)
		}
		require.Equal(t, int64(99), c.Get())
	}

	c := New(&countingStore{}, "", 50)
	require.False(t, c.Advance(10))
	require.True(t, c.Advance(51))
	require.False(t, c.Advance(51))
	require.Equal(t, int64(51), c.Get())
}

func TestCursor_LoadRespectsStartValue(t *testing.T) {
	store := &countingStore{}
	require.NoError(t, store.SaveWatermark(context.Background(), DefaultField, 30))

	c := New(store, DefaultField, 100)
	v, err := c.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(100), v)

	c = New(store, DefaultField, 10)
	v, err = c.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(30), v)

	c = New(&countingStore{}, DefaultField, 7)
	v, err = c.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(7), v)
}

func TestCursor_CommitWritesOnlyChanges(t *testing.T) {
	store := &countingStore{}
	ctx := context.Background()
	c := New(store, DefaultField, 10)
	_, err := c.Load(ctx)
	require.NoError(t, err)

	// nothing persisted yet: the start value is written once
	require.NoError(t, c.Commit(ctx))
	require.NoError(t, c.Commit(ctx))
	require.Equal(t, []int64{10}, store.values[DefaultField])

	c.Advance(20)
	c.Advance(15)
	require.NoError(t, c.Commit(ctx))
	require.NoError(t, c.Commit(ctx))
	require.Equal(t, []int64{10, 20}, store.values[DefaultField])
}

func TestCursor_CommitFailureKeepsInMemoryValue(t *testing.T) {
	store := &countingStore{fail: true}
	ctx := context.Background()
	c := New(store, DefaultField, 0)
	c.Advance(8)
	require.Error(t, c.Commit(ctx))
	require.Equal(t, int64(8), c.Get())

	store.fail = false
	require.NoError(t, c.Commit(ctx))
	require.Equal(t, []int64{8}, store.values[DefaultField])
}

func TestCursor_SurvivesRestartWithSQLite(t *testing.T) {
	ctx := context.Background()
	dsn, err := sessionstore.SQLiteDSNForFile(filepath.Join(t.TempDir(), "cursor.sqlite"))
	require.NoError(t, err)

	s, err := sessionstore.NewSQLiteStore(dsn)
	require.NoError(t, err)
	c := New(s, DefaultField, 1)
	_, err = c.Load(ctx)
	require.NoError(t, err)
	c.Advance(500)
	require.NoError(t, c.Commit(ctx))
	require.NoError(t, s.Close())

	s, err = sessionstore.NewSQLiteStore(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	c = New(s, DefaultField, 1)
	v, err := c.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(500), v)
}
