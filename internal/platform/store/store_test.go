package store

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryInsertGetPut(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	rec, err := s.Insert(ctx, "loans", "l1", []byte(`{"valor":100}`))
	require.NoError(t, err)
	require.Equal(t, int64(1), rec.Revision)

	_, err = s.Insert(ctx, "loans", "l1", []byte(`{}`))
	require.ErrorIs(t, err, ErrExists)

	got, err := s.Get(ctx, "loans", "l1")
	require.NoError(t, err)
	require.Equal(t, int64(1), got.Revision)

	updated, err := s.Put(ctx, "loans", "l1", []byte(`{"valor":200}`), got.Revision)
	require.NoError(t, err)
	require.Equal(t, int64(2), updated.Revision)

	_, err = s.Put(ctx, "loans", "l1", []byte(`{"valor":300}`), got.Revision)
	require.ErrorIs(t, err, ErrRevisionMismatch)

	_, err = s.Get(ctx, "loans", "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryFindByField(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	_, err := s.Insert(ctx, "disputes", "d1", []byte(`{"caixinhaId":"c1","status":"active"}`))
	require.NoError(t, err)
	_, err = s.Insert(ctx, "disputes", "d2", []byte(`{"caixinhaId":"c1","status":"approved"}`))
	require.NoError(t, err)
	_, err = s.Insert(ctx, "disputes", "d3", []byte(`{"caixinhaId":"c2","status":"active"}`))
	require.NoError(t, err)

	recs, err := s.Find(ctx, "disputes", Filter{"caixinhaId": "c1"})
	require.NoError(t, err)
	require.Len(t, recs, 2)

	recs, err = s.Find(ctx, "disputes", Filter{"caixinhaId": "c1", "status": "active"})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, "d1", recs[0].ID)
}

func TestUpdateRetriesOnRevisionMismatch(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	_, err := s.Insert(ctx, "counters", "c", []byte(`{"n":0}`))
	require.NoError(t, err)

	// Interleave a competing write on the first attempt only.
	interfered := false
	_, err = Update(ctx, s, "counters", "c", 3, func(rec Record) ([]byte, error) {
		var doc map[string]int
		require.NoError(t, json.Unmarshal(rec.Data, &doc))
		if !interfered {
			interfered = true
			_, err := s.Put(ctx, "counters", "c", rec.Data, rec.Revision)
			require.NoError(t, err)
		}
		doc["n"]++
		return json.Marshal(doc)
	})
	require.NoError(t, err)

	rec, err := s.Get(ctx, "counters", "c")
	require.NoError(t, err)
	var doc map[string]int
	require.NoError(t, json.Unmarshal(rec.Data, &doc))
	require.Equal(t, 1, doc["n"])
}

func TestUpdateExhaustsAttempts(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	_, err := s.Insert(ctx, "counters", "c", []byte(`{"n":0}`))
	require.NoError(t, err)

	_, err = Update(ctx, s, "counters", "c", 2, func(rec Record) ([]byte, error) {
		// Always lose the race.
		_, err := s.Put(ctx, "counters", "c", rec.Data, rec.Revision)
		require.NoError(t, err)
		return rec.Data, nil
	})
	require.ErrorIs(t, err, ErrRevisionMismatch)
}

func TestConcurrentUpdatesAllApply(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	_, err := s.Insert(ctx, "counters", "c", []byte(`{"n":0}`))
	require.NoError(t, err)

	const writers = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := Update(ctx, s, "counters", "c", writers+1, func(rec Record) ([]byte, error) {
				var doc map[string]int
				if err := json.Unmarshal(rec.Data, &doc); err != nil {
					return nil, err
				}
				doc["n"]++
				return json.Marshal(doc)
			})
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	rec, err := s.Get(ctx, "counters", "c")
	require.NoError(t, err)
	var doc map[string]int
	require.NoError(t, json.Unmarshal(rec.Data, &doc))
	require.Equal(t, writers, doc["n"])
}
