package simstore

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func open(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "sim.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSeedAndLoad(t *testing.T) {
	ctx := context.Background()
	s := open(t)
	require.NoError(t, s.Seed(ctx, 3))

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	e, err := s.Load(ctx, Key(2))
	require.NoError(t, err)
	assert.Equal(t, Entity{ID: "k2", Value: "k2#1", Version: 1}, e)

	_, err = s.Load(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	// reseeding resets versions
	_, err = s.Write(ctx, Key(0), "x")
	require.NoError(t, err)
	require.NoError(t, s.Seed(ctx, 1))
	e, err = s.Load(ctx, Key(0))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), e.Version)
}

func TestWriteBumpsVersion(t *testing.T) {
	ctx := context.Background()
	s := open(t)
	require.NoError(t, s.Seed(ctx, 1))

	e, err := s.Write(ctx, Key(0), "a")
	require.NoError(t, err)
	assert.Equal(t, Entity{ID: "k0", Value: "a", Version: 2}, e)

	e, err = s.Write(ctx, "new", "b")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), e.Version)
}

func TestConcurrentWritesSerialize(t *testing.T) {
	ctx := context.Background()
	s := open(t)
	require.NoError(t, s.Seed(ctx, 1))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Write(ctx, Key(0), "v")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	e, err := s.Load(ctx, Key(0))
	require.NoError(t, err)
	assert.Equal(t, uint64(21), e.Version)
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(context.Background(), "")
	assert.Error(t, err)
}
