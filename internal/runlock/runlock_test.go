package runlock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore emulates SET NX and the release script in memory.
type fakeStore struct {
	mu     sync.Mutex
	values map[string]string
	ttls   map[string]time.Duration
	err    error
}

func newFakeStore() *fakeStore {
	return &fakeStore{values: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (f *fakeStore) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	if _, ok := f.values[key]; ok {
		return false, nil
	}
	f.values[key] = value
	f.ttls[key] = ttl
	return true, nil
}

func (f *fakeStore) Eval(_ context.Context, script string, keys []string, args ...any) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if script != releaseScript {
		return nil, errors.New("unexpected script")
	}
	if f.values[keys[0]] == args[0] {
		delete(f.values, keys[0])
		return int64(1), nil
	}
	return int64(0), nil
}

func TestAcquireAndRelease(t *testing.T) {
	store := newFakeStore()
	l := New(store, "", time.Hour)
	ctx := context.Background()

	release, err := l.Acquire(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "run-1", store.values[DefaultKey])
	assert.Equal(t, time.Hour, store.ttls[DefaultKey])

	_, err = l.Acquire(ctx, "run-2")
	assert.ErrorIs(t, err, ErrLocked)

	require.NoError(t, release(ctx))
	_, err = l.Acquire(ctx, "run-2")
	assert.NoError(t, err)
}

func TestReleaseDoesNotStealNewerLock(t *testing.T) {
	store := newFakeStore()
	l := New(store, "k", time.Minute)
	ctx := context.Background()

	release, err := l.Acquire(ctx, "run-1")
	require.NoError(t, err)

	// run-1's lock expired and run-2 took over.
	store.values["k"] = "run-2"

	require.NoError(t, release(ctx))
	assert.Equal(t, "run-2", store.values["k"])
}

func TestAcquireStoreError(t *testing.T) {
	store := newFakeStore()
	store.err = errors.New("connection refused")

	_, err := New(store, "k", time.Minute).Acquire(context.Background(), "run-1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrLocked)
}

func TestNoop(t *testing.T) {
	release, err := Noop{}.Acquire(context.Background(), "run-1")
	require.NoError(t, err)
	assert.NoError(t, release(context.Background()))
}
