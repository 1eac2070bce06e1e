package cart

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dluong/bloomshop/pkg/models"
)

// fakeBackend records every push and can be made slow or failing.
type fakeBackend struct {
	mu      sync.Mutex
	pushes  [][]models.CartItem
	delay   time.Duration
	failing bool
}

func (f *fakeBackend) PutCart(ctx context.Context, items []models.CartItem) error {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return errors.New("backend unavailable")
	}
	f.pushes = append(f.pushes, items)
	return nil
}

func (f *fakeBackend) lastPush() []models.CartItem {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pushes) == 0 {
		return nil
	}
	return f.pushes[len(f.pushes)-1]
}

func (f *fakeBackend) pushCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pushes)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestSyncerPushesLatestSnapshot(t *testing.T) {
	backend := &fakeBackend{}
	syncer := NewSyncer(backend, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go syncer.Run(ctx)

	store := NewStore(testLogger())
	store.SetOnChange(syncer.Enqueue)

	require.NoError(t, store.AddItem(bouquet("A", 450000), 1))
	waitFor(t, func() bool { return backend.pushCount() >= 1 })

	last := backend.lastPush()
	require.Len(t, last, 1)
	assert.Equal(t, "A", last[0].Product.ID)
}

func TestSyncerConvergesAfterRapidAdds(t *testing.T) {
	// The first push is still in flight when the second mutation fires; the
	// settled server state must still reflect both items.
	backend := &fakeBackend{delay: 30 * time.Millisecond}
	syncer := NewSyncer(backend, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go syncer.Run(ctx)

	store := NewStore(testLogger())
	store.SetOnChange(syncer.Enqueue)

	require.NoError(t, store.AddItem(bouquet("A", 450000), 1))
	require.NoError(t, store.AddItem(bouquet("B", 120000), 2))

	waitFor(t, func() bool {
		last := backend.lastPush()
		return len(last) == 2
	})

	last := backend.lastPush()
	assert.Equal(t, "A", last[0].Product.ID)
	assert.Equal(t, "B", last[1].Product.ID)
}

func TestSyncerConvergesAfterConcurrentAdds(t *testing.T) {
	// Two goroutines mutate the same cart at once. Whatever order they land
	// in, the snapshot the syncer settles on must carry both lines.
	backend := &fakeBackend{delay: 10 * time.Millisecond}
	syncer := NewSyncer(backend, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go syncer.Run(ctx)

	store := NewStore(testLogger())
	store.SetOnChange(syncer.Enqueue)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = store.AddItem(bouquet("A", 450000), 1)
	}()
	go func() {
		defer wg.Done()
		_ = store.AddItem(bouquet("B", 120000), 2)
	}()
	wg.Wait()

	waitFor(t, func() bool { return len(backend.lastPush()) == 2 })
	assert.Equal(t, 3, store.TotalItems())
}

func TestSyncerCoalescesBursts(t *testing.T) {
	backend := &fakeBackend{delay: 20 * time.Millisecond}
	syncer := NewSyncer(backend, testLogger())

	// Enqueue a burst before the worker starts: only the newest snapshot may
	// survive in the pending slot.
	for i := 1; i <= 20; i++ {
		items := make([]models.CartItem, i)
		syncer.Enqueue(items)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go syncer.Run(ctx)

	waitFor(t, func() bool { return backend.pushCount() >= 1 })
	assert.Equal(t, 1, backend.pushCount())
	assert.Len(t, backend.lastPush(), 20)
}

func TestSyncerReportsFailuresWithoutBlockingMutations(t *testing.T) {
	backend := &fakeBackend{failing: true}
	syncer := NewSyncer(backend, testLogger())

	var reported []error
	var mu sync.Mutex
	syncer.SetOnError(func(err error) {
		mu.Lock()
		reported = append(reported, err)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go syncer.Run(ctx)

	store := NewStore(testLogger())
	store.SetOnChange(syncer.Enqueue)

	// The mutation itself must succeed even though the push fails.
	require.NoError(t, store.AddItem(bouquet("A", 450000), 1))
	assert.Equal(t, 1, store.TotalItems())

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(reported) >= 1
	})
}

func TestEnqueueNeverBlocks(t *testing.T) {
	syncer := NewSyncer(&fakeBackend{}, testLogger())

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			syncer.Enqueue(nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Enqueue blocked with no running worker")
	}
}
