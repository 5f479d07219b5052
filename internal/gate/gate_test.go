package gate

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waiting(r *Registry, key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if kl := r.keys[key]; kl != nil {
		return len(kl.waiters)
	}
	return 0
}

func queued(g *rwGate) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.queue)
}

func TestRegistrySerializesKey(t *testing.T) {
	var r Registry
	var active, maxActive int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := r.Acquire(context.Background(), "a.md")
			assert.NoError(t, err)
			defer release()
			n := atomic.AddInt32(&active, 1)
			for {
				m := atomic.LoadInt32(&maxActive)
				if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&active, -1)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxActive)
	assert.False(t, r.Held("a.md"))
}

func TestRegistryFIFO(t *testing.T) {
	var r Registry
	ctx := context.Background()
	release, err := r.Acquire(ctx, "k")
	require.NoError(t, err)

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rel, err := r.Acquire(ctx, "k")
			assert.NoError(t, err)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			rel()
		}(i)
		require.Eventually(t, func() bool { return waiting(&r, "k") == i+1 }, time.Second, time.Millisecond)
	}
	release()
	wg.Wait()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestRegistryIndependentKeys(t *testing.T) {
	var r Registry
	ctx := context.Background()
	relA, err := r.Acquire(ctx, "a")
	require.NoError(t, err)
	defer relA()

	relB, err := r.Acquire(ctx, "b")
	require.NoError(t, err)
	relB()
	relB() // second release is a no-op
	assert.True(t, r.Held("a"))
	assert.False(t, r.Held("b"))
}

func TestRegistryCancelWhileWaiting(t *testing.T) {
	var r Registry
	release, err := r.Acquire(context.Background(), "k")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := r.Acquire(ctx, "k")
		done <- err
	}()
	require.Eventually(t, func() bool { return waiting(&r, "k") == 1 }, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	release()
	assert.False(t, r.Held("k"))
	rel, err := r.Acquire(context.Background(), "k")
	require.NoError(t, err)
	rel()
}

func TestCollectionExcludesDocuments(t *testing.T) {
	g := New()
	ctx := context.Background()

	relDoc, err := g.Document(ctx, "a.md")
	require.NoError(t, err)
	relOther, err := g.Document(ctx, "b.md")
	require.NoError(t, err, "different documents run concurrently")

	acquired := make(chan Release, 1)
	go func() {
		rel, err := g.Collection(ctx)
		assert.NoError(t, err)
		acquired <- rel
	}()
	require.Eventually(t, func() bool { return queued(&g.collection) == 1 }, time.Second, time.Millisecond)

	// A document run arriving after the collection run waits behind it.
	docDone := make(chan struct{})
	go func() {
		rel, err := g.Document(ctx, "c.md")
		assert.NoError(t, err)
		rel()
		close(docDone)
	}()
	require.Eventually(t, func() bool { return queued(&g.collection) == 2 }, time.Second, time.Millisecond)

	relDoc()
	select {
	case <-acquired:
		t.Fatal("collection run started while a document run was active")
	case <-time.After(20 * time.Millisecond):
	}
	relOther()

	relColl := <-acquired
	select {
	case <-docDone:
		t.Fatal("document run started during the collection run")
	case <-time.After(20 * time.Millisecond):
	}
	relColl()
	<-docDone
}

func TestCollectionCancelLetsReadersThrough(t *testing.T) {
	g := New()
	relDoc, err := g.Document(context.Background(), "a.md")
	require.NoError(t, err)
	defer relDoc()

	ctx, cancel := context.WithCancel(context.Background())
	collDone := make(chan error, 1)
	go func() {
		_, err := g.Collection(ctx)
		collDone <- err
	}()
	require.Eventually(t, func() bool { return queued(&g.collection) == 1 }, time.Second, time.Millisecond)

	docDone := make(chan struct{})
	go func() {
		rel, err := g.Document(context.Background(), "b.md")
		assert.NoError(t, err)
		rel()
		close(docDone)
	}()
	require.Eventually(t, func() bool { return queued(&g.collection) == 2 }, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-collDone, context.Canceled)
	<-docDone
}
