// Package gate serializes sync runs: runs on the same document execute one at
// a time, and a whole-collection run excludes every document run.
package gate

import (
	"context"
	"sync"
)

// Release gives up a held gate. Calling it more than once is harmless.
type Release func()

func once(f func()) Release {
	var o sync.Once
	return func() { o.Do(f) }
}

// Registry is a keyed mutex. Waiters on a key are served in arrival order.
// The zero value is ready to use.
type Registry struct {
	mu   sync.Mutex
	keys map[string]*keyLock
}

type keyLock struct {
	waiters []chan struct{}
}

// Acquire blocks until key is free or ctx is done.
func (r *Registry) Acquire(ctx context.Context, key string) (Release, error) {
	r.mu.Lock()
	if r.keys == nil {
		r.keys = make(map[string]*keyLock)
	}
	kl, held := r.keys[key]
	if !held {
		r.keys[key] = &keyLock{}
		r.mu.Unlock()
		return once(func() { r.release(key) }), nil
	}
	ch := make(chan struct{})
	kl.waiters = append(kl.waiters, ch)
	r.mu.Unlock()

	select {
	case <-ch:
		return once(func() { r.release(key) }), nil
	case <-ctx.Done():
		r.mu.Lock()
		for i, w := range kl.waiters {
			if w == ch {
				kl.waiters = append(kl.waiters[:i], kl.waiters[i+1:]...)
				r.mu.Unlock()
				return nil, ctx.Err()
			}
		}
		r.mu.Unlock()
		// The key was handed over while ctx expired; pass it on.
		r.release(key)
		return nil, ctx.Err()
	}
}

func (r *Registry) release(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kl := r.keys[key]
	if kl == nil {
		return
	}
	if len(kl.waiters) == 0 {
		delete(r.keys, key)
		return
	}
	next := kl.waiters[0]
	kl.waiters = kl.waiters[1:]
	close(next)
}

// Held reports whether key is currently held.
func (r *Registry) Held(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.keys[key]
	return ok
}

// rwGate is a fair shared/exclusive lock: a waiting exclusive holder blocks
// later shared ones.
type rwGate struct {
	mu      sync.Mutex
	readers int
	writer  bool
	queue   []*rwWaiter
}

type rwWaiter struct {
	exclusive bool
	ch        chan struct{}
}

func (g *rwGate) acquire(ctx context.Context, exclusive bool) (Release, error) {
	g.mu.Lock()
	if len(g.queue) == 0 && g.admits(exclusive) {
		g.grant(exclusive)
		g.mu.Unlock()
		return once(func() { g.release(exclusive) }), nil
	}
	w := &rwWaiter{exclusive: exclusive, ch: make(chan struct{})}
	g.queue = append(g.queue, w)
	g.mu.Unlock()

	select {
	case <-w.ch:
		return once(func() { g.release(exclusive) }), nil
	case <-ctx.Done():
		g.mu.Lock()
		for i, q := range g.queue {
			if q == w {
				g.queue = append(g.queue[:i], g.queue[i+1:]...)
				g.dispatch()
				g.mu.Unlock()
				return nil, ctx.Err()
			}
		}
		g.mu.Unlock()
		g.release(exclusive)
		return nil, ctx.Err()
	}
}

func (g *rwGate) admits(exclusive bool) bool {
	if exclusive {
		return !g.writer && g.readers == 0
	}
	return !g.writer
}

func (g *rwGate) grant(exclusive bool) {
	if exclusive {
		g.writer = true
	} else {
		g.readers++
	}
}

func (g *rwGate) release(exclusive bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if exclusive {
		g.writer = false
	} else {
		g.readers--
	}
	g.dispatch()
}

// dispatch wakes waiters from the head of the queue while they fit.
func (g *rwGate) dispatch() {
	for len(g.queue) > 0 {
		w := g.queue[0]
		if !g.admits(w.exclusive) {
			return
		}
		g.grant(w.exclusive)
		g.queue = g.queue[1:]
		close(w.ch)
		if w.exclusive {
			return
		}
	}
}

// Gate combines the collection gate with the per-document registry.
type Gate struct {
	collection rwGate
	docs       Registry
}

// New returns an open Gate.
func New() *Gate {
	return &Gate{}
}

// Document takes the collection gate shared, then the lock of path.
func (g *Gate) Document(ctx context.Context, path string) (Release, error) {
	releaseShared, err := g.collection.acquire(ctx, false)
	if err != nil {
		return nil, err
	}
	releaseDoc, err := g.docs.Acquire(ctx, path)
	if err != nil {
		releaseShared()
		return nil, err
	}
	return once(func() {
		releaseDoc()
		releaseShared()
	}), nil
}

// Collection takes the collection gate exclusively. It waits for running
// document runs and holds off new ones.
func (g *Gate) Collection(ctx context.Context) (Release, error) {
	return g.collection.acquire(ctx, true)
}
