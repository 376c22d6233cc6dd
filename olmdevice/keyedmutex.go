package olmdevice

import "sync"

// keyedMutex serializes callers per key. Entries are dropped once nobody holds or waits on them.
type keyedMutex struct {
	mu      sync.Mutex
	entries map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{entries: make(map[string]*keyedEntry)}
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		e = &keyedEntry{}
		k.entries[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.entries, key)
		}
		k.mu.Unlock()
	}
}

// progressTracker marks remote devices with a session being created. Marks nest; waiters are
// released when the last mark for a device is cleared.
type progressTracker struct {
	mu      sync.Mutex
	entries map[string]*progress
}

type progress struct {
	done chan struct{}
	refs int
}

func newProgressTracker() *progressTracker {
	return &progressTracker{entries: make(map[string]*progress)}
}

func (p *progressTracker) mark(keys ...string) func() {
	p.mu.Lock()
	for _, key := range keys {
		e, ok := p.entries[key]
		if !ok {
			e = &progress{done: make(chan struct{})}
			p.entries[key] = e
		}
		e.refs++
	}
	p.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			for _, key := range keys {
				e := p.entries[key]
				e.refs--
				if e.refs == 0 {
					close(e.done)
					delete(p.entries, key)
				}
			}
		})
	}
}

func (p *progressTracker) wait(key string) <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[key]; ok {
		return e.done
	}
	return nil
}
