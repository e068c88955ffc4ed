// Package keylock provides one mutex per string key. Entries are reference
// counted and dropped once no goroutine holds or waits on them, so the map
// only grows with the number of keys currently in use.
package keylock

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

type Locks struct {
	mu      sync.Mutex
	entries map[string]*entry
}

func New() *Locks {
	return &Locks{entries: make(map[string]*entry)}
}

func (l *Locks) acquire(key string) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	if !ok {
		e = &entry{}
		l.entries[key] = e
	}
	e.refs++
	return e
}

func (l *Locks) release(key string, e *entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
}

func (l *Locks) unlocker(key string, e *entry) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()
			l.release(key, e)
		})
	}
}

// Lock acquires the mutex for key and returns its unlock function.
func (l *Locks) Lock(key string) func() {
	e := l.acquire(key)
	e.mu.Lock()
	return l.unlocker(key, e)
}

// TryLock acquires the mutex for key if it is free.
func (l *Locks) TryLock(key string) (func(), bool) {
	e := l.acquire(key)
	if !e.mu.TryLock() {
		l.release(key, e)
		return nil, false
	}
	return l.unlocker(key, e), true
}

// Len reports how many keys are currently held or awaited.
func (l *Locks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
