// Package keylock serializes work per entity key.
package keylock

import (
	"slices"
	"sync"
)

type Locks struct {
	mu sync.Map
}

func New() *Locks {
	return &Locks{}
}

// Lock acquires every key in sorted order so that two callers locking
// overlapping sets cannot deadlock. The returned func releases them.
func (l *Locks) Lock(keys ...string) func() {
	sorted := slices.Clone(keys)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	held := make([]*sync.Mutex, 0, len(sorted))
	for _, k := range sorted {
		v, _ := l.mu.LoadOrStore(k, &sync.Mutex{})
		mtx := v.(*sync.Mutex)
		mtx.Lock()
		held = append(held, mtx)
	}

	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
	}
}

// TryLock acquires a single key without waiting.
func (l *Locks) TryLock(key string) (func(), bool) {
	v, _ := l.mu.LoadOrStore(key, &sync.Mutex{})
	mtx := v.(*sync.Mutex)
	if !mtx.TryLock() {
		return nil, false
	}
	return mtx.Unlock, true
}
