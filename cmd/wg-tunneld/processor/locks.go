package processor

import "sync"

type lockEntry struct {
	sync.Mutex
	refs int
}

// keyedMutex hands out one mutex per interface id. Entries are dropped once
// nobody holds or waits for them.
type keyedMutex struct {
	m       sync.Mutex
	entries map[string]*lockEntry
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{entries: make(map[string]*lockEntry)}
}

func (k *keyedMutex) Lock(id string) (unlock func()) {
	k.m.Lock()
	e, ok := k.entries[id]
	if !ok {
		e = &lockEntry{}
		k.entries[id] = e
	}
	e.refs++
	k.m.Unlock()

	e.Lock()
	return func() {
		e.Unlock()
		k.m.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.entries, id)
		}
		k.m.Unlock()
	}
}

func (k *keyedMutex) len() int {
	k.m.Lock()
	defer k.m.Unlock()
	return len(k.entries)
}
