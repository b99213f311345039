package keeper

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// keyedLocks serializes work per item. Entries are dropped once nobody holds
// or waits on them.
type keyedLocks struct {
	mu sync.Mutex
	m  map[common.Hash]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{m: make(map[common.Hash]*keyLock)}
}

func (k *keyedLocks) lock(id common.Hash) (unlock func()) {
	k.mu.Lock()
	l, ok := k.m[id]
	if !ok {
		l = &keyLock{}
		k.m[id] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Unlock()
			k.mu.Lock()
			l.refs--
			if l.refs == 0 {
				delete(k.m, id)
			}
			k.mu.Unlock()
		})
	}
}

func (k *keyedLocks) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.m)
}
