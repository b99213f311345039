package keeper

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"execbot/internal/chain"
)

// itemStore holds the latest read of every item seen. Reads replace entries
// wholesale.
type itemStore struct {
	mu    sync.RWMutex
	items map[common.Hash]chain.Item
}

func newItemStore() *itemStore {
	return &itemStore{items: make(map[common.Hash]chain.Item)}
}

func (s *itemStore) put(it chain.Item) {
	s.mu.Lock()
	s.items[it.ID] = it
	s.mu.Unlock()
}

func (s *itemStore) get(id common.Hash) (chain.Item, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	it, ok := s.items[id]
	return it, ok
}

func (s *itemStore) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// retryCounters counts failed executions per item. Absent means zero.
type retryCounters struct {
	mu sync.Mutex
	m  map[common.Hash]int
}

func newRetryCounters() *retryCounters {
	return &retryCounters{m: make(map[common.Hash]int)}
}

func (r *retryCounters) inc(id common.Hash) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[id]++
	return r.m[id]
}

func (r *retryCounters) get(id common.Hash) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.m[id]
}

func (r *retryCounters) clear(id common.Hash) {
	r.mu.Lock()
	delete(r.m, id)
	r.mu.Unlock()
}

func (r *retryCounters) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.m)
}
