package chain

import "sync"

// Sequencer hands out transaction nonces for one account. It is seeded once
// from the ledger's pending count and only advances locally afterwards, so
// transactions still in flight never share a nonce.
type Sequencer struct {
	mu     sync.Mutex
	next   uint64
	issued uint64
}

func NewSequencer(start uint64) *Sequencer {
	return &Sequencer{next: start}
}

// Next returns the next unused nonce.
func (s *Sequencer) Next() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.next
	s.next++
	s.issued++
	return n
}

// Peek returns the nonce Next would return and how many were issued.
func (s *Sequencer) Peek() (next, issued uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next, s.issued
}
