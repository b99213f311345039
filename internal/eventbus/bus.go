package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Lifecycle event types published by the keeper and the task engine.
const (
	TimerArmed         = "timer.armed"
	TimerCancelled     = "timer.cancelled"
	TimerFired         = "timer.fired"
	TxSent             = "tx.sent"
	TxConfirmed        = "tx.confirmed"
	TxFailed           = "tx.failed"
	ExecutionAbandoned = "execution.abandoned"
	TaskFailed         = "task.failed"
	TaskFinished       = "task.finished"
	TaskDropped        = "task.dropped"
)

// Event is a lightweight, in-memory signal used to decouple components.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events (bounded backpressure).
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns a simple in-memory fanout bus. It does not own any goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// A concurrent unsubscribe may close ch; recover from the send panic.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}

// Filter returns a channel receiving only events whose type is in types.
// The returned stop func unsubscribes and closes the channel.
func Filter(b Bus, buffer int, types ...string) (<-chan Event, func()) {
	src, unsub := b.Subscribe(buffer)
	want := make(map[string]struct{}, len(types))
	for _, t := range types {
		want[t] = struct{}{}
	}
	out := make(chan Event, buffer)
	go func() {
		defer close(out)
		for e := range src {
			if _, ok := want[e.Type]; !ok {
				continue
			}
			select {
			case out <- e:
			default:
			}
		}
	}()
	return out, unsub
}

// TxEvent is the payload of tx.sent, tx.confirmed and tx.failed.
type TxEvent struct {
	Proposal string `json:"proposal"`
	Action   string `json:"action"`
	Account  string `json:"account"`
	TxHash   string `json:"tx_hash"`
	Nonce    uint64 `json:"nonce"`
	Block    uint64 `json:"block,omitempty"`
	Attempt  int    `json:"attempt"`
	Error    string `json:"error,omitempty"`
}
