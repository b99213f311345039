package notifier

import (
	"context"
	"time"
)

// Config controls the async alert pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
}

// Alert is one operator-facing message.
type Alert struct {
	Subject string
	Body    string
	At      time.Time
}

// Transport delivers an alert over one channel (chat, e-mail).
type Transport interface {
	Name() string
	Send(ctx context.Context, a Alert) error
}

type HistoryItem struct {
	At        time.Time
	Subject   string
	Transport string
	Error     string
}

// AlertEvent is published on the event bus for pipeline lifecycle events.
type AlertEvent struct {
	Transport string    `json:"transport,omitempty"`
	Subject   string    `json:"subject"`
	Key       string    `json:"key"`
	At        time.Time `json:"at"`
	Error     string    `json:"error,omitempty"`
}
