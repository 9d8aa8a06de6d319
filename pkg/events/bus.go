// File: pkg/events/bus.go
package events

import (
	"sync"
	"time"
)

// Level mirrors the observable log-entry levels.
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
	LevelSuccess Level = "success"
)

// LogEvent is one human-readable log entry with an optional transaction ID.
type LogEvent struct {
	Timestamp time.Time
	Level     Level
	Message   string
	TxID      string
}

// StatsEvent is a read-only snapshot of the orchestrator's aggregate stats.
type StatsEvent struct {
	CyclesCompleted int
	TotalVolumeSol  float64
	SuccessRate     float64
	TotalFeesSol    float64
	ActiveWorkers   int
	StartTime       time.Time
	LastCycleTime   time.Time
}

// WorkerSetEvent carries the public keys of the active worker set.
type WorkerSetEvent struct {
	PublicKeys []string
}

// Event is the union delivered to subscribers; exactly one field is set.
type Event struct {
	Log       *LogEvent
	Stats     *StatsEvent
	WorkerSet *WorkerSetEvent
}

// Bus fans events out to subscribers. Publish never blocks: a subscriber
// whose buffer is full misses the event. The cycle loop must never be
// throttled by a slow observer.
type Bus struct {
	mu   sync.RWMutex
	subs []chan Event
}

func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a new listener and returns its receive channel.
func (b *Bus) Subscribe() <-chan Event {
	ch := make(chan Event, 64)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch
}

// Publish delivers the event to every subscriber that has buffer room.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// PublishLog is a convenience wrapper for log entries.
func (b *Bus) PublishLog(level Level, message, txID string) {
	b.Publish(Event{Log: &LogEvent{
		Timestamp: time.Now(),
		Level:     level,
		Message:   message,
		TxID:      txID,
	}})
}
