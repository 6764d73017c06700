package session

import (
	"sync"
	"time"

	"werewolf-session/internal/model"

	"go.uber.org/zap"
)

type EventKind string

const (
	EventGameChanged EventKind = "GameChanged"
	EventError       EventKind = "Error"
	EventConnection  EventKind = "Connection"
	EventCountdown   EventKind = "Countdown"
)

// CountdownState describes the auto-start countdown for display.
type CountdownState struct {
	Running   bool          `json:"running"`
	Held      bool          `json:"held"`
	EndsAt    time.Time     `json:"endsAt,omitempty"`
	Remaining time.Duration `json:"remaining"`
}

// Event is what the bus fans out. Only the field matching Kind is set.
type Event struct {
	Kind      EventKind
	Op        string
	Game      *model.Game
	Err       error
	Stats     *ConnectionStats
	Countdown *CountdownState
}

// Bus fans events out to subscribers without ever blocking the publisher: a
// subscriber whose buffer is full misses the event, and since every event
// carries full state the next one catches it up.
type Bus struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

func NewBus() *Bus {
	return &Bus{subs: make(map[chan Event]struct{})}
}

func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
			zap.L().Warn(
				"dropping session event: subscriber buffer full",
				zap.String("kind", string(ev.Kind)),
				zap.String("op", ev.Op),
			)
		}
	}
}
