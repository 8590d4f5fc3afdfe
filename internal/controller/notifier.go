package controller

import (
	"log/slog"
	"sync"
	"time"

	"github.com/softcane/maintenance-controller/internal/maintenance"
)

// StateChange is published after a pass commits a transition.
type StateChange struct {
	Previous maintenance.State
	Current  maintenance.State
	Signal   *maintenance.Signal
	// Entry is nil when the history append failed or the change left the
	// transition tuple untouched.
	Entry *maintenance.HistoryEntry
	At    time.Time
}

type notifier struct {
	mu     sync.Mutex
	subs   map[int]chan StateChange
	nextID int
	logger *slog.Logger
}

func newNotifier(logger *slog.Logger) *notifier {
	return &notifier{subs: make(map[int]chan StateChange), logger: logger}
}

func (n *notifier) subscribe(buffer int) (<-chan StateChange, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan StateChange, buffer)

	n.mu.Lock()
	id := n.nextID
	n.nextID++
	n.subs[id] = ch
	n.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.subs, id)
			n.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// publish never blocks: a subscriber with a full buffer misses the change.
func (n *notifier) publish(change StateChange) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for id, ch := range n.subs {
		select {
		case ch <- change:
		default:
			n.logger.Warn("subscriber too slow, dropping state change", "subscriber", id, "state", change.Current)
		}
	}
}
