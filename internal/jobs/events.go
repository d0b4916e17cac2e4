package jobs

import (
	"slices"
	"sync"

	"github.com/kozaktomas/photo-faces/internal/constants"
)

// broadcaster fans job events out to per-job listeners.
type broadcaster struct {
	mu        sync.RWMutex
	listeners map[string][]chan Event
}

func newBroadcaster() *broadcaster {
	return &broadcaster{listeners: make(map[string][]chan Event)}
}

func (b *broadcaster) add(jobID string) chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, constants.EventChannelBuffer)
	b.listeners[jobID] = append(b.listeners[jobID], ch)
	return ch
}

func (b *broadcaster) remove(jobID string, ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	listeners := b.listeners[jobID]
	if i := slices.Index(listeners, ch); i >= 0 {
		b.listeners[jobID] = slices.Delete(listeners, i, i+1)
		close(ch)
	}
	if len(b.listeners[jobID]) == 0 {
		delete(b.listeners, jobID)
	}
}

func (b *broadcaster) send(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, listener := range b.listeners[event.JobID] {
		select {
		case listener <- event:
		default:
			// Listener buffer full, skip.
		}
	}
}
