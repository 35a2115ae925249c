package http

import (
	"context"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/dwiprep/dwiprep/internal/domain"
	"github.com/dwiprep/dwiprep/internal/ports"
)

// tailCapacity bounds the in-memory event tail; older events fall off.
const tailCapacity = 256

// eventTail keeps the most recent run events for the monitoring API. It is
// fed through the event bus, so it sees the same stream external monitors
// do.
type eventTail struct {
	mu     sync.Mutex
	events []domain.Event
}

func (t *eventTail) append(evt domain.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.events = append(t.events, evt)
	if len(t.events) > tailCapacity {
		t.events = t.events[len(t.events)-tailCapacity:]
	}
}

func (t *eventTail) snapshot() []domain.Event {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]domain.Event, len(t.events))
	copy(out, t.events)
	return out
}

// EventHandler returns the handler that feeds the server's event tail.
// Subscribe it on the run's event bus.
func (s *Server) EventHandler() ports.EventHandler {
	return func(_ context.Context, evt domain.Event) error {
		s.events.append(evt)
		return nil
	}
}

func (s *Server) handleGetEvents(c *gin.Context) {
	events := s.events.snapshot()
	c.JSON(http.StatusOK, gin.H{
		"count":  len(events),
		"events": events,
	})
}
