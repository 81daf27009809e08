package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/goodtune/greengpt/internal/display"
	"github.com/goodtune/greengpt/internal/metrics"
)

const keepAliveInterval = 25 * time.Second

// broker fans panel views out to event stream clients. Each client holds at
// most one pending view; a newer view replaces one not yet written. Views
// older than the last one published are dropped.
type broker struct {
	mu      sync.Mutex
	clients map[chan display.View]struct{}
	last    uint64
}

func newBroker() *broker {
	return &broker{clients: make(map[chan display.View]struct{})}
}

func (b *broker) subscribe() (<-chan display.View, func()) {
	ch := make(chan display.View, 1)

	b.mu.Lock()
	b.clients[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.clients, ch)
			b.mu.Unlock()
		})
	}
}

func (b *broker) publish(v display.View) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if v.Version < b.last {
		return
	}
	b.last = v.Version

	for ch := range b.clients {
		select {
		case ch <- v:
		default:
			// Drop the stale pending view
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- v:
			default:
			}
		}
	}
}

func (b *broker) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// handleEvents streams impact views as server-sent events until the client
// goes away or the server shuts down.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteError(w, http.StatusInternalServerError, "Streaming unsupported")
		return
	}

	views, unsubscribe := s.events.subscribe()
	defer unsubscribe()

	metrics.EventStreams.Inc()
	defer metrics.EventStreams.Dec()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := writeEvent(w, s.panel.View()); err != nil {
		return
	}
	flusher.Flush()

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.done:
			return
		case v := <-views:
			if err := writeEvent(w, v); err != nil {
				s.logger.Debug().Err(err).Msg("Event stream closed")
				return
			}
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
		}
		flusher.Flush()
	}
}

func writeEvent(w http.ResponseWriter, v display.View) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: impact\nid: %d\ndata: %s\n\n", v.Version, data)
	return err
}
