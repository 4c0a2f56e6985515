package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	outboundBuffer    = 16
	heartbeatInterval = 15 * time.Second
)

// Client is one SSE subscriber.
type Client struct {
	ID       string
	Outbound chan Event
	channels map[string]bool
	done     chan struct{}
	once     sync.Once
}

// Hub fans events out to in-process SSE subscribers. It implements
// Notifier for single-replica deployments.
type Hub struct {
	mu            sync.RWMutex
	subscriptions map[string]map[*Client]bool
	logger        *slog.Logger
	heartbeat     time.Duration
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subscriptions: make(map[string]map[*Client]bool),
		logger:        logger.With("component", "sse_hub"),
		heartbeat:     heartbeatInterval,
	}
}

// Subscribe registers a new client on the given channels.
func (h *Hub) Subscribe(channels ...string) *Client {
	c := &Client{
		ID:       uuid.NewString(),
		Outbound: make(chan Event, outboundBuffer),
		channels: make(map[string]bool),
		done:     make(chan struct{}),
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range channels {
		ch = strings.TrimSpace(ch)
		if ch == "" {
			continue
		}
		c.channels[ch] = true
		subs, ok := h.subscriptions[ch]
		if !ok {
			subs = make(map[*Client]bool)
			h.subscriptions[ch] = subs
		}
		subs[c] = true
	}
	h.logger.Debug("sse client subscribed", "client_id", c.ID, "channels", channels)
	return c
}

// Unsubscribe removes c from every channel and stops its stream.
func (h *Hub) Unsubscribe(c *Client) {
	h.mu.Lock()
	for ch := range c.channels {
		if subs, ok := h.subscriptions[ch]; ok {
			delete(subs, c)
			if len(subs) == 0 {
				delete(h.subscriptions, ch)
			}
		}
	}
	c.channels = map[string]bool{}
	h.mu.Unlock()
	c.once.Do(func() { close(c.done) })
}

// Subscribers returns the number of clients on channel.
func (h *Hub) Subscribers(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscriptions[channel])
}

// Broadcast delivers ev to every subscriber of its channel. A client whose
// buffer is full misses the event.
func (h *Hub) Broadcast(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.subscriptions[ev.Channel] {
		select {
		case c.Outbound <- ev:
		default:
			h.logger.Warn("dropping sse event; outbound buffer full", "client_id", c.ID, "channel", ev.Channel)
		}
	}
}

// Publish implements Notifier.
func (h *Hub) Publish(_ context.Context, channel, event string, payload any) error {
	ev, err := newEvent(channel, event, payload)
	if err != nil {
		return fmt.Errorf("encoding %s event: %w", event, err)
	}
	h.Broadcast(ev)
	return nil
}

// Stream writes c's events to w as server-sent events until the request
// ends, c is unsubscribed, or until returns true for a delivered event.
func (h *Hub) Stream(w http.ResponseWriter, r *http.Request, c *Client, until func(Event) bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case ev := <-c.Outbound:
			WriteEvent(w, ev)
			flusher.Flush()
			if until != nil && until(ev) {
				return
			}
		}
	}
}

// WriteEvent writes one SSE frame.
func WriteEvent(w http.ResponseWriter, ev Event) {
	data := ev.Data
	if len(data) == 0 {
		data = []byte("{}")
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
}
