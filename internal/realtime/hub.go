package realtime

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Hub is an in-process Feed and Publisher. Handlers run synchronously on the
// publishing goroutine.
type Hub struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[string]map[uint64]hubEntry
	log    *zap.Logger
}

type hubEntry struct {
	filter  Filter
	handler Handler
}

func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		subs: make(map[string]map[uint64]hubEntry),
		log:  log,
	}
}

func (h *Hub) Subscribe(_ context.Context, filter Filter, handler Handler) (Subscription, error) {
	if err := validateFilter(filter); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	id := h.nextID
	channel := filter.channel()
	if h.subs[channel] == nil {
		h.subs[channel] = make(map[uint64]hubEntry)
	}
	h.subs[channel][id] = hubEntry{filter: filter, handler: handler}
	return &hubSubscription{hub: h, channel: channel, id: id}, nil
}

func (h *Hub) Publish(_ context.Context, event Event) error {
	channels, err := Channels(event)
	if err != nil {
		return err
	}

	var targets []hubEntry
	h.mu.RLock()
	for _, channel := range channels {
		for _, entry := range h.subs[channel] {
			if entry.filter.Accepts(event.Type) {
				targets = append(targets, entry)
			}
		}
	}
	h.mu.RUnlock()

	h.log.Debug("hub publish", zap.String("table", event.Table), zap.String("type", string(event.Type)), zap.Int("handlers", len(targets)))
	for _, entry := range targets {
		entry.handler(event)
	}
	return nil
}

// Subscribers reports how many handlers are registered on a channel.
func (h *Hub) Subscribers(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[channel])
}

type hubSubscription struct {
	hub     *Hub
	channel string
	id      uint64
	once    sync.Once
}

func (s *hubSubscription) Unsubscribe() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		defer s.hub.mu.Unlock()
		delete(s.hub.subs[s.channel], s.id)
		if len(s.hub.subs[s.channel]) == 0 {
			delete(s.hub.subs, s.channel)
		}
	})
}
