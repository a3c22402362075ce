package queue

import (
	"context"
	"encoding/json"
	"sync"
)

// Handler processes one message. Returning an error classified as permanent
// sends the message straight to the dead-letter queue.
type Handler func(ctx context.Context, msg Message) error

type Router struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRouter() *Router {
	return &Router{handlers: make(map[string]Handler)}
}

func (r *Router) Handle(topic string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[topic] = h
}

func (r *Router) Lookup(topic string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[topic]
	return h, ok
}

func (r *Router) Topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	topics := make([]string, 0, len(r.handlers))
	for topic := range r.handlers {
		topics = append(topics, topic)
	}
	return topics
}

// On registers a handler that receives the payload decoded as T.
func On[T any](r *Router, topic string, fn func(ctx context.Context, payload T) error) {
	r.Handle(topic, func(ctx context.Context, msg Message) error {
		var payload T
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return ErrMalformedPayload.WithMessage("%s: %v", topic, err)
		}
		return fn(ctx, payload)
	})
}
