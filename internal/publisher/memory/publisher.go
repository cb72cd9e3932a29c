// Package memory keeps published events in process. The memory sink backend
// uses it so a local crawl can be inspected without a broker.
package memory

import (
	"context"
	"strconv"
	"sync"
)

// PublishedMessage captures one publish call.
type PublishedMessage struct {
	ID         string
	Topic      string
	Payload    any
	Attributes map[string]string
}

// Publisher keeps every published payload in order.
type Publisher struct {
	mu       sync.RWMutex
	seq      int
	messages []PublishedMessage
}

// New returns an empty Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish records the message and returns its sequence number as the id.
// Payloads with an Attributes method have their attributes captured, as the
// Pub/Sub publisher does.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	msg := PublishedMessage{Topic: topic, Payload: payload}
	if a, ok := payload.(interface{ Attributes() map[string]string }); ok {
		msg.Attributes = a.Attributes()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	msg.ID = "memory-" + strconv.Itoa(p.seq)
	p.messages = append(p.messages, msg)
	return msg.ID, nil
}

// Messages returns a copy of the recorded publishes in order.
func (p *Publisher) Messages() []PublishedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PublishedMessage, len(p.messages))
	copy(out, p.messages)
	return out
}

// Topic returns the messages published to topic, oldest first.
func (p *Publisher) Topic(topic string) []PublishedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []PublishedMessage
	for _, m := range p.messages {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

// Reset drops every recorded message. Ids keep counting.
func (p *Publisher) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = nil
}
