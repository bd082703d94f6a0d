// Package memory keeps completion events in process for local runs and tests.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// DefaultRetain is how many events a Publisher keeps when no limit is given.
const DefaultRetain = 1024

// Message is one recorded publish. Data holds the JSON a broker would receive.
type Message struct {
	ID      string
	Topic   string
	Payload any
	Data    []byte
}

// Publisher records events in a bounded buffer; the oldest are dropped first.
type Publisher struct {
	mu     sync.RWMutex
	retain int
	seq    int
	log    []Message
}

// New returns a Publisher that keeps at most retain events.
func New(retain int) *Publisher {
	if retain <= 0 {
		retain = DefaultRetain
	}
	return &Publisher{retain: retain}
}

// Publish encodes payload and records it under topic.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode event for %s: %w", topic, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	msg := Message{ID: fmt.Sprintf("memory-%d", p.seq), Topic: topic, Payload: payload, Data: data}
	if len(p.log) == p.retain {
		copy(p.log, p.log[1:])
		p.log = p.log[:len(p.log)-1]
	}
	p.log = append(p.log, msg)
	return msg.ID, nil
}

// Messages returns a copy of the retained events, oldest first. An empty
// topic matches every event.
func (p *Publisher) Messages(topic string) []Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Message, 0, len(p.log))
	for _, m := range p.log {
		if topic == "" || m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}
