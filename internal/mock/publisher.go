// Package mock provides test doubles shared across packages. The paper
// broker in internal/broker covers broker-side scripting; this package holds
// the rest.
package mock

import "sync"

// Event is one captured Publish call.
type Event struct {
	Type string
	Data interface{}
}

// Publisher implements core.IEventPublisher and records every event.
type Publisher struct {
	mu     sync.Mutex
	events []Event
}

// NewPublisher creates an empty capturing publisher.
func NewPublisher() *Publisher {
	return &Publisher{}
}

// Publish records the event.
func (p *Publisher) Publish(eventType string, data interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, Event{Type: eventType, Data: data})
}

// Events returns a copy of everything published so far.
func (p *Publisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}

// EventsOfType filters the captured events by type.
func (p *Publisher) EventsOfType(eventType string) []Event {
	var out []Event
	for _, ev := range p.Events() {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}
