package liveserver

// HubPublisher fans execution events out to WebSocket clients. Broadcast is
// non-blocking, so a slow dashboard can never stall the execution path.
type HubPublisher struct {
	hub *Hub
}

// NewHubPublisher wraps a hub as an event sink.
func NewHubPublisher(hub *Hub) *HubPublisher {
	return &HubPublisher{hub: hub}
}

// Publish broadcasts one event to every connected client.
func (p *HubPublisher) Publish(eventType string, data interface{}) {
	p.hub.Broadcast(Message{Type: eventType, Data: data})
}
