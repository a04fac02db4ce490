package graph

// EventKind names a structural or property change.
type EventKind string

const (
	NodeAdded   EventKind = "node_added"
	NodeUpdated EventKind = "node_updated"
	NodeRemoved EventKind = "node_removed"
	EdgeAdded   EventKind = "edge_added"
	EdgeRemoved EventKind = "edge_removed"
)

// Event is delivered to subscribers after a mutation has been applied.
type Event struct {
	Kind   EventKind `json:"kind"`
	NodeID string    `json:"nodeId,omitempty"`
	EdgeID string    `json:"edgeId,omitempty"`
}

// Subscriber receives graph events synchronously.
type Subscriber func(Event)

// Subscribe registers fn and returns a function that removes it.
func (g *Graph) Subscribe(fn Subscriber) (cancel func()) {
	id := g.nextSub
	g.nextSub++
	g.subscribers[id] = fn
	return func() {
		delete(g.subscribers, id)
	}
}

func (g *Graph) notify(e Event) {
	for _, fn := range g.subscribers {
		fn(e)
	}
}
