package graph

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// IDGenerator hands out node and edge identifiers for one editing session.
// Each session or graph owns its generator; there is no process-wide counter.
type IDGenerator struct {
	mu      sync.Mutex
	seq     int
	useUUID bool
}

// IDOption configures an IDGenerator
type IDOption func(*IDGenerator)

// WithUUIDs makes the generator suffix IDs with random UUIDs instead of a
// sequence number.
func WithUUIDs() IDOption {
	return func(g *IDGenerator) {
		g.useUUID = true
	}
}

// NewIDGenerator creates a generator starting at sequence 1.
func NewIDGenerator(opts ...IDOption) *IDGenerator {
	g := &IDGenerator{}
	for _, o := range opts {
		o(g)
	}
	return g
}

func (g *IDGenerator) next() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.useUUID {
		return uuid.New().String()
	}
	g.seq++
	return fmt.Sprint(g.seq)
}

// NodeID returns a fresh identifier for a node of type t.
func (g *IDGenerator) NodeID(t OperationType) string {
	return fmt.Sprintf("%s_%s", strings.ToLower(string(t)), g.next())
}

// EdgeID returns a fresh identifier for an edge from source to target.
func (g *IDGenerator) EdgeID(source, target string) string {
	return fmt.Sprintf("e_%s_%s_%s", source, target, g.next())
}
