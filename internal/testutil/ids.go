package testutil

import (
	"fmt"
	"sync"
)

// SequentialIDs generates predictable session ids: "<prefix>-0001",
// "<prefix>-0002", ...
//
// Same-prefix generators yield identical sequences, which keeps batch
// directories and event logs stable across test runs.
type SequentialIDs struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequentialIDs returns a generator. An empty prefix means "session".
func NewSequentialIDs(prefix string) *SequentialIDs {
	if prefix == "" {
		prefix = "session"
	}
	return &SequentialIDs{prefix: prefix}
}

// Generate returns the next id.
func (g *SequentialIDs) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%04d", g.prefix, g.n)
}
