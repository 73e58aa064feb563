package testutil

import (
	"strconv"
	"sync"
)

// SequenceTokens generates "<prefix>-1", "<prefix>-2", ... without end.
//
// Unlike engine.FixedGenerator it never runs out, which suits scenarios
// whose request count is not known up front.
//
// Thread-safety: safe for concurrent use via internal mutex.
type SequenceTokens struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequenceTokens creates a generator. An empty prefix selects "req".
func NewSequenceTokens(prefix string) *SequenceTokens {
	if prefix == "" {
		prefix = "req"
	}
	return &SequenceTokens{prefix: prefix}
}

// Generate returns the next token.
//
// Implements engine.TokenGenerator.
func (g *SequenceTokens) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return g.prefix + "-" + strconv.Itoa(g.n)
}

// Reset restarts the sequence at 1.
func (g *SequenceTokens) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n = 0
}
