package idgen

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Generator mints UUID v4 strings for confirmation ids and credential ids.
type Generator interface {
	UUIDv4() string
}

type randomGenerator struct{}

// NewRandomGenerator returns the production generator backed by the
// platform CSPRNG.
func NewRandomGenerator() Generator {
	return &randomGenerator{}
}

func (randomGenerator) UUIDv4() string {
	return uuid.NewString()
}

// SequenceGenerator hands out a fixed list of ids in order and then panics,
// which is what a test wants when it runs out of pinned values.
type SequenceGenerator struct {
	mu  sync.Mutex
	ids []string
	n   int
}

func NewSequenceGenerator(ids ...string) *SequenceGenerator {
	return &SequenceGenerator{ids: ids}
}

func (g *SequenceGenerator) UUIDv4() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.n >= len(g.ids) {
		panic(fmt.Sprintf("sequence generator exhausted after %d ids", len(g.ids)))
	}

	id := g.ids[g.n]
	g.n++
	return id
}
