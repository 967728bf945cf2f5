// Package sim provides the simulation building blocks used by the cluster
// tests and the dev-mode feed source: random candidate blocks, random
// authority addresses, and network delay/loss dice.
package sim

import (
	"math/rand"
	"sync"
	"time"

	"github.com/ferrite-bft/ferrite/internal/types"
)

const (
	// Candidate block sizing. The first byte marks byzantine content.
	minBlockSize = 32
	maxBlockSize = 1024

	addressSize = 20

	minDelay = 2 * time.Millisecond
	maxDelay = 40 * time.Millisecond
)

// BlockSource generates random candidate blocks. It is safe for concurrent
// use and implements the node's feed-source interface.
type BlockSource struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewBlockSource returns a source seeded deterministically.
func NewBlockSource(seed int64) *BlockSource {
	return &BlockSource{rng: rand.New(rand.NewSource(seed))}
}

// Propose returns a fresh candidate block for the given height.
func (s *BlockSource) Propose(_ uint64) types.Target {
	s.mu.Lock()
	defer s.mu.Unlock()
	return generateBlock(s.rng, false)
}

// ProposeByzantine returns a candidate carrying the byzantine marker.
func (s *BlockSource) ProposeByzantine(_ uint64) types.Target {
	s.mu.Lock()
	defer s.mu.Unlock()
	return generateBlock(s.rng, true)
}

// generateBlock builds [marker, random tag, payload...]. Marker zero means an
// honest block.
func generateBlock(rng *rand.Rand, byzantine bool) types.Target {
	size := minBlockSize + rng.Intn(maxBlockSize-minBlockSize)
	block := make(types.Target, size)
	rng.Read(block)

	if byzantine {
		block[0] = 1
	} else {
		block[0] = 0
	}
	return block
}

// CheckBlock reports whether a committed block is honest.
func CheckBlock(b types.Target) bool {
	return len(b) > 0 && b[0] == 0
}

// GenerateAddress returns a random authority address.
func GenerateAddress(rng *rand.Rand) types.Address {
	addr := make(types.Address, addressSize)
	rng.Read(addr)
	return addr
}

// MessageDelay returns a random transit delay within the simulated network's
// bounds.
func MessageDelay(rng *rand.Rand) time.Duration {
	return minDelay + time.Duration(rng.Int63n(int64(maxDelay-minDelay)))
}

// IsMessageLost rolls the loss dice with the given probability.
func IsMessageLost(rng *rand.Rand, lossRate float64) bool {
	return rng.Float64() < lossRate
}
