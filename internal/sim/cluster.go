package sim

import (
	"context"
	"crypto/sha256"
	"fmt"
	"math/rand"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/ferrite-bft/ferrite/internal/consensus"
	"github.com/ferrite-bft/ferrite/internal/types"
)

// seenCacheSize bounds each replica's duplicate-suppression window.
const seenCacheSize = 8192

// ClusterCommit is one replica's commit observation.
type ClusterCommit struct {
	Replica  int
	Height   uint64
	Proposal types.Target
}

// Cluster wires several engines into an in-memory network. Every outbound
// proposal and vote is fanned out to the other replicas; commits are played
// back to the committing replica as the RichStatus and next-height Feed its
// host would produce.
type Cluster struct {
	addrs   []types.Address
	engines []*consensus.Engine
	seen    []*lru.Cache[[32]byte, struct{}]
	source  *BlockSource
	logger  *zap.Logger

	commitCh chan ClusterCommit

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCluster builds n replicas sharing one authority set.
func NewCluster(n int, interval time.Duration, seed int64, logger *zap.Logger) (*Cluster, error) {
	if n < 1 {
		return nil, fmt.Errorf("sim: cluster needs at least one replica, got %d", n)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	rng := rand.New(rand.NewSource(seed))
	addrs := make([]types.Address, n)
	for i := range addrs {
		addrs[i] = GenerateAddress(rng)
	}

	c := &Cluster{
		addrs:    addrs,
		source:   NewBlockSource(seed + 1),
		logger:   logger,
		commitCh: make(chan ClusterCommit, n*16),
	}

	for i := range n {
		engine, err := consensus.NewEngine(consensus.Config{
			LocalAddress:  addrs[i],
			Authorities:   addrs,
			TotalInterval: interval,
			Logger:        logger.Named(fmt.Sprintf("replica-%d", i)),
		})
		if err != nil {
			return nil, err
		}
		seen, err := lru.New[[32]byte, struct{}](seenCacheSize)
		if err != nil {
			return nil, err
		}
		c.engines = append(c.engines, engine)
		c.seen = append(c.seen, seen)
	}

	return c, nil
}

// Start launches every engine and the message routers, then seeds the first
// height's feeds.
func (c *Cluster) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	for i, engine := range c.engines {
		engine.Start(ctx)

		c.wg.Add(1)
		go func(idx int, e *consensus.Engine) {
			defer c.wg.Done()
			c.route(ctx, idx, e)
		}(i, engine)
	}

	for _, engine := range c.engines {
		engine.Submit(&types.Feed{Height: 1, Proposal: c.source.Propose(1)})
	}
}

// Stop tears the cluster down.
func (c *Cluster) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	for _, engine := range c.engines {
		engine.Stop()
	}
	c.wg.Wait()
}

// Commits returns the stream of per-replica commit observations.
func (c *Cluster) Commits() <-chan ClusterCommit {
	return c.commitCh
}

// route pumps one replica's output into the rest of the cluster.
func (c *Cluster) route(ctx context.Context, idx int, engine *consensus.Engine) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-engine.Out():
			switch m := msg.(type) {
			case *types.Commit:
				c.onCommit(ctx, idx, engine, m)
			case *types.Proposal, *types.Vote:
				// Fan out to every replica, the sender included: a replica's
				// own votes count toward its thresholds too.
				for peer := range c.engines {
					c.deliver(peer, msg)
				}
			}
		}
	}
}

// deliver hands a message to one replica, suppressing exact duplicates the
// way a gossip layer would. Without this, the straggler-aid retransmits of
// two caught-up replicas would answer each other forever.
func (c *Cluster) deliver(idx int, msg types.Message) {
	raw, err := types.EncodeMessage(msg)
	if err != nil {
		return
	}
	key := sha256.Sum256(raw)
	if found, _ := c.seen[idx].ContainsOrAdd(key, struct{}{}); found {
		return
	}
	c.engines[idx].Submit(msg)
}

// onCommit reports the commit and plays the host's part for the committing
// replica: acknowledge the height and feed the next one.
func (c *Cluster) onCommit(ctx context.Context, idx int, engine *consensus.Engine, commit *types.Commit) {
	select {
	case c.commitCh <- ClusterCommit{Replica: idx, Height: commit.Height, Proposal: commit.Proposal}:
	case <-ctx.Done():
		return
	}

	engine.Submit(&types.RichStatus{
		Height:        commit.Height,
		AuthorityList: c.addrs,
	})
	engine.Submit(&types.Feed{
		Height:   commit.Height + 1,
		Proposal: c.source.Propose(commit.Height + 1),
	})
}
