// Package node binds the consensus engine to its host-side collaborators:
// the write-ahead log, the transport, metrics exposition and the feed source.
package node

import (
	"context"
	"crypto/sha256"
	"errors"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/ferrite-bft/ferrite/internal/config"
	"github.com/ferrite-bft/ferrite/internal/consensus"
	"github.com/ferrite-bft/ferrite/internal/telemetry"
	"github.com/ferrite-bft/ferrite/internal/types"
	"github.com/ferrite-bft/ferrite/internal/wal"
)

// seenCacheSize bounds the duplicate-suppression cache. Duplicates past the
// window are caught again by the engine's voter deduplication.
const seenCacheSize = 4096

// Transport delivers engine output to the rest of the network. The node does
// not care how: loopback, simulation, or a real wire.
type Transport interface {
	Deliver(msg types.Message) error
}

// FeedSource supplies candidate proposal content per height.
type FeedSource interface {
	Propose(height uint64) types.Target
}

// Options collects the collaborators a Node is built from.
type Options struct {
	Config       *config.Config
	LocalAddress types.Address
	Authorities  []types.Address
	Transport    Transport
	FeedSource   FeedSource

	// DevMode turns each Commit into the RichStatus and next-height Feed a
	// real host would produce, so a standalone replica keeps making blocks.
	DevMode bool

	Logger  *zap.Logger
	Metrics *telemetry.Metrics
}

// Node is the running replica.
type Node struct {
	cfg         *config.Config
	engine      *consensus.Engine
	log         *wal.WAL
	seen        *lru.Cache[[32]byte, struct{}]
	transport   Transport
	feeds       FeedSource
	authorities []types.Address
	dev         bool

	logger  *zap.Logger
	metrics *telemetry.Metrics

	metricsServer *telemetry.MetricsServer
	commitCh      chan *types.Commit

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New assembles a node. The engine is created but not started.
func New(opts Options) (*Node, error) {
	if opts.Config == nil {
		return nil, errors.New("node: config required")
	}
	if len(opts.LocalAddress) == 0 {
		return nil, errors.New("node: local address required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NopMetrics()
	}

	engine, err := consensus.NewEngine(consensus.Config{
		LocalAddress:    opts.LocalAddress,
		Authorities:     opts.Authorities,
		TotalInterval:   opts.Config.Consensus.TotalInterval.Duration,
		ChannelCapacity: opts.Config.Consensus.ChannelCapacity,
		Logger:          logger.Named("consensus"),
		Metrics:         metrics,
	})
	if err != nil {
		return nil, err
	}

	seen, err := lru.New[[32]byte, struct{}](seenCacheSize)
	if err != nil {
		return nil, err
	}

	n := &Node{
		cfg:         opts.Config,
		engine:      engine,
		seen:        seen,
		transport:   opts.Transport,
		feeds:       opts.FeedSource,
		authorities: opts.Authorities,
		dev:         opts.DevMode,
		logger:      logger,
		metrics:     metrics,
		commitCh:    make(chan *types.Commit, 16),
	}

	if opts.Config.Telemetry.Enabled {
		n.metricsServer = telemetry.NewMetricsServer(opts.Config.Telemetry.Addr, metrics, logger.Named("telemetry"))
	}

	return n, nil
}

// Start opens the WAL and launches the engine and the output pump.
func (n *Node) Start(ctx context.Context) error {
	log, err := wal.Open(n.cfg.WAL.Path)
	if err != nil {
		return err
	}
	n.log = log

	ctx, cancel := context.WithCancel(ctx)
	n.cancel = cancel

	n.engine.Start(ctx)

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.outLoop(ctx)
	}()

	if n.metricsServer != nil {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			if err := n.metricsServer.Start(); err != nil {
				n.logger.Error("metrics server failed", zap.Error(err))
			}
		}()
	}

	if n.dev {
		n.seedDevHeight(1)
	}

	n.logger.Info("node started",
		zap.String("moniker", n.cfg.Moniker),
		zap.Int("authorities", len(n.authorities)),
		zap.Bool("dev", n.dev),
	)
	return nil
}

// Stop shuts everything down in reverse start order.
func (n *Node) Stop() error {
	if n.cancel != nil {
		n.cancel()
	}
	if n.metricsServer != nil {
		_ = n.metricsServer.Stop()
	}
	n.engine.Stop()
	n.wg.Wait()
	if n.log != nil {
		return n.log.Close()
	}
	return nil
}

// Commits returns the channel of committed values.
func (n *Node) Commits() <-chan *types.Commit {
	return n.commitCh
}

// Submit records an inbound message and hands it to the engine. Exact
// duplicates within the dedup window are dropped before the engine sees them.
func (n *Node) Submit(msg types.Message) {
	payload, err := types.EncodeMessage(msg)
	if err != nil {
		n.logger.Warn("drop unencodable message", zap.Error(err))
		return
	}

	key := sha256.Sum256(payload)
	if found, _ := n.seen.ContainsOrAdd(key, struct{}{}); found {
		return
	}

	if err := n.log.Append(msg); err != nil {
		n.logger.Error("wal append failed", zap.Error(err))
	} else {
		n.metrics.WALAppends.Inc()
	}

	n.engine.Submit(msg)
}

func (n *Node) outLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-n.engine.Out():
			switch m := msg.(type) {
			case *types.Commit:
				n.handleCommit(m)
			default:
				// The replica's own proposals and votes count too: echo them
				// back before gossiping.
				n.Submit(msg)
				if n.transport == nil {
					continue
				}
				if err := n.transport.Deliver(msg); err != nil {
					n.logger.Warn("transport deliver failed", zap.Error(err))
				}
			}
		}
	}
}

func (n *Node) handleCommit(c *types.Commit) {
	n.logger.Info("height committed",
		zap.Uint64("height", c.Height),
		zap.Stringer("proposal", c.Proposal),
		zap.Int("lock_votes", len(c.LockVotes)),
	)

	if err := n.log.SaveState(c.Height+1, 0, types.StepPropose); err != nil {
		n.logger.Error("wal state save failed", zap.Error(err))
	}
	if err := n.log.Prune(c.Height); err != nil {
		n.logger.Error("wal prune failed", zap.Error(err))
	}

	select {
	case n.commitCh <- c:
	default:
		// No subscriber keeping up; commits are observable via the WAL.
	}

	if n.dev {
		n.engine.Submit(&types.RichStatus{
			Height:        c.Height,
			AuthorityList: n.authorities,
		})
		n.seedDevHeight(c.Height + 1)
	}
}

// seedDevHeight feeds a generated candidate for the given height.
func (n *Node) seedDevHeight(height uint64) {
	if n.feeds == nil {
		return
	}
	n.engine.Submit(&types.Feed{
		Height:   height,
		Proposal: n.feeds.Propose(height),
	})
}
