package consensus

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ferrite-bft/ferrite/internal/telemetry"
	"github.com/ferrite-bft/ferrite/internal/types"
	"go.uber.org/zap"
)

const (
	initHeight uint64 = 1
	initRound  uint64 = 0

	// Cap on the propose-wait backoff exponent. The cap is on the exponent,
	// not the resulting duration.
	maxProposeBackoffExp uint64 = 10

	// Retransmit interval multiplier for the prevote and precommit steps.
	retransmitMultiple = 15

	defaultChannelCapacity = 1024
	timerChannelCapacity   = 64
)

// Config holds construction parameters for the consensus engine.
type Config struct {
	// LocalAddress is this replica's authority identity.
	LocalAddress types.Address

	// Authorities optionally seeds the authority set so the first round can
	// start without waiting for a RichStatus. Later RichStatus messages
	// replace it.
	Authorities []types.Address

	// TotalInterval is the block interval the phase timers derive from.
	// Zero selects DefaultTotalInterval.
	TotalInterval time.Duration

	// ChannelCapacity sizes the host-facing channels. Zero selects a
	// generous default; the protocol treats them as effectively unbounded.
	ChannelCapacity int

	Logger  *zap.Logger
	Metrics *telemetry.Metrics
}

// Engine is the consensus state machine. All mutable state below is owned by
// the event-loop goroutine; the host talks to it exclusively through Submit
// and Out.
type Engine struct {
	msgCh       chan types.Message
	outCh       chan types.Message
	timerSet    chan TimeoutInfo
	timerNotify chan TimeoutInfo

	height uint64
	round  uint64
	step   types.Step

	// feed is the latest host-supplied candidate for this height.
	feed     *types.Feed
	proposal types.Target
	votes    *VoteCollector
	lock     *types.LockStatus

	// Retained across exactly one height boundary to serve late voters.
	lastCommitRound    *uint64
	lastCommitProposal types.Target

	authorityList []types.Address
	htime         time.Time

	params  *Params
	logger  *zap.Logger
	metrics *telemetry.Metrics

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine creates an engine at the initial height and round.
func NewEngine(cfg Config) (*Engine, error) {
	if len(cfg.LocalAddress) == 0 {
		return nil, errors.New("consensus: local address required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = telemetry.NopMetrics()
	}
	capacity := cfg.ChannelCapacity
	if capacity <= 0 {
		capacity = defaultChannelCapacity
	}

	params := NewParams(cfg.LocalAddress)
	params.Timer.SetTotalInterval(cfg.TotalInterval)

	return &Engine{
		msgCh:       make(chan types.Message, capacity),
		outCh:       make(chan types.Message, capacity),
		timerSet:    make(chan TimeoutInfo, timerChannelCapacity),
		timerNotify: make(chan TimeoutInfo, timerChannelCapacity),

		height:        initHeight,
		round:         initRound,
		step:          types.StepPropose,
		votes:         NewVoteCollector(),
		authorityList: cfg.Authorities,
		htime:         time.Now(),

		params:  params,
		logger:  logger,
		metrics: metrics,
	}, nil
}

// Start launches the timer worker and the event loop.
func (e *Engine) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		NewWaitTimer(e.timerSet, e.timerNotify).Start(ctx)
	}()
	go func() {
		defer e.wg.Done()
		e.eventLoop(ctx)
	}()
}

// Stop terminates both goroutines and waits for them to exit.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

// Submit queues a host message for the engine. It reports whether the
// message was accepted; a full channel drops it, matching the best-effort
// delivery model.
func (e *Engine) Submit(msg types.Message) bool {
	select {
	case e.msgCh <- msg:
		return true
	default:
		e.logger.Warn("inbound channel full, dropping message")
		return false
	}
}

// Out returns the channel carrying outbound proposals, votes and commits.
func (e *Engine) Out() <-chan types.Message {
	return e.outCh
}

func (e *Engine) eventLoop(ctx context.Context) {
	if len(e.authorityList) > 0 {
		e.newRoundStart()
	}

	for {
		select {
		case ti := <-e.timerNotify:
			e.timeoutProcess(ti)
		case msg := <-e.msgCh:
			e.process(msg)
		case <-ctx.Done():
			return
		}
	}
}

// aboveThreshold reports whether count is more than two thirds of the
// authority set at the current height.
func (e *Engine) aboveThreshold(count int) bool {
	return count*3 > len(e.authorityList)*2
}

// allVoted reports whether every authority has voted.
func (e *Engine) allVoted(count int) bool {
	return count == len(e.authorityList)
}

func (e *Engine) changeStep(step types.Step) {
	e.step = step
}

func (e *Engine) gotoNextRound() {
	e.logger.Debug("goto next round", zap.Uint64("round", e.round+1))
	e.round++
	e.metrics.ConsensusRound.Set(float64(e.round))
}

func (e *Engine) gotoNewHeight(height uint64) {
	e.cleanSaveInfo()
	e.votes.Prune(height)
	e.height = height
	e.round = initRound
	e.htime = time.Now()
	e.metrics.ConsensusHeight.Set(float64(e.height))
	e.metrics.ConsensusRound.Set(float64(e.round))
}

// cleanSaveInfo drops all per-height state ahead of a height change.
func (e *Engine) cleanSaveInfo() {
	e.proposal = nil
	e.lock = nil
	e.votes.ClearPrevoteCount()
	e.authorityList = nil
}

// setTimer schedules a timeout for the current (height, round) at the given
// step. Stale timers are filtered on receipt, never cancelled.
func (e *Engine) setTimer(d time.Duration, step types.Step) {
	e.timerSet <- TimeoutInfo{
		Deadline: time.Now().Add(d),
		Height:   e.height,
		Round:    e.round,
		Step:     step,
	}
}

// send hands a message to the host. Sends are best-effort: a full channel
// means the host is gone or wedged, and blocking the event loop would not
// help it.
func (e *Engine) send(msg types.Message) {
	select {
	case e.outCh <- msg:
	default:
		e.metrics.MessagesDropped.Inc()
		e.logger.Warn("outbound channel full, dropping message")
	}
}

// proposeWaitDuration is the propose-wait backoff for the current round:
// the propose base doubled per round, exponent capped.
func (e *Engine) proposeWaitDuration() time.Duration {
	coef := e.round
	if coef > maxProposeBackoffExp {
		coef = maxProposeBackoffExp
	}
	return e.params.Timer.Propose() * time.Duration(uint64(1)<<coef)
}

// roundGELastCommit mirrors the straggler check: true when no commit has
// been recorded yet, or when round is at least the last commit round.
func (e *Engine) roundGELastCommit(round uint64) bool {
	return e.lastCommitRound == nil || round >= *e.lastCommitRound
}
