package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"simbridge.ai/internal/brain"
	"simbridge.ai/internal/protocol"
)

type TickState int

const (
	StateIdle TickState = iota
	StateRequesting
)

func (s TickState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateRequesting:
		return "REQUESTING"
	default:
		return fmt.Sprintf("TickState(%d)", int(s))
	}
}

// Thinker is the reasoning service as seen by a coordinator. *brain.Client
// implements it.
type Thinker interface {
	Think(ctx context.Context, req protocol.ThinkRequest) (protocol.Decision, error)
}

// Deps are the collaborators shared by every agent's coordinator.
type Deps struct {
	Builder *Builder
	Brain   Thinker
	Applier *Applier
	Hearing Hearing
	Sink    ResultSink
	Logger  *slog.Logger
}

func (d Deps) validate() error {
	if d.Builder == nil {
		return fmt.Errorf("nil snapshot builder")
	}
	if d.Brain == nil {
		return fmt.Errorf("nil brain client")
	}
	if d.Applier == nil {
		return fmt.Errorf("nil decision applier")
	}
	return nil
}

type CoordinatorStats struct {
	Started   uint64 `json:"started"`
	Dropped   uint64 `json:"dropped"`
	Applied   uint64 `json:"applied"`
	Idle      uint64 `json:"idle"`
	Failed    uint64 `json:"failed"`
	Cancelled uint64 `json:"cancelled"`
}

// Coordinator gates one agent's ticks: at most one reasoning call is
// outstanding, extra ticks are dropped rather than queued, and a decision is
// applied only if its call was not cancelled.
type Coordinator struct {
	handle AgentHandle
	deps   Deps
	log    *slog.Logger

	mu     sync.Mutex
	state  TickState
	closed bool
	cancel context.CancelFunc
	seq    uint64
	done   chan struct{}
	stats  CoordinatorStats
}

func NewCoordinator(h AgentHandle, deps Deps) (*Coordinator, error) {
	if h.ID == "" {
		return nil, fmt.Errorf("empty agent id")
	}
	if err := deps.validate(); err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		handle: h,
		deps:   deps,
		log:    logger.With("agent", h.ID),
	}, nil
}

func (c *Coordinator) Handle() AgentHandle { return c.handle }

func (c *Coordinator) State() TickState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) Stats() CoordinatorStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// TryTick starts a tick unless one is already outstanding or the coordinator
// is closed. It never blocks on the network: the snapshot is built on the
// calling goroutine, the call and the apply run on their own goroutine.
func (c *Coordinator) TryTick(ctx context.Context) bool {
	c.mu.Lock()
	if c.closed || c.state == StateRequesting {
		c.stats.Dropped++
		c.mu.Unlock()
		return false
	}
	if c.cancel != nil {
		c.cancel()
	}
	callCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.state = StateRequesting
	c.seq++
	seq := c.seq
	done := make(chan struct{})
	c.done = done
	c.stats.Started++
	c.mu.Unlock()

	snap, err := c.buildSnapshot()
	if err != nil {
		res := TickResult{AgentID: c.handle.ID, Seq: seq, StartedAt: time.Now()}
		c.settle(callCtx, seq, snap, &res, protocol.Decision{}, err)
		close(done)
		c.report(res)
		return true
	}
	go c.run(callCtx, seq, snap, done)
	return true
}

// Cancel abandons the outstanding call, if any. Whatever that call returns
// is discarded; the coordinator goes back to idle once it has unwound.
func (c *Coordinator) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateRequesting && c.cancel != nil {
		c.cancel()
	}
}

// Close cancels the outstanding call and refuses every later tick.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.cancel != nil {
		c.cancel()
	}
}

// Wait blocks until no call is outstanding or ctx is done.
func (c *Coordinator) Wait(ctx context.Context) error {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) run(ctx context.Context, seq uint64, snap Snapshot, done chan struct{}) {
	defer close(done)

	res := TickResult{
		AgentID:   c.handle.ID,
		Seq:       seq,
		Nearby:    len(snap.Request.NearbyObjects),
		StartedAt: snap.BuiltAt,
	}
	d, err := c.think(ctx, snap)
	c.settle(ctx, seq, snap, &res, d, err)
	c.report(res)
}

func (c *Coordinator) buildSnapshot() (snap Snapshot, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &brain.Error{Code: protocol.ErrInternal, Msg: fmt.Sprintf("build snapshot: %v", r)}
		}
	}()
	var heard []string
	if c.deps.Hearing != nil {
		heard = c.deps.Hearing.Heard(c.handle.ID)
	}
	return c.deps.Builder.Build(c.handle, heard), nil
}

func (c *Coordinator) think(ctx context.Context, snap Snapshot) (d protocol.Decision, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &brain.Error{Code: protocol.ErrInternal, Msg: fmt.Sprintf("think: %v", r)}
		}
	}()
	return c.deps.Brain.Think(ctx, snap.Request)
}

// settle decides the outcome and applies the decision under the lock, so a
// concurrent Cancel either happens before the check (nothing applied) or
// after the apply completed.
func (c *Coordinator) settle(ctx context.Context, seq uint64, snap Snapshot, res *TickResult, d protocol.Decision, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.toIdleLocked(seq)
	defer func() {
		if r := recover(); r != nil {
			res.Outcome = OutcomeFailed
			res.Code = protocol.ErrInternal
			res.Error = fmt.Sprintf("apply: %v", r)
			res.Commands = nil
		}
		c.countLocked(res.Outcome)
		if !res.StartedAt.IsZero() {
			res.DurationMS = float64(time.Since(res.StartedAt).Microseconds()) / 1000
		}
	}()

	switch {
	case ctx.Err() != nil:
		res.Outcome = OutcomeCancelled
		res.Code = protocol.ErrCancelled
	case err != nil:
		res.Outcome = OutcomeFailed
		res.Code = brain.CodeOf(err)
		res.Error = err.Error()
	default:
		res.Action = string(d.Kind())
		res.Thought = d.ThoughtProcess
		cmds := c.deps.Applier.Apply(c.handle, snap.Pos, d)
		if len(cmds) == 0 {
			res.Outcome = OutcomeIdle
			return
		}
		res.Outcome = OutcomeApplied
		for _, cmd := range cmds {
			res.Commands = append(res.Commands, cmd.CommandType())
		}
	}
}

func (c *Coordinator) toIdleLocked(seq uint64) {
	if c.seq != seq {
		return
	}
	c.state = StateIdle
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

func (c *Coordinator) countLocked(o Outcome) {
	switch o {
	case OutcomeApplied:
		c.stats.Applied++
	case OutcomeIdle:
		c.stats.Idle++
	case OutcomeFailed:
		c.stats.Failed++
	case OutcomeCancelled:
		c.stats.Cancelled++
	}
}

func (c *Coordinator) report(res TickResult) {
	switch res.Outcome {
	case OutcomeFailed:
		c.log.Warn("tick failed", "seq", res.Seq, "code", res.Code, "err", res.Error)
	case OutcomeCancelled:
		c.log.Debug("tick cancelled", "seq", res.Seq)
	default:
		c.log.Debug("tick done", "seq", res.Seq, "outcome", res.Outcome, "action", res.Action, "duration_ms", res.DurationMS)
	}
	if c.deps.Sink == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("result sink panicked", "panic", r)
		}
	}()
	c.deps.Sink.ObserveTick(res)
}
