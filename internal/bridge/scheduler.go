package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const DefaultThinkEvery = 3 * time.Second

type SchedulerConfig struct {
	ThinkEvery time.Duration
}

type SchedulerStats struct {
	Agents       int    `json:"agents"`
	Passes       uint64 `json:"passes"`
	TicksStarted uint64 `json:"ticks_started"`
	TicksDropped uint64 `json:"ticks_dropped"`
}

// Scheduler drives every registered agent on a shared think cadence.
// Advance is meant to be called from the simulation step; it never waits for
// a reasoning call to finish.
type Scheduler struct {
	cfg  SchedulerConfig
	deps Deps
	log  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	accum  time.Duration
	order  []string
	agents map[string]*Coordinator
	closed bool
	stats  SchedulerStats
}

func NewScheduler(cfg SchedulerConfig, deps Deps) (*Scheduler, error) {
	if cfg.ThinkEvery <= 0 {
		cfg.ThinkEvery = DefaultThinkEvery
	}
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:    cfg,
		deps:   deps,
		log:    deps.Logger,
		ctx:    ctx,
		cancel: cancel,
		agents: map[string]*Coordinator{},
	}, nil
}

func (s *Scheduler) ThinkEvery() time.Duration { return s.cfg.ThinkEvery }

func (s *Scheduler) Register(h AgentHandle) error {
	c, err := NewCoordinator(h, s.deps)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("scheduler closed")
	}
	if _, ok := s.agents[h.ID]; ok {
		return fmt.Errorf("agent already registered: %s", h.ID)
	}
	s.agents[h.ID] = c
	s.order = append(s.order, h.ID)
	s.log.Info("agent registered", "agent", h.ID, "persist_id", h.PersistID)
	return nil
}

// Unregister removes an agent. An outstanding call is cancelled and its
// result discarded.
func (s *Scheduler) Unregister(id string) bool {
	s.mu.Lock()
	c, ok := s.agents[id]
	if ok {
		delete(s.agents, id)
		for i, v := range s.order {
			if v == id {
				s.order = append(s.order[:i:i], s.order[i+1:]...)
				break
			}
		}
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	c.Close()
	if f, ok := s.deps.Hearing.(interface{ Forget(string) }); ok {
		f.Forget(id)
	}
	s.log.Info("agent unregistered", "agent", id)
	return true
}

func (s *Scheduler) Coordinator(id string) (*Coordinator, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.agents[id]
	return c, ok
}

// Agents lists registered agents in registration order.
func (s *Scheduler) Agents() []AgentHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AgentHandle, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.agents[id].Handle())
	}
	return out
}

// Advance accumulates dt; once a full think interval has elapsed it resets
// the accumulator and attempts one tick per agent. It returns how many ticks
// were started.
func (s *Scheduler) Advance(dt time.Duration) int {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0
	}
	if dt > 0 {
		s.accum += dt
	}
	if s.accum < s.cfg.ThinkEvery {
		s.mu.Unlock()
		return 0
	}
	s.accum = 0
	s.stats.Passes++
	coords := make([]*Coordinator, 0, len(s.order))
	for _, id := range s.order {
		coords = append(coords, s.agents[id])
	}
	s.mu.Unlock()

	started, dropped := 0, 0
	for _, c := range coords {
		if c.TryTick(s.ctx) {
			started++
		} else {
			dropped++
		}
	}

	s.mu.Lock()
	s.stats.TicksStarted += uint64(started)
	s.stats.TicksDropped += uint64(dropped)
	s.mu.Unlock()
	if dropped > 0 {
		s.log.Debug("think pass", "started", started, "dropped", dropped)
	}
	return started
}

// Run feeds Advance from a ticker using monotonic elapsed time, for hosts
// without a game loop of their own. It returns when ctx is done.
func (s *Scheduler) Run(ctx context.Context, step time.Duration) error {
	if step <= 0 {
		return fmt.Errorf("non-positive step: %s", step)
	}
	t := time.NewTicker(step)
	defer t.Stop()
	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-t.C:
			s.Advance(now.Sub(last))
			last = now
		}
	}
}

func (s *Scheduler) Stats() SchedulerStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Agents = len(s.agents)
	return st
}

// Close cancels every outstanding call and stops accepting ticks and
// registrations. Use Wait to let the cancelled calls unwind.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	coords := make([]*Coordinator, 0, len(s.agents))
	for _, c := range s.agents {
		coords = append(coords, c)
	}
	s.mu.Unlock()

	s.cancel()
	for _, c := range coords {
		c.Close()
	}
}

// Wait blocks until no registered agent has an outstanding call.
func (s *Scheduler) Wait(ctx context.Context) error {
	s.mu.Lock()
	coords := make([]*Coordinator, 0, len(s.agents))
	for _, c := range s.agents {
		coords = append(coords, c)
	}
	s.mu.Unlock()
	for _, c := range coords {
		if err := c.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}
