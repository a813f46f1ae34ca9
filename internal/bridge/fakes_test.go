package bridge

import (
	"context"
	"sync"

	"simbridge.ai/internal/protocol"
)

type fakeWorld struct {
	mu       sync.Mutex
	agents   map[uint32]AgentView
	entities []Entity
	menus    map[ObjectID][]Interaction
}

func newFakeWorld() *fakeWorld {
	return &fakeWorld{
		agents: map[uint32]AgentView{},
		menus:  map[ObjectID][]Interaction{},
	}
}

func (w *fakeWorld) addAgent(pid uint32, v AgentView) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.agents[pid] = v
	w.entities = append(w.entities, Entity{ID: v.ObjectID, Name: v.Name, Pos: v.Pos})
}

func (w *fakeWorld) addObject(e Entity, menu ...Interaction) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entities = append(w.entities, e)
	w.menus[e.ID] = menu
}

func (w *fakeWorld) removeAgent(pid uint32) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.agents, pid)
}

func (w *fakeWorld) Agent(pid uint32) (AgentView, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	v, ok := w.agents[pid]
	return v, ok
}

// EntitiesNear returns everything; the builder applies the cutoff.
func (w *fakeWorld) EntitiesNear(Pos, float64) []Entity {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]Entity(nil), w.entities...)
}

func (w *fakeWorld) Interactions(_ uint32, obj ObjectID) []Interaction {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]Interaction(nil), w.menus[obj]...)
}

type recordedCommands struct {
	mu   sync.Mutex
	cmds []Command
}

func (r *recordedCommands) SendCommand(cmd Command) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cmds = append(r.cmds, cmd)
}

func (r *recordedCommands) all() []Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Command(nil), r.cmds...)
}

type thinkFunc func(ctx context.Context, req protocol.ThinkRequest) (protocol.Decision, error)

func (f thinkFunc) Think(ctx context.Context, req protocol.ThinkRequest) (protocol.Decision, error) {
	return f(ctx, req)
}

// gateThinker blocks every call until release is closed (or the call's
// context ends) and tracks how many calls are in flight.
type gateThinker struct {
	release chan struct{}
	entered chan string

	mu       sync.Mutex
	inflight map[string]int
	maxSeen  map[string]int
	calls    int
	decision protocol.Decision

	// ignoreCancel makes calls succeed on release even after cancellation,
	// like a service that finishes processing anyway.
	ignoreCancel bool
}

func newGateThinker(d protocol.Decision) *gateThinker {
	return &gateThinker{
		release:  make(chan struct{}),
		entered:  make(chan string, 64),
		inflight: map[string]int{},
		maxSeen:  map[string]int{},
		decision: d,
	}
}

func (g *gateThinker) Think(ctx context.Context, req protocol.ThinkRequest) (protocol.Decision, error) {
	g.mu.Lock()
	g.calls++
	g.inflight[req.SimName]++
	if g.inflight[req.SimName] > g.maxSeen[req.SimName] {
		g.maxSeen[req.SimName] = g.inflight[req.SimName]
	}
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		g.inflight[req.SimName]--
		g.mu.Unlock()
	}()

	select {
	case g.entered <- req.SimName:
	default:
	}
	if g.ignoreCancel {
		<-g.release
		return g.decision, nil
	}
	select {
	case <-g.release:
		return g.decision, nil
	case <-ctx.Done():
		return protocol.Decision{}, ctx.Err()
	}
}

func (g *gateThinker) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

type resultCollector struct {
	mu  sync.Mutex
	out []TickResult
	ch  chan TickResult
}

func newResultCollector() *resultCollector {
	return &resultCollector{ch: make(chan TickResult, 64)}
}

func (r *resultCollector) ObserveTick(res TickResult) {
	r.mu.Lock()
	r.out = append(r.out, res)
	r.mu.Unlock()
	select {
	case r.ch <- res:
	default:
	}
}

func strPtr(s string) *string { return &s }
func intPtr(i int) *int       { return &i }
