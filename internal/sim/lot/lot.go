// Package lot is a small in-memory household simulation: avatars with needs,
// furniture with interaction menus and a command queue drained once per step.
// It is the world cmd/bridge drives and the one end-to-end tests run against.
package lot

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"

	"simbridge.ai/internal/bridge"
)

const (
	DefaultCommandQueue = 1024

	motiveMin = -100
	motiveMax = 100
)

type InteractionSpec struct {
	ID   int    `yaml:"id"`
	Name string `yaml:"name"`
}

type AvatarSpec struct {
	// AgentID is the bridge-level id; empty means the avatar is not driven.
	AgentID   string         `yaml:"agent_id"`
	PersistID uint32         `yaml:"persist_id"`
	Name      string         `yaml:"name"`
	X         float64        `yaml:"x"`
	Y         float64        `yaml:"y"`
	Level     int            `yaml:"level"`
	Motives   map[string]int `yaml:"motives"`
}

type ObjectSpec struct {
	Name         string            `yaml:"name"`
	X            float64           `yaml:"x"`
	Y            float64           `yaml:"y"`
	Level        int               `yaml:"level"`
	Interactions []InteractionSpec `yaml:"interactions"`
}

// Layout is the initial population of a lot.
type Layout struct {
	Avatars []AvatarSpec `yaml:"avatars"`
	Objects []ObjectSpec `yaml:"objects"`
}

type Config struct {
	CommandQueue int
	// EarshotRadius limits who hears a chat line. 0 means everyone.
	EarshotRadius float64
	// MotiveDecay is subtracted from every avatar need each step.
	MotiveDecay int
}

// ChatSink receives what avatars say. *bridge.ChatLog implements it.
type ChatSink interface {
	Record(text string)
	RecordFor(agentID, text string)
}

type entity struct {
	id        bridge.ObjectID
	name      string
	pos       bridge.Pos
	avatar    bool
	agentID   string
	persistID uint32
	motives   map[bridge.Motive]int
	action    string
	menu      []bridge.Interaction
}

type Stats struct {
	Tick     uint64 `json:"tick"`
	Entities int    `json:"entities"`
	Applied  uint64 `json:"applied"`
	Rejected uint64 `json:"rejected"`
	Dropped  uint64 `json:"dropped"`
	Queued   int    `json:"queued"`
}

// Lot implements bridge.World and bridge.Commands. Reads are safe from any
// goroutine; Step must be called from a single owner goroutine.
type Lot struct {
	cfg  Config
	chat ChatSink

	inbox   chan bridge.Command
	dropped atomic.Uint64

	mu        sync.RWMutex
	tick      uint64
	nextID    bridge.ObjectID
	order     []bridge.ObjectID
	entities  map[bridge.ObjectID]*entity
	byPersist map[uint32]bridge.ObjectID
	applied   uint64
	rejected  uint64
}

func New(cfg Config, chat ChatSink) *Lot {
	if cfg.CommandQueue <= 0 {
		cfg.CommandQueue = DefaultCommandQueue
	}
	return &Lot{
		cfg:       cfg,
		chat:      chat,
		inbox:     make(chan bridge.Command, cfg.CommandQueue),
		entities:  map[bridge.ObjectID]*entity{},
		byPersist: map[uint32]bridge.ObjectID{},
	}
}

// Populate adds every avatar and object of l in order.
func (l *Lot) Populate(layout Layout) error {
	for _, a := range layout.Avatars {
		if _, err := l.AddAvatar(a); err != nil {
			return fmt.Errorf("avatar %q: %w", a.Name, err)
		}
	}
	for _, o := range layout.Objects {
		if _, err := l.AddObject(o); err != nil {
			return fmt.Errorf("object %q: %w", o.Name, err)
		}
	}
	return nil
}

func (l *Lot) AddAvatar(a AvatarSpec) (bridge.ObjectID, error) {
	if a.PersistID == 0 {
		return 0, fmt.Errorf("missing persist_id")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.byPersist[a.PersistID]; ok {
		return 0, fmt.Errorf("duplicate persist_id %d", a.PersistID)
	}
	id, err := l.allocLocked()
	if err != nil {
		return 0, err
	}
	e := &entity{
		id:        id,
		name:      a.Name,
		pos:       bridge.Pos{X: a.X, Y: a.Y, Level: a.Level},
		avatar:    true,
		agentID:   a.AgentID,
		persistID: a.PersistID,
		motives:   map[bridge.Motive]int{},
	}
	for k, v := range a.Motives {
		e.motives[bridge.Motive(k)] = clampMotive(v)
	}
	l.insertLocked(e)
	l.byPersist[a.PersistID] = id
	return id, nil
}

func (l *Lot) AddObject(o ObjectSpec) (bridge.ObjectID, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id, err := l.allocLocked()
	if err != nil {
		return 0, err
	}
	e := &entity{id: id, name: o.Name, pos: bridge.Pos{X: o.X, Y: o.Y, Level: o.Level}}
	for _, it := range o.Interactions {
		e.menu = append(e.menu, bridge.Interaction{ID: it.ID, Name: it.Name})
	}
	l.insertLocked(e)
	return id, nil
}

// Remove takes an entity out of the world. Pending commands for a removed
// avatar are rejected when drained.
func (l *Lot) Remove(id bridge.ObjectID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entities[id]
	if !ok {
		return false
	}
	delete(l.entities, id)
	if e.avatar {
		delete(l.byPersist, e.persistID)
	}
	for i, v := range l.order {
		if v == id {
			l.order = append(l.order[:i:i], l.order[i+1:]...)
			break
		}
	}
	return true
}

// Handles lists the driven avatars in insertion order.
func (l *Lot) Handles() []bridge.AgentHandle {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []bridge.AgentHandle
	for _, id := range l.order {
		e := l.entities[id]
		if e.avatar && e.agentID != "" {
			out = append(out, bridge.AgentHandle{ID: e.agentID, PersistID: e.persistID})
		}
	}
	return out
}

func (l *Lot) Agent(persistID uint32) (bridge.AgentView, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	id, ok := l.byPersist[persistID]
	if !ok {
		return bridge.AgentView{}, false
	}
	e := l.entities[id]
	v := bridge.AgentView{
		ObjectID:      e.id,
		Name:          e.name,
		Pos:           e.pos,
		Avatar:        true,
		Motives:       make(map[bridge.Motive]int, len(e.motives)),
		CurrentAction: e.action,
	}
	for k, m := range e.motives {
		v.Motives[k] = m
	}
	return v, true
}

func (l *Lot) EntitiesNear(center bridge.Pos, r float64) []bridge.Entity {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []bridge.Entity
	for _, id := range l.order {
		e := l.entities[id]
		if math.Hypot(e.pos.X-center.X, e.pos.Y-center.Y) > r {
			continue
		}
		out = append(out, bridge.Entity{ID: e.id, Name: e.name, Pos: e.pos})
	}
	return out
}

func (l *Lot) Interactions(_ uint32, obj bridge.ObjectID) []bridge.Interaction {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.entities[obj]
	if !ok {
		return nil
	}
	return append([]bridge.Interaction(nil), e.menu...)
}

// SendCommand queues cmd for the next Step. It never blocks; when the queue
// is full the command is dropped and counted.
func (l *Lot) SendCommand(cmd bridge.Command) {
	select {
	case l.inbox <- cmd:
	default:
		l.dropped.Add(1)
	}
}

// Step drains the command queue and advances needs by one tick. It returns
// how many commands were applied.
func (l *Lot) Step() int {
	var pending []bridge.Command
drain:
	for {
		select {
		case cmd := <-l.inbox:
			pending = append(pending, cmd)
		default:
			break drain
		}
	}

	type heard struct {
		to   []string
		text string
	}
	var said []heard

	l.mu.Lock()
	l.tick++
	n := 0
	for _, cmd := range pending {
		text, to, ok := l.applyLocked(cmd)
		if !ok {
			l.rejected++
			continue
		}
		l.applied++
		n++
		if text != "" {
			said = append(said, heard{to: to, text: text})
		}
	}
	if l.cfg.MotiveDecay != 0 {
		for _, e := range l.entities {
			for k, v := range e.motives {
				e.motives[k] = clampMotive(v - l.cfg.MotiveDecay)
			}
		}
	}
	l.mu.Unlock()

	// Outside the lock: the chat sink is shared with the snapshot builder.
	if l.chat != nil {
		for _, s := range said {
			if s.to == nil {
				l.chat.Record(s.text)
				continue
			}
			for _, id := range s.to {
				l.chat.RecordFor(id, s.text)
			}
		}
	}
	return n
}

func (l *Lot) applyLocked(cmd bridge.Command) (chat string, to []string, ok bool) {
	id, found := l.byPersist[cmd.Actor()]
	if !found {
		return "", nil, false
	}
	actor := l.entities[id]

	switch c := cmd.(type) {
	case bridge.GotoCmd:
		actor.pos = bridge.Pos{X: float64(c.X) + 0.5, Y: float64(c.Y) + 0.5, Level: c.Level}
		actor.action = "Walking"
		return "", nil, true

	case bridge.ChatCmd:
		msg := strings.TrimSpace(c.Message)
		if msg == "" {
			return "", nil, false
		}
		actor.action = "Talking"
		return fmt.Sprintf("%s: %s", actor.name, msg), l.listenersLocked(actor), true

	case bridge.InteractCmd:
		target, found := l.entities[c.CalleeID]
		if !found {
			return "", nil, false
		}
		for _, it := range target.menu {
			if it.ID == int(c.Interaction) {
				actor.action = it.Name
				return "", nil, true
			}
		}
		return "", nil, false

	default:
		return "", nil, false
	}
}

// listenersLocked returns nil when everyone hears, otherwise the driven
// avatars within earshot (the speaker included).
func (l *Lot) listenersLocked(speaker *entity) []string {
	if l.cfg.EarshotRadius <= 0 {
		return nil
	}
	to := []string{}
	for _, id := range l.order {
		e := l.entities[id]
		if !e.avatar || e.agentID == "" || e.pos.Level != speaker.pos.Level {
			continue
		}
		if math.Hypot(e.pos.X-speaker.pos.X, e.pos.Y-speaker.pos.Y) <= l.cfg.EarshotRadius {
			to = append(to, e.agentID)
		}
	}
	return to
}

func (l *Lot) Tick() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.tick
}

func (l *Lot) Stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return Stats{
		Tick:     l.tick,
		Entities: len(l.entities),
		Applied:  l.applied,
		Rejected: l.rejected,
		Dropped:  l.dropped.Load(),
		Queued:   len(l.inbox),
	}
}

func (l *Lot) allocLocked() (bridge.ObjectID, error) {
	if l.nextID == math.MaxInt16 {
		return 0, fmt.Errorf("object ids exhausted")
	}
	l.nextID++
	return l.nextID, nil
}

func (l *Lot) insertLocked(e *entity) {
	l.entities[e.id] = e
	l.order = append(l.order, e.id)
}

func clampMotive(v int) int {
	if v < motiveMin {
		return motiveMin
	}
	if v > motiveMax {
		return motiveMax
	}
	return v
}
