package bridge

import (
	"math"
)

// ObjectID identifies a simulation entity (16-bit, as the simulation assigns them).
type ObjectID int16

// Pos is a world position. X/Y are planar tile coordinates, Level is the floor.
type Pos struct {
	X     float64
	Y     float64
	Level int
}

// Tile returns the tile containing p.
func (p Pos) Tile() (x, y int) {
	return int(math.Floor(p.X)), int(math.Floor(p.Y))
}

func planarDistance(a, b Pos) float64 {
	return math.Hypot(a.X-b.X, a.Y-b.Y)
}

// AgentHandle identifies one controllable agent. ID is the bridge-level key,
// PersistID the simulation's persistent actor id.
type AgentHandle struct {
	ID        string `json:"id" yaml:"id"`
	PersistID uint32 `json:"persist_id" yaml:"persist_id"`
}

type Motive string

const (
	MotiveHunger  Motive = "Hunger"
	MotiveEnergy  Motive = "Energy"
	MotiveComfort Motive = "Comfort"
	MotiveHygiene Motive = "Hygiene"
	MotiveBladder Motive = "Bladder"
	MotiveRoom    Motive = "Room"
	MotiveSocial  Motive = "Social"
	MotiveFun     Motive = "Fun"
)

// MotiveCategories is the fixed set of needs reported for avatar agents.
var MotiveCategories = []Motive{
	MotiveHunger,
	MotiveEnergy,
	MotiveComfort,
	MotiveHygiene,
	MotiveBladder,
	MotiveRoom,
	MotiveSocial,
	MotiveFun,
}

// AgentView is what the simulation reports about one agent.
type AgentView struct {
	ObjectID      ObjectID
	Name          string
	Pos           Pos
	Avatar        bool
	Motives       map[Motive]int
	CurrentAction string
}

type Entity struct {
	ID   ObjectID
	Name string
	Pos  Pos
}

// Interaction is one entry of an object's interaction menu.
type Interaction struct {
	ID   int
	Name string
}

// World is the read side of the simulation. Implementations must be safe to
// call from the goroutine that drives Scheduler.Advance.
type World interface {
	// Agent resolves an agent by persistent id; ok=false once it left the world.
	Agent(persistID uint32) (AgentView, bool)
	// EntitiesNear enumerates entities within r of center in a stable order.
	// The result may include entities at or slightly beyond r.
	EntitiesNear(center Pos, r float64) []Entity
	// Interactions lists what actor can currently do with obj.
	Interactions(actor uint32, obj ObjectID) []Interaction
}

// Commands is the write side of the simulation: a fire-and-forget command
// queue. SendCommand must not block and must be safe for concurrent use.
type Commands interface {
	SendCommand(cmd Command)
}

type Command interface {
	Actor() uint32
	CommandType() string
}

type ChatCmd struct {
	ActorUID uint32
	Message  string
}

type GotoCmd struct {
	ActorUID uint32
	X        int
	Y        int
	Level    int
}

type InteractCmd struct {
	ActorUID    uint32
	CalleeID    ObjectID
	Interaction uint16
}

func (c ChatCmd) Actor() uint32       { return c.ActorUID }
func (c ChatCmd) CommandType() string { return "chat" }

func (c GotoCmd) Actor() uint32       { return c.ActorUID }
func (c GotoCmd) CommandType() string { return "goto" }

func (c InteractCmd) Actor() uint32       { return c.ActorUID }
func (c InteractCmd) CommandType() string { return "interact" }
