package bridge

import (
	"fmt"
	"strconv"
	"time"

	"simbridge.ai/internal/protocol"
)

const (
	DefaultNearbyRadius  = 8.0
	DefaultMaxRecentChat = 10

	defaultCurrentAction = "IDLE"
)

type SnapshotConfig struct {
	// Radius is the exclusive cutoff for nearby objects.
	Radius        float64
	MaxRecentChat int
	Now           func() time.Time
}

// Snapshot is built fresh every tick and never mutated after it is handed to
// the reasoning client.
type Snapshot struct {
	Agent    AgentHandle
	Pos      Pos
	Resolved bool
	Request  protocol.ThinkRequest
	BuiltAt  time.Time
}

type Builder struct {
	world   World
	radius  float64
	maxChat int
	now     func() time.Time
}

func NewBuilder(w World, cfg SnapshotConfig) *Builder {
	if cfg.Radius <= 0 {
		cfg.Radius = DefaultNearbyRadius
	}
	if cfg.MaxRecentChat <= 0 {
		cfg.MaxRecentChat = DefaultMaxRecentChat
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Builder{world: w, radius: cfg.Radius, maxChat: cfg.MaxRecentChat, now: cfg.Now}
}

func (b *Builder) Radius() float64 { return b.radius }

// Build reads the agent's local state. heard is the communication history the
// caller wants the agent to see; only the newest MaxRecentChat lines are kept.
func (b *Builder) Build(h AgentHandle, heard []string) Snapshot {
	snap := Snapshot{
		Agent:   h,
		BuiltAt: b.now(),
		Request: protocol.ThinkRequest{
			SimName:       fmt.Sprintf("Sim#%d", h.PersistID),
			NearbyObjects: []protocol.ObjectInfo{},
			RecentChat:    b.recentChat(heard),
			CurrentAction: defaultCurrentAction,
		},
	}

	self, ok := b.world.Agent(h.PersistID)
	if !ok {
		// Agent left the world: degraded snapshot at the origin, nothing nearby.
		return snap
	}
	snap.Resolved = true
	snap.Pos = self.Pos
	if self.Name != "" {
		snap.Request.SimName = self.Name
	}
	if self.CurrentAction != "" {
		snap.Request.CurrentAction = self.CurrentAction
	}
	if self.Avatar {
		snap.Request.Motives = make(map[string]int, len(MotiveCategories))
		for _, m := range MotiveCategories {
			snap.Request.Motives[string(m)] = self.Motives[m]
		}
	}

	for _, e := range b.world.EntitiesNear(self.Pos, b.radius) {
		if e.ID == self.ObjectID {
			continue
		}
		dist := planarDistance(self.Pos, e.Pos)
		if dist >= b.radius {
			continue
		}
		info := protocol.ObjectInfo{
			GUID:         strconv.Itoa(int(e.ID)),
			Name:         e.Name,
			Distance:     dist,
			Interactions: []protocol.InteractionInfo{},
		}
		if info.Name == "" {
			info.Name = fmt.Sprintf("Object#%d", e.ID)
		}
		for _, it := range b.world.Interactions(h.PersistID, e.ID) {
			name := it.Name
			if name == "" {
				name = "Unknown"
			}
			info.Interactions = append(info.Interactions, protocol.InteractionInfo{ID: it.ID, Name: name})
		}
		snap.Request.NearbyObjects = append(snap.Request.NearbyObjects, info)
	}
	return snap
}

func (b *Builder) recentChat(heard []string) []string {
	if len(heard) > b.maxChat {
		heard = heard[len(heard)-b.maxChat:]
	}
	out := make([]string, len(heard))
	copy(out, heard)
	return out
}
