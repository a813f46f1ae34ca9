package bridge

import (
	"math"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"simbridge.ai/internal/protocol"
)

const DefaultWanderRadius = 2

type ApplyConfig struct {
	// WanderOnEmptyMove turns a MOVE without coordinates into a small random
	// step around the agent instead of a no-op.
	WanderOnEmptyMove bool
	WanderRadius      int
	// MaxSpeechRunes clamps chat text; 0 means unlimited.
	MaxSpeechRunes int
	Seed           int64
}

// Applier turns decisions into simulation commands. It never waits for the
// simulation to acknowledge a command.
type Applier struct {
	cmds Commands
	cfg  ApplyConfig

	mu  sync.Mutex
	rng *rand.Rand
}

func NewApplier(cmds Commands, cfg ApplyConfig) *Applier {
	if cfg.WanderRadius <= 0 {
		cfg.WanderRadius = DefaultWanderRadius
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	return &Applier{
		cmds: cmds,
		cfg:  cfg,
		rng:  rand.New(rand.NewSource(cfg.Seed)),
	}
}

// Apply issues the commands for d on behalf of h, standing at at (the
// position captured when the snapshot was built). It returns what was sent.
func (a *Applier) Apply(h AgentHandle, at Pos, d protocol.Decision) []Command {
	cmd, ok := a.command(h, at, d)
	if !ok {
		return nil
	}
	a.cmds.SendCommand(cmd)
	return []Command{cmd}
}

func (a *Applier) command(h AgentHandle, at Pos, d protocol.Decision) (Command, bool) {
	switch d.Kind() {
	case protocol.ActionChat:
		if d.SpeechText == nil {
			return nil, false
		}
		text := strings.TrimSpace(*d.SpeechText)
		if text == "" {
			return nil, false
		}
		return ChatCmd{ActorUID: h.PersistID, Message: clampRunes(text, a.cfg.MaxSpeechRunes)}, true

	case protocol.ActionMove:
		if d.MoveTo != nil {
			return GotoCmd{ActorUID: h.PersistID, X: d.MoveTo.X, Y: d.MoveTo.Y, Level: at.Level}, true
		}
		if !a.cfg.WanderOnEmptyMove {
			return nil, false
		}
		x, y := at.Tile()
		dx, dy := a.wanderStep()
		return GotoCmd{ActorUID: h.PersistID, X: x + dx, Y: y + dy, Level: at.Level}, true

	case protocol.ActionInteract:
		if d.TargetGUID == nil || d.InteractionID == nil {
			return nil, false
		}
		target, err := strconv.ParseInt(strings.TrimSpace(*d.TargetGUID), 10, 16)
		if err != nil {
			return nil, false
		}
		id := *d.InteractionID
		if id < 0 || id > math.MaxUint16 {
			return nil, false
		}
		return InteractCmd{ActorUID: h.PersistID, CalleeID: ObjectID(target), Interaction: uint16(id)}, true

	default:
		return nil, false
	}
}

func (a *Applier) wanderStep() (dx, dy int) {
	r := a.cfg.WanderRadius
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rng.Intn(2*r+1) - r, a.rng.Intn(2*r+1) - r
}

func clampRunes(s string, maxRunes int) string {
	if maxRunes <= 0 {
		return s
	}
	n := 0
	for i := range s {
		if n == maxRunes {
			return strings.TrimSpace(s[:i])
		}
		n++
	}
	return s
}
