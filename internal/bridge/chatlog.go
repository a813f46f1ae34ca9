package bridge

import (
	"fmt"
	"strings"
	"sync"
)

type ChatMode string

const (
	// ChatModeGlobal: every agent hears every recorded line.
	ChatModeGlobal ChatMode = "global"
	// ChatModePerAgent: agents hear broadcast lines plus lines addressed to them.
	ChatModePerAgent ChatMode = "per_agent"
)

func ParseChatMode(s string) (ChatMode, error) {
	switch ChatMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ChatModeGlobal:
		return ChatModeGlobal, nil
	case ChatModePerAgent:
		return ChatModePerAgent, nil
	default:
		return "", fmt.Errorf("unknown chat mode: %q", s)
	}
}

// Hearing supplies the communication history passed into snapshot building.
type Hearing interface {
	Heard(agentID string) []string
}

type chatLine struct {
	seq  uint64
	text string
}

// ChatLog keeps the most recent heard lines. It is owned by whoever tracks
// communication (the simulation host) and is safe for concurrent use.
type ChatLog struct {
	mode ChatMode
	keep int

	mu     sync.Mutex
	seq    uint64
	global []chatLine
	direct map[string][]chatLine
}

func NewChatLog(mode ChatMode, keep int) *ChatLog {
	if mode == "" {
		mode = ChatModeGlobal
	}
	if keep <= 0 {
		keep = DefaultMaxRecentChat
	}
	return &ChatLog{
		mode:   mode,
		keep:   keep,
		direct: map[string][]chatLine{},
	}
}

func (l *ChatLog) Mode() ChatMode { return l.mode }

// Record adds a line every agent hears.
func (l *ChatLog) Record(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	l.global = appendBounded(l.global, chatLine{seq: l.seq, text: text}, l.keep)
}

// RecordFor adds a line addressed to one agent. In global mode it is shared
// with everyone like Record.
func (l *ChatLog) RecordFor(agentID, text string) {
	if l.mode == ChatModeGlobal {
		l.Record(text)
		return
	}
	text = strings.TrimSpace(text)
	if text == "" || agentID == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	l.direct[agentID] = appendBounded(l.direct[agentID], chatLine{seq: l.seq, text: text}, l.keep)
}

// Forget drops the per-agent history of an unregistered agent.
func (l *ChatLog) Forget(agentID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.direct, agentID)
}

// Heard returns a copy of the lines agentID has heard, oldest first.
func (l *ChatLog) Heard(agentID string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	g := l.global
	d := l.direct[agentID]
	out := make([]string, 0, len(g)+len(d))
	i, j := 0, 0
	for i < len(g) || j < len(d) {
		if j >= len(d) || (i < len(g) && g[i].seq < d[j].seq) {
			out = append(out, g[i].text)
			i++
			continue
		}
		out = append(out, d[j].text)
		j++
	}
	if len(out) > l.keep {
		out = out[len(out)-l.keep:]
	}
	return out
}

// Last is the newest line agentID heard, or "".
func (l *ChatLog) Last(agentID string) string {
	h := l.Heard(agentID)
	if len(h) == 0 {
		return ""
	}
	return h[len(h)-1]
}

func appendBounded(lines []chatLine, ln chatLine, keep int) []chatLine {
	lines = append(lines, ln)
	if len(lines) > keep {
		// Copy so the backing array does not grow without bound.
		lines = append([]chatLine(nil), lines[len(lines)-keep:]...)
	}
	return lines
}
