package bridge

import (
	"time"
)

type Outcome string

const (
	// OutcomeApplied: a decision arrived and produced at least one command.
	OutcomeApplied Outcome = "applied"
	// OutcomeIdle: a decision arrived but mapped to no command.
	OutcomeIdle      Outcome = "idle"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// TickResult describes how one tick ended. It is delivered after the agent
// is back to idle, so observers cannot influence the tick itself.
type TickResult struct {
	AgentID    string    `json:"agent_id"`
	Seq        uint64    `json:"seq"`
	Outcome    Outcome   `json:"outcome"`
	Code       string    `json:"code,omitempty"`
	Error      string    `json:"error,omitempty"`
	Action     string    `json:"action,omitempty"`
	Commands   []string  `json:"commands,omitempty"`
	Thought    string    `json:"thought,omitempty"`
	Nearby     int       `json:"nearby"`
	StartedAt  time.Time `json:"started_at"`
	DurationMS float64   `json:"duration_ms"`
}

// ResultSink observes finished ticks. Implementations must not block for long;
// they run on the tick's goroutine.
type ResultSink interface {
	ObserveTick(TickResult)
}

type SinkFunc func(TickResult)

func (f SinkFunc) ObserveTick(r TickResult) { f(r) }

// MultiSink fans a result out to several sinks in order. A sink that panics
// does not keep the result from the sinks after it; the first panic is
// re-raised once every sink has been called.
type MultiSink []ResultSink

func (m MultiSink) ObserveTick(r TickResult) {
	var first any
	for _, s := range m {
		if s == nil {
			continue
		}
		if p := observeSafely(s, r); p != nil && first == nil {
			first = p
		}
	}
	if first != nil {
		panic(first)
	}
}

func observeSafely(s ResultSink, r TickResult) (p any) {
	defer func() { p = recover() }()
	s.ObserveTick(r)
	return nil
}
