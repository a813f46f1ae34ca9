package observerproto

import "simbridge.ai/internal/bridge"

// Version is the telemetry stream protocol version (separate from the
// reasoning service wire format).
const Version = "0.1"

const (
	TypeSubscribe  = "SUBSCRIBE"
	TypeHello      = "HELLO"
	TypeTickResult = "TICK_RESULT"
)

// Client -> Server. First message on the telemetry WS connection, and can be
// re-sent to change the agent filter.
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`

	// Optional: only stream results for these agents. Empty means all.
	Agents []string `json:"agents,omitempty"`
}

// Server -> Client. Sent once after a valid SUBSCRIBE.
type HelloMsg struct {
	Type            string   `json:"type"`
	ProtocolVersion string   `json:"protocol_version"`
	SessionID       string   `json:"session_id"`
	ThinkEveryMs    int64    `json:"think_every_ms"`
	Agents          []string `json:"agents"`
}

// Server -> Client. Sent for every finished tick that passes the filter.
type TickResultMsg struct {
	Type            string            `json:"type"`
	ProtocolVersion string            `json:"protocol_version"`
	Result          bridge.TickResult `json:"result"`
}

// HTTP response for GET /v1/stats.
type StatsResponse struct {
	ProtocolVersion string                `json:"protocol_version"`
	UptimeSec       int64                 `json:"uptime_sec"`
	Scheduler       bridge.SchedulerStats `json:"scheduler"`
	Agents          []AgentStats          `json:"agents"`
	Stream          StreamStats           `json:"stream"`

	// Sinks carries per-sink counters (tick log, index, lot) keyed by name.
	Sinks map[string]any `json:"sinks,omitempty"`
}

type AgentStats struct {
	ID        string                  `json:"id"`
	PersistID uint32                  `json:"persist_id"`
	State     string                  `json:"state"`
	Ticks     bridge.CoordinatorStats `json:"ticks"`
}

type StreamStats struct {
	Subscribers int    `json:"subscribers"`
	Sent        uint64 `json:"sent"`
	Dropped     uint64 `json:"dropped"`
}
