package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"simbridge.ai/internal/brain"
	"simbridge.ai/internal/bridge"
	"simbridge.ai/internal/sim/lot"
)

// EnvBrainURL overrides brain.endpoint when set.
const EnvBrainURL = "SIMBRIDGE_BRAIN_URL"

type Config struct {
	Brain     BrainConfig     `yaml:"brain"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Snapshot  SnapshotConfig  `yaml:"snapshot"`
	Apply     ApplyConfig     `yaml:"apply"`
	Chat      ChatConfig      `yaml:"chat"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Lot       LotConfig       `yaml:"lot"`

	// Agents are driven in addition to the lot's own avatars. An agent the
	// lot cannot resolve thinks from a degraded snapshot.
	Agents []bridge.AgentHandle `yaml:"agents,omitempty"`
}

type BrainConfig struct {
	Endpoint         string `yaml:"endpoint"`
	TimeoutMs        int    `yaml:"timeout_ms"`
	MaxResponseBytes int64  `yaml:"max_response_bytes"`
	UserAgent        string `yaml:"user_agent"`
}

type SchedulerConfig struct {
	ThinkEveryMs int `yaml:"think_every_ms"`
	StepHz       int `yaml:"step_hz"`
}

type SnapshotConfig struct {
	Radius        float64 `yaml:"radius"`
	MaxRecentChat int     `yaml:"max_recent_chat"`
}

type ApplyConfig struct {
	WanderOnEmptyMove bool  `yaml:"wander_on_empty_move"`
	WanderRadius      int   `yaml:"wander_radius"`
	MaxSpeechRunes    int   `yaml:"max_speech_runes"`
	Seed              int64 `yaml:"seed"`
}

type ChatConfig struct {
	Mode string `yaml:"mode"`
	Keep int    `yaml:"keep"`
}

type TelemetryConfig struct {
	// TickLogDir receives hourly tick-result logs; empty disables them.
	TickLogDir string `yaml:"tick_log_dir"`
	// IndexDB is the sqlite path for the tick index; empty disables it.
	IndexDB string `yaml:"index_db"`
}

type LotConfig struct {
	CommandQueue  int     `yaml:"command_queue"`
	EarshotRadius float64 `yaml:"earshot_radius"`
	MotiveDecay   int     `yaml:"motive_decay"`

	lot.Layout `yaml:",inline"`
}

func Load(path string) (Config, error) {
	cfg := defaults()
	if strings.TrimSpace(path) == "" {
		cfg.Normalize()
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	name := filepath.Base(path)
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("%s: %w", name, err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("%s: %w", name, err)
	}
	return cfg, nil
}

func defaults() Config {
	return Config{
		Brain: BrainConfig{
			Endpoint:         "http://127.0.0.1:8000/think",
			TimeoutMs:        int(brain.DefaultTimeout / time.Millisecond),
			MaxResponseBytes: brain.DefaultMaxResponseBytes,
		},
		Scheduler: SchedulerConfig{
			ThinkEveryMs: int(bridge.DefaultThinkEvery / time.Millisecond),
			StepHz:       20,
		},
		Snapshot: SnapshotConfig{
			Radius:        bridge.DefaultNearbyRadius,
			MaxRecentChat: bridge.DefaultMaxRecentChat,
		},
		Apply: ApplyConfig{
			WanderRadius: bridge.DefaultWanderRadius,
		},
		Chat: ChatConfig{
			Mode: string(bridge.ChatModeGlobal),
			Keep: bridge.DefaultMaxRecentChat,
		},
		Lot: LotConfig{
			CommandQueue: lot.DefaultCommandQueue,
		},
	}
}

// ApplyEnv applies environment overrides.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if c == nil || getenv == nil {
		return
	}
	if v := strings.TrimSpace(getenv(EnvBrainURL)); v != "" {
		c.Brain.Endpoint = v
	}
}

func (c *Config) Normalize() {
	if c == nil {
		return
	}
	c.Brain.Endpoint = strings.TrimSpace(c.Brain.Endpoint)
	if c.Brain.TimeoutMs <= 0 {
		c.Brain.TimeoutMs = int(brain.DefaultTimeout / time.Millisecond)
	}
	if c.Brain.MaxResponseBytes <= 0 {
		c.Brain.MaxResponseBytes = brain.DefaultMaxResponseBytes
	}
	if c.Scheduler.ThinkEveryMs <= 0 {
		c.Scheduler.ThinkEveryMs = int(bridge.DefaultThinkEvery / time.Millisecond)
	}
	if c.Scheduler.StepHz <= 0 {
		c.Scheduler.StepHz = 20
	}
	if c.Snapshot.Radius <= 0 {
		c.Snapshot.Radius = bridge.DefaultNearbyRadius
	}
	if c.Snapshot.MaxRecentChat <= 0 {
		c.Snapshot.MaxRecentChat = bridge.DefaultMaxRecentChat
	}
	if c.Apply.WanderRadius <= 0 {
		c.Apply.WanderRadius = bridge.DefaultWanderRadius
	}
	c.Chat.Mode = strings.ToLower(strings.TrimSpace(c.Chat.Mode))
	if c.Chat.Mode == "" {
		c.Chat.Mode = string(bridge.ChatModeGlobal)
	}
	if c.Chat.Keep <= 0 {
		c.Chat.Keep = c.Snapshot.MaxRecentChat
	}
	if c.Lot.CommandQueue <= 0 {
		c.Lot.CommandQueue = lot.DefaultCommandQueue
	}
	for i := range c.Agents {
		c.Agents[i].ID = strings.TrimSpace(c.Agents[i].ID)
	}
}

func (c Config) Validate() error {
	u, err := url.Parse(c.Brain.Endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("brain.endpoint must be an absolute http(s) url: %q", c.Brain.Endpoint)
	}
	if _, err := bridge.ParseChatMode(c.Chat.Mode); err != nil {
		return fmt.Errorf("chat.mode: %w", err)
	}
	if c.Snapshot.Radius > 64 {
		return fmt.Errorf("snapshot.radius too large: %v", c.Snapshot.Radius)
	}
	if c.Lot.EarshotRadius < 0 {
		return fmt.Errorf("lot.earshot_radius must be >= 0")
	}

	seen := map[string]bool{}
	persist := map[uint32]bool{}
	for _, a := range c.Lot.Avatars {
		if a.PersistID == 0 {
			return fmt.Errorf("lot.avatars: %q missing persist_id", a.Name)
		}
		if persist[a.PersistID] {
			return fmt.Errorf("lot.avatars: duplicate persist_id %d", a.PersistID)
		}
		persist[a.PersistID] = true
		if a.AgentID == "" {
			continue
		}
		if seen[a.AgentID] {
			return fmt.Errorf("duplicate agent id: %s", a.AgentID)
		}
		seen[a.AgentID] = true
	}
	for _, a := range c.Agents {
		if a.ID == "" {
			return fmt.Errorf("agents: empty id")
		}
		if seen[a.ID] {
			return fmt.Errorf("duplicate agent id: %s", a.ID)
		}
		seen[a.ID] = true
	}
	for _, o := range c.Lot.Objects {
		ids := map[int]bool{}
		for _, it := range o.Interactions {
			if it.ID < 0 || it.ID > 0xFFFF {
				return fmt.Errorf("lot.objects: %q interaction id out of range: %d", o.Name, it.ID)
			}
			if ids[it.ID] {
				return fmt.Errorf("lot.objects: %q duplicate interaction id %d", o.Name, it.ID)
			}
			ids[it.ID] = true
		}
	}
	return nil
}

func (c Config) BrainClient() brain.Config {
	return brain.Config{
		Endpoint:         c.Brain.Endpoint,
		Timeout:          time.Duration(c.Brain.TimeoutMs) * time.Millisecond,
		MaxResponseBytes: c.Brain.MaxResponseBytes,
		UserAgent:        c.Brain.UserAgent,
	}
}

func (c Config) SchedulerOptions() bridge.SchedulerConfig {
	return bridge.SchedulerConfig{ThinkEvery: time.Duration(c.Scheduler.ThinkEveryMs) * time.Millisecond}
}

func (c Config) SnapshotOptions() bridge.SnapshotConfig {
	return bridge.SnapshotConfig{Radius: c.Snapshot.Radius, MaxRecentChat: c.Snapshot.MaxRecentChat}
}

func (c Config) ApplyOptions() bridge.ApplyConfig {
	return bridge.ApplyConfig{
		WanderOnEmptyMove: c.Apply.WanderOnEmptyMove,
		WanderRadius:      c.Apply.WanderRadius,
		MaxSpeechRunes:    c.Apply.MaxSpeechRunes,
		Seed:              c.Apply.Seed,
	}
}

func (c Config) LotOptions() lot.Config {
	return lot.Config{
		CommandQueue:  c.Lot.CommandQueue,
		EarshotRadius: c.Lot.EarshotRadius,
		MotiveDecay:   c.Lot.MotiveDecay,
	}
}

// StepInterval is the host game loop period.
func (c Config) StepInterval() time.Duration {
	return time.Second / time.Duration(c.Scheduler.StepHz)
}
