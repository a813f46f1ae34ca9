package indexdb

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"simbridge.ai/internal/bridge"
)

func TestSQLiteIndex_QueueDropStats(t *testing.T) {
	s := &SQLiteIndex{ch: make(chan req, 1)}
	s.ch <- req{kind: reqTick, tick: bridge.TickResult{AgentID: "a"}}

	s.ObserveTick(bridge.TickResult{AgentID: "b"})
	s.ObserveTick(bridge.TickResult{AgentID: "c"})
	s.RecordAgent(bridge.AgentHandle{ID: "a", PersistID: 1}, true)

	st := s.Stats()
	if st.DropTickTotal != 2 {
		t.Fatalf("DropTickTotal=%d want=2", st.DropTickTotal)
	}
	if st.DropAgentTotal != 1 {
		t.Fatalf("DropAgentTotal=%d want=1", st.DropAgentTotal)
	}
	if st.QueueDepth != 1 || st.QueueCapacity != 1 {
		t.Fatalf("queue stats mismatch: depth=%d cap=%d", st.QueueDepth, st.QueueCapacity)
	}
}

func TestSQLiteIndex_WritesTickResults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "ticks.sqlite")

	idx, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	started := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	idx.RecordAgent(bridge.AgentHandle{ID: "bella", PersistID: 1}, true)
	idx.ObserveTick(bridge.TickResult{AgentID: "bella", Seq: 1, Outcome: bridge.OutcomeApplied, Action: "INTERACT", Commands: []string{"interact"}, Nearby: 3, StartedAt: started, DurationMS: 10})
	idx.ObserveTick(bridge.TickResult{AgentID: "bella", Seq: 2, Outcome: bridge.OutcomeFailed, Code: "E_TIMEOUT", StartedAt: started.Add(time.Second), DurationMS: 30})
	idx.ObserveTick(bridge.TickResult{AgentID: "bob", Seq: 1, Outcome: bridge.OutcomeIdle, StartedAt: started, DurationMS: 5})
	idx.RecordAgent(bridge.AgentHandle{ID: "bob", PersistID: 2}, false)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := idx.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	sum, err := idx.Summary(ctx)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if len(sum) != 2 || sum[0].AgentID != "bella" || sum[1].AgentID != "bob" {
		t.Fatalf("summary=%+v", sum)
	}
	b := sum[0]
	if b.Ticks != 2 || b.Applied != 1 || b.Failed != 1 || b.AvgDurationMS != 20 {
		t.Fatalf("bella summary=%+v", b)
	}
	codes, err := idx.FailureCodes(ctx)
	if err != nil {
		t.Fatalf("FailureCodes: %v", err)
	}
	if len(codes) != 1 || codes["E_TIMEOUT"] != 1 {
		t.Fatalf("codes=%v", codes)
	}
	if st := idx.Stats(); st.WrittenTotal != 5 || st.WriteFailTotal != 0 {
		t.Fatalf("stats=%+v", st)
	}

	if err := idx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := idx.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	idx.ObserveTick(bridge.TickResult{AgentID: "late"})

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	defer db.Close()

	var (
		agent    string
		commands string
		nearby   int
		at       string
	)
	row := db.QueryRow(`SELECT agent_id,commands,nearby,started_at FROM tick_results WHERE outcome='applied'`)
	if err := row.Scan(&agent, &commands, &nearby, &at); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if agent != "bella" || commands != "interact" || nearby != 3 || at != "2026-05-01T12:00:00Z" {
		t.Fatalf("row mismatch: agent=%q commands=%q nearby=%d at=%q", agent, commands, nearby, at)
	}
	var events int
	if err := db.QueryRow(`SELECT COUNT(*) FROM agents`).Scan(&events); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if events != 2 {
		t.Fatalf("agent events=%d want 2", events)
	}
	var version string
	if err := db.QueryRow(`SELECT value FROM meta WHERE key='schema_version'`).Scan(&version); err != nil || version != schemaVersion {
		t.Fatalf("schema version=%q err=%v", version, err)
	}
}

func TestSQLiteIndex_EmptyPath(t *testing.T) {
	if _, err := OpenSQLite(""); err == nil {
		t.Fatalf("expected error")
	}
}
