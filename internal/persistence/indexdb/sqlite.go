package indexdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"simbridge.ai/internal/bridge"
)

const schemaVersion = "1"

// SQLiteIndex is a queryable secondary index of tick results. Writes are
// queued and batched by a single goroutine; when the queue is full entries
// are dropped and counted, so the index never slows a tick down. The tick
// log files remain the source of truth.
type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropTick   atomic.Uint64
	dropAgent  atomic.Uint64
	writeFails atomic.Uint64
	written    atomic.Uint64
}

type Stats struct {
	WrittenTotal   uint64 `json:"written_total"`
	DropTickTotal  uint64 `json:"drop_tick_total"`
	DropAgentTotal uint64 `json:"drop_agent_total"`
	WriteFailTotal uint64 `json:"write_fail_total"`
	QueueDepth     int    `json:"queue_depth"`
	QueueCapacity  int    `json:"queue_capacity"`
}

type reqKind int

const (
	reqTick reqKind = iota + 1
	reqAgent
	reqSync
)

type req struct {
	kind reqKind

	tick  bridge.TickResult
	agent agentRow
	done  chan struct{}
}

type agentRow struct {
	AgentID   string
	PersistID uint32
	Event     string
	At        string
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	return openSQLite(path, 65536)
}

func openSQLite(path string, queue int) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan req, queue),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS agents (
			agent_id TEXT NOT NULL,
			persist_id INTEGER NOT NULL,
			event TEXT NOT NULL,
			at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_agents_agent ON agents(agent_id, at);`,
		`CREATE TABLE IF NOT EXISTS tick_results (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			agent_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			outcome TEXT NOT NULL,
			code TEXT NOT NULL,
			action TEXT NOT NULL,
			commands TEXT NOT NULL,
			nearby INTEGER NOT NULL,
			started_at TEXT NOT NULL,
			duration_ms REAL NOT NULL,
			raw_json TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tick_results_agent ON tick_results(agent_id, started_at);`,
		`CREATE INDEX IF NOT EXISTS idx_tick_results_outcome ON tick_results(outcome, code);`,
		`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','` + schemaVersion + `');`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// ObserveTick queues res for indexing.
func (s *SQLiteIndex) ObserveTick(res bridge.TickResult) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- req{kind: reqTick, tick: res}:
	default:
		s.dropTick.Add(1)
	}
}

// RecordAgent notes that an agent was registered or unregistered.
func (s *SQLiteIndex) RecordAgent(h bridge.AgentHandle, registered bool) {
	if s == nil || s.closed.Load() {
		return
	}
	ev := "unregistered"
	if registered {
		ev = "registered"
	}
	r := agentRow{
		AgentID:   h.ID,
		PersistID: h.PersistID,
		Event:     ev,
		At:        time.Now().UTC().Format(time.RFC3339Nano),
	}
	select {
	case s.ch <- req{kind: reqAgent, agent: r}:
	default:
		s.dropAgent.Add(1)
	}
}

// Sync waits until everything queued before the call is committed.
func (s *SQLiteIndex) Sync(ctx context.Context) error {
	if s == nil || s.closed.Load() {
		return fmt.Errorf("index closed")
	}
	done := make(chan struct{})
	select {
	case s.ch <- req{kind: reqSync, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		WrittenTotal:   s.written.Load(),
		DropTickTotal:  s.dropTick.Load(),
		DropAgentTotal: s.dropAgent.Load(),
		WriteFailTotal: s.writeFails.Load(),
		QueueDepth:     len(s.ch),
		QueueCapacity:  cap(s.ch),
	}
}

type AgentSummary struct {
	AgentID       string  `json:"agent_id"`
	Ticks         int     `json:"ticks"`
	Applied       int     `json:"applied"`
	Idle          int     `json:"idle"`
	Failed        int     `json:"failed"`
	Cancelled     int     `json:"cancelled"`
	AvgDurationMS float64 `json:"avg_duration_ms"`
	LastStartedAt string  `json:"last_started_at"`
}

// Summary aggregates indexed ticks per agent, ordered by agent id.
func (s *SQLiteIndex) Summary(ctx context.Context) ([]AgentSummary, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT agent_id, COUNT(*),
			SUM(outcome='applied'), SUM(outcome='idle'), SUM(outcome='failed'), SUM(outcome='cancelled'),
			AVG(duration_ms), MAX(started_at)
		FROM tick_results GROUP BY agent_id ORDER BY agent_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AgentSummary
	for rows.Next() {
		var a AgentSummary
		if err := rows.Scan(&a.AgentID, &a.Ticks, &a.Applied, &a.Idle, &a.Failed, &a.Cancelled, &a.AvgDurationMS, &a.LastStartedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// FailureCodes counts failed ticks by error code.
func (s *SQLiteIndex) FailureCodes(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT code, COUNT(*) FROM tick_results WHERE outcome='failed' GROUP BY code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var (
			code string
			n    int
		)
		if err := rows.Scan(&code, &n); err != nil {
			return nil, err
		}
		out[code] = n
	}
	return out, rows.Err()
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertTick, _ := s.db.Prepare(`INSERT INTO tick_results(agent_id,seq,outcome,code,action,commands,nearby,started_at,duration_ms,raw_json) VALUES(?,?,?,?,?,?,?,?,?,?)`)
	insertAgent, _ := s.db.Prepare(`INSERT INTO agents(agent_id,persist_id,event,at) VALUES(?,?,?,?)`)
	defer func() {
		if insertTick != nil {
			_ = insertTick.Close()
		}
		if insertAgent != nil {
			_ = insertAgent.Close()
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 500
		commitMaxWait = 2 * time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		if err := tx.Commit(); err != nil {
			s.writeFails.Add(uint64(opCount))
		} else {
			s.written.Add(uint64(opCount))
		}
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		s.writeFails.Add(uint64(opCount) + 1)
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	flushIfNeeded := func() {
		if tx == nil {
			return
		}
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}

	for r := range s.ch {
		if r.kind == reqSync {
			commit()
			close(r.done)
			continue
		}
		begin()
		if tx == nil {
			s.writeFails.Add(1)
			continue
		}
		switch r.kind {
		case reqTick:
			t := r.tick
			if insertTick == nil {
				continue
			}
			raw, _ := json.Marshal(t)
			if _, err := tx.Stmt(insertTick).Exec(
				t.AgentID,
				int64(t.Seq),
				string(t.Outcome),
				t.Code,
				t.Action,
				strings.Join(t.Commands, ","),
				t.Nearby,
				t.StartedAt.UTC().Format(time.RFC3339Nano),
				t.DurationMS,
				string(raw),
			); err != nil {
				rollback()
				continue
			}
			opCount++

		case reqAgent:
			a := r.agent
			if insertAgent == nil {
				continue
			}
			if _, err := tx.Stmt(insertAgent).Exec(a.AgentID, int64(a.PersistID), a.Event, a.At); err != nil {
				rollback()
				continue
			}
			opCount++
		}
		flushIfNeeded()
	}

	commit()
}
