package ticklog

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"simbridge.ai/internal/bridge"
)

func TestLoggerRotatesHourlyAndReadsBack(t *testing.T) {
	dir := t.TempDir()
	l := New(dir, nil)
	now := time.Date(2026, 3, 1, 10, 59, 0, 0, time.UTC)
	l.w.now = func() time.Time { return now }

	l.ObserveTick(bridge.TickResult{AgentID: "bella", Seq: 1, Outcome: bridge.OutcomeApplied, Action: "CHAT", Commands: []string{"chat"}})
	l.ObserveTick(bridge.TickResult{AgentID: "bob", Seq: 1, Outcome: bridge.OutcomeFailed, Code: "E_TIMEOUT"})
	now = now.Add(2 * time.Minute)
	l.ObserveTick(bridge.TickResult{AgentID: "bella", Seq: 2, Outcome: bridge.OutcomeIdle})
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if st := l.Stats(); st.Written != 3 || st.Failed != 0 {
		t.Fatalf("stats=%+v", st)
	}

	files, err := Files(dir)
	if err != nil {
		t.Fatalf("Files: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("files=%v want 2", files)
	}
	if !strings.HasSuffix(files[0], "ticks-2026-03-01-10.jsonl.zst") || !strings.HasSuffix(files[1], "ticks-2026-03-01-11.jsonl.zst") {
		t.Fatalf("unexpected file names: %v", files)
	}

	var got []bridge.TickResult
	for _, f := range files {
		if err := ReadFile(f, func(r bridge.TickResult) error {
			got = append(got, r)
			return nil
		}); err != nil {
			t.Fatalf("ReadFile(%s): %v", f, err)
		}
	}
	if len(got) != 3 {
		t.Fatalf("entries=%d want 3", len(got))
	}
	if got[0].AgentID != "bella" || got[0].Commands[0] != "chat" || got[1].Code != "E_TIMEOUT" || got[2].Seq != 2 {
		t.Fatalf("unexpected entries: %+v", got)
	}
}

func TestLoggerAppendsAcrossRestarts(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 2; i++ {
		l := New(dir, nil)
		l.w.now = func() time.Time { return now }
		l.ObserveTick(bridge.TickResult{AgentID: "bella", Seq: uint64(i + 1), Outcome: bridge.OutcomeIdle})
		if err := l.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}
	files, _ := Files(dir)
	if len(files) != 1 {
		t.Fatalf("files=%v", files)
	}
	n := 0
	if err := ReadFile(files[0], func(bridge.TickResult) error { n++; return nil }); err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if n != 2 {
		t.Fatalf("entries=%d want 2 (concatenated frames)", n)
	}
}

func TestLoggerCountsWriteFailures(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	// The log directory cannot be created below a regular file.
	l := New(filepath.Join(blocker, "ticks"), nil)
	l.ObserveTick(bridge.TickResult{AgentID: "bella"})
	l.ObserveTick(bridge.TickResult{AgentID: "bella"})
	if st := l.Stats(); st.Failed != 2 || st.Written != 0 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestReadStopsOnCallbackError(t *testing.T) {
	in := strings.NewReader("{\"agent_id\":\"a\"}\n\n{\"agent_id\":\"b\"}\n")
	stop := errors.New("stop")
	n := 0
	err := Read(in, func(bridge.TickResult) error {
		n++
		return stop
	})
	if !errors.Is(err, stop) || n != 1 {
		t.Fatalf("err=%v n=%d", err, n)
	}
	if err := Read(strings.NewReader("{broken\n"), func(bridge.TickResult) error { return nil }); err == nil || !strings.Contains(err.Error(), "line 1") {
		t.Fatalf("expected line error, got %v", err)
	}
}

func TestSyncMakesLiveFileReadable(t *testing.T) {
	dir := t.TempDir()
	l := New(dir, nil)
	defer l.Close()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	l.w.now = func() time.Time { return now }

	count := func(path string) int {
		t.Helper()
		n := 0
		if err := ReadFile(path, func(bridge.TickResult) error { n++; return nil }); err != nil {
			t.Fatalf("ReadFile: %v", err)
		}
		return n
	}

	for i := 0; i < 50; i++ {
		l.ObserveTick(bridge.TickResult{AgentID: "bella", Seq: uint64(i + 1), Outcome: bridge.OutcomeIdle})
	}
	if err := l.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	files, _ := Files(dir)
	if len(files) != 1 {
		t.Fatalf("files=%v", files)
	}
	if n := count(files[0]); n != 50 {
		t.Fatalf("entries after first sync=%d want 50", n)
	}
	info, err := os.Stat(files[0])
	if err != nil {
		t.Fatalf("stat: %v", err)
	}

	// Nothing new: Sync must not append an empty frame.
	if err := l.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if again, _ := os.Stat(files[0]); again.Size() != info.Size() {
		t.Fatalf("idle sync grew file from %d to %d", info.Size(), again.Size())
	}

	for i := 0; i < 10; i++ {
		l.ObserveTick(bridge.TickResult{AgentID: "bob", Seq: uint64(i + 1), Outcome: bridge.OutcomeIdle})
	}
	if err := l.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if n := count(files[0]); n != 60 {
		t.Fatalf("entries after second sync=%d want 60", n)
	}
}
