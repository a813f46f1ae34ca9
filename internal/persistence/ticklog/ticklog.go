// Package ticklog records finished ticks as compressed JSON lines and reads
// them back for replay tooling.
package ticklog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"

	"github.com/klauspost/compress/zstd"

	"simbridge.ai/internal/bridge"
)

const filePrefix = "ticks"

// Logger is a bridge.ResultSink that appends every TickResult to hourly
// ticks-*.jsonl.zst files.
type Logger struct {
	w   *JSONLZstdWriter
	log *slog.Logger

	written atomic.Uint64
	failed  atomic.Uint64
}

type Stats struct {
	Written uint64 `json:"written"`
	Failed  uint64 `json:"failed"`
}

func New(dir string, logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{w: NewJSONLZstdWriter(dir, filePrefix), log: logger}
}

func (l *Logger) ObserveTick(res bridge.TickResult) {
	if err := l.w.Write(res); err != nil {
		// Only the first failure is logged at warn; the rest are counted.
		if l.failed.Add(1) == 1 {
			l.log.Warn("tick log write failed", "err", err)
		}
		return
	}
	l.written.Add(1)
}

func (l *Logger) Stats() Stats {
	return Stats{Written: l.written.Load(), Failed: l.failed.Load()}
}

func (l *Logger) Sync() error  { return l.w.Sync() }
func (l *Logger) Close() error { return l.w.Close() }

// Files lists tick log files under dir in chronological order.
func Files(dir string) ([]string, error) {
	paths, err := filepath.Glob(filepath.Join(dir, filePrefix+"-*.jsonl.zst"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	return paths, nil
}

// ReadFile decodes one tick log and calls fn for each entry in order.
func ReadFile(path string, fn func(bridge.TickResult) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()
	return Read(dec, fn)
}

// Read decodes uncompressed JSON lines from r.
func Read(r io.Reader, fn func(bridge.TickResult) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		b := sc.Bytes()
		if len(b) == 0 {
			continue
		}
		var res bridge.TickResult
		if err := json.Unmarshal(b, &res); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		if err := fn(res); err != nil {
			return err
		}
	}
	return sc.Err()
}
