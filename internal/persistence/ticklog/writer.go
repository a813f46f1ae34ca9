package ticklog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

const hourLayout = "2006-01-02-15"

// JSONLZstdWriter appends JSON lines to hourly zstd files named
// <prefix>-<yyyy-mm-dd-hh>.jsonl.zst under baseDir. Each file is a sequence
// of independent zstd frames: one per Sync, plus the one ended by rotation
// or Close. Lines become readable once their frame is ended.
type JSONLZstdWriter struct {
	baseDir string
	prefix  string
	now     func() time.Time

	mu    sync.Mutex
	hour  string
	file  *os.File
	enc   *zstd.Encoder
	buf   *bufio.Writer
	dirty bool
}

func NewJSONLZstdWriter(baseDir, prefix string) *JSONLZstdWriter {
	return &JSONLZstdWriter{
		baseDir: baseDir,
		prefix:  prefix,
		now:     time.Now,
	}
}

func (w *JSONLZstdWriter) Write(v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()

	if hour := w.now().UTC().Format(hourLayout); w.buf == nil || hour != w.hour {
		if err := w.finishLocked(); err != nil {
			return err
		}
		if err := w.openLocked(hour); err != nil {
			return err
		}
	}
	if _, err := w.buf.Write(line); err != nil {
		return err
	}
	w.dirty = true
	return nil
}

// Sync ends the current zstd frame so every line written so far can be
// decoded from disk. Later writes start a new frame in the same file.
func (w *JSONLZstdWriter) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf == nil || !w.dirty {
		return nil
	}
	if err := w.buf.Flush(); err != nil {
		return err
	}
	if err := w.enc.Close(); err != nil {
		return err
	}
	w.enc.Reset(w.file)
	w.dirty = false
	return nil
}

func (w *JSONLZstdWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.finishLocked()
}

func (w *JSONLZstdWriter) openLocked(hour string) error {
	path := filepath.Join(w.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, hour))
	if err := os.MkdirAll(w.baseDir, 0o755); err != nil {
		return err
	}
	// Appending keeps entries written before a restart within the same hour.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.hour = hour
	w.file = f
	w.enc = enc
	w.buf = bufio.NewWriterSize(enc, 128*1024)
	w.dirty = false
	return nil
}

func (w *JSONLZstdWriter) finishLocked() error {
	if w.buf == nil {
		return nil
	}
	flushErr := w.buf.Flush()
	encErr := w.enc.Close()
	fileErr := w.file.Close()
	w.buf, w.enc, w.file = nil, nil, nil
	w.dirty = false
	return errors.Join(flushErr, encErr, fileErr)
}
