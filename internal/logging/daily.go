package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// retentionDays is how long daily log files are kept before Prune removes them.
const retentionDays = 30

// DailyWriter appends to logs/ai2ai-<YYYY-MM-DD>.jsonl under the given
// directory, switching to a new file at each UTC day boundary.
type DailyWriter struct {
	mu  sync.Mutex
	dir string
	day string
	f   *os.File
}

// NewDailyWriter creates the log directory and returns a writer for it.
func NewDailyWriter(dir string) (*DailyWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	return &DailyWriter{dir: dir}, nil
}

func (w *DailyWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now().UTC()
	day := now.Format("2006-01-02")
	if w.f == nil || day != w.day {
		if w.f != nil {
			_ = w.f.Close()
		}
		path := filepath.Join(w.dir, "ai2ai-"+day+".jsonl")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return 0, fmt.Errorf("open log file: %w", err)
		}
		w.f = f
		w.day = day
		_ = w.Prune(now)
	}
	return w.f.Write(p)
}

// Close closes the current log file, if any.
func (w *DailyWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}

// Prune removes log files older than the retention window. Runs whenever
// the writer rolls to a new day. Files whose names don't parse as
// ai2ai-<date>.jsonl are left alone.
func (w *DailyWriter) Prune(now time.Time) error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("read log dir: %w", err)
	}
	cutoff := now.UTC().AddDate(0, 0, -retentionDays)
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "ai2ai-") || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		dayStr := strings.TrimSuffix(strings.TrimPrefix(name, "ai2ai-"), ".jsonl")
		day, err := time.Parse("2006-01-02", dayStr)
		if err != nil {
			continue
		}
		if day.Before(cutoff) {
			_ = os.Remove(filepath.Join(w.dir, name))
		}
	}
	return nil
}
