package queue

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ai2ai-net/node/internal/envelope"
	"github.com/ai2ai-net/node/internal/logging"
	"github.com/ai2ai-net/node/internal/metrics"
)

// DeadLetter is a delivery the engine decided will never succeed. No
// automatic retry; operator-triggered only.
type DeadLetter struct {
	ID       string            `json:"id"`
	Envelope envelope.Envelope `json:"envelope"`
	Error    string            `json:"error"`
	Attempts int               `json:"attempts"`
	FailedAt time.Time         `json:"failedAt"`
}

// DeadLetterStore is an append-only directory of JSON dead letters.
type DeadLetterStore struct {
	dir string
	log *slog.Logger
	mu  sync.Mutex
}

// OpenDeadLetters creates or opens the dead letter directory.
func OpenDeadLetters(dir string, log *logging.Logger) (*DeadLetterStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create dlq dir: %w", err)
	}
	d := &DeadLetterStore{dir: dir, log: log.With("component", "dlq")}
	metrics.DeadLetters.Set(float64(len(d.list())))
	return d, nil
}

// Add writes a dead letter for the failed entry.
func (d *DeadLetterStore) Add(entry Entry, failure string, now time.Time) error {
	dl := DeadLetter{
		ID:       entry.ID,
		Envelope: entry.Envelope,
		Error:    failure,
		Attempts: entry.Attempts,
		FailedAt: now,
	}
	data, err := json.MarshalIndent(dl, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := writeFileAtomic(filepath.Join(d.dir, dl.ID+".json"), data); err != nil {
		return fmt.Errorf("write dead letter: %w", err)
	}
	metrics.DeadLetters.Set(float64(len(d.list())))
	d.log.Warn("dead letter recorded", "id", dl.ID, "envelope", dl.Envelope.ID, "attempts", dl.Attempts)
	return nil
}

// List returns all dead letters.
func (d *DeadLetterStore) List() []DeadLetter {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.list()
}

func (d *DeadLetterStore) list() []DeadLetter {
	files, err := os.ReadDir(d.dir)
	if err != nil {
		return nil
	}
	var out []DeadLetter
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(d.dir, f.Name()))
		if err != nil {
			continue
		}
		var dl DeadLetter
		if err := json.Unmarshal(data, &dl); err != nil {
			continue
		}
		out = append(out, dl)
	}
	return out
}

// RetryAll attempts each dead letter exactly once with the given send
// function, removing entries that succeed. Failures stay put.
func (d *DeadLetterStore) RetryAll(send func(DeadLetter) error) (retried, succeeded int) {
	for _, dl := range d.List() {
		retried++
		if err := send(dl); err != nil {
			d.log.Warn("dead letter retry failed", "id", dl.ID, "error", err)
			continue
		}
		d.mu.Lock()
		_ = os.Remove(filepath.Join(d.dir, dl.ID+".json"))
		metrics.DeadLetters.Set(float64(len(d.list())))
		d.mu.Unlock()
		succeeded++
	}
	return retried, succeeded
}
