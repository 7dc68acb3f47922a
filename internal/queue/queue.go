// Package queue provides the crash-safe outbound queue and the dead letter
// store. Every entry is one JSON document in its own file, written via
// temp-then-rename so a crash never leaves a torn entry.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ai2ai-net/node/internal/envelope"
	"github.com/ai2ai-net/node/internal/logging"
	"github.com/ai2ai-net/node/internal/metrics"
)

// Status is the lifecycle state of a queue entry.
type Status string

const (
	StatusPending  Status = "pending"
	StatusRetrying Status = "retrying"
	StatusDelivered Status = "delivered"
	StatusFailed   Status = "failed"
	StatusExpired  Status = "expired"
)

// ErrNotFound is returned when an entry id is unknown.
var ErrNotFound = errors.New("queue entry not found")

// Entry is a single queued delivery. Entries survive process restart.
type Entry struct {
	ID          string            `json:"id"`
	Envelope    envelope.Envelope `json:"envelope"`
	Endpoint    string            `json:"endpoint"`
	Priority    int               `json:"priority"` // higher drains first
	CreatedAt   time.Time         `json:"createdAt"`
	ExpiresAt   time.Time         `json:"expiresAt,omitempty"`
	Attempts    int               `json:"attempts"`
	LastAttempt time.Time         `json:"lastAttempt,omitempty"`
	LastError   string            `json:"lastError,omitempty"`
	Status      Status            `json:"status"`
}

// EnqueueOptions tune a new entry.
type EnqueueOptions struct {
	Priority int
	TTL      time.Duration // zero means no absolute cutoff
}

// Queue is the disk-backed outbound queue.
type Queue struct {
	dir string
	log *slog.Logger

	mu      sync.Mutex
	entries map[string]*Entry
}

// Open loads all persisted entries from dir, creating it if needed.
// In-flight statuses from a previous run are reset to pending.
func Open(dir string, log *logging.Logger) (*Queue, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create queue dir: %w", err)
	}

	q := &Queue{
		dir:     dir,
		log:     log.With("component", "queue"),
		entries: make(map[string]*Entry),
	}

	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read queue dir: %w", err)
	}
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, f.Name()))
		if err != nil {
			q.log.Warn("skipping unreadable queue entry", "file", f.Name(), "error", err)
			continue
		}
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			q.log.Warn("skipping malformed queue entry", "file", f.Name(), "error", err)
			continue
		}
		if e.Status == StatusRetrying {
			e.Status = StatusPending
		}
		q.entries[e.ID] = &e
	}

	q.updateDepthLocked()
	return q, nil
}

// Enqueue persists a new entry and returns its id.
func (q *Queue) Enqueue(env envelope.Envelope, endpoint string, opts EnqueueOptions, now time.Time) (string, error) {
	e := &Entry{
		ID:        uuid.NewString(),
		Envelope:  env,
		Endpoint:  endpoint,
		Priority:  opts.Priority,
		CreatedAt: now,
		Status:    StatusPending,
	}
	if opts.TTL > 0 {
		e.ExpiresAt = now.Add(opts.TTL)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.persistLocked(e); err != nil {
		return "", err
	}
	q.entries[e.ID] = e
	q.updateDepthLocked()
	q.log.Info("enqueued", "id", e.ID, "envelope", env.ID, "endpoint", endpoint)
	return e.ID, nil
}

// Dequeue returns the highest-priority pending entry that has not passed
// its cutoff. Expired entries are marked expired in place. Returns false
// when nothing is pending.
func (q *Queue) Dequeue(now time.Time) (*Entry, bool) {
	return q.DequeueDue(now, func(*Entry) bool { return true })
}

// DequeueDue is Dequeue restricted to entries the predicate accepts. The
// retry worker uses it to skip entries still waiting out their backoff.
func (q *Queue) DequeueDue(now time.Time, due func(*Entry) bool) (*Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var best *Entry
	for _, e := range q.entries {
		if e.Status != StatusPending {
			continue
		}
		if !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt) {
			e.Status = StatusExpired
			_ = q.persistLocked(e)
			continue
		}
		if !due(e) {
			continue
		}
		if best == nil || e.Priority > best.Priority ||
			(e.Priority == best.Priority && e.CreatedAt.Before(best.CreatedAt)) {
			best = e
		}
	}
	if best == nil {
		q.updateDepthLocked()
		return nil, false
	}
	best.Status = StatusRetrying
	_ = q.persistLocked(best)
	out := *best
	return &out, true
}

// Complete removes a delivered entry and its file.
func (q *Queue) Complete(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.entries[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(q.entries, id)
	q.updateDepthLocked()
	return os.Remove(q.path(id))
}

// Fail records a failed attempt and leaves the entry pending for the next
// retry pass.
func (q *Queue) Fail(id string, attemptErr error, now time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	e.Attempts++
	e.LastAttempt = now
	e.LastError = attemptErr.Error()
	e.Status = StatusPending
	q.updateDepthLocked()
	return q.persistLocked(e)
}

// Release returns a dequeued entry to pending without counting an attempt.
// Used when the worker decides the entry is not yet due.
func (q *Queue) Release(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	e.Status = StatusPending
	q.updateDepthLocked()
	return q.persistLocked(e)
}

// Remove deletes an entry regardless of status (used when moving to the DLQ).
func (q *Queue) Remove(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.entries[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(q.entries, id)
	q.updateDepthLocked()
	return os.Remove(q.path(id))
}

// Entries returns a snapshot of all entries, for inspection.
func (q *Queue) Entries() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Entry, 0, len(q.entries))
	for _, e := range q.entries {
		out = append(out, *e)
	}
	return out
}

// Len returns the number of pending entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, e := range q.entries {
		if e.Status == StatusPending {
			n++
		}
	}
	return n
}

func (q *Queue) path(id string) string {
	return filepath.Join(q.dir, id+".json")
}

func (q *Queue) persistLocked(e *Entry) error {
	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal queue entry: %w", err)
	}
	return writeFileAtomic(q.path(e.ID), data)
}

func (q *Queue) updateDepthLocked() {
	n := 0
	for _, e := range q.entries {
		if e.Status == StatusPending {
			n++
		}
	}
	metrics.QueueDepth.Set(float64(n))
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
