package resilience

import (
	"bytes"
	"encoding/json"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
)

const defaultDequeueLimit = 100

// FileDLQ persists dead-letter entries in a JSON file so batch runs can park
// failed papers and retry them later without a database. All methods are safe
// for concurrent use within a single process.
type FileDLQ struct {
	mu   sync.Mutex
	path string
}

// NewFileDLQ returns a queue backed by the file at path. The file is created
// on first enqueue.
func NewFileDLQ(path string) *FileDLQ {
	return &FileDLQ{path: path}
}

// Enqueue adds an entry, assigning an ID when none is set. An entry with an
// existing ID is updated in place; its CreatedAt and MaxRetries are kept.
func (q *FileDLQ) Enqueue(entry DLQEntry) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries, err := q.load()
	if err != nil {
		return err
	}

	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}

	updated := false
	for i, e := range entries {
		if e.ID == entry.ID {
			entry.CreatedAt = e.CreatedAt
			entry.MaxRetries = e.MaxRetries
			entries[i] = entry
			updated = true
			break
		}
	}
	if !updated {
		entries = append(entries, entry)
	}

	return q.save(entries)
}

// Dequeue returns entries due for retry: NextRetryAt has passed and the retry
// budget is not exhausted. Entries stay queued until Remove is called.
func (q *FileDLQ) Dequeue(filter DLQFilter) ([]DLQEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries, err := q.load()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var due []DLQEntry
	for _, e := range entries {
		if e.NextRetryAt.After(now) || !e.CanRetry() {
			continue
		}
		if filter.ErrorType != "" && e.ErrorType != filter.ErrorType {
			continue
		}
		due = append(due, e)
	}

	sort.Slice(due, func(i, j int) bool {
		return due[i].NextRetryAt.Before(due[j].NextRetryAt)
	})

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultDequeueLimit
	}
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// IncrementRetry records a failed retry attempt for the entry with the given
// ID and schedules the next one.
func (q *FileDLQ) IncrementRetry(id string, nextRetryAt time.Time, lastErr string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries, err := q.load()
	if err != nil {
		return err
	}

	for i := range entries {
		if entries[i].ID != id {
			continue
		}
		entries[i].RetryCount++
		entries[i].NextRetryAt = nextRetryAt
		entries[i].Error = lastErr
		entries[i].LastFailedAt = time.Now().UTC()
		return q.save(entries)
	}
	return eris.Errorf("dlq: entry not found: %s", id)
}

// Remove deletes the entry with the given ID. Removing an unknown ID is not
// an error.
func (q *FileDLQ) Remove(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries, err := q.load()
	if err != nil {
		return err
	}

	kept := entries[:0]
	for _, e := range entries {
		if e.ID != id {
			kept = append(kept, e)
		}
	}
	if len(kept) == len(entries) {
		return nil
	}
	return q.save(kept)
}

// Depth reports the total number of parked entries, including those whose
// retry budget is exhausted.
func (q *FileDLQ) Depth() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries, err := q.load()
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

func (q *FileDLQ) load() ([]DLQEntry, error) {
	data, err := os.ReadFile(q.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "dlq: read %s", q.path)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}

	var entries []DLQEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, eris.Wrapf(err, "dlq: parse %s", q.path)
	}
	return entries, nil
}

func (q *FileDLQ) save(entries []DLQEntry) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return eris.Wrap(err, "dlq: marshal entries")
	}
	if err := os.WriteFile(q.path, data, 0o644); err != nil {
		return eris.Wrapf(err, "dlq: write %s", q.path)
	}
	return nil
}
