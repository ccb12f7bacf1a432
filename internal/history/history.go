// Package history keeps a bbolt journal of how each alarm ended: fired,
// canceled, or replaced by a newer submission with the same id.
//
// Records are keyed by ticket. Tickets are ULIDs, so bbolt's byte-ordered
// keys give submission order for free and List can walk the bucket
// backwards for newest-first pages. The journal is bounded; once it holds
// more than maxRecords entries the oldest are pruned in the same write
// transaction.
//
// The journal is an audit trail only. Pending alarms are never rebuilt from
// it after a restart.
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/snehjoshi/epochalarm/internal/ticket"
)

var bucketRecords = []byte("records")

// ErrNotFound is returned by Get when no record exists for a ticket.
var ErrNotFound = errors.New("history: record not found")

// Outcome is how an alarm left the scheduler.
type Outcome string

const (
	OutcomeFired    Outcome = "fired"
	OutcomeCanceled Outcome = "canceled"
	OutcomeReplaced Outcome = "replaced"
)

// Record is one terminal event.
type Record struct {
	Ticket      string    `json:"ticket"`
	ID          int       `json:"id"`
	Seconds     int       `json:"seconds"`
	Message     string    `json:"message"`
	Outcome     Outcome   `json:"outcome"`
	SubmittedAt time.Time `json:"submitted_at"`
	FireAt      time.Time `json:"fire_at"`
	// At is when the outcome happened: the fire time, or the moment of
	// cancellation or replacement.
	At time.Time `json:"at"`
	// ReplacedBy is the ticket of the superseding submission.
	ReplacedBy string `json:"replaced_by,omitempty"`
}

// Query filters List.
type Query struct {
	// Limit caps the number of records returned; <= 0 means no cap.
	Limit int
	// ID restricts the results to one application id when non-nil.
	ID *int
	// Since drops records whose alarm was submitted before it. The ticket
	// carries the submission time, so the walk stops at the first older key.
	Since time.Time
}

// Journal is a bbolt-backed history store. It is safe for concurrent use.
type Journal struct {
	db         *bbolt.DB
	maxRecords int

	mu    sync.Mutex // serialises Append so count stays exact
	count int
}

// Open opens (or creates) the journal at path.
func Open(path string, maxRecords int) (*Journal, error) {
	if maxRecords < 1 {
		return nil, fmt.Errorf("history: maxRecords must be at least 1, got %d", maxRecords)
	}
	db, err := bbolt.Open(path, 0o640, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("history: open %s: %w", path, err)
	}

	var count int
	if err := db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketRecords)
		if err != nil {
			return err
		}
		count = b.Stats().KeyN
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history: init bucket: %w", err)
	}

	return &Journal{db: db, maxRecords: maxRecords, count: count}, nil
}

// Append stores rec, pruning the oldest records beyond the journal bound.
func (j *Journal) Append(rec Record) error {
	if rec.Ticket == "" {
		return errors.New("history: record has no ticket")
	}
	val, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("history: marshal %s: %w", rec.Ticket, err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	count := j.count
	err = j.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRecords)
		key := []byte(rec.Ticket)
		if b.Get(key) == nil {
			count++
		}
		if err := b.Put(key, val); err != nil {
			return err
		}
		c := b.Cursor()
		for count > j.maxRecords {
			if k, _ := c.First(); k == nil {
				break
			}
			if err := c.Delete(); err != nil {
				return err
			}
			count--
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("history: append %s: %w", rec.Ticket, err)
	}
	j.count = count
	return nil
}

// Get returns the record for ticket tk, or ErrNotFound.
func (j *Journal) Get(tk string) (Record, error) {
	var rec Record
	err := j.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketRecords).Get([]byte(tk))
		if val == nil {
			return ErrNotFound
		}
		return json.Unmarshal(val, &rec)
	})
	return rec, err
}

// List returns records newest first.
func (j *Journal) List(q Query) ([]Record, error) {
	out := []Record{}
	err := j.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketRecords).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if !q.Since.IsZero() {
				if at, err := ticket.Time(string(k)); err == nil && at.Before(q.Since) {
					break
				}
			}
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("history: decode %s: %w", k, err)
			}
			if q.ID != nil && rec.ID != *q.ID {
				continue
			}
			out = append(out, rec)
			if q.Limit > 0 && len(out) >= q.Limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Len returns the number of stored records.
func (j *Journal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.count
}

// Close closes the underlying bbolt database.
func (j *Journal) Close() error {
	return j.db.Close()
}
