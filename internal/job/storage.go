package job

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketJobs     = []byte("jobs")
	bucketSchedule = []byte("schedule")
)

// indexTimeLayout is fixed width so index keys sort chronologically
const indexTimeLayout = "20060102T150405.000000000"

// BoltStorage implements Store using BoltDB
type BoltStorage struct {
	db *bolt.DB
}

// NewBoltStorage creates a new BoltDB storage
func NewBoltStorage(path string) (*BoltStorage, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketJobs, bucketSchedule} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStorage{db: db}, nil
}

// List returns jobs with optional filtering
func (s *BoltStorage) List(ctx context.Context, filter ListFilter) ([]*Job, error) {
	var jobs []*Job

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketJobs).Cursor()

		count := 0
		skipped := 0

		for k, v := c.First(); k != nil; k, v = c.Next() {
			var j Job
			if err := json.Unmarshal(v, &j); err != nil {
				continue
			}

			if filter.Status != "" && j.Status != filter.Status {
				continue
			}

			if skipped < filter.Offset {
				skipped++
				continue
			}

			jobs = append(jobs, &j)
			count++

			if filter.Limit > 0 && count >= filter.Limit {
				break
			}
		}

		return nil
	})

	return jobs, err
}

// Get retrieves a job by ID
func (s *BoltStorage) Get(ctx context.Context, id string) (*Job, error) {
	var j *Job

	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		j, err = getJob(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}

	return j, nil
}

// Append stores a new job
func (s *BoltStorage) Append(ctx context.Context, j *Job) error {
	if j.ID == "" {
		return fmt.Errorf("job id is required")
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketJobs).Get([]byte(j.ID)) != nil {
			return fmt.Errorf("job %s already exists", j.ID)
		}
		return putJob(tx, nil, j)
	})
}

// Replace overwrites a non-terminal job
func (s *BoltStorage) Replace(ctx context.Context, j *Job) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		old, err := getJob(tx, j.ID)
		if err != nil {
			return err
		}
		if old.Status.Terminal() {
			return fmt.Errorf("%w: job %s is %s", ErrStatusConflict, j.ID, old.Status)
		}
		return putJob(tx, old, j)
	})
}

// SetStatus moves a job to status if the lifecycle allows it
func (s *BoltStorage) SetStatus(ctx context.Context, id string, status Status) (*Job, error) {
	return s.Update(ctx, id, func(j *Job) error {
		if !CanTransition(j.Status, status) {
			return fmt.Errorf("%w: cannot move job %s from %s to %s", ErrStatusConflict, id, j.Status, status)
		}
		j.Status = status
		return nil
	})
}

// Transition moves a job from one status to another atomically. Entering
// running stamps StartedAt in the same write.
func (s *BoltStorage) Transition(ctx context.Context, id string, from, to Status) (*Job, error) {
	return s.Update(ctx, id, func(j *Job) error {
		if j.Status != from || !CanTransition(from, to) {
			return fmt.Errorf("%w: job %s is %s, want %s", ErrStatusConflict, id, j.Status, from)
		}
		j.Status = to
		if to == StatusRunning && j.StartedAt == nil {
			now := time.Now()
			j.StartedAt = &now
		}
		return nil
	})
}

// Update applies fn to the stored job within a single transaction
func (s *BoltStorage) Update(ctx context.Context, id string, fn func(*Job) error) (*Job, error) {
	var updated *Job

	err := s.db.Update(func(tx *bolt.Tx) error {
		old, err := getJob(tx, id)
		if err != nil {
			return err
		}

		j := old.Clone()
		if err := fn(j); err != nil {
			return err
		}
		j.ID = id

		if err := putJob(tx, old, j); err != nil {
			return err
		}

		updated = j
		return nil
	})
	if err != nil {
		return nil, err
	}

	return updated, nil
}

// Scheduled returns scheduled jobs ordered by activation time
func (s *BoltStorage) Scheduled(ctx context.Context) ([]*Job, error) {
	var jobs []*Job

	err := s.db.Update(func(tx *bolt.Tx) error {
		jobBucket := tx.Bucket(bucketJobs)
		c := tx.Bucket(bucketSchedule).Cursor()

		for k, v := c.First(); k != nil; k, v = c.Next() {
			data := jobBucket.Get(v)
			if data == nil {
				// Job was deleted, clean up index
				if err := c.Delete(); err != nil {
					return err
				}
				continue
			}

			var j Job
			if err := json.Unmarshal(data, &j); err != nil {
				continue
			}

			if j.Status != StatusScheduled {
				if err := c.Delete(); err != nil {
					return err
				}
				continue
			}

			jobs = append(jobs, &j)
		}

		return nil
	})

	return jobs, err
}

// Stats returns job statistics
func (s *BoltStorage) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketJobs).Cursor()

		for k, v := c.First(); k != nil; k, v = c.Next() {
			var j Job
			if err := json.Unmarshal(v, &j); err != nil {
				continue
			}

			stats.Total++
			switch j.Status {
			case StatusScheduled:
				stats.Scheduled++
			case StatusRunning:
				stats.Running++
			case StatusCompleted:
				stats.Completed++
			case StatusFailed:
				stats.Failed++
			case StatusCancelled:
				stats.Cancelled++
			}
		}

		return nil
	})

	return stats, err
}

// Delete removes a job and its index entries
func (s *BoltStorage) Delete(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		j, err := getJob(tx, id)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketSchedule).Delete(makeIndexKey(j.DueAt(), j.ID)); err != nil {
			return err
		}
		return tx.Bucket(bucketJobs).Delete([]byte(id))
	})
}

// CleanupFinished removes terminal jobs that finished before maxAge ago
func (s *BoltStorage) CleanupFinished(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, nil
	}

	cutoff := time.Now().Add(-maxAge)
	deleted := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		jobBucket := tx.Bucket(bucketJobs)
		c := jobBucket.Cursor()

		var toDelete [][]byte

		for k, v := c.First(); k != nil; k, v = c.Next() {
			var j Job
			if err := json.Unmarshal(v, &j); err != nil {
				continue
			}

			if j.Status.Terminal() && j.UpdatedAt.Before(cutoff) {
				toDelete = append(toDelete, append([]byte{}, k...))
			}
		}

		for _, k := range toDelete {
			if err := jobBucket.Delete(k); err != nil {
				return err
			}
			deleted++
		}

		return nil
	})

	return deleted, err
}

// Close closes the database connection
func (s *BoltStorage) Close() error {
	return s.db.Close()
}

// DB returns the underlying bolt.DB instance
func (s *BoltStorage) DB() *bolt.DB {
	return s.db
}

func getJob(tx *bolt.Tx, id string) (*Job, error) {
	data := tx.Bucket(bucketJobs).Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	j := &Job{}
	if err := json.Unmarshal(data, j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job %s: %w", id, err)
	}
	return j, nil
}

// putJob stores j and keeps the schedule index in sync with its status
func putJob(tx *bolt.Tx, old, j *Job) error {
	j.UpdatedAt = time.Now()

	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	if err := tx.Bucket(bucketJobs).Put([]byte(j.ID), data); err != nil {
		return fmt.Errorf("failed to store job: %w", err)
	}

	schedule := tx.Bucket(bucketSchedule)
	if old != nil && old.Status == StatusScheduled {
		if err := schedule.Delete(makeIndexKey(old.DueAt(), old.ID)); err != nil {
			return fmt.Errorf("failed to remove from schedule index: %w", err)
		}
	}
	if j.Status == StatusScheduled {
		if err := schedule.Put(makeIndexKey(j.DueAt(), j.ID), []byte(j.ID)); err != nil {
			return fmt.Errorf("failed to add to schedule index: %w", err)
		}
	}

	return nil
}

// makeIndexKey creates a sortable key from timestamp and ID
func makeIndexKey(t time.Time, id string) []byte {
	return []byte(t.UTC().Format(indexTimeLayout) + ":" + id)
}

// parseTimestampFromKey extracts timestamp from index key
func parseTimestampFromKey(key []byte) time.Time {
	s := string(key)
	i := strings.IndexByte(s, ':')
	if i < 0 {
		return time.Time{}
	}
	ts, _ := time.ParseInLocation(indexTimeLayout, s[:i], time.UTC)
	return ts
}

// NextActivation returns the earliest activation time in the schedule index
func (s *BoltStorage) NextActivation(ctx context.Context) (time.Time, bool, error) {
	var next time.Time
	var ok bool

	err := s.db.View(func(tx *bolt.Tx) error {
		k, _ := tx.Bucket(bucketSchedule).Cursor().First()
		if k == nil {
			return nil
		}
		next = parseTimestampFromKey(k)
		ok = !next.IsZero()
		return nil
	})

	return next, ok, err
}
