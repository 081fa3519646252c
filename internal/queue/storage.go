package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketJobs    = []byte("jobs")
	bucketWaiting = []byte("waiting")
	bucketDelayed = []byte("delayed")
)

// BoltStorage is the durable job store. Waiting jobs are indexed by
// priority then enqueue time; delayed jobs by their run-at time so the
// dequeue scan can stop at the first future entry.
type BoltStorage struct {
	db *bolt.DB
}

// NewBoltStorage opens (or creates) the job database.
func NewBoltStorage(path string) (*BoltStorage, error) {
	// Ensure directory exists
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
		for _, bucket := range [][]byte{bucketJobs, bucketWaiting, bucketDelayed} {
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

// Enqueue stores a job and adds it to the waiting or delayed index
// depending on its status.
func (s *BoltStorage) Enqueue(ctx context.Context, job *Job) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := putJob(tx, job); err != nil {
			return err
		}

		switch job.Status {
		case StatusWaiting:
			key := makeWaitingKey(job.Priority, job.CreatedAt, job.ID)
			if err := tx.Bucket(bucketWaiting).Put(key, []byte(job.ID)); err != nil {
				return fmt.Errorf("failed to add to waiting index: %w", err)
			}
		case StatusDelayed:
			key := makeTimeKey(job.RunAt, job.ID)
			if err := tx.Bucket(bucketDelayed).Put(key, []byte(job.ID)); err != nil {
				return fmt.Errorf("failed to add to delayed index: %w", err)
			}
		default:
			return fmt.Errorf("cannot enqueue job in status %q", job.Status)
		}
		return nil
	})
}

// Dequeue returns the next runnable job, marking it active. Due delayed
// jobs are taken before waiting ones. Returns nil, nil when nothing is
// runnable.
func (s *BoltStorage) Dequeue(ctx context.Context) (*Job, error) {
	var job *Job

	err := s.db.Update(func(tx *bolt.Tx) error {
		jobBucket := tx.Bucket(bucketJobs)
		now := time.Now()

		// Delayed jobs whose run-at has passed go first.
		c := tx.Bucket(bucketDelayed).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if parseTimeFromKey(k).After(now) {
				break // all remaining are in the future
			}

			j, err := claimJob(jobBucket, v, now)
			if err != nil {
				return err
			}
			if j == nil {
				c.Delete() // job row gone, drop stale index entry
				continue
			}
			if err := c.Delete(); err != nil {
				return err
			}
			job = j
			return nil
		}

		// Then the waiting index, ordered by priority and enqueue time.
		c = tx.Bucket(bucketWaiting).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			j, err := claimJob(jobBucket, v, now)
			if err != nil {
				return err
			}
			if j == nil {
				c.Delete()
				continue
			}
			if err := c.Delete(); err != nil {
				return err
			}
			job = j
			return nil
		}

		return nil
	})

	return job, err
}

// claimJob loads a job by ID and marks it active.
func claimJob(jobBucket *bolt.Bucket, id []byte, now time.Time) (*Job, error) {
	data := jobBucket.Get(id)
	if data == nil {
		return nil, nil
	}

	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, nil
	}

	j.Status = StatusActive
	j.UpdatedAt = now

	out, err := json.Marshal(&j)
	if err != nil {
		return nil, err
	}
	if err := jobBucket.Put(id, out); err != nil {
		return nil, err
	}
	return &j, nil
}

// Update persists a job's current state. Terminal jobs stay in the jobs
// bucket for stats and sweep; they carry no index entries.
func (s *BoltStorage) Update(ctx context.Context, job *Job) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJob(tx, job)
	})
}

// Defer moves an active job back to the delayed index for a retry at
// job.RunAt.
func (s *BoltStorage) Defer(ctx context.Context, job *Job) error {
	job.Status = StatusDelayed
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := putJob(tx, job); err != nil {
			return err
		}
		key := makeTimeKey(job.RunAt, job.ID)
		if err := tx.Bucket(bucketDelayed).Put(key, []byte(job.ID)); err != nil {
			return fmt.Errorf("failed to add to delayed index: %w", err)
		}
		return nil
	})
}

// Get retrieves a job by ID, or nil.
func (s *BoltStorage) Get(ctx context.Context, id string) (*Job, error) {
	var job *Job

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketJobs).Get([]byte(id))
		if data == nil {
			return nil
		}
		job = &Job{}
		return json.Unmarshal(data, job)
	})

	return job, err
}

// CancelByCampaign removes still-queued (waiting or delayed) jobs for a
// campaign. Active and terminal jobs are untouched. Returns true when at
// least one job was removed.
func (s *BoltStorage) CancelByCampaign(ctx context.Context, campaignID string) (bool, error) {
	removed := false

	err := s.db.Update(func(tx *bolt.Tx) error {
		jobBucket := tx.Bucket(bucketJobs)

		c := jobBucket.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var j Job
			if err := json.Unmarshal(v, &j); err != nil {
				continue
			}
			if j.CampaignID != campaignID {
				continue
			}
			if j.Status != StatusWaiting && j.Status != StatusDelayed {
				continue
			}

			if j.Status == StatusWaiting {
				key := makeWaitingKey(j.Priority, j.CreatedAt, j.ID)
				if err := tx.Bucket(bucketWaiting).Delete(key); err != nil {
					return err
				}
			} else {
				key := makeTimeKey(j.RunAt, j.ID)
				if err := tx.Bucket(bucketDelayed).Delete(key); err != nil {
					return err
				}
			}

			if err := c.Delete(); err != nil {
				return err
			}
			removed = true
		}
		return nil
	})

	return removed, err
}

// Stats counts jobs per status.
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
			case StatusWaiting:
				stats.Waiting++
			case StatusActive:
				stats.Active++
			case StatusCompleted:
				stats.Completed++
			case StatusFailed:
				stats.Failed++
			case StatusDelayed:
				stats.Delayed++
			}
		}
		return nil
	})

	return stats, err
}

// Sweep removes terminal jobs older than the given retention windows.
// A zero window keeps that status forever.
func (s *BoltStorage) Sweep(ctx context.Context, maxAgeCompleted, maxAgeFailed time.Duration) (int, error) {
	deleted := 0
	now := time.Now()

	err := s.db.Update(func(tx *bolt.Tx) error {
		jobBucket := tx.Bucket(bucketJobs)
		c := jobBucket.Cursor()

		var toDelete [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var j Job
			if err := json.Unmarshal(v, &j); err != nil {
				continue
			}

			expired := false
			switch j.Status {
			case StatusCompleted:
				expired = maxAgeCompleted > 0 && j.UpdatedAt.Before(now.Add(-maxAgeCompleted))
			case StatusFailed:
				expired = maxAgeFailed > 0 && j.UpdatedAt.Before(now.Add(-maxAgeFailed))
			}
			if expired {
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

// Close closes the database.
func (s *BoltStorage) Close() error {
	return s.db.Close()
}

func putJob(tx *bolt.Tx, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	if err := tx.Bucket(bucketJobs).Put([]byte(job.ID), data); err != nil {
		return fmt.Errorf("failed to store job: %w", err)
	}
	return nil
}

// makeWaitingKey builds a sortable key: higher priority first, then FIFO.
func makeWaitingKey(priority int, t time.Time, id string) []byte {
	if priority < 0 {
		priority = 0
	}
	if priority > 9 {
		priority = 9
	}
	return []byte(fmt.Sprintf("%d:%s:%s", 9-priority, t.Format(time.RFC3339Nano), id))
}

// makeTimeKey builds a run-at ordered key for the delayed index.
func makeTimeKey(t time.Time, id string) []byte {
	return []byte(t.Format(time.RFC3339Nano) + ":" + id)
}

// parseTimeFromKey extracts the timestamp from a delayed index key.
func parseTimeFromKey(key []byte) time.Time {
	s := string(key)
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == ':' {
			ts, _ := time.Parse(time.RFC3339Nano, s[:i])
			return ts
		}
	}
	return time.Time{}
}
