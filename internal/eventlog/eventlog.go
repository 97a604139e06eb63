// Package eventlog keeps the operator-facing stream of campaign events.
//
// Entries are stored newest-first in a ring bounded by MaxEntries; every
// entry is also mirrored to the process logger.
package eventlog

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Type is the severity of a log entry
type Type string

const (
	TypeInfo    Type = "info"
	TypeSuccess Type = "success"
	TypeWarning Type = "warning"
	TypeError   Type = "error"
)

// Valid reports whether t is a known entry type
func (t Type) Valid() bool {
	switch t {
	case TypeInfo, TypeSuccess, TypeWarning, TypeError:
		return true
	}
	return false
}

// DefaultMaxEntries is the ring size used when none is configured
const DefaultMaxEntries = 1000

// TimeLayout formats entry times as dd/mm/yyyy, hh:mm:ss
const TimeLayout = "02/01/2006, 15:04:05"

var bucketLogs = []byte("logs")

// Entry is one operational event
type Entry struct {
	Type Type   `json:"type"`
	Text string `json:"text"`
	Time string `json:"time"`
}

// Sink records operational events
type Sink interface {
	Append(ctx context.Context, typ Type, text string) error
}

// BoltSink stores entries in a bolt bucket
type BoltSink struct {
	db         *bolt.DB
	maxEntries int
	logger     *slog.Logger
	now        func() time.Time
}

// NewBoltSink creates the log bucket in db
func NewBoltSink(db *bolt.DB, maxEntries int, logger *slog.Logger) (*BoltSink, error) {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}

	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketLogs)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create logs bucket: %w", err)
	}

	return &BoltSink{
		db:         db,
		maxEntries: maxEntries,
		logger:     logger,
		now:        time.Now,
	}, nil
}

// Append adds an entry and drops the oldest ones beyond the ring size
func (s *BoltSink) Append(ctx context.Context, typ Type, text string) error {
	s.mirror(ctx, typ, text)

	entry := Entry{Type: typ, Text: text, Time: s.now().Format(TimeLayout)}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal log entry: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLogs)

		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		if err := b.Put(seqKey(seq), data); err != nil {
			return fmt.Errorf("failed to store log entry: %w", err)
		}

		if seq <= uint64(s.maxEntries) {
			return nil
		}

		// Keys are sequential, so everything at or below the cutoff is outside the ring
		cutoff := seq - uint64(s.maxEntries)
		c := b.Cursor()
		for k, _ := c.First(); k != nil && binary.BigEndian.Uint64(k) <= cutoff; k, _ = c.First() {
			if err := c.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
}

// List returns up to limit entries, newest first. A limit <= 0 returns all.
func (s *BoltSink) List(ctx context.Context, limit int) ([]Entry, error) {
	var entries []Entry

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketLogs).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				continue
			}
			entries = append(entries, e)
			if limit > 0 && len(entries) >= limit {
				break
			}
		}
		return nil
	})

	return entries, err
}

// Clear removes all entries
func (s *BoltSink) Clear(ctx context.Context) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketLogs); err != nil {
			return err
		}
		_, err := tx.CreateBucket(bucketLogs)
		return err
	})
}

func (s *BoltSink) mirror(ctx context.Context, typ Type, text string) {
	if s.logger == nil {
		return
	}

	level := slog.LevelInfo
	switch typ {
	case TypeWarning:
		level = slog.LevelWarn
	case TypeError:
		level = slog.LevelError
	}
	s.logger.Log(ctx, level, text, "type", string(typ))
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}
