package audit

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"

	"github.com/taskgraph/skein/pkg/log"
	"github.com/taskgraph/skein/pkg/types"
)

var bucketCompletions = []byte("completions")

var logger = log.WithComponent("audit")

// Record is one terminal-state transition: memory, erred, or released.
type Record struct {
	Key       string
	State     types.TaskState
	Exception string `json:",omitempty"`
	At        time.Time
}

// Log is a write-only completion log backed by a single bbolt file. It is
// never consulted by the scheduler to reconstruct state; losing it changes
// nothing about correctness, only forensic history.
type Log struct {
	db     *bolt.DB
	logger zerolog.Logger
}

// Open creates or appends to the bbolt file at path. Callers should treat a
// nil *Log as "audit disabled" rather than constructing one unconditionally.
func Open(path string) (*Log, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketCompletions)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: create bucket: %w", err)
	}
	return &Log{db: db, logger: logger}, nil
}

// Append writes r under a monotonic sequence key. Failures are logged, not
// returned: losing an audit write must never perturb scheduling.
func (l *Log) Append(r Record) {
	if l == nil {
		return
	}
	err := l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCompletions)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		data, err := json.Marshal(r)
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		for i := 7; i >= 0; i-- {
			key[i] = byte(seq)
			seq >>= 8
		}
		return b.Put(key, data)
	})
	if err != nil {
		l.logger.Error().Err(err).Str("task_key", r.Key).Msg("audit append failed")
	}
}

// All returns every completion record in append order. It exists for the
// skeind dump-state diagnostic command, not for the scheduler itself: the
// engine never calls this to reconstruct state at startup.
func (l *Log) All() ([]Record, error) {
	if l == nil {
		return nil, nil
	}
	var out []Record
	err := l.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCompletions)
		return b.ForEach(func(_, v []byte) error {
			var r Record
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			out = append(out, r)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("audit: read records: %w", err)
	}
	return out, nil
}

func (l *Log) Close() error {
	if l == nil {
		return nil
	}
	return l.db.Close()
}
