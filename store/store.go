// Package store keeps link fault records across restarts in a badger
// database.
//
// The firmware fault ring holds only the most recent records and is lost on
// every CPU reset. A [Log] added as a bridge observer receives each fault as
// it is raised and appends it under a monotonically increasing key.
package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HewlettPackard/structex"
	"github.com/dgraph-io/badger/v3"
	"github.com/go-logr/logr"

	"github.com/ardnew/softbridge/link"
	"github.com/ardnew/softbridge/pkg"
)

var prefix = []byte("fault/")

// Options configures [Open].
type Options struct {
	Dir      string // database directory; ignored when InMemory is set
	InMemory bool
	Buffer   int // pending records before Fault starts dropping, default 64
	Keep     int // records retained, 0 for unlimited
}

// Entry is a stored fault.
type Entry struct {
	ID     uint64
	Time   time.Time
	Record link.Record
}

// MarshalJSON flattens the record with readable state and code names.
func (e Entry) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		ID      uint64    `json:"id"`
		Time    time.Time `json:"time"`
		State   string    `json:"state"`
		Code    string    `json:"code"`
		Event   string    `json:"event,omitempty"`
		Detail  uint8     `json:"detail"`
		Elapsed uint32    `json:"elapsedMs"`
		Seq     uint32    `json:"seq"`
	}{
		ID:      e.ID,
		Time:    e.Time,
		State:   e.Record.State.String(),
		Code:    e.Record.Code.String(),
		Event:   e.event(),
		Detail:  e.Record.Detail,
		Elapsed: e.Record.Elapsed,
		Seq:     e.Record.Seq,
	})
}

func (e Entry) event() string {
	if e.Record.Code != link.CodeUnexpectedEvent {
		return ""
	}
	return e.Record.Event.String()
}

// entry is the stored value layout.
type entry struct {
	Wall    uint64
	Elapsed uint32
	Seq     uint32
	State   uint8
	Code    uint8
	Event   uint8
	Detail  uint8
}

// Log is the persistent fault log.
type Log struct {
	db   *badger.DB
	keep int
	log  logr.Logger

	mu   sync.Mutex
	next uint64

	ch      chan Entry
	dropped atomic.Uint64
	now     func() time.Time
}

// Open opens or creates the fault log.
func Open(opts Options) (*Log, error) {
	bo := badger.DefaultOptions(opts.Dir)
	if opts.InMemory {
		bo = badger.DefaultOptions("").WithInMemory(true)
	} else {
		bo.SyncWrites = true
	}
	// Fault records are tiny; keep badger's tables small.
	bo.MemTableSize = 8 << 20
	bo.BlockCacheSize = 16 << 20
	bo.Logger = logger{pkg.Logr(pkg.ComponentStore)}

	db, err := badger.Open(bo)
	if err != nil {
		return nil, fmt.Errorf("open fault log: %w", err)
	}

	if opts.Buffer <= 0 {
		opts.Buffer = 64
	}
	l := &Log{
		db:   db,
		keep: opts.Keep,
		log:  pkg.Logr(pkg.ComponentStore),
		ch:   make(chan Entry, opts.Buffer),
		now:  time.Now,
	}
	if l.next, err = l.last(); err != nil {
		db.Close()
		return nil, err
	}
	l.next++
	return l, nil
}

// Close closes the database. Records still queued are discarded.
func (l *Log) Close() error { return l.db.Close() }

func key(id uint64) []byte {
	k := make([]byte, len(prefix)+8)
	copy(k, prefix)
	binary.BigEndian.PutUint64(k[len(prefix):], id)
	return k
}

func (l *Log) last() (id uint64, err error) {
	err = l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.Reverse = true
		opts.PrefetchValues = false
		itr := txn.NewIterator(opts)
		defer itr.Close()

		itr.Seek(key(^uint64(0)))
		if itr.Valid() {
			id = binary.BigEndian.Uint64(itr.Item().Key()[len(prefix):])
		}
		return nil
	})
	return id, err
}

// Append stores rec and returns its entry.
func (l *Log) Append(rec link.Record) (Entry, error) {
	e := Entry{Time: l.now(), Record: rec}
	return e, l.put(&e)
}

func (l *Log) put(e *Entry) error {
	v := entry{
		Wall:    uint64(e.Time.UnixNano()),
		Elapsed: e.Record.Elapsed,
		Seq:     e.Record.Seq,
		State:   uint8(e.Record.State),
		Code:    uint8(e.Record.Code),
		Event:   uint8(e.Record.Event),
		Detail:  e.Record.Detail,
	}
	b, err := structex.EncodeByteBuffer(&v)
	if err != nil {
		return fmt.Errorf("encode fault: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e.ID = l.next
	err = l.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(key(e.ID), b); err != nil {
			return err
		}
		if l.keep > 0 && e.ID > uint64(l.keep) {
			return l.prune(txn, e.ID-uint64(l.keep))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("store fault %d: %w", e.ID, err)
	}
	l.next++
	return nil
}

// prune deletes every record with an ID up to and including upto.
func (l *Log) prune(txn *badger.Txn, upto uint64) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = false
	itr := txn.NewIterator(opts)
	defer itr.Close()

	var stale [][]byte
	for itr.Rewind(); itr.Valid(); itr.Next() {
		k := itr.Item().KeyCopy(nil)
		if binary.BigEndian.Uint64(k[len(prefix):]) > upto {
			break
		}
		stale = append(stale, k)
	}
	for _, k := range stale {
		if err := txn.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// List returns up to limit entries with an ID greater than after, oldest
// first. A limit of 0 returns everything.
func (l *Log) List(after uint64, limit int) ([]Entry, error) {
	var out []Entry
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		itr := txn.NewIterator(opts)
		defer itr.Close()

		for itr.Seek(key(after + 1)); itr.Valid(); itr.Next() {
			if limit > 0 && len(out) == limit {
				break
			}
			item := itr.Item()
			var v entry
			err := item.Value(func(val []byte) error {
				return structex.DecodeByteBuffer(bytes.NewBuffer(val), &v)
			})
			if err != nil {
				return err
			}
			out = append(out, Entry{
				ID:   binary.BigEndian.Uint64(item.Key()[len(prefix):]),
				Time: time.Unix(0, int64(v.Wall)),
				Record: link.Record{
					State:   link.State(v.State),
					Code:    link.Code(v.Code),
					Event:   link.Event(v.Event),
					Detail:  v.Detail,
					Elapsed: v.Elapsed,
					Seq:     v.Seq,
				},
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list faults: %w", err)
	}
	return out, nil
}

// Fault queues rec for [Log.Run]. It never blocks; records arriving while
// the queue is full are counted and dropped.
func (l *Log) Fault(rec link.Record) {
	select {
	case l.ch <- Entry{Time: l.now(), Record: rec}:
	default:
		l.dropped.Add(1)
	}
}

// LinkChanged is a no-op; only faults are stored.
func (l *Log) LinkChanged(_, _ link.State) {}

// Dropped returns the number of records lost to a full queue.
func (l *Log) Dropped() uint64 { return l.dropped.Load() }

// Run writes queued records until ctx is done, then flushes what is left.
func (l *Log) Run(ctx context.Context) error {
	for {
		select {
		case e := <-l.ch:
			if err := l.write(e); err != nil {
				return err
			}
		case <-ctx.Done():
			for {
				select {
				case e := <-l.ch:
					if err := l.write(e); err != nil {
						return err
					}
				default:
					return ctx.Err()
				}
			}
		}
	}
}

func (l *Log) write(e Entry) error {
	if err := l.put(&e); err != nil {
		if errors.Is(err, badger.ErrDBClosed) {
			return err
		}
		l.log.Error(err, "fault not stored", "code", e.Record.Code.String())
		return nil
	}
	l.log.V(1).Info("fault stored", "id", e.ID, "code", e.Record.Code.String(), "state", e.Record.State.String())
	return nil
}
