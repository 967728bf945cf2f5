// Package wal persists the consensus message stream so a restarted replica
// can be replayed up to its last height.
package wal

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/ferrite-bft/ferrite/internal/types"
)

// Key layout:
//
//	m/<height BE8>/<seq BE8> → message envelope
//	s                        → engine position record (height, round, step)
var (
	msgPrefix = []byte("m/")
	stateKey  = []byte("s")
)

// WAL is a pebble-backed write-ahead log of consensus messages, keyed by
// height so old heights can be pruned in one range delete.
type WAL struct {
	db *pebble.DB

	mu  sync.Mutex
	seq uint64
}

// Open opens (or creates) the log at path. Sequence numbers resume after the
// highest one already stored, so appends after a reopen follow older records.
func Open(path string) (*WAL, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("wal: open %s: %w", path, err)
	}
	w := &WAL{db: db}

	// "m0" is the first key past the "m/" prefix.
	iter, err := db.NewIter(&pebble.IterOptions{LowerBound: msgPrefix, UpperBound: []byte("m0")})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("wal: iterator: %w", err)
	}
	for iter.First(); iter.Valid(); iter.Next() {
		if key := iter.Key(); len(key) == len(msgPrefix)+16 {
			w.seq = max(w.seq, binary.BigEndian.Uint64(key[len(msgPrefix)+8:]))
		}
	}
	if err := iter.Close(); err != nil {
		db.Close()
		return nil, fmt.Errorf("wal: scan sequence: %w", err)
	}
	return w, nil
}

// Close flushes and closes the underlying store.
func (w *WAL) Close() error {
	return w.db.Close()
}

// Append stores one message under its height.
func (w *WAL) Append(msg types.Message) error {
	payload, err := types.EncodeMessage(msg)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.seq++
	seq := w.seq
	w.mu.Unlock()
	key := msgKey(types.MessageHeight(msg), seq)
	if err := w.db.Set(key, payload, pebble.Sync); err != nil {
		return fmt.Errorf("wal: append: %w", err)
	}
	return nil
}

// Load returns the messages recorded for one height, in append order.
func (w *WAL) Load(height uint64) ([]types.Message, error) {
	lower := msgKey(height, 0)
	upper := msgKey(height+1, 0)

	iter, err := w.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, fmt.Errorf("wal: iterator: %w", err)
	}
	defer iter.Close()

	var msgs []types.Message
	for iter.First(); iter.Valid(); iter.Next() {
		msg, err := types.DecodeMessage(iter.Value())
		if err != nil {
			return nil, fmt.Errorf("wal: height %d: %w", height, err)
		}
		msgs = append(msgs, msg)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("wal: iterate height %d: %w", height, err)
	}
	return msgs, nil
}

// Prune deletes all messages below the given height.
func (w *WAL) Prune(below uint64) error {
	if err := w.db.DeleteRange(msgKey(0, 0), msgKey(below, 0), pebble.Sync); err != nil {
		return fmt.Errorf("wal: prune below %d: %w", below, err)
	}
	return nil
}

// SaveState records the engine position for crash reporting.
func (w *WAL) SaveState(height, round uint64, step types.Step) error {
	buf := make([]byte, 17)
	binary.BigEndian.PutUint64(buf[0:8], height)
	binary.BigEndian.PutUint64(buf[8:16], round)
	buf[16] = byte(step)
	if err := w.db.Set(stateKey, buf, pebble.Sync); err != nil {
		return fmt.Errorf("wal: save state: %w", err)
	}
	return nil
}

// LoadState returns the last recorded engine position. A corrupted step byte
// panics: the log cannot be trusted past that point.
func (w *WAL) LoadState() (height, round uint64, step types.Step, ok bool, err error) {
	value, closer, err := w.db.Get(stateKey)
	if err == pebble.ErrNotFound {
		return 0, 0, 0, false, nil
	}
	if err != nil {
		return 0, 0, 0, false, fmt.Errorf("wal: load state: %w", err)
	}
	defer closer.Close()

	if len(value) != 17 {
		return 0, 0, 0, false, fmt.Errorf("wal: state record has %d bytes, want 17", len(value))
	}
	height = binary.BigEndian.Uint64(value[0:8])
	round = binary.BigEndian.Uint64(value[8:16])
	step = types.StepFromByte(value[16])
	return height, round, step, true, nil
}

func msgKey(height, seq uint64) []byte {
	key := make([]byte, len(msgPrefix)+16)
	copy(key, msgPrefix)
	binary.BigEndian.PutUint64(key[len(msgPrefix):], height)
	binary.BigEndian.PutUint64(key[len(msgPrefix)+8:], seq)
	return key
}
