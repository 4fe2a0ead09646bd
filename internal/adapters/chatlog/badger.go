// Package chatlog adapts the chat persistence collaborator to an embedded
// badger store: an append-only per-consultation log of raw chat envelopes.
package chatlog

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog/log"

	"github.com/curago/telemed/internal/domain"
)

const seqBandwidth = 64

type Store struct {
	db *badger.DB

	mu   sync.Mutex
	seqs map[domain.ConsultationID]*badger.Sequence
}

// Open opens (or creates) the store at path.
func Open(path string) (*Store, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	return open(opts)
}

// OpenInMemory backs the store with memory only. Used in tests.
func OpenInMemory() (*Store, error) {
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	return open(opts)
}

func open(opts badger.Options) (*Store, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open chat store: %w", err)
	}
	return &Store{db: db, seqs: make(map[domain.ConsultationID]*badger.Sequence)}, nil
}

// Append writes one chat frame under a per-consultation monotonic sequence,
// preserving send order on read-back.
func (s *Store) Append(_ context.Context, id domain.ConsultationID, raw []byte) error {
	seq, err := s.sequence(id)
	if err != nil {
		return err
	}
	n, err := seq.Next()
	if err != nil {
		return fmt.Errorf("chat sequence: %w", err)
	}
	key := chatKey(id, n)
	val := make([]byte, len(raw))
	copy(val, raw)
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, val)
	})
}

// History returns persisted chat frames in append order, at most limit
// entries (0 means all).
func (s *Store) History(_ context.Context, id domain.ConsultationID, limit int) ([][]byte, error) {
	var out [][]byte
	prefix := chatPrefix(id)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(out) >= limit {
				return nil
			}
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			out = append(out, val)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("chat history: %w", err)
	}
	return out, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	for id, seq := range s.seqs {
		if err := seq.Release(); err != nil {
			log.Warn().Err(err).Str("module", "chatlog").
				Str("consultation", string(id)).
				Msg("release chat sequence")
		}
	}
	s.seqs = make(map[domain.ConsultationID]*badger.Sequence)
	s.mu.Unlock()
	return s.db.Close()
}

func (s *Store) sequence(id domain.ConsultationID) (*badger.Sequence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq, ok := s.seqs[id]; ok {
		return seq, nil
	}
	seq, err := s.db.GetSequence([]byte("chatseq/"+string(id)), seqBandwidth)
	if err != nil {
		return nil, fmt.Errorf("chat sequence: %w", err)
	}
	s.seqs[id] = seq
	return seq, nil
}

func chatPrefix(id domain.ConsultationID) []byte {
	return []byte("chat/" + string(id) + "/")
}

func chatKey(id domain.ConsultationID, n uint64) []byte {
	key := chatPrefix(id)
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], n)
	return append(key, seq[:]...)
}
