package audit

import (
	"context"
	"sync"

	"github.com/veloxtrade/riskcore/errs"
)

// MemoryStore is an in-memory Store used for tests and paper-mode runs
// without a database.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []Entry
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Append stores the entry. Sequence numbers must be contiguous.
func (s *MemoryStore) Append(_ context.Context, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) > 0 && entry.Seq != s.entries[len(s.entries)-1].Seq+1 {
		return errs.New("audit", errs.CodeConflict,
			errs.WithMessage("non-contiguous sequence"))
	}
	s.entries = append(s.entries, entry)
	return nil
}

// Entries returns entries with Seq >= fromSeq in order.
func (s *MemoryStore) Entries(_ context.Context, fromSeq uint64) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, 0, len(s.entries))
	for _, entry := range s.entries {
		if entry.Seq >= fromSeq {
			out = append(out, entry)
		}
	}
	return out, nil
}

// Last returns the most recent entry, if any.
func (s *MemoryStore) Last(_ context.Context) (Entry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.entries) == 0 {
		return Entry{}, false, nil
	}
	return s.entries[len(s.entries)-1], true, nil
}

// Corrupt overwrites the payload of the entry at seq; test helper for
// verifying tamper detection.
func (s *MemoryStore) Corrupt(seq uint64, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.entries {
		if s.entries[i].Seq == seq {
			s.entries[i].Payload = payload
			return
		}
	}
}
