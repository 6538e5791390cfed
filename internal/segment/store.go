// Package segment stores the most recent segment per image in memory.
package segment

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mwickert/elicit/internal/domain"
)

// Stored is one accepted submission plus ingestion metadata.
type Stored struct {
	domain.SegmentRecord
	SegmentID  string    `json:"segmentId"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// Store keeps at most one segment per (evaluator, client, imageIndex)
// key; a resubmission overwrites. Lifecycle: created at process start,
// injected where needed, never a package-level global.
type Store struct {
	mu       sync.RWMutex
	segments map[string]Stored
}

func NewStore() *Store {
	return &Store{segments: make(map[string]Stored)}
}

// Put validates and stores rec, returning the deterministic segment id.
func (s *Store) Put(rec domain.SegmentRecord) (string, error) {
	if err := rec.Validate(); err != nil {
		return "", err
	}
	id := rec.SegmentKey()

	s.mu.Lock()
	_, replaced := s.segments[id]
	s.segments[id] = Stored{
		SegmentRecord: rec,
		SegmentID:     id,
		ReceivedAt:    time.Now(),
	}
	s.mu.Unlock()

	log.Info().Str("module", "segment").Str("segment", id).Bool("replaced", replaced).Msg("segment stored")
	return id, nil
}

func (s *Store) Get(id string) (Stored, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.segments[id]
	return st, ok
}

// BySession returns every stored segment for one session.
func (s *Store) BySession(id domain.SessionID) []Stored {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Stored, 0)
	for _, st := range s.segments {
		if st.SessionID == id {
			out = append(out, st)
		}
	}
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.segments)
}
