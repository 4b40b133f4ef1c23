package relay

import (
	"errors"
	"sync"
)

// ErrSinkFull is returned by a MemorySink at its limit.
var ErrSinkFull = errors.New("relay: sink full")

// MemorySink keeps records in memory, up to an optional limit.
type MemorySink struct {
	mu      sync.Mutex
	limit   int
	records [][]byte
}

// NewMemorySink returns a sink holding at most limit records; zero means
// unbounded.
func NewMemorySink(limit int) *MemorySink {
	return &MemorySink{limit: limit}
}

// Record implements Sink.
func (s *MemorySink) Record(rec []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.limit > 0 && len(s.records) >= s.limit {
		return ErrSinkFull
	}
	s.records = append(s.records, rec)
	return nil
}

// Records returns the records received so far.
func (s *MemorySink) Records() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.records...)
}

// Len returns the number of records received.
func (s *MemorySink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// MultiSink fans a record out to several sinks. A record counts as rejected
// if any sink rejects it.
type MultiSink []Sink

// Record implements Sink.
func (m MultiSink) Record(rec []byte) error {
	var errs []error
	for _, s := range m {
		if err := s.Record(rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
