package tessitura

import (
	"sync"
	"sync/atomic"

	Tt "github.com/maroda/tessitura/types"
)

// DefaultHistorySize is the number of samples kept per parameter
const DefaultHistorySize = 500

// LatestSource is what the data logger reads from
type LatestSource interface {
	Latest(id string) (Tt.Sample, bool)
}

// ring is a fixed capacity FIFO of samples
type ring struct {
	data  []Tt.Sample
	head  int // index of the oldest sample
	count int
}

func (r *ring) push(s Tt.Sample) {
	n := len(r.data)
	if r.count < n {
		r.data[(r.head+r.count)%n] = s
		r.count++
		return
	}
	r.data[r.head] = s
	r.head = (r.head + 1) % n
}

func (r *ring) latest() (Tt.Sample, bool) {
	if r.count == 0 {
		return Tt.Sample{}, false
	}
	return r.data[(r.head+r.count-1)%len(r.data)], true
}

func (r *ring) snapshot() []Tt.Sample {
	out := make([]Tt.Sample, r.count)
	n := len(r.data)
	for i := 0; i < r.count; i++ {
		out[i] = r.data[(r.head+i)%n]
	}
	return out
}

// Store keeps the bounded history of every parameter.
// The dispatcher is its only writer.
type Store struct {
	mu      sync.RWMutex
	size    int
	history map[string]*ring
	gen     atomic.Uint64
}

func NewStore(size int) *Store {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &Store{
		size:    size,
		history: make(map[string]*ring),
	}
}

// Size is the per-parameter capacity
func (s *Store) Size() int { return s.size }

// Generation changes on every Push
func (s *Store) Generation() uint64 { return s.gen.Load() }

// Push appends a sample, dropping the oldest once the buffer is full
func (s *Store) Push(id string, raw, filtered, ts float64) {
	s.mu.Lock()
	r, ok := s.history[id]
	if !ok {
		r = &ring{data: make([]Tt.Sample, s.size)}
		s.history[id] = r
	}
	r.push(Tt.Sample{Raw: raw, Filtered: filtered, TS: ts})
	s.mu.Unlock()

	s.gen.Add(1)
}

func (s *Store) Latest(id string) (Tt.Sample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.history[id]
	if !ok {
		return Tt.Sample{}, false
	}
	return r.latest()
}

// Window returns a copy of every stored sample, oldest first
func (s *Store) Window(id string) []Tt.Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.history[id]
	if !ok {
		return nil
	}
	return r.snapshot()
}

func (s *Store) Len(id string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if r, ok := s.history[id]; ok {
		return r.count
	}
	return 0
}

// Delete drops the history of id
func (s *Store) Delete(id string) {
	s.mu.Lock()
	delete(s.history, id)
	s.mu.Unlock()
	s.gen.Add(1)
}

// Clear drops every history, used between sessions
func (s *Store) Clear() {
	s.mu.Lock()
	s.history = make(map[string]*ring)
	s.mu.Unlock()
	s.gen.Add(1)
}
