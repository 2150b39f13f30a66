package source

import (
	"fmt"
	"sync"
)

// Sequence steps a FilePair through a fixed list of (left, right) files.
type Sequence struct {
	*FilePair

	mu    sync.Mutex
	pairs [][2]string
	next  int
}

// NewSequence creates a sequence. Nothing is loaded until Next.
func NewSequence(pairs [][2]string, opts ...FileOption) *Sequence {
	return &Sequence{
		FilePair: NewFilePair(opts...),
		pairs:    append([][2]string(nil), pairs...),
	}
}

// Pairs groups a flat filename list into consecutive pairs. An odd trailing
// name is an error.
func Pairs(filenames []string) ([][2]string, error) {
	if len(filenames)%2 != 0 {
		return nil, fmt.Errorf("odd number of images: %d", len(filenames))
	}
	out := make([][2]string, 0, len(filenames)/2)
	for i := 0; i < len(filenames); i += 2 {
		out = append(out, [2]string{filenames[i], filenames[i+1]})
	}
	return out, nil
}

// Next loads the following pair. It returns false once the list is exhausted.
func (s *Sequence) Next() (bool, error) {
	s.mu.Lock()
	if s.next >= len(s.pairs) {
		s.mu.Unlock()
		return false, nil
	}
	p := s.pairs[s.next]
	s.next++
	s.mu.Unlock()

	if err := s.Load(p[0], p[1]); err != nil {
		return true, err
	}
	return true, nil
}

// Reset rewinds to the first pair.
func (s *Sequence) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next = 0
}

// Len returns the number of pairs.
func (s *Sequence) Len() int {
	return len(s.pairs)
}

// Position returns how many pairs have been consumed.
func (s *Sequence) Position() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}
