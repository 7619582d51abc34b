package reactor

import (
	"math"

	"github.com/dagproc/dagproc/internal/graph"
)

// fanoutSession holds the per-cycle scratch state for one fan-out
// source node: bytesSafelyWritten and each outbound pipe's visited
// flag / bytes-written counter (spec.md §3 "Fan-out session state",
// kept off graph.Pipe per §9's design note).
type fanoutSession struct {
	bytesSafelyWritten int64
	visited            []bool
	bytesWritten       []int64

	// excluded marks a pipe that will never drain (graph.Pipe.Advisory)
	// and so must never gate bytesSafelyWritten or the scan in
	// allVisited — fixed per outbound index at construction, since
	// Advisory never changes over a node's lifetime.
	excluded []bool
}

func newFanoutSession(outbound []*graph.Pipe) *fanoutSession {
	n := len(outbound)
	s := &fanoutSession{
		visited:      make([]bool, n),
		bytesWritten: make([]int64, n),
		excluded:     make([]bool, n),
	}
	for i, p := range outbound {
		s.excluded[i] = p.Advisory
	}
	return s
}

// reset starts a new cycle: bytesSafelyWritten goes to the sentinel
// maximum and every still-open, non-excluded outbound pipe is marked
// unvisited with a zeroed counter (spec.md §4.4 step 1). A pipe whose
// write end is already closed, or that is permanently excluded
// (advisory, never drained), is pre-marked visited so the scan in
// allVisited never waits on a consumer that will never fire again.
func (s *fanoutSession) reset(outbound []*graph.Pipe) {
	s.bytesSafelyWritten = math.MaxInt64
	for i, p := range outbound {
		s.bytesWritten[i] = 0
		s.visited[i] = !p.WriteOpen() || s.excluded[i]
	}
}

func (s *fanoutSession) allVisited() bool {
	for _, v := range s.visited {
		if !v {
			return false
		}
	}
	return true
}

func (s *fanoutSession) observe(idx int, n int64) {
	s.bytesWritten[idx] += n
	if !s.excluded[idx] && s.bytesWritten[idx] < s.bytesSafelyWritten {
		s.bytesSafelyWritten = s.bytesWritten[idx]
	}
	s.visited[idx] = true
}

func (s *fanoutSession) reclaimed(n int64) {
	for i := range s.bytesWritten {
		s.bytesWritten[i] -= n
		if s.bytesWritten[i] < 0 {
			s.bytesWritten[i] = 0
		}
	}
}
