package reactor

import (
	"math"

	"golang.org/x/sys/unix"

	"github.com/dagproc/dagproc/internal/graph"
	"github.com/dagproc/dagproc/internal/pipeio"
)

// handleWritableSingle implements spec.md §4.4's single-consumer
// transport outcome table.
func (l *Loop) handleWritableSingle(reg *registration) {
	n := l.nodeFor(reg.nodeID)
	if n == nil || len(n.Outbound) != 1 {
		return
	}
	pipe := n.Outbound[0]

	nbytes, err := pipeio.Splice(n.Producer.ReadFD, pipe.WriteFD, l.chunk())
	switch {
	case err == nil && nbytes > 0:
		if e, ok := l.edgeFor(pipe); ok {
			e.AddBytes(int64(nbytes))
		}
		// stays armed; level-triggered epoll fires again once ready
	case err == nil && nbytes == 0:
		l.ep.remove(pipe.WriteFD)
		_ = n.Producer.CloseRead()
		_ = pipe.CloseWrite()
	case pipeio.IsAgain(err):
		// no-op, caller re-arms automatically (level-triggered)
	default:
		l.reportAndDrop(pipe.EdgeID, err)
		l.ep.remove(pipe.WriteFD)
		_ = n.Producer.CloseRead()
		_ = pipe.CloseWrite()
	}
}

// handleReadableFanout implements spec.md §4.4 step 1: reset the
// session and arm every still-open outbound pipe's writable event.
func (l *Loop) handleReadableFanout(reg *registration) {
	n := l.nodeFor(reg.nodeID)
	if n == nil {
		return
	}
	sess := l.sessions[n.ID]
	sess.reset(n.Outbound)

	l.ep.remove(n.Producer.ReadFD) // re-armed by reclaim once this cycle completes

	for i, pipe := range n.Outbound {
		if !pipe.WriteOpen() || pipe.Advisory {
			continue
		}
		_ = l.ep.add(pipe.WriteFD, unix.EPOLLOUT, &registration{kind: regWritableFanout, nodeID: n.ID, outIdx: i})
	}
}

// handleWritableFanout implements spec.md §4.4 steps 2-4: a
// one-shot-per-cycle tee attempt, session bookkeeping, and triggering
// reclamation once every outbound pipe has been visited.
func (l *Loop) handleWritableFanout(reg *registration) {
	n := l.nodeFor(reg.nodeID)
	if n == nil {
		return
	}
	sess := l.sessions[n.ID]
	idx := reg.outIdx
	pipe := n.Outbound[idx]

	l.ep.remove(pipe.WriteFD) // writable events are one-shot per cycle

	if pipe.WriteOpen() && sess.bytesWritten[idx] == 0 {
		nbytes, err := pipeio.Tee(n.Producer.ReadFD, pipe.WriteFD, l.chunk())
		switch {
		case err == nil && nbytes > 0:
			if e, ok := l.edgeFor(pipe); ok {
				e.AddBytes(int64(nbytes))
			}
			sess.observe(idx, int64(nbytes))
		case err == nil && nbytes == 0:
			// tee(2) returns 0 only once the producer pipe is empty and
			// its write end is closed: producer EOF (spec.md §4.4 step 5).
			l.closeFanoutSource(n)
			return
		case pipeio.IsAgain(err):
			// no progress this cycle
			sess.visited[idx] = true
		default:
			l.reportAndDrop(pipe.EdgeID, err)
			_ = pipe.CloseBoth()
			sess.visited[idx] = true
		}
	} else {
		sess.visited[idx] = true
	}

	if sess.allVisited() {
		l.reclaim(n, sess)
	}
}

// reclaim implements spec.md §4.4 steps 4-6: splice bytesSafelyWritten
// from the shared producer into the configured sink, update every
// outbound pipe's bytesWritten, and either close out the session
// (producer EOF) or re-arm the readable event for the next cycle.
func (l *Loop) reclaim(n *graph.Node, sess *fanoutSession) {
	amt := sess.bytesSafelyWritten
	if amt < 0 || amt == math.MaxInt64 {
		amt = 0
	}

	if amt > 0 {
		reclaimed, err := pipeio.Splice(n.Producer.ReadFD, l.SinkFD(), int(amt))
		switch {
		case err == nil && reclaimed > 0:
			sess.reclaimed(int64(reclaimed))
		case err == nil && reclaimed == 0:
			l.closeFanoutSource(n)
			return
		case pipeio.IsAgain(err):
			// sink transiently unwritable; retry next cycle
		default:
			l.reportAndDrop(n.ID+":reclaim", err)
		}
	}

	if n.Producer.ReadOpen() {
		_ = l.ep.add(n.Producer.ReadFD, unix.EPOLLIN, &registration{kind: regReadableFanout, nodeID: n.ID})
	}
}

func (l *Loop) closeFanoutSource(n *graph.Node) {
	_ = n.Producer.CloseRead()
	for _, pipe := range n.Outbound {
		if pipe.WriteOpen() {
			l.ep.remove(pipe.WriteFD)
			_ = pipe.CloseWrite()
		}
	}
}
