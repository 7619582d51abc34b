// Package reactor implements the single-threaded epoll event loop
// that drives the splice-single and tee-with-reclamation transport
// algorithms (spec.md §4.4), the reaper (spec.md §4.4 "Child-exit
// handler"), and graceful interrupt handling (spec.md §4.4 "Interrupt
// handler").
package reactor

import (
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/dagproc/dagproc/internal/graph"
)

// Config bundles the reactor's tunables, all surfaced as CLI flags by
// cmd/dagproc (spec.md §6).
type Config struct {
	ChunkSize     int
	SinkFD        int
	StatsInterval time.Duration
	OnStats       func()

	// Verbose gates the reaper's per-edge delivered-bytes logging
	// (spec.md §6's verbose/debug toggle) on top of the always-on
	// exit/error logging.
	Verbose bool
}

const defaultChunkSize = 65536

// Loop owns the epoll instance, the graph it drives, and every
// session/registration table needed to dispatch events without
// touching graph state from more than one goroutine (spec.md §5).
type Loop struct {
	ep  *epoll
	g   *graph.Graph
	cfg Config

	sessions map[string]*fanoutSession

	remaining int // nodes not yet terminated
	breakReq  bool

	sigR, sigW     *os.File
	sigCh          chan os.Signal
	stopForwarders chan struct{}

	statsR, statsW *os.File
	ticker         *time.Ticker
}

// New builds a Loop over an already-wired graph (internal/launch.Wire
// must have run) and registers its initial events: one writable event
// per single-consumer node, one readable event per fan-out source,
// plus the signal and (optional) statistics self-pipes.
func New(g *graph.Graph, cfg Config) (*Loop, error) {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaultChunkSize
	}

	ep, err := newEpoll()
	if err != nil {
		return nil, err
	}

	l := &Loop{
		ep:        ep,
		g:         g,
		cfg:       cfg,
		sessions:  make(map[string]*fanoutSession),
		remaining: len(g.Nodes),
	}

	if err := l.setupSignals(); err != nil {
		l.ep.close()
		return nil, err
	}
	if cfg.StatsInterval > 0 && cfg.OnStats != nil {
		if err := l.setupStatsTicker(); err != nil {
			l.Close()
			return nil, err
		}
	}

	for _, n := range g.Nodes {
		if n.Terminated {
			// A read-file node is terminated from the start but its
			// outbound edges are still pumped by the reactor.
			l.remaining--
		}
		if err := l.registerNodeOutbound(n); err != nil {
			l.Close()
			return nil, err
		}
	}

	return l, nil
}

func (l *Loop) registerNodeOutbound(n *graph.Node) error {
	switch len(n.Outbound) {
	case 0:
		return nil
	case 1:
		pipe := n.Outbound[0]
		if !pipe.WriteOpen() {
			return nil
		}
		return l.ep.add(pipe.WriteFD, unix.EPOLLOUT, &registration{kind: regWritableSingle, nodeID: n.ID})
	default:
		for _, pipe := range n.Outbound {
			// tee(2) requires both descriptors to be real pipes; a
			// write-file/sink destination's consumer pipe wraps a
			// regular file instead (ReadFD == -1 marks this), so it
			// cannot receive tee'd bytes. The handler still runs for
			// it and will hit tee(2)'s EINVAL, reported and dropped
			// like any other permanent I/O error (spec.md §7); see
			// DESIGN.md for why this corner case isn't special-cased
			// further.
			if pipe.ReadFD == -1 {
				l.warnTeeIncompatible(n.ID)
			}
		}
		l.sessions[n.ID] = newFanoutSession(n.Outbound)
		if n.Producer.ReadOpen() {
			return l.ep.add(n.Producer.ReadFD, unix.EPOLLIN, &registration{kind: regReadableFanout, nodeID: n.ID})
		}
		return nil
	}
}

// Run drives the loop until every node has terminated, an interrupt
// requests a clean break, or a fatal error occurs (spec.md §4.4,
// §5 "Cancellation").
func (l *Loop) Run() error {
	events := make([]unix.EpollEvent, 32)
	for l.remaining > 0 && !l.breakReq {
		n, err := l.ep.wait(events)
		if err != nil {
			return errors.Wrap(err, "fatal engine error in event loop")
		}
		for i := 0; i < n; i++ {
			reg, ok := l.ep.regs[int(events[i].Fd)]
			if !ok {
				continue // spurious/stale event
			}
			if events[i].Events&reg.wantedEvent() == 0 {
				continue // e.g. a writable event with no EV_WRITE bit set (spec.md §4.4)
			}
			l.dispatch(int(events[i].Fd), reg)
			if l.breakReq {
				break
			}
		}
	}
	return nil
}

func (l *Loop) dispatch(fd int, reg *registration) {
	switch reg.kind {
	case regWritableSingle:
		l.handleWritableSingle(reg)
	case regReadableFanout:
		l.handleReadableFanout(reg)
	case regWritableFanout:
		l.handleWritableFanout(reg)
	case regSignal:
		l.handleSignal()
	case regTicker:
		l.handleTick()
	}
}

// RequestBreak asks the loop to stop at the next safe point (spec.md
// §4.4 "Interrupt handler"). The handler itself never fails in this
// implementation (there is no separate "break call" that can error,
// unlike the original's event-loop-library break primitive), so the
// "abort the process" fallback spec.md describes has no corresponding
// code path here — documented in DESIGN.md.
func (l *Loop) RequestBreak() {
	l.breakReq = true
}

// Close releases every resource the loop owns: the epoll instance and
// the signal/stats self-pipes. Node pipes are released by the reaper
// and the transport handlers as edges complete, not here.
func (l *Loop) Close() error {
	if l.stopForwarders != nil {
		close(l.stopForwarders)
		l.stopForwarders = nil
	}
	if l.sigCh != nil {
		signal.Stop(l.sigCh)
	}
	if l.ticker != nil {
		l.ticker.Stop()
	}
	for _, f := range []*os.File{l.sigR, l.sigW, l.statsR, l.statsW} {
		if f != nil {
			_ = f.Close()
		}
	}
	return l.ep.close()
}

func (l *Loop) edgeFor(pipe *graph.Pipe) (*graph.Edge, bool) {
	return l.g.EdgeByID(pipe.EdgeID)
}

func (l *Loop) nodeFor(id string) *graph.Node {
	n, _ := l.g.NodeByID(id)
	return n
}

// reportAndDrop logs a permanent I/O error and abandons the edge
// without re-arming it (spec.md §7 "Permanent I/O").
func (l *Loop) reportAndDrop(edgeID string, err error) {
	log.Printf("dropping edge %q after permanent I/O error: %+v", edgeID, errors.WithStack(err))
}

func (l *Loop) warnTeeIncompatible(nodeID string) {
	color.Red("node %q: fan-out consumer backed by a regular file cannot use tee(2); that edge will error and be dropped", nodeID)
}

// SinkFD returns the reclamation target configured for this loop.
func (l *Loop) SinkFD() int { return l.cfg.SinkFD }

// chunk returns the configured splice/tee chunk size.
func (l *Loop) chunk() int { return l.cfg.ChunkSize }
