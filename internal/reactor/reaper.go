package reactor

import (
	"log"
	"syscall"

	"github.com/dagproc/dagproc/internal/graph"
)

// reap implements spec.md §4.4's child-exit handler: because signal
// delivery coalesces, it drains every reapable child in a loop before
// returning, rather than assuming one SIGCHLD means one exited child.
func (l *Loop) reap() {
	for {
		var status syscall.WaitStatus
		pid, err := syscall.Wait4(-1, &status, syscall.WNOHANG, nil)
		if err == syscall.ECHILD {
			return // no children at all
		}
		if err != nil || pid <= 0 {
			return // none ready right now
		}

		n, ok := l.g.NodeByPID(pid)
		if !ok {
			continue // a grandchild or otherwise untracked pid
		}
		l.finalizeNode(n, status)
	}
}

func (l *Loop) finalizeNode(n *graph.Node, status syscall.WaitStatus) {
	for _, pipe := range n.Inbound {
		_ = pipe.CloseRead()
	}
	for _, pipe := range n.Outbound {
		if pipe.WriteOpen() {
			l.ep.remove(pipe.WriteFD)
			_ = pipe.CloseWrite()
		}
	}
	// n.Producer's read end is deliberately left alone here: SIGCHLD
	// dispatch is interleaved with ordinary pipe-readiness events in
	// the same epoll_wait batch (loop.go), so the producer pipe may
	// still hold bytes the child wrote before exiting but that haven't
	// been spliced/teed downstream yet. Closing it on reap would
	// discard those bytes. The transport handlers' own nbytes==0
	// branches and closeFanoutSource detect the child's exit as a
	// normal EOF once the buffered bytes are drained, and close the
	// read end themselves at that point.

	n.Terminated = true
	l.remaining--

	switch {
	case status.Exited():
		log.Printf("node %q (pid %d) exited with code %d", n.ID, n.PID, status.ExitStatus())
	case status.Signaled() && status.Signal() == syscall.SIGPIPE:
		log.Printf("node %q (pid %d) closed on broken pipe (normal for an early consumer exit)", n.ID, n.PID)
	case status.Signaled():
		log.Printf("node %q (pid %d) terminated by signal %v", n.ID, n.PID, status.Signal())
	}

	if l.cfg.Verbose {
		for _, pipe := range n.Inbound {
			if e, ok := l.edgeFor(pipe); ok {
				log.Printf("edge %q delivered %d bytes to node %q", e.ID, e.Bytes(), n.ID)
			}
		}
	}
}
