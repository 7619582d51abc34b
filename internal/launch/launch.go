package launch

import (
	"os"
	"syscall"

	"github.com/pkg/errors"

	"github.com/dagproc/dagproc/internal/graph"
	"github.com/dagproc/dagproc/internal/pipeio"
)

// Launch starts every node in g that needs a process (kind exec), and
// finalizes the ones that don't (read-file/write-file/sink, spec.md
// §6) without forking at all. Wire must have already run.
func Launch(g *graph.Graph) error {
	for _, n := range g.Nodes {
		if err := launchNode(n, g); err != nil {
			return errors.Wrapf(err, "launching node %q", n.ID)
		}
	}
	return nil
}

func launchNode(n *graph.Node, g *graph.Graph) error {
	switch n.Kind {
	case graph.KindReadFile, graph.KindWriteFile, graph.KindSink:
		// These never spawn a child: the engine itself pumps their
		// bytes by splicing to/from the file the pseudo-pipe wraps
		// (spec.md §6). There is nothing to wait for, so the node is
		// "terminated" from the reactor's point of view from the
		// start.
		n.PID = 0
		n.Terminated = true
		return nil
	}
	return launchExec(n, g)
}

// launchExec forks and execs node n's command under /bin/sh -c,
// wiring its stdin/stdout to the pipes Wire assigned it. A node with
// no inbound edge inherits the engine's own stdin; one with no
// outbound edge inherits the engine's own stdout — the "left
// untouched" passthrough rule of spec.md §4.3's identity-pipeline
// case.
func launchExec(n *graph.Node, g *graph.Graph) error {
	stdin := int(os.Stdin.Fd())
	if n.Listening != nil && n.Listening.ReadOpen() {
		if err := pipeio.ClearNonblock(n.Listening.ReadFD); err != nil {
			return err
		}
		stdin = n.Listening.ReadFD
	}

	stdout := int(os.Stdout.Fd())
	if n.Producer != nil && n.Producer.WriteOpen() {
		if err := pipeio.ClearNonblock(n.Producer.WriteFD); err != nil {
			return err
		}
		stdout = n.Producer.WriteFD
	}

	attr := &syscall.ProcAttr{
		Env: os.Environ(),
		Files: []uintptr{
			uintptr(stdin),
			uintptr(stdout),
			os.Stderr.Fd(),
		},
	}

	pid, err := syscall.ForkExec("/bin/sh", []string{"/bin/sh", "-c", n.Cmd}, attr)
	if err != nil {
		return errors.Wrapf(err, "fork/exec %q", n.Cmd)
	}
	g.BindPID(n, pid)

	// The parent's copies of the ends now living in the child are no
	// longer needed: the engine only ever writes into a Listening
	// pipe's WriteFD and reads from a Producer pipe's ReadFD (spec.md
	// §4.3). Every other descriptor belonging to the graph closed
	// itself at execve via O_CLOEXEC.
	if n.Listening != nil && n.Listening.ReadOpen() {
		if err := n.Listening.CloseRead(); err != nil {
			return errors.Wrap(err, "closing parent's copy of stdin pipe")
		}
	}
	if n.Producer != nil && n.Producer.WriteOpen() {
		if err := n.Producer.CloseWrite(); err != nil {
			return errors.Wrap(err, "closing parent's copy of stdout pipe")
		}
	}

	return nil
}
