// Package pipeio owns the kernel-pipe transport layer: creating
// non-blocking pipe pairs, splicing/teeing bytes between them, and
// tracking each end's open/closed state so a descriptor is never
// closed twice.
//
// It is deliberately ignorant of the graph and of scheduling — see
// internal/graph for node/edge bookkeeping and internal/reactor for
// the event loop that drives these primitives (spec.md §9: "the pipe
// model stays about transport rather than about scheduling").
package pipeio

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Pipe owns one kernel pipe (a read fd and a write fd) plus the
// per-edge bookkeeping spec.md §3 assigns to it. BytesWritten and
// Visited fan-out scratch state live in internal/reactor's session
// type instead of here, per spec.md §9's design note that pipes
// should stay about transport, not scheduling.
//
// A Pipe need not always wrap a fresh kernel pipe: WrapProducerFile
// and WrapConsumerFile build a "pseudo-pipe" around a regular file,
// used by internal/launch to splice directly to/from a file for the
// read-file/write-file/sink node kinds without spawning a process to
// pump the bytes (splice(2) only requires one of its two descriptors
// to be a pipe). An unused side of a pseudo-pipe has its fd set to -1
// and is never touched by the reactor.
type Pipe struct {
	ReadFD  int
	WriteFD int

	EdgeID string

	// Advisory marks a consumer pipe that spec.md §9 allows a
	// destination to have beyond its single stdin-bound inbound edge.
	// Nobody ever reads its ReadFD (it isn't dup'd onto any fd and no
	// pseudo-pipe file backs it), so its kernel buffer fills and stays
	// full forever once written to. internal/reactor must never let
	// such a pipe gate a fan-out session's progress.
	Advisory bool

	readOpen  bool
	writeOpen bool

	closeRead  func() error
	closeWrite func() error
}

// New creates a non-blocking, close-on-exec kernel pipe pair for the
// given edge id. Non-blocking so the reactor's handlers never stall
// (spec.md §5); close-on-exec so the launcher doesn't need an
// explicit close-everything-else loop in the child (spec.md §4.3,
// discussed in DESIGN.md).
func New(edgeID string) (*Pipe, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		return nil, errors.Wrapf(err, "pipe2() for edge %q", edgeID)
	}
	return &Pipe{
		ReadFD:     fds[0],
		WriteFD:    fds[1],
		EdgeID:     edgeID,
		readOpen:   true,
		writeOpen:  true,
		closeRead:  closerFor(fds[0]),
		closeWrite: closerFor(fds[1]),
	}, nil
}

func closerFor(fd int) func() error {
	return func() error { return unix.Close(fd) }
}

// WrapProducerFile builds a pseudo-pipe whose "read end" is a regular
// file, for the read-file node kind (spec.md §6): the reactor splices
// straight out of the file, so no child process is needed to pump
// its bytes into a pipe.
func WrapProducerFile(f *os.File, edgeID string) *Pipe {
	return &Pipe{
		ReadFD:    int(f.Fd()),
		WriteFD:   -1,
		EdgeID:    edgeID,
		readOpen:  true,
		writeOpen: false,
		closeRead: f.Close,
	}
}

// WrapConsumerFile builds a pseudo-pipe whose "write end" is a
// regular file, for the write-file and sink node kinds (spec.md §6):
// the reactor splices straight into the file (or /dev/null), again
// with no child process involved.
func WrapConsumerFile(f *os.File, edgeID string) *Pipe {
	return &Pipe{
		ReadFD:     -1,
		WriteFD:    int(f.Fd()),
		EdgeID:     edgeID,
		readOpen:   false,
		writeOpen:  true,
		closeWrite: f.Close,
	}
}

// ReadOpen reports whether the read end is still open.
func (p *Pipe) ReadOpen() bool { return p.readOpen }

// WriteOpen reports whether the write end is still open.
func (p *Pipe) WriteOpen() bool { return p.writeOpen }

// CloseRead closes the read end exactly once. A second call is a
// no-op, satisfying spec.md §8's "no double-close" property.
func (p *Pipe) CloseRead() error {
	if !p.readOpen {
		return nil
	}
	p.readOpen = false
	return p.closeRead()
}

// CloseWrite closes the write end exactly once.
func (p *Pipe) CloseWrite() error {
	if !p.writeOpen {
		return nil
	}
	p.writeOpen = false
	return p.closeWrite()
}

// CloseBoth closes both ends, ignoring already-closed or never-opened
// ends, and returns the first error encountered (if any).
func (p *Pipe) CloseBoth() error {
	err := p.CloseRead()
	if werr := p.CloseWrite(); err == nil {
		err = werr
	}
	return err
}

// ClearNonblock removes O_NONBLOCK from an fd the child should see as
// a normal blocking stdio descriptor; used by internal/launch right
// before dup'ing a pipe end onto fd 0/1 in the child.
func ClearNonblock(fd int) error {
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	if err != nil {
		return os.NewSyscallError("fcntl(F_GETFL)", err)
	}
	flags &^= unix.O_NONBLOCK
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETFL, flags); err != nil {
		return os.NewSyscallError("fcntl(F_SETFL)", err)
	}
	return nil
}
