// Package sink owns the process-wide shared sink descriptor used by
// the fan-out reclamation splice (spec.md §3 "Shared sink", §9
// "process-wide sink descriptor is conceptually a global"). It is
// opened once by the supervisor at startup and passed by reference to
// the reactor, then closed once at teardown — never referenced as a
// package-level global itself.
package sink

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Sink is the write-only descriptor reclamation splices target. Its
// contents are never read; only its fd is used, as the destination
// of a splice(2) call that discards bytes already delivered to every
// fan-out consumer.
type Sink struct {
	file *os.File
}

// Open acquires the shared sink at the given path (normally
// /dev/null, overridable via --sink for tests that want to inspect
// what was reclaimed). Opened O_NONBLOCK like every other descriptor
// the reactor touches, since --sink can point at something other than
// /dev/null that might not always accept a write immediately.
func Open(path string) (*Sink, error) {
	if path == "" {
		path = os.DevNull
	}
	fd, err := unix.Open(path, unix.O_WRONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "open shared sink %q", path)
	}
	return &Sink{file: os.NewFile(uintptr(fd), path)}, nil
}

// FD returns the underlying write fd for use in splice(2) calls.
func (s *Sink) FD() int {
	return int(s.file.Fd())
}

// Close releases the sink descriptor. Safe to call once; a second
// call returns the error os.File.Close reports for an already-closed
// file, which callers (only the supervisor, at shutdown) ignore.
func (s *Sink) Close() error {
	return s.file.Close()
}
