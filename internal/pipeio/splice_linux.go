//go:build linux

package pipeio

import (
	"golang.org/x/sys/unix"
)

// Splice moves up to max bytes from srcFD to dstFD without copying
// through user space (splice(2)). Both descriptors must be
// non-blocking; the caller interprets the return value per spec.md
// §4.4's outcome table:
//
//	n > 0          -> bytes transferred, add to counters
//	n == 0, err==nil -> producer EOF, close both ends
//	err == unix.EAGAIN -> no-op, caller re-arms the writable event
//	err != nil (other) -> permanent error, drop the edge
//
// Grounded on the splice/tee algorithm described in
// acln0/zerocopy's zerocopy_linux.go and on this module's own
// teacher's SyscallConn-mediated raw fd access in
// generic/rawcopy_unix.go, adapted here to two pipe fds instead of a
// TCP conn and a multiplexed stream.
func Splice(srcFD, dstFD int, max int) (int, error) {
	n, err := unix.Splice(srcFD, nil, dstFD, nil, max, unix.SPLICE_F_NONBLOCK|unix.SPLICE_F_MOVE)
	return int(n), err
}

// Tee duplicates up to max bytes from srcFD into dstFD without
// consuming them from srcFD (tee(2)); the source's read position does
// not advance, which is exactly the property the fan-out protocol in
// spec.md §4.4 relies on: every consumer tee's independently, and
// only the reclamation splice (below, same Splice function, pointed
// at the shared sink) ever advances the producer.
func Tee(srcFD, dstFD int, max int) (int, error) {
	n, err := unix.Tee(srcFD, dstFD, max, unix.SPLICE_F_NONBLOCK)
	return int(n), err
}

// IsAgain reports whether err is the EAGAIN a non-blocking
// splice/tee call returns when the operation would otherwise block.
func IsAgain(err error) bool {
	return err == unix.EAGAIN
}
