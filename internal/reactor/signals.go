package reactor

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// setupSignals wires SIGINT/SIGTERM/SIGCHLD into the epoll set via a
// self-pipe: os/signal.Notify delivers to a channel (the only
// correct, portable way to receive signals in a Go program without
// fighting the runtime's OS-thread scheduling, see DESIGN.md), and a
// forwarding goroutine turns each one into a single byte on a
// non-blocking pipe whose read end the reactor polls. This achieves
// spec.md §9's "signals dispatched synchronously on the loop thread"
// without raw signalfd's sigprocmask fragility.
func (l *Loop) setupSignals() error {
	r, w, err := os.Pipe()
	if err != nil {
		return errors.Wrap(err, "open signal self-pipe")
	}
	if err := unix.SetNonblock(int(r.Fd()), true); err != nil {
		return errors.Wrap(err, "set signal self-pipe non-blocking")
	}

	l.sigR, l.sigW = r, w
	l.sigCh = make(chan os.Signal, 8)
	l.stopForwarders = make(chan struct{})
	signal.Notify(l.sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGCHLD)

	go func() {
		for {
			select {
			case sig := <-l.sigCh:
				unixSig, _ := sig.(syscall.Signal)
				_, _ = w.Write([]byte{byte(unixSig)})
			case <-l.stopForwarders:
				return
			}
		}
	}()

	return l.ep.add(int(r.Fd()), unix.EPOLLIN, &registration{kind: regSignal})
}

// setupStatsTicker wires the periodic statistics event into the same
// epoll set via the same self-pipe technique, grounded on the
// teacher's plain time.Ticker use in std.SnmpLogger (spec.md §4.5).
func (l *Loop) setupStatsTicker() error {
	r, w, err := os.Pipe()
	if err != nil {
		return errors.Wrap(err, "open stats self-pipe")
	}
	if err := unix.SetNonblock(int(r.Fd()), true); err != nil {
		return errors.Wrap(err, "set stats self-pipe non-blocking")
	}

	l.statsR, l.statsW = r, w
	l.ticker = time.NewTicker(l.cfg.StatsInterval)

	go func() {
		for {
			select {
			case <-l.ticker.C:
				_, _ = w.Write([]byte{1})
			case <-l.stopForwarders:
				return
			}
		}
	}()

	return l.ep.add(int(r.Fd()), unix.EPOLLIN, &registration{kind: regTicker})
}

// handleSignal drains the signal self-pipe and dispatches each byte
// read (SIGCHLD -> reaper, SIGINT/SIGTERM -> graceful break).
func (l *Loop) handleSignal() {
	var buf [64]byte
	for {
		n, err := unix.Read(int(l.sigR.Fd()), buf[:])
		if n <= 0 || err != nil {
			return
		}
		for _, b := range buf[:n] {
			switch syscall.Signal(b) {
			case syscall.SIGCHLD:
				l.reap()
			case syscall.SIGINT, syscall.SIGTERM:
				l.RequestBreak()
			}
		}
	}
}

// handleTick drains the stats self-pipe and invokes the configured
// callback once regardless of how many ticks coalesced.
func (l *Loop) handleTick() {
	var buf [64]byte
	fired := false
	for {
		n, err := unix.Read(int(l.statsR.Fd()), buf[:])
		if n <= 0 || err != nil {
			break
		}
		fired = true
	}
	if fired && l.cfg.OnStats != nil {
		l.cfg.OnStats()
	}
}
