package scheduler

import (
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/pkg/errors"
)

// ErrSignalExit is returned from a checkpoint when a termination signal
// arrived while the guard was armed.
var ErrSignalExit = errors.New("termination signal received during guarded execution")

// guardedSignals are intercepted while a guarded pass runs.
// SIGTERM: sent by the process supervisor on shutdown.
// SIGUSR1: the cooperative cancel signal from the dispatcher.
var guardedSignals = []os.Signal{syscall.SIGTERM, syscall.SIGINT, syscall.SIGUSR1}

// Logger is the minimal logging surface the scheduler components need.
// *logrus.Logger satisfies it.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// SignalGuard intercepts termination signals for the duration of a guarded
// call so a scheduling pass is never interrupted mid-transition. Re-entrant
// and shared across concurrent passes: the first entry opens a guarded
// window and installs signal state, every entry is balanced by an exit, and
// only the exit that brings the depth back to zero tears down and replays.
// Any signal received while guarded is re-raised after teardown so the
// disposition installed by the process supervisor still fires, exactly
// once.
type SignalGuard struct {
	mu     sync.Mutex
	depth  int
	armed  bool
	win    *guardWindow
	logger Logger

	// replay re-delivers a deferred signal after the guard has torn down.
	// Overridable in tests; the default restores the runtime disposition
	// and re-raises against our own process.
	replay func(os.Signal)
}

// guardWindow holds the signal state of one guarded window. A window that
// is tearing down is detached from the guard first, so a new window opened
// by a concurrent pass cannot clobber its deferred signals.
type guardWindow struct {
	ch    chan os.Signal
	stop  chan struct{}
	done  chan struct{}
	flags map[os.Signal]bool // guarded by SignalGuard.mu while attached
}

func NewSignalGuard(logger Logger) *SignalGuard {
	g := &SignalGuard{logger: logger}
	g.replay = g.defaultReplay
	return g
}

func (g *SignalGuard) defaultReplay(sig os.Signal) {
	signal.Reset(sig)
	if s, ok := sig.(syscall.Signal); ok {
		if err := syscall.Kill(os.Getpid(), s); err != nil {
			g.logger.Errorf("Failed to replay signal %v: %v", sig, err)
		}
	}
}

// RunGuarded executes fn with guarded signals intercepted. The error from
// fn is returned unchanged; every entry is balanced by an exit on every
// return path.
func (g *SignalGuard) RunGuarded(fn func() error) error {
	g.enter()
	defer g.exit()
	return fn()
}

func (g *SignalGuard) enter() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.depth++
	if g.depth > 1 {
		return
	}
	w := &guardWindow{
		ch:    make(chan os.Signal, len(guardedSignals)),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
		flags: make(map[os.Signal]bool, len(guardedSignals)),
	}
	g.win = w
	g.armed = false
	signal.Notify(w.ch, guardedSignals...)
	go g.watch(w)
}

func (g *SignalGuard) watch(w *guardWindow) {
	defer close(w.done)
	for {
		select {
		case sig := <-w.ch:
			g.mu.Lock()
			w.flags[sig] = true
			g.mu.Unlock()
			g.logger.Infof("Processed signal %v, set exit flag", sig)
		case <-w.stop:
			return
		}
	}
}

func (g *SignalGuard) exit() {
	g.mu.Lock()
	g.depth--
	if g.depth > 0 {
		g.mu.Unlock()
		return
	}
	w := g.win
	g.win = nil
	g.armed = false
	g.mu.Unlock()

	signal.Stop(w.ch)
	close(w.stop)
	<-w.done

	// anything still buffered after Stop; the window is detached, so no
	// lock is needed past this point
	for {
		select {
		case sig := <-w.ch:
			w.flags[sig] = true
			continue
		default:
		}
		break
	}

	for _, sig := range guardedSignals {
		if w.flags[sig] {
			g.logger.Infof("Replaying deferred signal %v after guard teardown", sig)
			g.replay(sig)
		}
	}
}

// SignalReceived reports whether any guarded signal arrived during the
// current guarded window. Callers poll it between task evaluations.
func (g *SignalGuard) SignalReceived() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.win == nil {
		return false
	}
	for _, sig := range guardedSignals {
		if g.win.flags[sig] {
			return true
		}
	}
	return false
}

// Arm makes the next Checkpoint return ErrSignalExit if a signal has been
// received, for callers that prefer an error to polling.
func (g *SignalGuard) Arm() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.armed = true
}

// Checkpoint is a safe point. When armed and a signal has arrived it
// disarms and returns ErrSignalExit, so the error is not produced a second
// time during unwinding.
func (g *SignalGuard) Checkpoint() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.armed || g.win == nil {
		return nil
	}
	for _, sig := range guardedSignals {
		if g.win.flags[sig] {
			g.armed = false
			return ErrSignalExit
		}
	}
	return nil
}
