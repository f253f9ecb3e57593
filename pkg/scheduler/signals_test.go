package scheduler

import (
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

type nopLogger struct{}

func (nopLogger) Debugf(format string, args ...interface{}) {}
func (nopLogger) Infof(format string, args ...interface{})  {}
func (nopLogger) Warnf(format string, args ...interface{})  {}
func (nopLogger) Errorf(format string, args ...interface{}) {}

// recordingGuard swaps the replay hook so tests observe deferred-signal
// replay instead of re-raising against the test process.
func recordingGuard() (*SignalGuard, *[]os.Signal) {
	g := NewSignalGuard(nopLogger{})
	var mu sync.Mutex
	replayed := []os.Signal{}
	g.replay = func(sig os.Signal) {
		mu.Lock()
		defer mu.Unlock()
		replayed = append(replayed, sig)
	}
	return g, &replayed
}

func raiseAndWait(t *testing.T, g *SignalGuard) {
	t.Helper()
	if err := syscall.Kill(os.Getpid(), syscall.SIGUSR1); err != nil {
		t.Fatalf("failed to raise SIGUSR1: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for !g.SignalReceived() {
		if time.Now().After(deadline) {
			t.Fatal("signal flag never set")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSignalGuard(t *testing.T) {
	t.Run("NoSignalNoReplay", func(t *testing.T) {
		g, replayed := recordingGuard()
		err := g.RunGuarded(func() error { return nil })
		assert.NoError(t, err)
		assert.Empty(t, *replayed)
	})

	t.Run("SignalDeferredAndReplayedExactlyOnce", func(t *testing.T) {
		g, replayed := recordingGuard()
		evaluationsAfterSignal := 0
		err := g.RunGuarded(func() error {
			raiseAndWait(t, g)
			// current evaluation still completes after the signal
			evaluationsAfterSignal++
			assert.Empty(t, *replayed, "replay must wait for guard teardown")
			return nil
		})
		assert.NoError(t, err)
		assert.Equal(t, 1, evaluationsAfterSignal)
		assert.Len(t, *replayed, 1)
		assert.Equal(t, os.Signal(syscall.SIGUSR1), (*replayed)[0])
	})

	t.Run("ReplayHappensOnErrorExitToo", func(t *testing.T) {
		g, replayed := recordingGuard()
		boom := errors.New("pass blew up")
		err := g.RunGuarded(func() error {
			raiseAndWait(t, g)
			return boom
		})
		assert.Equal(t, boom, err)
		assert.Len(t, *replayed, 1)
	})

	t.Run("NestedGuardOnlyOutermostTearsDown", func(t *testing.T) {
		g, replayed := recordingGuard()
		err := g.RunGuarded(func() error {
			innerErr := g.RunGuarded(func() error {
				raiseAndWait(t, g)
				return nil
			})
			// inner exit must not replay; flag survives to the outer guard
			assert.Empty(t, *replayed)
			return innerErr
		})
		assert.NoError(t, err)
		assert.Len(t, *replayed, 1)
	})

	t.Run("GuardStillArmsAfterNestedWindow", func(t *testing.T) {
		g, replayed := recordingGuard()
		err := g.RunGuarded(func() error {
			return g.RunGuarded(func() error { return nil })
		})
		assert.NoError(t, err)

		g.mu.Lock()
		depth := g.depth
		g.mu.Unlock()
		assert.Equal(t, 0, depth, "nested exits must balance their enters")

		// a later window must still intercept and replay
		err = g.RunGuarded(func() error {
			raiseAndWait(t, g)
			return nil
		})
		assert.NoError(t, err)
		assert.Len(t, *replayed, 1)
	})

	t.Run("LastConcurrentPassTearsDown", func(t *testing.T) {
		g, replayed := recordingGuard()
		entered := make(chan struct{})
		release := make(chan struct{})
		var wg sync.WaitGroup
		var firstErr error
		wg.Add(1)
		go func() {
			defer wg.Done()
			firstErr = g.RunGuarded(func() error {
				close(entered)
				<-release
				return nil
			})
		}()
		<-entered

		// an overlapping pass enters and exits while the first still runs
		assert.NoError(t, g.RunGuarded(func() error { return nil }))
		assert.Empty(t, *replayed, "teardown must wait for the last pass")

		// handlers must still be installed for the surviving pass
		raiseAndWait(t, g)
		close(release)
		wg.Wait()
		assert.NoError(t, firstErr)
		assert.Len(t, *replayed, 1)
	})

	t.Run("SignalReceivedClearedBetweenWindows", func(t *testing.T) {
		g, _ := recordingGuard()
		err := g.RunGuarded(func() error {
			raiseAndWait(t, g)
			return nil
		})
		assert.NoError(t, err)
		err = g.RunGuarded(func() error {
			assert.False(t, g.SignalReceived())
			return nil
		})
		assert.NoError(t, err)
	})

	t.Run("ArmedCheckpointReturnsSignalExitOnce", func(t *testing.T) {
		g, _ := recordingGuard()
		err := g.RunGuarded(func() error {
			g.Arm()
			assert.NoError(t, g.Checkpoint())
			raiseAndWait(t, g)
			err := g.Checkpoint()
			assert.Equal(t, ErrSignalExit, err)
			// disarmed after firing so unwinding does not trip again
			assert.NoError(t, g.Checkpoint())
			return nil
		})
		assert.NoError(t, err)
	})
}
