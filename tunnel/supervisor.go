package tunnel

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State is the observable lifecycle state of an endpoint (ServerTunnel or
// ClientTunnel). Transitions happen only through Supervisor.setState, the
// single update call site; reconnect scheduling is done by ClientTunnel's
// dial loop, not by setState.
type State int

const (
	StateStopped State = iota
	StateListening
	StateConnected
	StateDisconnected
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateListening:
		return "listening"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// ErrAborted is the advisory completion error handed to resources destroyed
// by Supervisor.Stop.
var ErrAborted = errors.New("tunnel: supervisor stopped")

// Closeable is a resource released by graceful close (listeners, H2
// sessions). Close must be safe to call more than once.
type Closeable interface {
	Close() error
}

// Destroyable is a resource released by forceful destroy (sockets,
// streams). Destroy must be safe to call more than once.
type Destroyable interface {
	Destroy(err error)
}

// Supervisor is the resource registry, state machine and teardown
// coordinator shared by ServerTunnel and ClientTunnel. All mutation of its
// registries and state happens while mu is held, modeling the
// single-threaded cooperative event loop per endpoint required by the
// concurrency model: callers on other goroutines (listener accept loops,
// stream bridges) serialize through Supervisor rather than touching shared
// state directly.
type Supervisor struct {
	Logger

	mu           sync.Mutex
	aborted      bool
	closeables   map[Closeable]struct{}
	destroyables map[Destroyable]struct{}
	timers       map[*time.Timer]struct{}
	state        State
	stateCh      chan struct{}
	stopped      chan struct{}

	stats streamStats
}

// InitSupervisor prepares a Supervisor for use, either the first time or
// again after a prior Stop has fully converged: embedders call this at the
// start of every Start(), not just once at construction, so that
// start(); stop(); start() (L1) reaches Listening again on the same value
// instead of being permanently aborted by the first Stop.
func (s *Supervisor) InitSupervisor(logger Logger) {
	s.mu.Lock()
	s.Logger = logger
	s.aborted = false
	s.state = StateStopped
	s.stats = streamStats{}
	s.closeables = make(map[Closeable]struct{})
	s.destroyables = make(map[Destroyable]struct{})
	s.timers = make(map[*time.Timer]struct{})
	s.stateCh = make(chan struct{})
	s.stopped = make(chan struct{})
	s.mu.Unlock()
}

// RegisterCloseable records r as a live closeable resource. done must be
// closed exactly once, when r's terminal event fires (whether because this
// Supervisor closed it or because it failed on its own); the registration
// is removed at that point. A late registration, arriving after Stop has
// been called, destroys r immediately instead of tracking it (invariant 4).
func (s *Supervisor) RegisterCloseable(r Closeable, done <-chan struct{}) {
	s.mu.Lock()
	if s.aborted {
		s.mu.Unlock()
		r.Close()
		return
	}
	s.closeables[r] = struct{}{}
	s.mu.Unlock()

	go func() {
		<-done
		s.mu.Lock()
		delete(s.closeables, r)
		s.mu.Unlock()
	}()
}

// RegisterDestroyable is RegisterCloseable's forceful counterpart.
func (s *Supervisor) RegisterDestroyable(r Destroyable, done <-chan struct{}) {
	s.mu.Lock()
	if s.aborted {
		s.mu.Unlock()
		r.Destroy(ErrAborted)
		return
	}
	s.destroyables[r] = struct{}{}
	s.mu.Unlock()

	go func() {
		<-done
		s.mu.Lock()
		delete(s.destroyables, r)
		s.mu.Unlock()
	}()
}

// Schedule enrolls a one-shot timer that removes itself before invoking f.
// It returns nil if the supervisor has already aborted, in which case f is
// never called (invariant 4: no reconnect timers survive abort).
func (s *Supervisor) Schedule(delay time.Duration, f func()) *time.Timer {
	s.mu.Lock()
	if s.aborted {
		s.mu.Unlock()
		return nil
	}
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, t)
		s.mu.Unlock()
		f()
	})
	s.timers[t] = struct{}{}
	s.mu.Unlock()
	return t
}

// CancelTimer stops a timer returned by Schedule and removes it from the
// registry, if it is still pending.
func (s *Supervisor) CancelTimer(t *time.Timer) {
	if t == nil {
		return
	}
	t.Stop()
	s.mu.Lock()
	delete(s.timers, t)
	s.mu.Unlock()
}

// IsAborted reports whether Stop has been called. Once true it stays true
// until InitSupervisor is called again, i.e. it is monotonic within one
// start/stop cycle.
func (s *Supervisor) IsAborted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborted
}

// setState installs a new observable state and wakes any WaitUntil callers.
func (s *Supervisor) setState(newState State) {
	s.mu.Lock()
	if s.state == newState {
		s.mu.Unlock()
		return
	}
	s.state = newState
	old := s.stateCh
	s.stateCh = make(chan struct{})
	s.mu.Unlock()
	close(old)
}

// State returns the current observable state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// WaitUntil blocks until the supervisor reaches target, or ctx is done. If
// the current state is already target it returns immediately. Only the
// current state is compared, on entry and after each wake-up: a state that
// was entered and left again before the waiter re-checks is not reported.
func (s *Supervisor) WaitUntil(ctx context.Context, target State) error {
	for {
		s.mu.Lock()
		if s.state == target {
			s.mu.Unlock()
			return nil
		}
		ch := s.stateCh
		s.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Stop sets aborted, cancels every timer, closes every closeable and
// destroys every destroyable, and returns once all of those Close and
// Destroy calls have returned. It does not wait on the done channels passed
// at registration, so a resource's own terminal event may still be in
// progress when Stop returns. It is idempotent: calling it again after the
// first call has started just waits for that first call's teardown to
// converge.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if s.aborted {
		s.mu.Unlock()
		<-s.stopped
		return
	}
	s.aborted = true
	s.mu.Unlock()
	s.setState(StateStopping)

	s.mu.Lock()
	timers := s.timers
	s.timers = make(map[*time.Timer]struct{})
	closeables := s.closeables
	s.closeables = make(map[Closeable]struct{})
	destroyables := s.destroyables
	s.destroyables = make(map[Destroyable]struct{})
	s.mu.Unlock()

	for t := range timers {
		t.Stop()
	}

	var wg sync.WaitGroup
	for c := range closeables {
		wg.Add(1)
		go func(c Closeable) {
			defer wg.Done()
			c.Close()
		}(c)
	}
	for d := range destroyables {
		wg.Add(1)
		go func(d Destroyable) {
			defer wg.Done()
			d.Destroy(ErrAborted)
		}(d)
	}
	wg.Wait()

	s.setState(StateStopped)
	close(s.stopped)
}

// Wait blocks until a Stop call (by this goroutine or another) has fully
// converged.
func (s *Supervisor) Wait() {
	<-s.stopped
}

// Stopped returns a channel closed once Stop has fully converged. Useful
// for a goroutine that is not itself a registered resource but still needs
// to unblock promptly when the endpoint shuts down (e.g. a reconnect loop
// waiting out its backoff timer).
func (s *Supervisor) Stopped() <-chan struct{} {
	return s.stopped
}
