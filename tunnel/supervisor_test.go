package tunnel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeCloseable struct{ closed chan struct{} }

func newFakeCloseable() *fakeCloseable { return &fakeCloseable{closed: make(chan struct{})} }

func (f *fakeCloseable) Close() error {
	select {
	case <-f.closed:
	default:
		close(f.closed)
	}
	return nil
}

type fakeDestroyable struct {
	destroyed chan struct{}
	lastErr   error
}

func newFakeDestroyable() *fakeDestroyable { return &fakeDestroyable{destroyed: make(chan struct{})} }

func (f *fakeDestroyable) Destroy(err error) {
	f.lastErr = err
	select {
	case <-f.destroyed:
	default:
		close(f.destroyed)
	}
}

// (I1) both registries are empty once Stop resolves.
func TestSupervisorStopDrainsRegistries(t *testing.T) {
	var sup Supervisor
	sup.InitSupervisor(NopLogger{})

	c := newFakeCloseable()
	sup.RegisterCloseable(c, c.closed)
	d := newFakeDestroyable()
	sup.RegisterDestroyable(d, d.destroyed)

	sup.Stop()

	select {
	case <-c.closed:
	default:
		t.Fatal("closeable was not closed by Stop")
	}
	select {
	case <-d.destroyed:
	default:
		t.Fatal("destroyable was not destroyed by Stop")
	}
	require.Equal(t, ErrAborted, d.lastErr)
	require.Equal(t, StateStopped, sup.State())
}

// (L2) Stop twice is a no-op after the first completes.
func TestSupervisorStopIdempotent(t *testing.T) {
	var sup Supervisor
	sup.InitSupervisor(NopLogger{})
	sup.Stop()
	sup.Stop()
	require.Equal(t, StateStopped, sup.State())
}

// (invariant 4) a late registration after Stop is destroyed immediately.
func TestSupervisorLateRegistrationAfterStop(t *testing.T) {
	var sup Supervisor
	sup.InitSupervisor(NopLogger{})
	sup.Stop()

	d := newFakeDestroyable()
	sup.RegisterDestroyable(d, d.destroyed)
	select {
	case <-d.destroyed:
	default:
		t.Fatal("destroyable registered after Stop was not destroyed immediately")
	}

	timer := sup.Schedule(time.Hour, func() {})
	require.Nil(t, timer, "Schedule after Stop must not enroll a timer")
}

func TestSupervisorWaitUntil(t *testing.T) {
	var sup Supervisor
	sup.InitSupervisor(NopLogger{})

	go func() {
		time.Sleep(10 * time.Millisecond)
		sup.setState(StateConnected)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, sup.WaitUntil(ctx, StateConnected))

	// Already-reached state returns immediately.
	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	require.NoError(t, sup.WaitUntil(ctx2, StateConnected))
}
