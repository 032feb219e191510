package stalker

import (
	"testing"
	"time"

	"github.com/0xDC00/stalker/internal/slab"
)

func TestStateString(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateActive, "Active"},
		{StateUnfollowPending, "UnfollowPending"},
		{StateDestroyPending, "DestroyPending"},
		{State(99), "Unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}

func TestState32CAS(t *testing.T) {
	var s State32
	s.Store(StateActive)

	if s.CAS(StateUnfollowPending, StateDestroyPending) {
		t.Fatal("CAS succeeded from the wrong old state")
	}
	if !s.CAS(StateActive, StateUnfollowPending) {
		t.Fatal("CAS from the correct old state failed")
	}
	if got := s.Load(); got != StateUnfollowPending {
		t.Errorf("Load() = %v, want UnfollowPending", got)
	}
}

func TestTryCompleteUnfollowWaitsOnPendingCalls(t *testing.T) {
	ctx := &ExecCtx{}
	ctx.state.Store(StateUnfollowPending)
	ctx.pendingCalls.Add(1)

	if ctx.tryCompleteUnfollow() {
		t.Fatal("tryCompleteUnfollow() succeeded with a pending call outstanding")
	}
	if ctx.state.Load() != StateUnfollowPending {
		t.Errorf("state = %v, want still UnfollowPending", ctx.state.Load())
	}

	ctx.pendingCalls.Add(-1)
	if !ctx.tryCompleteUnfollow() {
		t.Fatal("tryCompleteUnfollow() failed once pending calls reached zero")
	}
	if ctx.state.Load() != StateDestroyPending {
		t.Errorf("state = %v, want DestroyPending", ctx.state.Load())
	}
}

func TestReadyToDestroyGracePeriod(t *testing.T) {
	ctx := &ExecCtx{}
	ctx.state.Store(StateDestroyPending)
	ctx.destroyPendingSince = time.Now()

	if ctx.readyToDestroy(false) {
		t.Fatal("readyToDestroy(false) = true immediately, want to wait out the grace period")
	}
	if !ctx.readyToDestroy(true) {
		t.Fatal("readyToDestroy(true) = false, want true (selfCollect skips the grace period)")
	}

	ctx.destroyPendingSince = time.Now().Add(-destroyGracePeriod - time.Millisecond)
	if !ctx.readyToDestroy(false) {
		t.Error("readyToDestroy(false) = false after the grace period elapsed")
	}
}

func TestReadyToDestroyRequiresDestroyPendingState(t *testing.T) {
	ctx := &ExecCtx{}
	ctx.state.Store(StateActive)
	if ctx.readyToDestroy(true) {
		t.Error("readyToDestroy() = true for a non-DestroyPending ExecCtx")
	}
}

func TestRegisterCalloutOverwritesAndDestroysOld(t *testing.T) {
	ctx := &ExecCtx{calloutsByAddr: make(map[uintptr]calloutEntry)}

	var destroyedOld interface{}
	ctx.registerCallout(0x9000, func(*CPUContext, interface{}) {}, "first", func(d interface{}) { destroyedOld = d })
	ctx.registerCallout(0x9000, func(*CPUContext, interface{}) {}, "second", nil)

	if destroyedOld != "first" {
		t.Errorf("destroy callback saw %v, want %q", destroyedOld, "first")
	}

	e, ok := ctx.calloutFor(0x9000)
	if !ok {
		t.Fatal("calloutFor(0x9000) ok = false, want true")
	}
	if e.data != "second" {
		t.Errorf("calloutFor(0x9000).data = %v, want %q", e.data, "second")
	}

	if _, ok := ctx.calloutFor(0xabcd); ok {
		t.Error("calloutFor(unregistered addr) ok = true, want false")
	}
}

func TestInvalidateDropsBlock(t *testing.T) {
	ctx := &ExecCtx{blocks: map[uintptr]*slab.ExecBlock{
		0x5000: slab.NewExecBlock(0, nil),
	}}

	ctx.invalidate(0x5000)

	if _, ok := ctx.blocks[0x5000]; ok {
		t.Error("block still present after invalidate")
	}
}
