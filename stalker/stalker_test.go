package stalker

import (
	"testing"

	"github.com/0xDC00/stalker/platform"
)

func TestAddressRangeContains(t *testing.T) {
	r := AddressRange{Start: 0x1000, End: 0x2000}
	tests := []struct {
		addr uintptr
		want bool
	}{
		{0x0fff, false},
		{0x1000, true},
		{0x1500, true},
		{0x1fff, true},
		{0x2000, false},
	}
	for _, tt := range tests {
		if got := r.Contains(tt.addr); got != tt.want {
			t.Errorf("Contains(%#x) = %v, want %v", tt.addr, got, tt.want)
		}
	}
}

func TestNewDefaults(t *testing.T) {
	st := New(Mode64)
	if got, want := st.TrustThreshold(), defaultTrustThreshold; got != want {
		t.Errorf("TrustThreshold() = %d, want %d", got, want)
	}
	if got, want := st.ICEntries(), defaultICEntries; got != want {
		t.Errorf("ICEntries() = %d, want %d", got, want)
	}
}

func TestSetICEntriesValidatesRange(t *testing.T) {
	st := New(Mode64)
	for _, n := range []int{0, 1, 33, -1} {
		if err := st.SetICEntries(n); err != ErrICEntriesOutOfRange {
			t.Errorf("SetICEntries(%d) = %v, want ErrICEntriesOutOfRange", n, err)
		}
	}
	for _, n := range []int{2, 16, 32} {
		if err := st.SetICEntries(n); err != nil {
			t.Errorf("SetICEntries(%d) = %v, want nil", n, err)
		}
		if got := st.ICEntries(); got != n {
			t.Errorf("ICEntries() = %d, want %d", got, n)
		}
	}
}

func TestExcludeAndExcluded(t *testing.T) {
	st := New(Mode64)
	st.Exclude(AddressRange{Start: 0x4000, End: 0x5000})

	if !st.excluded(0x4500) {
		t.Error("excluded(0x4500) = false, want true")
	}
	if st.excluded(0x5000) {
		t.Error("excluded(0x5000) = true, want false (half-open end)")
	}
	if st.excluded(0x3999) {
		t.Error("excluded(0x3999) = true, want false")
	}
}

func TestAddRemoveCallProbe(t *testing.T) {
	st := New(Mode64)
	const target = uintptr(0x8000)

	if st.hasProbe(target) {
		t.Fatal("hasProbe(target) = true before any probe installed")
	}

	var invoked int
	id := st.AddCallProbe(target, func(*CPUContext, interface{}) { invoked++ }, nil, nil)

	if !st.hasProbe(target) {
		t.Error("hasProbe(target) = false after AddCallProbe")
	}

	st.invokeProbes(target, nil)
	if invoked != 1 {
		t.Errorf("invoked = %d, want 1", invoked)
	}

	if err := st.RemoveCallProbe(id); err != nil {
		t.Fatalf("RemoveCallProbe: %v", err)
	}
	if st.hasProbe(target) {
		t.Error("hasProbe(target) = true after RemoveCallProbe")
	}
	if err := st.RemoveCallProbe(id); err != ErrProbeNotFound {
		t.Errorf("RemoveCallProbe(already removed) = %v, want ErrProbeNotFound", err)
	}
}

func TestFollowSelfThreadThenUnfollowAndCollect(t *testing.T) {
	st := New(Mode64)
	tid := platform.CurrentThreadID()

	ctx, err := st.Follow(tid, nil, nil)
	if err != nil {
		t.Fatalf("Follow: %v", err)
	}
	if ctx.state.Load() != StateActive {
		t.Errorf("state after Follow = %v, want Active", ctx.state.Load())
	}

	if _, err := st.Follow(tid, nil, nil); err != ErrAlreadyFollowed {
		t.Errorf("second Follow(same tid) = %v, want ErrAlreadyFollowed", err)
	}

	if err := st.Unfollow(tid); err != nil {
		t.Fatalf("Unfollow: %v", err)
	}
	if !ctx.tryCompleteUnfollow() {
		t.Fatal("tryCompleteUnfollow() = false with no pending calls outstanding")
	}

	st.GarbageCollect(true)

	st.mu.Lock()
	_, stillTracked := st.ctxs[tid]
	st.mu.Unlock()
	if stillTracked {
		t.Error("ExecCtx still tracked after GarbageCollect(selfCollect=true)")
	}

	if err := st.Unfollow(tid); err != ErrUnknownThread {
		t.Errorf("Unfollow(already collected) = %v, want ErrUnknownThread", err)
	}
}
