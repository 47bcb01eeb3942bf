package session

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sebas/calltap/internal/snoopmgr/portalloc"
)

func newTestRegistry(t *testing.T, grace time.Duration) *Registry {
	t.Helper()
	r := NewRegistry(RegistryConfig{LegGrace: grace, CleanupInterval: 10 * time.Millisecond})
	t.Cleanup(r.Close)
	return r
}

func TestStateTransitions(t *testing.T) {
	tests := []struct {
		from, to CallState
		ok       bool
	}{
		{StateSettingUp, StateActive, true},
		{StateSettingUp, StateTearingDown, true},
		{StateSettingUp, StateEnded, false},
		{StateActive, StateTearingDown, true},
		{StateActive, StateSettingUp, false},
		{StateTearingDown, StateEnded, true},
		{StateTearingDown, StateTearingDown, false},
		{StateEnded, StateActive, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.ok {
			t.Errorf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.ok)
		}
	}
	if !StateEnded.IsTerminal() || StateActive.IsTerminal() {
		t.Error("IsTerminal wrong")
	}
}

func TestInsertDuplicate(t *testing.T) {
	r := newTestRegistry(t, time.Minute)
	ports := portalloc.Ports{In: 40000, Out: 40002}
	if err := r.Insert(NewCallSession("C1", "L1", "U1", ports)); err != nil {
		t.Fatal(err)
	}
	err := r.Insert(NewCallSession("C1", "L1", "U1", ports))
	if !errors.Is(err, ErrExists) {
		t.Fatalf("second Insert error = %v, want ErrExists", err)
	}
	if r.Count() != 1 {
		t.Errorf("Count = %d, want 1", r.Count())
	}
}

func TestBeginTeardownOnce(t *testing.T) {
	r := newTestRegistry(t, time.Minute)
	s := NewCallSession("C1", "L1", "U1", portalloc.Ports{})
	if err := r.Insert(s); err != nil {
		t.Fatal(err)
	}
	if err := s.Transition(StateActive); err != nil {
		t.Fatal(err)
	}

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := r.BeginTeardown("C1"); ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Fatalf("BeginTeardown won %d times, want 1", wins.Load())
	}
	if s.State() != StateTearingDown {
		t.Errorf("state = %s", s.State())
	}
	if _, ok := r.BeginTeardown("unknown"); ok {
		t.Error("BeginTeardown on unknown id succeeded")
	}
}

func TestRemoveEndsSession(t *testing.T) {
	r := newTestRegistry(t, time.Minute)
	s := NewCallSession("C1", "L1", "U1", portalloc.Ports{})
	r.Insert(s)
	r.BeginTeardown("C1")
	r.Remove("C1")

	if _, ok := r.Get("C1"); ok {
		t.Error("session still present after Remove")
	}
	if s.State() != StateEnded {
		t.Errorf("state = %s, want Ended", s.State())
	}
	// Removing twice is harmless.
	r.Remove("C1")
}

func TestOwnLegsOutliveCall(t *testing.T) {
	r := newTestRegistry(t, 50*time.Millisecond)
	r.Insert(NewCallSession("C1", "L1", "U1", portalloc.Ports{}))
	r.TrackLegs("C1", "snoop-in", "em-in", "")

	if owner, ok := r.OwnerOf("em-in"); !ok || owner != "C1" {
		t.Fatalf("OwnerOf(em-in) = %q, %v", owner, ok)
	}
	if r.IsOwnLeg("C1") {
		t.Error("primary channel reported as own leg")
	}
	if r.IsOwnLeg("") {
		t.Error("empty id reported as own leg")
	}

	r.Remove("C1")
	if !r.IsOwnLeg("snoop-in") {
		t.Error("leg forgotten immediately after Remove")
	}

	deadline := time.Now().Add(2 * time.Second)
	for r.IsOwnLeg("snoop-in") {
		if time.Now().After(deadline) {
			t.Fatal("leg id never expired")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestListSnapshots(t *testing.T) {
	r := newTestRegistry(t, time.Minute)
	a := NewCallSession("A", "LA", "UA", portalloc.Ports{In: 40000, Out: 40002})
	b := NewCallSession("B", "LB", "UB", portalloc.Ports{In: 40004, Out: 40006})
	b.CreatedAt = a.CreatedAt.Add(time.Second)
	r.Insert(b)
	r.Insert(a)
	a.SetTapLeg(DirOut, "tap-out")
	a.SetRegistered(true)

	list := r.List()
	if len(list) != 2 || list[0].ChannelID != "A" || list[1].ChannelID != "B" {
		t.Fatalf("List = %+v", list)
	}
	if list[0].TapLegIDs[DirOut] != "tap-out" || !list[0].Registered {
		t.Errorf("snapshot = %+v", list[0])
	}
}
