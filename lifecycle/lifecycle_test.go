// File: lifecycle/lifecycle_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package lifecycle

import "testing"

func TestFireRunsInReverseRegistrationOrder(t *testing.T) {
	r := NewRegistry()
	var got []string
	for _, name := range []string{"A", "B", "C"} {
		name := name
		r.Add(OnStart, func(any) { got = append(got, name) }, nil)
	}
	r.Fire(OnStart)
	want := []string{"C", "B", "A"}
	if len(got) != len(want) {
		t.Fatalf("fired %d callbacks, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order %v, want %v", got, want)
		}
	}
}

func TestRemoveByHandle(t *testing.T) {
	r := NewRegistry()
	var fired int
	id := r.Add(OnFinish, func(any) { fired++ }, nil)
	if !r.Remove(OnFinish, id) {
		t.Fatal("Remove returned false for a live handle")
	}
	if r.Remove(OnFinish, id) {
		t.Fatal("Remove returned true for a dead handle")
	}
	r.Fire(OnFinish)
	if fired != 0 {
		t.Fatalf("removed callback fired %d times", fired)
	}
}

func TestMutationDuringFireAffectsNextFiringOnly(t *testing.T) {
	r := NewRegistry()
	var fired int
	r.Add(OnIdle, func(any) {
		fired++
		r.Add(OnIdle, func(any) { fired += 100 }, nil)
	}, nil)
	r.Fire(OnIdle)
	if fired != 1 {
		t.Fatalf("first firing ran %d, want 1 (registration during fire must not apply)", fired)
	}
	r.Fire(OnIdle)
	if fired != 102 {
		t.Fatalf("second firing total %d, want 102", fired)
	}
}

func TestArgumentIsPassedThrough(t *testing.T) {
	r := NewRegistry()
	var got any
	r.Add(AtExit, func(arg any) { got = arg }, "payload")
	r.Fire(AtExit)
	if got != "payload" {
		t.Fatalf("arg = %v", got)
	}
}

func TestClearDropsAllCallbacks(t *testing.T) {
	r := NewRegistry()
	var fired int
	r.Add(OnShutdown, func(any) { fired++ }, nil)
	r.Add(OnShutdown, func(any) { fired++ }, nil)
	r.Clear(OnShutdown)
	r.Fire(OnShutdown)
	if fired != 0 {
		t.Fatalf("cleared callbacks fired %d times", fired)
	}
}

func TestStateStrings(t *testing.T) {
	if OnInitialize.String() != "on_initialize" || AtExit.String() != "at_exit" {
		t.Fatal("state names broken")
	}
	if State(99).String() != "unknown" {
		t.Fatal("out-of-range state should be unknown")
	}
}
