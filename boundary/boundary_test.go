package boundary

import (
	"errors"
	"runtime"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

func TestGuardPassesThroughErrors(t *testing.T) {
	want := errors.New("plain failure")
	if err := Guard(func() error { return want }); err != want {
		t.Fatalf("Guard returned %v, want %v", err, want)
	}
	if err := Guard(func() error { return nil }); err != nil {
		t.Fatalf("Guard returned %v, want nil", err)
	}
}

func TestGuardRecoversFaults(t *testing.T) {
	var mu sync.Mutex
	var reported []*Fault
	prev := SetReporter(func(f *Fault) {
		mu.Lock()
		reported = append(reported, f)
		mu.Unlock()
	})
	defer SetReporter(prev)

	cases := []struct {
		name string
		fn   func() error
		want string
	}{
		{"string", func() error { panic("assertion failed: x > 0") }, "assertion failed: x > 0"},
		{"index", func() error {
			var s []int
			i := 3
			_ = s[i]
			return nil
		}, "index out of range"},
		{"nil map", func() error {
			var m map[string]int
			m["a"] = 1
			return nil
		}, "assignment to entry in nil map"},
		{"error value", func() error { panic(errors.New("wrapped")) }, "wrapped"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Guard(tc.fn)
			var f *Fault
			if !errors.As(err, &f) {
				t.Fatalf("Guard returned %v, want *Fault", err)
			}
			if !strings.Contains(f.Error(), tc.want) {
				t.Errorf("fault = %q, want substring %q", f.Error(), tc.want)
			}
			if len(f.Stack) == 0 {
				t.Error("fault has no stack")
			}
		})
	}

	if len(reported) != len(cases) {
		t.Errorf("reporter saw %d faults, want %d", len(reported), len(cases))
	}
}

func TestGuardRestoresPanicOnFault(t *testing.T) {
	debug.SetPanicOnFault(false)
	_ = Guard(func() error { panic("boom") })
	if was := debug.SetPanicOnFault(false); was {
		t.Error("SetPanicOnFault left enabled after Guard")
	}
}

func TestDiagnosePropagatesAndRestores(t *testing.T) {
	calls := 0
	mine := Reporter(func(*Fault) { calls++ })
	prev := SetReporter(mine)
	defer SetReporter(prev)

	msg := func() (msg string) {
		defer func() {
			if r := recover(); r != nil {
				msg = r.(string)
			}
		}()
		_ = Diagnose(func() error {
			// Nested guards inside a diagnostic call report to the silent reporter.
			_ = Guard(func() error { panic("inner") })
			Raise("expected diagnostic text")
			return nil
		})
		return ""
	}()

	if msg != "expected diagnostic text" {
		t.Fatalf("recovered %q, want the raw diagnostic", msg)
	}
	if calls != 0 {
		t.Errorf("reporter called %d times during Diagnose, want 0", calls)
	}

	// The reporter and the lock are both back after the panic.
	_ = Guard(func() error { panic("after") })
	if calls != 1 {
		t.Errorf("reporter called %d times after Diagnose, want 1", calls)
	}
	if err := Diagnose(func() error { return nil }); err != nil {
		t.Fatalf("second Diagnose returned %v", err)
	}
}

func TestDiagnoseIsExclusive(t *testing.T) {
	var active, maxActive int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = Diagnose(func() error {
				mu.Lock()
				active++
				if active > maxActive {
					maxActive = active
				}
				mu.Unlock()
				runtime.Gosched()
				mu.Lock()
				active--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()
	if maxActive != 1 {
		t.Errorf("max concurrent diagnostic calls = %d, want 1", maxActive)
	}
}

func TestGuardInFlightKeepsReporterDuringDiagnose(t *testing.T) {
	var reported atomic.Int32
	prev := SetReporter(func(*Fault) { reported.Add(1) })
	defer SetReporter(prev)

	guarding := make(chan struct{})
	diagnosing := make(chan struct{})
	release := make(chan struct{})
	guardDone := make(chan error)
	diagDone := make(chan struct{})

	go func() {
		guardDone <- Guard(func() error {
			close(guarding)
			<-diagnosing
			panic("in flight")
		})
	}()
	<-guarding
	go func() {
		defer close(diagDone)
		_ = Diagnose(func() error {
			close(diagnosing)
			<-release
			return nil
		})
	}()

	err := <-guardDone
	close(release)
	<-diagDone

	var f *Fault
	if !errors.As(err, &f) || f.Error() != "in flight" {
		t.Fatalf("Guard returned %v, want the fault", err)
	}
	if n := reported.Load(); n != 1 {
		t.Errorf("reported %d faults, want 1", n)
	}
}
