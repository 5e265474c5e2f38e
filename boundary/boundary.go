// Package boundary converts internal faults into errors at the edge of a
// service call.
//
// Guard is the generic path: any panic raised while serving a call is
// recovered into a *Fault and reported. Diagnose is the compile-only path:
// faults propagate unrecovered so tooling can assert on the exact message,
// while the process-wide reporter is silenced for the duration and put back
// on every exit.
//
// Guard takes the reporter in effect when it starts, so calls already in
// flight when a diagnostic call begins still report their faults. Guard
// calls that start inside a diagnostic window are silenced with it.
package boundary

import (
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("confvm.boundary")

// Fault is a recovered panic.
type Fault struct {
	Value any
	Stack []byte
}

// Error returns the raw panic message.
func (f *Fault) Error() string {
	if err, ok := f.Value.(error); ok {
		return err.Error()
	}
	return fmt.Sprint(f.Value)
}

func (f *Fault) Unwrap() error {
	err, _ := f.Value.(error)
	return err
}

// Reporter receives every fault recovered by Guard.
type Reporter func(*Fault)

var reporter atomic.Pointer[Reporter]

func init() {
	SetReporter(logReporter)
}

func logReporter(f *Fault) {
	log.Errorf("recovered fault: %s\n%s", f.Error(), f.Stack)
}

func silentReporter(*Fault) {}

// SetReporter installs r as the process-wide fault reporter and returns the
// previous one. A nil r restores the default logging reporter.
func SetReporter(r Reporter) Reporter {
	if r == nil {
		r = logReporter
	}
	prev := reporter.Swap(&r)
	if prev == nil {
		return nil
	}
	return *prev
}

// Guard runs fn and recovers any panic into a *Fault, reported to the
// reporter in effect when Guard was called. Memory faults in fn panic
// instead of crashing the process for the duration of the call.
func Guard(fn func() error) (err error) {
	rep := reporter.Load()
	prev := debug.SetPanicOnFault(true)
	defer debug.SetPanicOnFault(prev)
	defer func() {
		if r := recover(); r != nil {
			f := &Fault{Value: r, Stack: debug.Stack()}
			if rep != nil {
				(*rep)(f)
			}
			err = f
		}
	}()
	return fn()
}

var diagMu sync.Mutex

// Diagnose runs fn without recovery. Only one diagnostic call runs at a
// time; the fault reporter is silenced while it runs and restored when it
// returns or panics.
func Diagnose(fn func() error) error {
	diagMu.Lock()
	defer diagMu.Unlock()

	prev := SetReporter(silentReporter)
	defer SetReporter(prev)

	return fn()
}

// Raise aborts the current call with msg as the fault text.
func Raise(msg string) {
	panic(msg)
}
