// Package reply implements the once-only response arbitration described in
// spec §4.5 and §9: every Submission has up to three competing reply sources
// (receipt waiter, early-ack timer, failsafe timer), and exactly one of them
// may deliver the HTTP response. The guard is a compare-and-swap flag so the
// losing paths become no-ops, and winning cancels every outstanding timer —
// including the failsafe-before-send case the source left un-cancelled
// (spec §9 Open Question, resolved here in favor of always cancelling).
package reply

import (
	"sync"
	"sync/atomic"
)

// Result is whatever payload a winning reply path hands to the blocked HTTP
// handler; api's renderResult switches on Kind to render the right shape.
type Result struct {
	Kind string // "mined", "ack", "failsafe", "error"
	Data interface{}
}

// Arbiter is the single-shot guard owned by one Submission. The HTTP handler
// blocks on Wait(); exactly one of Send's callers wins.
type Arbiter struct {
	done int32 // atomic CAS flag: 0 = open, 1 = closed
	ch   chan Result

	mu      sync.Mutex
	timers  []func() // cancel funcs for every timer armed against this Arbiter
}

// New builds an open Arbiter.
func New() *Arbiter {
	return &Arbiter{ch: make(chan Result, 1)}
}

// Track registers a timer's cancel function so a win cancels it too.
func (a *Arbiter) Track(cancel func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.timers = append(a.timers, cancel)
}

// Send delivers result if and only if no prior Send has won; returns true on
// a win. Cancels every tracked timer before returning, on a win.
func (a *Arbiter) Send(result Result) bool {
	if !atomic.CompareAndSwapInt32(&a.done, 0, 1) {
		return false
	}
	a.mu.Lock()
	timers := a.timers
	a.mu.Unlock()
	for _, cancel := range timers {
		cancel()
	}
	a.ch <- result
	return true
}

// Replied reports whether a reply has already been sent, without blocking.
func (a *Arbiter) Replied() bool {
	return atomic.LoadInt32(&a.done) == 1
}

// Wait blocks until a reply has been sent and returns it.
func (a *Arbiter) Wait() Result {
	return <-a.ch
}
