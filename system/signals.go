// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package system

import "strings"

// Signals is a set of conditions a handle can be waited on for.
type Signals uint32

const (
	SignalReadable Signals = 1 << iota
	SignalWritable
	SignalPeerClosed
)

func (s Signals) String() string {
	if s == 0 {
		return "none"
	}
	var names []string
	if s&SignalReadable != 0 {
		names = append(names, "readable")
	}
	if s&SignalWritable != 0 {
		names = append(names, "writable")
	}
	if s&SignalPeerClosed != 0 {
		names = append(names, "peer_closed")
	}
	return strings.Join(names, "|")
}

// SignalsState reports which signals hold now and which could still
// hold in the future.
type SignalsState struct {
	Satisfied   Signals
	Satisfiable Signals
}

// Satisfies reports whether any of signals holds.
func (s SignalsState) Satisfies(signals Signals) bool { return s.Satisfied&signals != 0 }

// CanSatisfy reports whether any of signals may still hold.
func (s SignalsState) CanSatisfy(signals Signals) bool { return s.Satisfiable&signals != 0 }

type waitResult struct {
	index int
	state SignalsState
	err   error
}

// waiter is one registration of a Wait or WaitMany. results is
// buffered so delivery never blocks the dispatcher.
type waiter struct {
	signals Signals
	index   int
	results chan<- waitResult
}

func (w *waiter) deliver(state SignalsState, err error) {
	select {
	case w.results <- waitResult{index: w.index, state: state, err: err}:
	default:
	}
}

// waiterSet is the waiter list of one dispatcher, guarded by the
// dispatcher's lock.
type waiterSet struct {
	waiters []*waiter
}

// register adds w unless state already decides it, in which case it
// returns true along with the wait's result.
func (s *waiterSet) register(w *waiter, state SignalsState) (bool, error) {
	if state.Satisfies(w.signals) {
		return true, nil
	}
	if !state.CanSatisfy(w.signals) {
		return true, ErrFailedPrecondition
	}
	s.waiters = append(s.waiters, w)
	return false, nil
}

func (s *waiterSet) remove(w *waiter) {
	for i, candidate := range s.waiters {
		if candidate == w {
			s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
			return
		}
	}
}

// awake releases every waiter that state satisfies or can no longer
// satisfy.
func (s *waiterSet) awake(state SignalsState) {
	kept := s.waiters[:0]
	for _, w := range s.waiters {
		switch {
		case state.Satisfies(w.signals):
			w.deliver(state, nil)
		case !state.CanSatisfy(w.signals):
			w.deliver(state, ErrFailedPrecondition)
		default:
			kept = append(kept, w)
		}
	}
	clear(s.waiters[len(kept):])
	s.waiters = kept
}

// cancelAll releases every waiter with ErrCancelled.
func (s *waiterSet) cancelAll() {
	for _, w := range s.waiters {
		w.deliver(SignalsState{}, ErrCancelled)
	}
	s.waiters = nil
}
