// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package shell

// ref names an arena slot. A ref taken before its slot was freed stays
// invalid after the slot is reused, because the generation moved on.
type ref struct {
	index      uint32
	generation uint32
}

type slot[T any] struct {
	generation uint32
	value      *T
}

// arena is a slab of values addressed by ref. It is not safe for
// concurrent use; the manager's loop owns it.
type arena[T any] struct {
	slots []slot[T]
	free  []uint32
	live  int
}

func (a *arena[T]) insert(value *T) ref {
	a.live++
	if n := len(a.free); n > 0 {
		index := a.free[n-1]
		a.free = a.free[:n-1]
		a.slots[index].value = value
		return ref{index: index, generation: a.slots[index].generation}
	}
	a.slots = append(a.slots, slot[T]{value: value})
	return ref{index: uint32(len(a.slots) - 1)}
}

func (a *arena[T]) get(r ref) (*T, bool) {
	if int(r.index) >= len(a.slots) {
		return nil, false
	}
	s := a.slots[r.index]
	if s.value == nil || s.generation != r.generation {
		return nil, false
	}
	return s.value, true
}

func (a *arena[T]) remove(r ref) bool {
	if _, ok := a.get(r); !ok {
		return false
	}
	a.slots[r.index].value = nil
	a.slots[r.index].generation++
	a.free = append(a.free, r.index)
	a.live--
	return true
}

func (a *arena[T]) len() int { return a.live }

// each calls fn for every live value in slot order.
func (a *arena[T]) each(fn func(ref, *T)) {
	for i, s := range a.slots {
		if s.value != nil {
			fn(ref{index: uint32(i), generation: s.generation}, s.value)
		}
	}
}
