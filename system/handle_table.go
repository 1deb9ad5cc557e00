// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package system

import "sync"

// Handle is a process-local token for an endpoint. Zero is never a
// valid handle.
type Handle uint32

// InvalidHandle is the zero Handle.
const InvalidHandle Handle = 0

// handleTable maps handles to dispatchers. Handles are issued in
// increasing order and a value is reissued only after wrapping around
// and only if no live entry holds it.
type handleTable struct {
	mu      sync.Mutex
	entries map[Handle]dispatcher
	last    Handle
	max     int
}

func newHandleTable(max int) *handleTable {
	return &handleTable{entries: make(map[Handle]dispatcher), max: max}
}

func (t *handleTable) nextLocked() Handle {
	for {
		t.last++
		if t.last == InvalidHandle {
			continue
		}
		if _, used := t.entries[t.last]; !used {
			return t.last
		}
	}
}

func (t *handleTable) add(d dispatcher) (Handle, error) {
	handles, err := t.addMany([]dispatcher{d})
	if err != nil {
		return InvalidHandle, err
	}
	return handles[0], nil
}

// addMany inserts all of ds or none of them.
func (t *handleTable) addMany(ds []dispatcher) ([]Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.entries)+len(ds) > t.max {
		return nil, Errorf(CodeResourceExhausted, "handle table holds %d of %d entries", len(t.entries), t.max)
	}
	handles := make([]Handle, len(ds))
	for i, d := range ds {
		handles[i] = t.nextLocked()
		t.entries[handles[i]] = d
	}
	return handles, nil
}

func (t *handleTable) get(h Handle) (dispatcher, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.getLocked(h)
}

func (t *handleTable) getLocked(h Handle) (dispatcher, error) {
	d, ok := t.entries[h]
	if !ok {
		return nil, Errorf(CodeInvalidArgument, "handle %d is not open", h)
	}
	return d, nil
}

func (t *handleTable) remove(h Handle) (dispatcher, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, err := t.getLocked(h)
	if err != nil {
		return nil, err
	}
	delete(t.entries, h)
	return d, nil
}

// removeAll empties the table and returns what it held.
func (t *handleTable) removeAll() []dispatcher {
	t.mu.Lock()
	defer t.mu.Unlock()
	ds := make([]dispatcher, 0, len(t.entries))
	for h, d := range t.entries {
		ds = append(ds, d)
		delete(t.entries, h)
	}
	return ds
}

func (t *handleTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
