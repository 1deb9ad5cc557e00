// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package shell

import "testing"

func TestArenaRefsGoStaleOnReuse(t *testing.T) {
	var a arena[int]
	one, two := 1, 2
	first := a.insert(&one)
	if got, ok := a.get(first); !ok || *got != 1 {
		t.Fatalf("get(first) = %v, %v", got, ok)
	}
	if !a.remove(first) {
		t.Fatal("remove(first) = false")
	}
	if a.remove(first) {
		t.Fatal("second remove(first) = true")
	}

	second := a.insert(&two)
	if second.index != first.index {
		t.Fatalf("slot not reused: %d vs %d", second.index, first.index)
	}
	if _, ok := a.get(first); ok {
		t.Error("stale ref still resolves after slot reuse")
	}
	if got, ok := a.get(second); !ok || *got != 2 {
		t.Errorf("get(second) = %v, %v", got, ok)
	}
	if a.len() != 1 {
		t.Errorf("len = %d, want 1", a.len())
	}
	if _, ok := a.get(ref{index: 99}); ok {
		t.Error("out of range ref resolves")
	}
}
