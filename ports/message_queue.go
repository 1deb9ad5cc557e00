// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ports

import "container/heap"

// messageQueue holds user events ordered by sequence number. Events may
// arrive out of order; only the one carrying nextSequenceNum can be
// taken.
type messageQueue struct {
	events          eventHeap
	nextSequenceNum uint64

	// signalable is false for a port adopted from a message that has
	// not been read yet. Arrivals on such a port do not report status
	// changes, since nothing can be watching it.
	signalable bool
}

func newMessageQueue(nextSequenceNum uint64) messageQueue {
	return messageQueue{nextSequenceNum: nextSequenceNum, signalable: true}
}

func (q *messageQueue) hasNextMessage() bool {
	return len(q.events) > 0 && q.events[0].SequenceNum == q.nextSequenceNum
}

// next removes and returns the next in-order event if selector accepts
// it. A nil selector accepts everything.
func (q *messageQueue) next(selector func(*Event) bool) *Event {
	if !q.hasNextMessage() {
		return nil
	}
	if selector != nil && !selector(q.events[0]) {
		return nil
	}
	event := heap.Pop(&q.events).(*Event)
	q.nextSequenceNum++
	return event
}

// accept queues event and reports whether the queue now has a message
// ready for a signalable port.
func (q *messageQueue) accept(event *Event) bool {
	heap.Push(&q.events, event)
	if !q.signalable {
		return false
	}
	return q.events[0].SequenceNum == q.nextSequenceNum
}

// lastContiguous returns the highest sequence number received with no
// gap before it, counting events already taken.
func (q *messageQueue) lastContiguous() uint64 {
	held := make(map[uint64]bool, len(q.events))
	for _, event := range q.events {
		held[event.SequenceNum] = true
	}
	last := q.nextSequenceNum - 1
	for held[last+1] {
		last++
	}
	return last
}

// drain removes every queued event.
func (q *messageQueue) drain() []*Event {
	events := []*Event(q.events)
	q.events = nil
	return events
}

type eventHeap []*Event

func (h eventHeap) Len() int           { return len(h) }
func (h eventHeap) Less(i, j int) bool { return h[i].SequenceNum < h[j].SequenceNum }
func (h eventHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *eventHeap) Push(x any) { *h = append(*h, x.(*Event)) }

func (h *eventHeap) Pop() any {
	old := *h
	last := old[len(old)-1]
	old[len(old)-1] = nil
	*h = old[:len(old)-1]
	return last
}
