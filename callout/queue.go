// Copyright 2025 The ultrad Authors
// This file is part of the ultrad library.
//
// The ultrad library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The ultrad library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the ultrad library. If not, see <http://www.gnu.org/licenses/>.

// Package callout implements a deadline-ordered event queue dispatched on a
// single goroutine.
//
// Components built on a Queue are cooperatively scheduled: every callback runs
// on the dispatch goroutine, so state owned by such a component needs no lock
// as long as it is only touched from scheduled callbacks. Foreign goroutines
// hand work to the queue with Exec or ExecWait.
package callout

import (
	"container/heap"
	"sync"
	"time"

	"github.com/p2psearch/ultrad/common/mclock"
)

// Event is the handle of a scheduled callback. A fired or cancelled event
// cannot be reused.
type Event struct {
	at    mclock.AbsTime
	seq   uint64
	index int // position in the queue heap, -1 once fired or cancelled
	fn    func()
}

// Queue dispatches scheduled callbacks in deadline order on a dedicated
// goroutine. Callbacks with equal deadlines run in scheduling order.
type Queue struct {
	clock mclock.Clock
	alarm *mclock.Alarm

	mu     sync.Mutex
	events eventHeap
	seq    uint64
	closed bool

	wake chan struct{}
	quit chan struct{}
	done chan struct{}
}

// New creates an idle queue on the given clock. Call Start to begin
// dispatching.
func New(clock mclock.Clock) *Queue {
	if clock == nil {
		clock = mclock.System{}
	}
	return &Queue{
		clock: clock,
		alarm: mclock.NewAlarm(clock),
		wake:  make(chan struct{}, 1),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Start launches the dispatch goroutine.
func (q *Queue) Start() {
	go q.loop()
}

// Stop terminates the dispatch goroutine and drops all pending events. It
// returns once the goroutine has exited. Callbacks already running complete
// normally.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	close(q.quit)
	<-q.done
}

// Schedule arms fn to run after delay on the dispatch goroutine. A
// non-positive delay runs it as soon as the queue is idle. The returned handle
// stays valid until the event fires or is cancelled.
func (q *Queue) Schedule(delay time.Duration, fn func()) *Event {
	if delay < 0 {
		delay = 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	q.seq++
	ev := &Event{at: q.clock.Now().Add(delay), seq: q.seq, fn: fn}
	heap.Push(&q.events, ev)
	q.kick()
	return ev
}

// Cancel removes a pending event. It reports false if the event already fired
// or was cancelled before.
func (q *Queue) Cancel(ev *Event) bool {
	if ev == nil {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if ev.index < 0 {
		return false
	}
	heap.Remove(&q.events, ev.index)
	return true
}

// Reschedule moves a pending event to fire after delay from now. It reports
// false if the event already fired or was cancelled; such an event cannot be
// revived.
func (q *Queue) Reschedule(ev *Event, delay time.Duration) bool {
	if ev == nil {
		return false
	}
	if delay < 0 {
		delay = 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if ev.index < 0 {
		return false
	}
	ev.at = q.clock.Now().Add(delay)
	heap.Fix(&q.events, ev.index)
	q.kick()
	return true
}

// Exec runs fn on the dispatch goroutine as soon as the queue is idle. Safe to
// call from queue callbacks.
func (q *Queue) Exec(fn func()) {
	q.Schedule(0, fn)
}

// ExecWait runs fn on the dispatch goroutine and blocks until it has
// completed, or until the queue is stopped. It must not be called from a
// queue callback.
func (q *Queue) ExecWait(fn func()) {
	ran := make(chan struct{})
	q.Schedule(0, func() {
		fn()
		close(ran)
	})
	select {
	case <-ran:
	case <-q.done:
	}
}

// Clock returns the clock the queue runs on.
func (q *Queue) Clock() mclock.Clock {
	return q.clock
}

// Len returns the number of pending events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

func (q *Queue) loop() {
	defer close(q.done)
	for {
		q.runDue()
		select {
		case <-q.alarm.C():
		case <-q.wake:
		case <-q.quit:
			return
		}
	}
}

// runDue fires every event whose deadline has passed, then arms the alarm for
// the next one. Events scheduled or rescheduled by a firing callback are
// picked up within the same drain.
func (q *Queue) runDue() {
	for {
		q.mu.Lock()
		now := q.clock.Now()
		if len(q.events) == 0 || q.events[0].at > now {
			if len(q.events) > 0 {
				q.alarm.Schedule(q.events[0].at)
			}
			q.mu.Unlock()
			return
		}
		ev := heap.Pop(&q.events).(*Event)
		q.mu.Unlock()
		ev.fn()
	}
}

// kick wakes the dispatch goroutine for the earliest pending event.
// Called with q.mu held.
func (q *Queue) kick() {
	if len(q.events) == 0 {
		return
	}
	if next := q.events[0].at; next <= q.clock.Now() {
		select {
		case q.wake <- struct{}{}:
		default:
		}
	} else {
		q.alarm.Schedule(next)
	}
}

type eventHeap []*Event

func (h eventHeap) Len() int { return len(h) }

func (h eventHeap) Less(i, j int) bool {
	if h[i].at != h[j].at {
		return h[i].at < h[j].at
	}
	return h[i].seq < h[j].seq
}

func (h eventHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *eventHeap) Push(x interface{}) {
	ev := x.(*Event)
	ev.index = len(*h)
	*h = append(*h, ev)
}

func (h *eventHeap) Pop() interface{} {
	end := len(*h) - 1
	ev := (*h)[end]
	ev.index = -1
	(*h)[end] = nil
	*h = (*h)[:end]
	return ev
}
