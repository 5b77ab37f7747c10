// Package timer implements the soft-timer engine: a
// red-black tree of event-groups, each grouping near-simultaneous
// triggers into one overlapping window, driving a single underlying
// hardware timer.
//
// Grounded on original_source/ExecutionManager/Source/Timer/NodeSorter.cpp's
// red-black insert/delete fix-up shape (renamed put/del to Add/remove,
// "nil" sentinel kept) and Interface/Executable/Timer/EventNode.hpp's
// overlap-range/trigger-array layout.
package timer

import "sync"

// color is the red-black node colour.
type color bool

const (
	red   color = true
	black color = false
)

// Trigger is one scheduled callback within an event-group's window,
// "Event trigger".
type Trigger struct {
	Earliest int64
	Latest   int64
	Callback func(arg any)
	Arg      any
	Live     bool
}

// group is a red-black tree node holding every trigger whose interval
// falls inside this node's overlapRange "Event group".
//
// triggers holds pointers, not values: Cancel hands callers a *Trigger
// that must stay valid across later appends to this slice (a sibling
// event joining the same group), which a []Trigger would invalidate on
// reallocation.
type group struct {
	overlapRange [2]int64
	triggers     []*Trigger // holes are Live==false, Callback==nil entries

	color               color
	parent, left, right *group
}

// Engine owns the tree, the cached leftmost/rightmost pointers, and the
// hardware-timer binding
type Engine struct {
	mu sync.Mutex

	nil_ *group // sentinel, always black
	root *group

	mostRecent *group // leftmost: earliest overlapRange[0]
	mostLate   *group // rightmost: latest overlapRange[0]

	count int

	hw HardwareTimer
}

// HardwareTimer abstracts the PIT/HPET comparator this engine arms:
// exactly one kernel-owned hardware timer carries the engine's
// wake-ups.
type HardwareTimer interface {
	Arm(deadline int64)
	Now() int64
}

func NewEngine(hw HardwareTimer) *Engine {
	nilNode := &group{color: black}
	nilNode.parent, nilNode.left, nilNode.right = nilNode, nilNode, nilNode
	return &Engine{nil_: nilNode, root: nilNode, hw: hw}
}

func (e *Engine) isNil(g *group) bool { return g == nil || g == e.nil_ }

// Add creates or joins an event-group for a new trigger:
// an intersect search looks for an existing group whose overlapRange
// can absorb [triggerTime, triggerTime+shiftAllowed]; on hit the
// trigger joins that group (reusing a hole slot if present); on miss a
// new single-trigger group is inserted.
func (e *Engine) Add(triggerTime, shiftAllowed int64, callback func(arg any), arg any) *Trigger {
	e.mu.Lock()
	defer e.mu.Unlock()

	window := [2]int64{triggerTime, triggerTime + shiftAllowed}

	if g := e.findOverlapping(window); g != nil {
		trig := e.joinGroup(g, window, callback, arg)
		if window[0] < e.mostRecent.overlapRange[0] {
			e.mostRecent = g
		}
		if window[0] > e.mostLate.overlapRange[0] {
			e.mostLate = g
		}
		e.rearm()
		return trig
	}

	g := &group{overlapRange: window}
	trig := &Trigger{Earliest: triggerTime, Latest: triggerTime + shiftAllowed, Callback: callback, Arg: arg, Live: true}
	g.triggers = append(g.triggers, trig)
	e.insert(g)
	e.rearm()
	return trig
}

// findOverlapping descends the tree pruning by overlapRange, returning
// the first existing group whose window intersects the candidate.
func (e *Engine) findOverlapping(window [2]int64) *group {
	cur := e.root
	for !e.isNil(cur) {
		if window[1] < cur.overlapRange[0] {
			cur = cur.left
		} else if window[0] > cur.overlapRange[1] {
			cur = cur.right
		} else {
			return cur
		}
	}
	return nil
}

// joinGroup appends trig to g, reusing a hole (a dead trigger slot) if
// one exists, and widens g's overlapRange to cover the new interval.
func (e *Engine) joinGroup(g *group, window [2]int64, callback func(arg any), arg any) *Trigger {
	trig := &Trigger{Earliest: window[0], Latest: window[1], Callback: callback, Arg: arg, Live: true}

	for i := range g.triggers {
		if !g.triggers[i].Live && g.triggers[i].Callback == nil {
			g.triggers[i] = trig
			e.widenRange(g, window)
			return trig
		}
	}
	g.triggers = append(g.triggers, trig)
	e.widenRange(g, window)
	return trig
}

func (e *Engine) widenRange(g *group, window [2]int64) {
	if window[0] < g.overlapRange[0] {
		g.overlapRange[0] = window[0]
	}
	if window[1] > g.overlapRange[1] {
		g.overlapRange[1] = window[1]
	}
}

// Cancel marks a trigger dead; its slot becomes a hole for later reuse,
// Triggers may be cancelled until their group begins
// firing.
func (e *Engine) Cancel(trig *Trigger) {
	e.mu.Lock()
	defer e.mu.Unlock()
	trig.Live = false
	trig.Callback = nil
}

// Pull removes and returns the most-recent (earliest) group, for
// handing off to the hardware timer's retire routine
func (e *Engine) Pull() ([]*Trigger, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.isNil(e.mostRecent) || e.mostRecent == nil {
		return nil, false
	}
	g := e.mostRecent
	e.remove(g)
	e.rearm()
	return g.triggers, true
}

// RetireActiveEvents is the hardware timer's ISR body:
// invokes each live trigger's callback in the earliest-due group, then
// rearms against the next group's start time.
func (e *Engine) RetireActiveEvents() {
	triggers, ok := e.Pull()
	if !ok {
		return
	}
	for i := range triggers {
		if triggers[i].Live && triggers[i].Callback != nil {
			triggers[i].Callback(triggers[i].Arg)
		}
	}
}

// rearm loads the hardware comparator with the next mostRecent group's
// start time; caller must hold e.mu. If the tree is empty the timer is
// left armed at its prior deadline (nothing to do).
func (e *Engine) rearm() {
	if e.hw == nil || e.isNil(e.mostRecent) || e.mostRecent == nil {
		return
	}
	e.hw.Arm(e.mostRecent.overlapRange[0])
}

// Count reports how many groups are currently in the tree.
func (e *Engine) Count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.count
}
