// Package sched implements the round-robin scheduler core and the
// topology-aware runqueue balancer: one "roller" per CPU per scheduling
// class owning a circular runqueue, and an IPI-driven load-transfer
// protocol between CPUs.
//
// Grounded on original_source's per-CPU roller add/allocate/update/free
// shape and the IPI Accept/Renounce dispatch table; topology load
// propagation reuses internal/topology.ToggleLoad the same way the
// roller's own add/free/send/recieve calls do.
package sched

import (
	"corex/internal/klog"
	"corex/internal/topology"
	"corex/pkg/bitfield"
	"sync"
)

// Task is the minimal schedulable unit this package manipulates;
// real task state (registers, address space) lives elsewhere and is
// out of scope here.
type Task struct {
	ID int64

	// RuntimeTicksLeft counts down on each timer tick (Update); when it
	// reaches zero the task needs rescheduling
	RuntimeTicksLeft int64
	SliceTicks       int64

	next, prev *Task
}

// IdleTask is returned by Allocate when a CPU's roller is empty.
var IdleTask = &Task{ID: -1}

// Roller is one CPU's per-class runnable queue: a circular list, a
// count, and an accumulated load.
type Roller struct {
	mu sync.Mutex

	CPU   *topology.Processor
	Class int

	head       *Task // ring entry point
	mostRecent *Task // last-dispatched task, advanced by Allocate
	count      int
	load       int64

	defaultSlice int64
}

func NewRoller(cpu *topology.Processor, class int, defaultSlice int64) *Roller {
	return &Roller{CPU: cpu, Class: class, defaultSlice: defaultSlice}
}

// ringInsertTail links t onto the tail of the circular list.
func (r *Roller) ringInsertTail(t *Task) {
	if r.head == nil {
		t.next, t.prev = t, t
		r.head = t
		return
	}
	tail := r.head.prev
	t.next = r.head
	t.prev = tail
	tail.next = t
	r.head.prev = t
}

func (r *Roller) ringRemove(t *Task) {
	if t.next == t {
		r.head = nil
	} else {
		t.prev.next = t.next
		t.next.prev = t.prev
		if r.head == t {
			r.head = t.next
		}
	}
	t.next, t.prev = nil, nil
}

// Add links task at the tail, increments load, and propagates the load
// delta up the topology tree.
func (r *Roller) Add(t *Task) {
	r.mu.Lock()
	if t.SliceTicks == 0 {
		t.SliceTicks = r.defaultSlice
	}
	t.RuntimeTicksLeft = t.SliceTicks
	r.ringInsertTail(t)
	r.count++
	r.load++
	r.mu.Unlock()

	topology.ToggleLoad(r.CPU, r.Class, 1)
}

// Allocate returns the idle task if the roller is empty, else advances
// mostRecent to its successor and returns it.
func (r *Roller) Allocate() *Task {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.head == nil {
		return IdleTask
	}
	if r.mostRecent == nil {
		r.mostRecent = r.head
	} else {
		r.mostRecent = r.mostRecent.next
	}
	return r.mostRecent
}

// Update runs on a timer tick: decrements the current task's remaining
// slice, and if expired, returns the next task pointer for the
// dispatcher to switch to.
func (r *Roller) Update() (expired bool, next *Task) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.mostRecent == nil {
		return false, nil
	}
	cur := r.mostRecent
	cur.RuntimeTicksLeft--
	if cur.RuntimeTicksLeft > 0 {
		return false, nil
	}
	cur.RuntimeTicksLeft = cur.SliceTicks
	if cur.next == cur {
		return true, cur
	}
	return true, cur.next
}

// Free unlinks a terminated or blocked task from the ring, decrementing
// count and load, and propagating the decrement upward.
func (r *Roller) Free(t *Task) {
	r.mu.Lock()
	if r.mostRecent == t {
		if t.next == t {
			r.mostRecent = nil
		} else {
			r.mostRecent = t.prev
		}
	}
	r.ringRemove(t)
	r.count--
	r.load--
	r.mu.Unlock()

	topology.ToggleLoad(r.CPU, r.Class, -1)
}

// Load and Count report the roller's current accounting.
func (r *Roller) Load() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.load
}

func (r *Roller) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Detach splits off up to n tasks from the head of the ring (the
// oldest-queued tasks), for Send; returns the sublist as a plain slice
// plus the load removed.
func (r *Roller) detach(n int) (tasks []*Task, loadRemoved int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.head
	for i := 0; i < n && cur != nil && r.count > 0; i++ {
		next := cur.next
		if next == cur {
			next = nil
		}
		r.ringRemove(cur)
		if r.mostRecent == cur {
			r.mostRecent = nil
		}
		r.count--
		r.load--
		loadRemoved++
		tasks = append(tasks, cur)
		cur = next
	}
	return tasks, loadRemoved
}

// IPIType names the inter-processor message kinds.
type IPIType int

const (
	IPIAccept   IPIType = iota // enqueue a delivered task sublist
	IPIRenounce                // a request to donate load to the sender
)

// ipiWireTag packs an IPI's type and scheduling class into the single
// byte the local APIC's ICR vector field would actually carry on real
// hardware; IPIMessage itself stays a plain Go struct for the in-memory
// mailbox, but every send logs the wire-format tag so the packing stays
// exercised.
type ipiWireTag struct {
	Type  uint8 `bitfield:",4"`
	Class uint8 `bitfield:",4"`
}

var ipiTagConfig = &bitfield.Config{NumBits: 8}

func packIPITag(t IPIType, class int) uint64 {
	tag, err := bitfield.Pack(&ipiWireTag{Type: uint8(t), Class: uint8(class)}, ipiTagConfig)
	if err != nil {
		klog.Warn("sched: failed to pack IPI tag type=%d class=%d: %v", t, class, err)
		return 0
	}
	return tag
}

// IPIMessage is one entry on a CPU's per-class inter-processor queue.
type IPIMessage struct {
	Type      IPIType
	Class     int
	FromCPU   *topology.Processor
	Tasks     []*Task // populated for Accept
	LoadDelta int64   // populated for Accept: the load the delivered Tasks carry

	// RequesterLoad/Level are populated for Renounce: the requester's own
	// load at send time and the tree level the two CPUs are being
	// balanced at, letting the receiver compute its own donation amount
	// via the same decayed-difference formula (see sched/balancer.go's
	// delta).
	RequesterLoad int64
	Level         int
}

// Mailbox is one CPU's per-class IPI queue; requires
// point-to-point FIFO ordering, which a plain slice guarded by a mutex
// gives directly.
type Mailbox struct {
	mu    sync.Mutex
	queue []IPIMessage
}

func (m *Mailbox) Send(msg IPIMessage) {
	m.mu.Lock()
	m.queue = append(m.queue, msg)
	m.mu.Unlock()
}

// DrainOne pops the oldest queued message, or ok=false if empty.
func (m *Mailbox) drainOne() (IPIMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) == 0 {
		return IPIMessage{}, false
	}
	msg := m.queue[0]
	m.queue = m.queue[1:]
	return msg, true
}

// Send detaches a sublist from this CPU's ring and enqueues it as an
// Accept message on destMailbox
func (r *Roller) Send(destMailbox *Mailbox, count int) {
	tasks, loadRemoved := r.detach(count)
	if len(tasks) == 0 {
		return
	}
	topology.ToggleLoad(r.CPU, r.Class, -loadRemoved)
	klog.Info("sched: send tag=%#x tasks=%d load=%d", packIPITag(IPIAccept, r.Class), len(tasks), loadRemoved)
	destMailbox.Send(IPIMessage{Type: IPIAccept, Class: r.Class, FromCPU: r.CPU, Tasks: tasks, LoadDelta: loadRemoved})
}

// Recieve splices a delivered sublist onto this CPU's ring, increasing
// load and propagating upward (name kept as original_source spells it).
func (r *Roller) Recieve(tasks []*Task) {
	if len(tasks) == 0 {
		return
	}
	r.mu.Lock()
	for _, t := range tasks {
		r.ringInsertTail(t)
		r.count++
		r.load++
	}
	r.mu.Unlock()
	topology.ToggleLoad(r.CPU, r.Class, int64(len(tasks)))
}

// HandleIPIs drains mailbox to empty — the handler processes every
// queued message before returning, rather than one per interrupt —
// dispatching each through the Accept/Renounce table. EOI is the
// caller's responsibility once this returns (the local APIC primitive
// lives in internal/arch/ia32).
func (r *Roller) HandleIPIs(mailbox *Mailbox, balancer *Balancer) {
	for {
		msg, ok := mailbox.drainOne()
		if !ok {
			return
		}
		switch msg.Type {
		case IPIAccept:
			r.Recieve(msg.Tasks)
		case IPIRenounce:
			balancer.handleRenounce(r, msg)
		default:
			// unknown types are logged and ignored
			klog.Warn("sched: ignoring unknown IPI type %d", msg.Type)
		}
	}
}
