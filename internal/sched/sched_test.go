package sched

import (
	"corex/internal/topology"
	"testing"
)

func plugTwo(t *testing.T) (*topology.Registry, *topology.Processor, *topology.Processor) {
	t.Helper()
	r := topology.NewRegistry()
	a := &topology.Processor{APICID: 0}
	b := &topology.Processor{APICID: 1}
	r.Plug(a, topology.TopologyID{SMT: 0, Core: 0, Package: 0, Cluster: 0})
	r.Plug(b, topology.TopologyID{SMT: 1, Core: 0, Package: 0, Cluster: 0})
	return r, a, b
}

func TestAddAllocateFreeRoundTrip(t *testing.T) {
	_, a, _ := plugTwo(t)
	roller := NewRoller(a, 0, 10)

	t1 := &Task{ID: 1}
	t2 := &Task{ID: 2}
	roller.Add(t1)
	roller.Add(t2)

	if got := roller.Count(); got != 2 {
		t.Fatalf("Count = %d, want 2", got)
	}
	if got := a.Domain.Load(0); got != 2 {
		t.Fatalf("domain load = %d, want 2", got)
	}

	got := roller.Allocate()
	if got != t1 {
		t.Fatalf("first Allocate = task %d, want task 1", got.ID)
	}
	got = roller.Allocate()
	if got != t2 {
		t.Fatalf("second Allocate = task %d, want task 2", got.ID)
	}
	got = roller.Allocate()
	if got != t1 {
		t.Fatalf("Allocate did not wrap around the ring: got task %d, want task 1", got.ID)
	}

	roller.Free(t1)
	roller.Free(t2)
	if got := roller.Count(); got != 0 {
		t.Fatalf("Count after freeing all = %d, want 0", got)
	}
	if got := a.Domain.Load(0); got != 0 {
		t.Fatalf("domain load after freeing all = %d, want 0", got)
	}
}

func TestAllocateOnEmptyRollerReturnsIdle(t *testing.T) {
	_, a, _ := plugTwo(t)
	roller := NewRoller(a, 0, 10)
	if got := roller.Allocate(); got != IdleTask {
		t.Fatalf("Allocate on empty roller = %v, want IdleTask", got)
	}
}

func TestUpdateExpiresSliceAndAdvances(t *testing.T) {
	_, a, _ := plugTwo(t)
	roller := NewRoller(a, 0, 2)

	t1 := &Task{ID: 1}
	t2 := &Task{ID: 2}
	roller.Add(t1)
	roller.Add(t2)
	roller.Allocate() // dispatch t1

	expired, next := roller.Update()
	if expired {
		t.Fatalf("Update expired after only one tick of a 2-tick slice")
	}
	expired, next = roller.Update()
	if !expired {
		t.Fatalf("Update did not expire after the slice ran out")
	}
	if next != t2 {
		t.Fatalf("Update's next task = %d, want task 2", next.ID)
	}
}

// TestRebalanceTransfersDeltaFormula covers: CPU
// A has load 10, CPU B has load 2 in the same group (level 0); the
// transfer amount is delta = (10-2)*(0+1)/(0+2) = 4, leaving A at 6 and
// B at 6 after delivery, with the shared parent domain's load unchanged
// (tasks moved within the same subtree).
func TestRebalanceTransfersDeltaFormula(t *testing.T) {
	_, a, b := plugTwo(t)
	class := 0

	rollerA := NewRoller(a, class, 10)
	rollerB := NewRoller(b, class, 10)
	for i := 0; i < 10; i++ {
		rollerA.Add(&Task{ID: int64(i)})
	}
	for i := 0; i < 2; i++ {
		rollerB.Add(&Task{ID: int64(100 + i)})
	}

	parentLoadBefore := a.Domain.Parent().Load(class)

	mbA := &Mailbox{}
	mbB := &Mailbox{}
	bal := NewBalancer(class)
	bal.Register(a, rollerA, mbA)
	bal.Register(b, rollerB, mbB)

	bal.Rebalance(a, b, 0) // dst=b asks src=a for work via a Renounce IPI

	// A hasn't processed its mailbox yet, so nothing has moved.
	if got := rollerA.Load(); got != 10 {
		t.Fatalf("A load before handling its Renounce = %d, want 10", got)
	}

	rollerA.HandleIPIs(mbA, bal) // A computes delta=4 itself and sends to B
	if got := rollerA.Load(); got != 6 {
		t.Fatalf("A load after handling its Renounce = %d, want 6", got)
	}

	// The transferred tasks sit in B's mailbox until B's IPI handler
	// drains it; only then does B's roller/load reflect the delivery.
	rollerB.HandleIPIs(mbB, bal)
	if got := rollerB.Load(); got != 6 {
		t.Fatalf("B load after draining IPIs = %d, want 6", got)
	}

	parentLoadAfter := a.Domain.Parent().Load(class)
	if parentLoadAfter != parentLoadBefore {
		t.Fatalf("parent domain load changed from %d to %d; moving tasks within the subtree must not change its aggregate", parentLoadBefore, parentLoadAfter)
	}
}

func TestRebalanceNoOpWhenDstNotLighter(t *testing.T) {
	_, a, b := plugTwo(t)
	class := 0
	rollerA := NewRoller(a, class, 10)
	rollerB := NewRoller(b, class, 10)
	rollerA.Add(&Task{ID: 1})
	rollerB.Add(&Task{ID: 2})

	mbA, mbB := &Mailbox{}, &Mailbox{}
	bal := NewBalancer(class)
	bal.Register(a, rollerA, mbA)
	bal.Register(b, rollerB, mbB)

	bal.Rebalance(a, b, 0)
	rollerA.HandleIPIs(mbA, bal)
	if got := rollerA.Load(); got != 1 {
		t.Fatalf("equal-load Rebalance moved work: A load = %d, want 1", got)
	}
}

func TestRenounceRequestsDonationBack(t *testing.T) {
	_, a, b := plugTwo(t)
	class := 0
	rollerA := NewRoller(a, class, 10)
	rollerB := NewRoller(b, class, 10)
	for i := 0; i < 5; i++ {
		rollerB.Add(&Task{ID: int64(i)})
	}

	mbA, mbB := &Mailbox{}, &Mailbox{}
	bal := NewBalancer(class)
	bal.Register(a, rollerA, mbA)
	bal.Register(b, rollerB, mbB)

	// A (load 0) asks B (load 5) at level 0: delta = (5-0)*1/2 = 2.
	bal.RequestDonation(a, b, rollerA.Load(), 0)
	rollerB.HandleIPIs(mbB, bal) // B computes its own delta and sends to A's mailbox

	if got := rollerB.Load(); got != 3 {
		t.Fatalf("B load after donating = %d, want 3", got)
	}

	rollerA.HandleIPIs(mbA, bal)
	if got := rollerA.Load(); got != 2 {
		t.Fatalf("A load after receiving donation = %d, want 2", got)
	}
}

func TestBalanceDomainMovesWorkFromBusiestGroup(t *testing.T) {
	r := topology.NewRegistry()
	a := &topology.Processor{APICID: 0}
	b := &topology.Processor{APICID: 1}
	r.Plug(a, topology.TopologyID{SMT: 0, Core: 0, Package: 0, Cluster: 0})
	r.Plug(b, topology.TopologyID{SMT: 0, Core: 0, Package: 1, Cluster: 0})

	class := 0
	rollerA := NewRoller(a, class, 10)
	rollerB := NewRoller(b, class, 10)
	for i := 0; i < 8; i++ {
		rollerA.Add(&Task{ID: int64(i)})
	}

	mbA, mbB := &Mailbox{}, &Mailbox{}
	bal := NewBalancer(class)
	bal.Register(a, rollerA, mbA)
	bal.Register(b, rollerB, mbB)

	// b is idle; it walks up from its own leaf domain, finds package 0
	// (the sibling of its own package under the shared cluster) at least
	// 20% busier, and sends a Renounce to its busiest CPU, a.
	bal.BalanceDomain(b, 0)
	rollerA.HandleIPIs(mbA, bal) // a computes its own delta and sends to b
	rollerB.HandleIPIs(mbB, bal)

	if rollerB.Load() == 0 {
		t.Fatalf("BalanceDomain did not move any work to the idler CPU")
	}
	if rollerA.Load() >= 8 {
		t.Fatalf("BalanceDomain did not remove any work from the busier CPU")
	}
}
