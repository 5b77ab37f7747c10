package sched

import "corex/internal/topology"

// imbalanceFactorNum/Den express the "at least 20% greater load"
// threshold as an integer ratio: a sibling group qualifies only when
// sibling*imbalanceFactorDen >= own*imbalanceFactorNum, i.e.
// sibling >= 1.2*own.
const (
	imbalanceFactorNum = 6
	imbalanceFactorDen = 5
)

// Balancer periodically rebalances load across a topology subtree: each
// CPU walks upward from its own leaf domain looking for a busier
// sibling group, and when it finds one it asks that group's busiest CPU
// to donate work via a Renounce IPI.
type Balancer struct {
	Class     int
	Mailboxes map[*topology.Processor]*Mailbox
	Rollers   map[*topology.Processor]*Roller
}

func NewBalancer(class int) *Balancer {
	return &Balancer{
		Class:     class,
		Mailboxes: make(map[*topology.Processor]*Mailbox),
		Rollers:   make(map[*topology.Processor]*Roller),
	}
}

func (b *Balancer) Register(p *topology.Processor, r *Roller, mb *Mailbox) {
	b.Rollers[p] = r
	b.Mailboxes[p] = mb
}

// findBusiestGroup picks the heaviest domain among siblings and returns
// it only if its load is at least 20% greater than own's — the
// threshold the balancer requires before triggering a rebalance at all.
// A nil result means own's own subtree is already competitive with its
// siblings at this level.
func findBusiestGroup(own *topology.Domain, siblings []*topology.Domain, class int) *topology.Domain {
	if len(siblings) == 0 {
		return nil
	}
	best := siblings[0]
	for _, s := range siblings[1:] {
		if s.Load(class) > best.Load(class) {
			best = s
		}
	}

	ownLoad := own.Load(class)
	bestLoad := best.Load(class)
	if bestLoad <= ownLoad || bestLoad*imbalanceFactorDen < ownLoad*imbalanceFactorNum {
		return nil
	}
	return best
}

// delta computes the transfer amount a donor applies on receiving a
// Renounce: a level-dependent fraction (level+1)/(level+2) of the load
// difference, half at level 0 and growing toward the whole difference
// higher up the tree (two-thirds at level 1).
func delta(srcLoad, dstLoad int64, level int) int64 {
	diff := srcLoad - dstLoad
	if diff <= 0 {
		return 0
	}
	return diff * int64(level+1) / int64(level+2)
}

// BalanceDomain runs one balancing pass for caller: starting at
// caller's own leaf domain, it walks upward toward the root one level
// at a time. At each level it compares caller's domain against its
// siblings (the other children of the same parent); the first level
// with a sibling group at least 20% busier ends the walk, and caller
// sends a Renounce IPI to that group's busiest CPU. maxLevels caps how
// many ancestor levels are examined; 0 means walk to the root.
//
// The donor-side extraction happens entirely inside the target CPU's
// own IPI handling (handleRenounce), never here — this call only asks.
func (b *Balancer) BalanceDomain(caller *topology.Processor, maxLevels int) {
	callerRoller := b.Rollers[caller]
	if callerRoller == nil {
		return
	}

	own := caller.Domain
	for level := 0; ; level++ {
		parent := own.Parent()
		if parent == nil {
			return
		}
		if maxLevels > 0 && level >= maxLevels {
			return
		}

		var siblings []*topology.Domain
		for _, s := range parent.Children() {
			if s != own {
				siblings = append(siblings, s)
			}
		}

		if group := findBusiestGroup(own, siblings, b.Class); group != nil {
			busiest := topology.GetBusiest(group, b.Class)
			if busiest != nil && busiest != caller {
				b.RequestDonation(caller, busiest, callerRoller.Load(), level)
			}
			return
		}

		own = parent
	}
}

// Rebalance asks dst be filled from src: it sends a Renounce IPI
// carrying dst's current load and the tree level to src, which computes
// its own transfer amount (see handleRenounce) once it processes its
// mailbox and replies with an Accept. Donor-side extraction never
// happens here — only inside src's own IPI handling.
func (b *Balancer) Rebalance(src, dst *topology.Processor, level int) {
	dstRoller := b.Rollers[dst]
	if dstRoller == nil {
		return
	}
	b.RequestDonation(dst, src, dstRoller.Load(), level)
}

// handleRenounce answers a Renounce IPI: msg's sender (FromCPU) is the
// requester, and r (the receiver of the message) is the busier side.
// r applies the delta formula above, using
// its own current load as srcLoad and the requester's reported load as
// dstLoad, then sends that many tasks back via Send/Accept.
func (b *Balancer) handleRenounce(r *Roller, msg IPIMessage) {
	destMailbox := b.Mailboxes[msg.FromCPU]
	if destMailbox == nil {
		return
	}
	d := delta(r.Load(), msg.RequesterLoad, msg.Level)
	if d <= 0 {
		return
	}
	r.Send(destMailbox, int(d))
}

// RequestDonation sends a Renounce IPI from requester to target,
// reporting requester's current load and the tree level they're being
// balanced at; target computes its own donation amount and replies.
func (b *Balancer) RequestDonation(requester, target *topology.Processor, requesterLoad int64, level int) {
	mb := b.Mailboxes[target]
	if mb == nil {
		return
	}
	mb.Send(IPIMessage{Type: IPIRenounce, Class: b.Class, FromCPU: requester, RequesterLoad: requesterLoad, Level: level})
}
