package timer

// This file implements the red-black tree mechanics behind Engine:
// insertion with the standard uncle-red/zig-zag/zig-zig fix-up, and
// deletion with the three-case (0/1/2 children) removal followed by the
// six-case fix-up It mirrors
// original_source/ExecutionManager/Source/Timer/NodeSorter.cpp's
// put/del/repairTree/fixDeletor structure, renamed to Go conventions.

func (e *Engine) rotateLeft(x *group) {
	y := x.right
	x.right = y.left
	if !e.isNil(y.left) {
		y.left.parent = x
	}
	y.parent = x.parent
	if e.isNil(x.parent) {
		e.root = y
	} else if x == x.parent.left {
		x.parent.left = y
	} else {
		x.parent.right = y
	}
	y.left = x
	x.parent = y
}

func (e *Engine) rotateRight(x *group) {
	y := x.left
	x.left = y.right
	if !e.isNil(y.right) {
		y.right.parent = x
	}
	y.parent = x.parent
	if e.isNil(x.parent) {
		e.root = y
	} else if x == x.parent.right {
		x.parent.right = y
	} else {
		x.parent.left = y
	}
	y.right = x
	x.parent = y
}

// insert places g by overlapRange[0] order, fixes up the red-black
// invariants, and updates the cached mostRecent/mostLate pointers.
func (e *Engine) insert(g *group) {
	g.left, g.right, g.parent = e.nil_, e.nil_, e.nil_
	g.color = red

	if e.isNil(e.root) {
		e.root = g
		g.color = black
		e.mostRecent = g
		e.mostLate = g
		e.count = 1
		return
	}

	cur := e.root
	var parent *group
	for !e.isNil(cur) {
		parent = cur
		if g.overlapRange[0] < cur.overlapRange[0] {
			cur = cur.left
		} else {
			cur = cur.right
		}
	}
	g.parent = parent
	if g.overlapRange[0] < parent.overlapRange[0] {
		parent.left = g
	} else {
		parent.right = g
	}

	e.insertFixup(g)

	if e.isNil(e.mostRecent) || e.mostRecent == nil || g.overlapRange[0] < e.mostRecent.overlapRange[0] {
		e.mostRecent = g
	}
	if e.isNil(e.mostLate) || e.mostLate == nil || g.overlapRange[0] > e.mostLate.overlapRange[0] {
		e.mostLate = g
	}
	e.count++
}

func (e *Engine) insertFixup(z *group) {
	for z.parent.color == red {
		if z.parent == z.parent.parent.left {
			y := z.parent.parent.right
			if y.color == red {
				z.parent.color = black
				y.color = black
				z.parent.parent.color = red
				z = z.parent.parent
			} else {
				if z == z.parent.right {
					z = z.parent
					e.rotateLeft(z)
				}
				z.parent.color = black
				z.parent.parent.color = red
				e.rotateRight(z.parent.parent)
			}
		} else {
			y := z.parent.parent.left
			if y.color == red {
				z.parent.color = black
				y.color = black
				z.parent.parent.color = red
				z = z.parent.parent
			} else {
				if z == z.parent.left {
					z = z.parent
					e.rotateRight(z)
				}
				z.parent.color = black
				z.parent.parent.color = red
				e.rotateLeft(z.parent.parent)
			}
		}
		if z == e.root {
			break
		}
	}
	e.root.color = black
}

// transplant replaces the subtree rooted at u with the subtree rooted
// at v, per the standard RB-transplant.
func (e *Engine) transplant(u, v *group) {
	if e.isNil(u.parent) {
		e.root = v
	} else if u == u.parent.left {
		u.parent.left = v
	} else {
		u.parent.right = v
	}
	v.parent = u.parent
}

func (e *Engine) minimum(g *group) *group {
	for !e.isNil(g.left) {
		g = g.left
	}
	return g
}

func (e *Engine) maximum(g *group) *group {
	for !e.isNil(g.right) {
		g = g.right
	}
	return g
}

// remove deletes g from the tree and refreshes mostRecent/mostLate,
//
func (e *Engine) remove(z *group) {
	if e.mostRecent == z {
		e.mostRecent = e.successor(z)
	}
	if e.mostLate == z {
		e.mostLate = e.predecessor(z)
	}

	y := z
	yOriginalColor := y.color
	var x *group

	if e.isNil(z.left) {
		x = z.right
		e.transplant(z, z.right)
	} else if e.isNil(z.right) {
		x = z.left
		e.transplant(z, z.left)
	} else {
		y = e.minimum(z.right)
		yOriginalColor = y.color
		x = y.right
		if y.parent == z {
			x.parent = y
		} else {
			e.transplant(y, y.right)
			y.right = z.right
			y.right.parent = y
		}
		e.transplant(z, y)
		y.left = z.left
		y.left.parent = y
		y.color = z.color
	}

	if yOriginalColor == black {
		e.deleteFixup(x)
	}

	e.count--
	if e.count == 0 {
		e.mostRecent = nil
		e.mostLate = nil
	}
}

func (e *Engine) deleteFixup(x *group) {
	for x != e.root && x.color == black {
		if x == x.parent.left {
			w := x.parent.right
			if w.color == red {
				w.color = black
				x.parent.color = red
				e.rotateLeft(x.parent)
				w = x.parent.right
			}
			if w.left.color == black && w.right.color == black {
				w.color = red
				x = x.parent
			} else {
				if w.right.color == black {
					w.left.color = black
					w.color = red
					e.rotateRight(w)
					w = x.parent.right
				}
				w.color = x.parent.color
				x.parent.color = black
				w.right.color = black
				e.rotateLeft(x.parent)
				x = e.root
			}
		} else {
			w := x.parent.left
			if w.color == red {
				w.color = black
				x.parent.color = red
				e.rotateRight(x.parent)
				w = x.parent.left
			}
			if w.right.color == black && w.left.color == black {
				w.color = red
				x = x.parent
			} else {
				if w.left.color == black {
					w.right.color = black
					w.color = red
					e.rotateLeft(w)
					w = x.parent.left
				}
				w.color = x.parent.color
				x.parent.color = black
				w.left.color = black
				e.rotateRight(x.parent)
				x = e.root
			}
		}
	}
	x.color = black
}

// successor/predecessor find the in-order neighbour by overlapRange[0]
// order, used to refresh the cached mostRecent/mostLate pointers when
// the node holding one is removed.
func (e *Engine) successor(z *group) *group {
	if !e.isNil(z.right) {
		return e.minimum(z.right)
	}
	y := z.parent
	for !e.isNil(y) && z == y.right {
		z = y
		y = y.parent
	}
	if e.isNil(y) {
		return nil
	}
	return y
}

func (e *Engine) predecessor(z *group) *group {
	if !e.isNil(z.left) {
		return e.maximum(z.left)
	}
	y := z.parent
	for !e.isNil(y) && z == y.left {
		z = y
		y = y.parent
	}
	if e.isNil(y) {
		return nil
	}
	return y
}
