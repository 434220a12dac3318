// Package strand implements the OCR micro-task scheduler: a
// hierarchical bit-indexed table of "strands" (event + action queue)
// that lets asynchronous completions execute as continuations without
// blocking a worker.
package strand

import (
	"errors"
	"math/bits"
	"sync"
	"sync/atomic"

	"github.com/ocr-go/ocr/internal/guid"
)

// DefaultFanout is the child count of every tree node (spec.md calls
// this "fan-out 64"); the table's fan-out is fixed at this value.
const DefaultFanout = 64

// Strand properties bitfield, per spec.md §3 "Strand": a strand is
// ready iff WAIT_EVT and WAIT_ACT are both clear.
const (
	PropFree uint32 = 1 << iota
	PropLock
	PropWaitEvt
	PropWaitAct
	PropUHold
	PropRHold
)

var (
	ErrTableFull = errors.New("strand: table exhausted (out of memory)")
	ErrBadIndex  = errors.New("strand: no strand at that index")
)

// ActionFunc is a continuation applied to a strand's current event.
// Returning suspend=true re-parks the strand on WAIT_EVT (e.g. the
// action issued a new asynchronous operation); the remaining actions
// in the deque stay queued for the next time the strand is processed.
type ActionFunc func(event guid.GUID) (suspend bool, err error)

// ActionCode tags a small runtime action that needs no closure
// allocation — e.g. "invoke the policy-domain message handler for
// this event" (spec.md §3 "Action").
type ActionCode int

const (
	ActionNone ActionCode = iota
	ActionPDMessageHandler
)

// Action is either a function pointer or a small tagged code.
type Action struct {
	Fn   ActionFunc
	Code ActionCode
}

// Strand is a single suspended execution parked in a strand table.
type Strand struct {
	mu         sync.Mutex
	curEvent   guid.GUID
	actions    []Action
	parent     *node
	index      int // slot index within the parent leaf
	globalIdx  uint64
	properties atomic.Uint32
}

// Event returns the strand's currently associated event GUID.
func (s *Strand) Event() guid.GUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.curEvent
}

// Ready reports whether both WAIT_EVT and WAIT_ACT are clear.
func (s *Strand) Ready() bool {
	p := s.properties.Load()
	return p&(PropWaitEvt|PropWaitAct) == 0
}

// MarkEventSatisfied clears WAIT_EVT — called when the strand's event
// fires. The strand becomes ready once WAIT_ACT (if set) also clears.
func (s *Strand) MarkEventSatisfied() {
	for {
		old := s.properties.Load()
		next := old &^ PropWaitEvt
		if s.properties.CompareAndSwap(old, next) {
			return
		}
	}
}

// node is one level of the bit-indexed tree. Interior nodes index
// children; leaf nodes index strands directly.
type node struct {
	mu               sync.Mutex
	parent           *node
	parentSlot       int
	leaf             bool
	nodeFree         uint64
	nodeNeedsProcess uint64
	nodeReady        uint64
	children         [DefaultFanout]*node
	strands          [DefaultFanout]*Strand
}

func newLeaf() *node {
	return &node{leaf: true, nodeFree: ^uint64(0)}
}

func newInterior() *node {
	return &node{leaf: false, nodeFree: ^uint64(0)}
}

// StrandTable is a tree of strands with fan-out DefaultFanout.
type StrandTable struct {
	mu      sync.Mutex // guards structural growth (getNewStrand)
	fanout  int
	root    *node
	byIndex sync.Map // uint64 globalIdx -> *Strand, a convenience accessor
	nextIdx atomic.Uint64
}

// NewStrandTable creates an empty strand table.
func NewStrandTable() *StrandTable {
	return &StrandTable{fanout: DefaultFanout}
}

// GetNewStrand parks event in a freshly allocated strand slot and
// returns it. Matches spec.md §4.1 "Insertion (getNewStrand)".
func (t *StrandTable) GetNewStrand(event guid.GUID) (*Strand, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.root == nil {
		t.root = newLeaf()
	}

	// all leaves sit at one depth; slot 0 of every interior node is filled
	height := 0
	for n := t.root; !n.leaf; n = n.children[0] {
		height++
	}

	cur := t.root
	depth := 0
	for {
		cur.mu.Lock()
		if cur.nodeFree == 0 {
			if cur.parent != nil {
				cur.mu.Unlock()
				return nil, ErrTableFull
			}
			// grow a new level above the head: the existing head
			// becomes child 0 of the new head.
			newHead := newInterior()
			newHead.children[0] = cur
			newHead.nodeFree = ^uint64(0) &^ 1 // slot 0 now occupied by old head
			cur.parent = newHead
			cur.parentSlot = 0
			cur.mu.Unlock()
			t.root = newHead
			cur = newHead
			height++
			cur.mu.Lock()
		}

		k := bits.TrailingZeros64(cur.nodeFree)
		cur.nodeFree &^= 1 << k // pessimistic clear: claims this path for the inserter

		if cur.leaf {
			st := &Strand{parent: cur, index: k, curEvent: event, globalIdx: t.nextIdx.Add(1)}
			st.properties.Store(PropWaitEvt)
			cur.strands[k] = st
			cur.mu.Unlock()
			t.byIndex.Store(st.globalIdx, st)
			t.propagateFree(cur)
			return st, nil
		}

		child := cur.children[k]
		if child == nil {
			if depth+1 == height {
				child = newLeaf()
			} else {
				child = newInterior()
			}
			child.parent = cur
			child.parentSlot = k
			cur.children[k] = child
		}
		cur.mu.Unlock()
		cur = child
		depth++
	}
}

// propagateFree recomputes "does this node have any free slot" and
// pushes the result up to the root, stopping as soon as a level's bit
// doesn't need to change (spec.md §4.1 insertion propagation rule).
func (t *StrandTable) propagateFree(n *node) {
	for n.parent != nil {
		n.mu.Lock()
		childHasFree := n.nodeFree != 0
		n.mu.Unlock()

		p := n.parent
		slot := n.parentSlot
		p.mu.Lock()
		old := p.nodeFree&(1<<slot) != 0
		if old == childHasFree {
			p.mu.Unlock()
			return
		}
		if childHasFree {
			p.nodeFree |= 1 << slot
		} else {
			p.nodeFree &^= 1 << slot
		}
		p.mu.Unlock()
		n = p
	}
}

// propagateReady pushes "does this node have any ready-and-pending
// strand" up to the root, per spec.md §3 "Strand table" invariant:
// parent.nodeReady bit k = (child_k.nodeReady != 0).
func (t *StrandTable) propagateReady(n *node) {
	for n.parent != nil {
		n.mu.Lock()
		childReady := n.nodeReady != 0
		n.mu.Unlock()

		p := n.parent
		slot := n.parentSlot
		p.mu.Lock()
		old := p.nodeReady&(1<<slot) != 0
		if old == childReady {
			p.mu.Unlock()
			return
		}
		if childReady {
			p.nodeReady |= 1 << slot
		} else {
			p.nodeReady &^= 1 << slot
		}
		p.mu.Unlock()
		n = p
	}
}

// propagateNeedsProcess mirrors propagateReady for the
// nodeNeedsProcess bitvector.
func (t *StrandTable) propagateNeedsProcess(n *node) {
	for n.parent != nil {
		n.mu.Lock()
		childNeeds := n.nodeNeedsProcess != 0
		n.mu.Unlock()

		p := n.parent
		slot := n.parentSlot
		p.mu.Lock()
		old := p.nodeNeedsProcess&(1<<slot) != 0
		if old == childNeeds {
			p.mu.Unlock()
			return
		}
		if childNeeds {
			p.nodeNeedsProcess |= 1 << slot
		} else {
			p.nodeNeedsProcess &^= 1 << slot
		}
		p.mu.Unlock()
		n = p
	}
}

// GetStrandForIndex retrieves a previously allocated strand by its
// global index (the value the caller obtained from GetNewStrand's
// result, typically cached by an event object for fast re-entry).
func (t *StrandTable) GetStrandForIndex(idx uint64) (*Strand, error) {
	v, ok := t.byIndex.Load(idx)
	if !ok {
		return nil, ErrBadIndex
	}
	return v.(*Strand), nil
}

// Index returns the strand's stable global index, suitable for a
// later GetStrandForIndex call.
func (s *Strand) Index() uint64 { return s.globalIdx }

// LockStrand acquires the strand's lock; callers must pair with
// UnlockStrand.
func (s *Strand) LockStrand() {
	s.mu.Lock()
	s.properties.Store(s.properties.Load() | PropLock)
}

// UnlockStrand releases the strand's lock.
func (s *Strand) UnlockStrand() {
	s.properties.Store(s.properties.Load() &^ PropLock)
	s.mu.Unlock()
}

// EnqueueActions appends actions to a strand's deque and, if the
// strand is not event-blocked, marks it needing processing, rippling
// nodeNeedsProcess up the tree.
func (t *StrandTable) EnqueueActions(s *Strand, actions ...Action) {
	s.mu.Lock()
	s.actions = append(s.actions, actions...)
	s.properties.Store(s.properties.Load() | PropWaitAct)
	ready := s.Ready()
	blocked := s.properties.Load()&PropWaitEvt != 0
	s.mu.Unlock()
	if blocked {
		return
	}

	s.parent.mu.Lock()
	s.parent.nodeNeedsProcess |= 1 << uint(s.index)
	if ready {
		s.parent.nodeReady |= 1 << uint(s.index)
	}
	s.parent.mu.Unlock()
	t.propagateNeedsProcess(s.parent)
	if ready {
		t.propagateReady(s.parent)
	}
}

// SatisfyStrandEvent marks the strand's event as satisfied, making it
// ready for processing if its action deque is non-empty (or once
// actions are enqueued).
func (t *StrandTable) SatisfyStrandEvent(s *Strand) {
	s.MarkEventSatisfied()
	s.mu.Lock()
	pending := len(s.actions) > 0
	s.mu.Unlock()
	ready := s.Ready()
	s.parent.mu.Lock()
	if pending {
		s.parent.nodeNeedsProcess |= 1 << uint(s.index)
	}
	if ready {
		s.parent.nodeReady |= 1 << uint(s.index)
	}
	s.parent.mu.Unlock()
	if pending {
		t.propagateNeedsProcess(s.parent)
	}
	if ready {
		t.propagateReady(s.parent)
	}
}

// findNeedsProcessLeaf walks down from n following any set
// nodeNeedsProcess bit, in O(log64 N) bitscan hops, and returns the
// strand found plus its owning leaf, or nil if none is pending.
func findNeedsProcessLeaf(n *node) (*node, int) {
	for {
		n.mu.Lock()
		if n.nodeNeedsProcess == 0 {
			n.mu.Unlock()
			return nil, -1
		}
		k := bits.TrailingZeros64(n.nodeNeedsProcess)
		if n.leaf {
			n.mu.Unlock()
			return n, k
		}
		child := n.children[k]
		n.mu.Unlock()
		if child == nil {
			return nil, -1
		}
		n = child
	}
}

// ProcessStrands repeatedly picks a strand whose nodeNeedsProcess bit
// is set and drains its action deque, per spec.md §4.1
// "pdProcessStrands". maxCount bounds throughput unless emptyTables is
// set (final shutdown drain). Returns the number of strands processed.
func (t *StrandTable) ProcessStrands(maxCount int, emptyTables bool) int {
	if t.root == nil {
		return 0
	}
	processed := 0
	for emptyTables || processed < maxCount {
		leaf, k := findNeedsProcessLeaf(t.root)
		if leaf == nil {
			return processed
		}
		leaf.mu.Lock()
		st := leaf.strands[k]
		leaf.mu.Unlock()
		if st == nil {
			continue
		}
		t.drainStrand(st)
		processed++
	}
	return processed
}

// drainStrand executes queued actions from the head of the deque
// until it empties or an action requests suspension.
func (t *StrandTable) drainStrand(s *Strand) {
	s.mu.Lock()
	if len(s.actions) == 0 {
		s.properties.Store(s.properties.Load() &^ PropWaitAct)
		s.mu.Unlock()
		t.clearNeedsProcessAndReady(s)
		return
	}
	event := s.curEvent
	s.mu.Unlock()

	for {
		s.mu.Lock()
		if len(s.actions) == 0 {
			s.properties.Store(s.properties.Load() &^ PropWaitAct)
			s.mu.Unlock()
			break
		}
		act := s.actions[0]
		s.actions = s.actions[1:]
		s.mu.Unlock()

		if act.Fn == nil {
			continue
		}
		suspend, _ := act.Fn(event)
		if suspend {
			s.mu.Lock()
			next := s.properties.Load() | PropWaitEvt
			if len(s.actions) == 0 {
				next &^= PropWaitAct
			}
			s.properties.Store(next)
			s.mu.Unlock()
			break
		}
	}
	t.clearNeedsProcessAndReady(s)
}

func (t *StrandTable) clearNeedsProcessAndReady(s *Strand) {
	s.mu.Lock()
	needsProcess := len(s.actions) > 0 && s.properties.Load()&PropWaitEvt == 0
	ready := s.Ready()
	s.mu.Unlock()

	s.parent.mu.Lock()
	if needsProcess {
		s.parent.nodeNeedsProcess |= 1 << uint(s.index)
	} else {
		s.parent.nodeNeedsProcess &^= 1 << uint(s.index)
	}
	if ready {
		s.parent.nodeReady |= 1 << uint(s.index)
	} else {
		s.parent.nodeReady &^= 1 << uint(s.index)
	}
	s.parent.mu.Unlock()
	t.propagateNeedsProcess(s.parent)
	t.propagateReady(s.parent)
}

// FreeStrand releases a strand's slot back to its leaf, per spec.md
// §4.1 "Freeing a strand". Requires the strand lock to already be
// held conceptually by the caller's protocol; this clears it.
func (t *StrandTable) FreeStrand(s *Strand) {
	s.mu.Lock()
	s.curEvent = guid.Null
	s.actions = nil
	s.properties.Store(PropFree)
	s.mu.Unlock()

	n := s.parent
	n.mu.Lock()
	n.nodeFree |= 1 << uint(s.index)
	wasReady := n.nodeReady&(1<<uint(s.index)) != 0
	n.nodeReady &^= 1 << uint(s.index)
	n.nodeNeedsProcess &^= 1 << uint(s.index)
	n.strands[s.index] = nil
	n.mu.Unlock()

	t.byIndex.Delete(s.globalIdx)
	t.propagateFree(n)
	if wasReady {
		t.propagateReady(n)
	}
	t.propagateNeedsProcess(n)
}

// DestroyStrandTable drains and discards the table's structure. Safe
// to call once no strands remain referenced elsewhere.
func (t *StrandTable) DestroyStrandTable() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.root = nil
	t.byIndex = sync.Map{}
}

// Len reports the number of strands currently allocated, for tests
// and diagnostics.
func (t *StrandTable) Len() int {
	n := 0
	t.byIndex.Range(func(_, _ any) bool { n++; return true })
	return n
}
