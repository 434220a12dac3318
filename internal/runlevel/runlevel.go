// Package runlevel implements the OCR run-level barrier of spec.md
// §4.7: an inductive tree barrier over policy domains that brings the
// machine up and tears it down in phases, plus the shutdown overlay
// that lets those same PDs keep answering in-flight messages while
// torn down. Child fan-out/fan-in uses golang.org/x/sync/errgroup,
// replacing the hand-rolled WaitGroup+error-channel pattern the
// teacher would reach for in a single-PD setting.
package runlevel

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// RunLevel is spec.md §4.7's eight-level bring-up/tear-down ladder. An
// explicit RLUninitialized floor is added below CONFIG_PARSE so every
// PD starts from a concrete, named level rather than Go's implicit
// zero value — the source's prose names seven forward levels plus the
// barrier's own UNINIT floor, which is eight distinct states in total.
type RunLevel int

const (
	RLUninitialized RunLevel = iota
	RLConfigParse
	RLNetworkOK
	RLPDOK
	RLMemoryOK
	RLGUIDOK
	RLComputeOK
	RLUserOK
)

func (l RunLevel) String() string {
	switch l {
	case RLUninitialized:
		return "UNINITIALIZED"
	case RLConfigParse:
		return "CONFIG_PARSE"
	case RLNetworkOK:
		return "NETWORK_OK"
	case RLPDOK:
		return "PD_OK"
	case RLMemoryOK:
		return "MEMORY_OK"
	case RLGUIDOK:
		return "GUID_OK"
	case RLComputeOK:
		return "COMPUTE_OK"
	case RLUserOK:
		return "USER_OK"
	default:
		return "UNKNOWN"
	}
}

// BarrierState is the four-valued per-PD state machine of spec.md
// §4.7: UNINIT -> CHILD_WAIT -> PARENT_NOTIFIED -> PARENT_RESPONSE.
type BarrierState int

const (
	StateUninit BarrierState = iota
	StateChildWait
	StateParentNotified
	StateParentResponse
)

// Phase runs a PD's bring-up (or tear-down) work for one run level. It
// is called on a Node only after every descendant of that node has
// checked in for the level, and before that node releases its own
// children — matching the topology-ordered propagation spec.md
// describes (config flows down only after the subtree below has
// acknowledged it exists).
type Phase func(n *Node, level RunLevel) error

// Node is one policy domain's position in the run-level barrier tree.
// The teacher's XE-below-CE, block-below-cluster-master,
// cluster-below-grand-master topology becomes a plain *Node tree here;
// checkedInCount is simply len(children), derived from the tree shape
// rather than carried as a separate configured number.
type Node struct {
	Name string

	mu       sync.Mutex
	state    BarrierState
	level    RunLevel
	children []*Node
	parent   *Node

	shuttingDown atomic.Bool
}

// NewNode creates a PD with the given children already attached.
func NewNode(name string, children ...*Node) *Node {
	n := &Node{Name: name, children: children}
	for _, c := range children {
		c.parent = n
	}
	return n
}

func (n *Node) setState(s BarrierState) {
	n.mu.Lock()
	n.state = s
	n.mu.Unlock()
}

// State reports this node's current barrier state.
func (n *Node) State() BarrierState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Level reports the run level this node last completed a phase at.
func (n *Node) Level() RunLevel {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.level
}

// Children exposes the node's children slice for topology inspection.
func (n *Node) Children() []*Node {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*Node, len(n.children))
	copy(out, n.children)
	return out
}

// Ascend drives this subtree through one run-level transition:
// check-in bubbles bottom-up (a PD waits for its checkedInCount
// children to notify before notifying its own parent, i.e. returning
// from the check-in half here), then release cascades top-down (this
// node runs phase before any of its children run theirs).
func (n *Node) Ascend(ctx context.Context, level RunLevel, phase Phase) error {
	if err := n.checkIn(ctx); err != nil {
		return err
	}
	return n.release(ctx, level, phase)
}

func (n *Node) checkIn(ctx context.Context) error {
	n.setState(StateChildWait)
	n.mu.Lock()
	children := append([]*Node(nil), n.children...)
	n.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range children {
		c := c
		g.Go(func() error { return c.checkIn(gctx) })
	}
	if err := g.Wait(); err != nil {
		return err
	}
	n.setState(StateParentNotified)
	return nil
}

func (n *Node) release(ctx context.Context, level RunLevel, phase Phase) error {
	if phase != nil {
		if err := phase(n, level); err != nil {
			return err
		}
	}
	n.mu.Lock()
	n.state = StateParentResponse
	n.level = level
	children := append([]*Node(nil), n.children...)
	n.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range children {
		c := c
		g.Go(func() error { return c.release(gctx, level, phase) })
	}
	return g.Wait()
}

// Descend tears a subtree down through a run level using the same
// tree-reduction mechanics as Ascend; spec.md §4.7 names only that
// "each [level] has a configurable phase count for bring-up and
// tear-down" without prescribing the direction shutdown re-walks the
// ladder, so this reference implementation reuses Ascend's algorithm
// for both directions (see DESIGN.md).
func (n *Node) Descend(ctx context.Context, level RunLevel, phase Phase) error {
	return n.Ascend(ctx, level, phase)
}

// BeginShutdown marks this node and its entire subtree as shutting
// down, enabling the synthetic-RL_NOTIFY overlay in Dispatch.
func (n *Node) BeginShutdown() {
	n.shuttingDown.Store(true)
	for _, c := range n.Children() {
		c.BeginShutdown()
	}
}

// ShuttingDown reports whether this node has begun tear-down.
func (n *Node) ShuttingDown() bool {
	return n.shuttingDown.Load()
}

// MessageCategory partitions spec.md §6's message type space for the
// purpose of the shutdown-overlay decision (Open Question resolution
// recorded in DESIGN.md): DB ops, work ops, template ops, event ops,
// GUID ops, scheduler ops, dep ops, OS-call ops, PD-management ops,
// hint ops collapse here into the categories that actually matter for
// the synthesize-or-cancel choice.
type MessageCategory int

const (
	CategoryEvent MessageCategory = iota
	CategoryDep
	CategoryGUID
	CategoryHint
	CategoryDB
	CategoryWork
	CategoryTemplate
	CategoryScheduler
	CategoryOSCall
	CategoryPDManagement
)

// synthesizesOnShutdown reports whether this category is answered with
// a synthetic RL_NOTIFY while the PD is shutting down, rather than an
// explicit cancellation. Per DESIGN.md: categories with no
// state-mutating side effect on the sender's behalf (events, dep,
// GUID, hint) synthesize; DB and work categories do not.
func (c MessageCategory) synthesizesOnShutdown() bool {
	switch c {
	case CategoryEvent, CategoryDep, CategoryGUID, CategoryHint:
		return true
	default:
		return false
	}
}

// ErrShuttingDown is returned by Dispatch for REQ_RESPONSE messages in
// a category that does not tolerate the synthetic-notify substitution
// while this PD is tearing down.
var ErrShuttingDown = errors.New("runlevel: pd shutting down, request cancelled")

// Dispatch implements spec.md §6's "a request with REQ_RESPONSE always
// receives a response, even during shutdown" rule together with the
// per-category overlay: if this node is not shutting down, the caller
// should process the message normally (synthesized is false, err is
// nil). If it is shutting down and the caller asked for a response,
// categories in synthesizesOnShutdown() get a synthetic RL_NOTIFY
// (synthesized true); everything else gets ErrShuttingDown so a caller
// can distinguish "answered with a lie" from "answered with a real
// cancellation."
func (n *Node) Dispatch(category MessageCategory, reqResponse bool) (synthesized bool, err error) {
	if !n.ShuttingDown() {
		return false, nil
	}
	if !reqResponse {
		return false, nil
	}
	if category.synthesizesOnShutdown() {
		return true, nil
	}
	return false, ErrShuttingDown
}
