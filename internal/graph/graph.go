// Package graph models the backing-chain node graph: an arena of
// reference-stable nodes connected by COW and filter edges, guarded by one
// process-wide lock. Traversals hand out NodeIDs rather than pointers so
// callers never hold a node reference across a suspension point.
package graph

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/bamsammich/chainstream/internal/iops"
)

var (
	// ErrNotFound is returned for an unknown or already-removed node.
	ErrNotFound = errors.New("node not found")
	// ErrFrozen is returned when a mutation would touch a frozen link.
	ErrFrozen = errors.New("backing chain is frozen")
	// ErrBlocked is returned when a write blocker is already held elsewhere.
	ErrBlocked = errors.New("node is write-blocked by another user")
	// ErrDrained is returned when I/O is issued against a quiesced node.
	ErrDrained = errors.New("node is drained")
)

// NodeID is a stable identifier for a node in the arena. The zero value
// means "no node".
type NodeID uint64

type node struct {
	id       NodeID
	name     string
	format   string
	path     string
	protocol bool // backed directly by a protocol driver (e.g. raw file)
	readOnly bool
	implicit bool

	filter bool   // transient pass-through node
	bottom NodeID // filter only: lowest node the filter may read from

	child NodeID // COW backing for overlays, filtered node for filters

	// Human-readable backing reference as written into the image header.
	backingID  string
	backingFmt string

	store   Store
	tracker *iops.Tracker

	freeze  int
	drain   int
	blocker string // owner of the exclusive write blocker, "" if none
}

// Graph is the arena. All structural reads and writes go through g.mu; I/O
// against node stores happens outside the lock.
type Graph struct {
	mu     sync.RWMutex
	nodes  map[NodeID]*node
	nextID NodeID
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{nodes: make(map[NodeID]*node)}
}

// NodeOptions describes a node to add.
type NodeOptions struct {
	Name     string
	Format   string
	Path     string
	Protocol bool
	ReadOnly bool
	Backing  NodeID // COW child, zero for a chain bottom
	Store    Store
}

// Add inserts a node and returns its ID.
func (g *Graph) Add(opts NodeOptions) (NodeID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if opts.Backing != 0 {
		if _, ok := g.nodes[opts.Backing]; !ok {
			return 0, fmt.Errorf("backing %d: %w", opts.Backing, ErrNotFound)
		}
	}
	g.nextID++
	n := &node{
		id:       g.nextID,
		name:     opts.Name,
		format:   opts.Format,
		path:     opts.Path,
		protocol: opts.Protocol,
		readOnly: opts.ReadOnly,
		child:    opts.Backing,
		store:    opts.Store,
	}
	g.nodes[n.id] = n
	return n.id, nil
}

// Lookup resolves a node by name.
func (g *Graph) Lookup(name string) (NodeID, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, n := range g.nodes {
		if n.name == name {
			return n.id, true
		}
	}
	return 0, false
}

// Name returns the node's name, or "" for an unknown ID.
func (g *Graph) Name(id NodeID) string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if n, ok := g.nodes[id]; ok {
		return n.name
	}
	return ""
}

// Len returns the byte length of the node's payload.
func (g *Graph) Len(id NodeID) (int64, error) {
	g.mu.RLock()
	n, ok := g.nodes[id]
	g.mu.RUnlock()
	if !ok {
		return 0, ErrNotFound
	}
	if n.store == nil {
		// Filters have no payload of their own.
		return g.Len(n.child)
	}
	return n.store.Len(), nil
}

// IsFilter reports whether id names a filter node.
func (g *Graph) IsFilter(id NodeID) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	return ok && n.filter
}

// IsReadOnly reports the node's read-only flag.
func (g *Graph) IsReadOnly(id NodeID) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	return ok && n.readOnly
}

// Exists reports whether id is still in the arena.
func (g *Graph) Exists(id NodeID) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.nodes[id]
	return ok
}

// BackingRef returns the backing reference string pair last written for id.
func (g *Graph) BackingRef(id NodeID) (string, string) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if n, ok := g.nodes[id]; ok {
		return n.backingID, n.backingFmt
	}
	return "", ""
}

// PathOf returns the node's filename.
func (g *Graph) PathOf(id NodeID) string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if n, ok := g.nodes[id]; ok {
		return n.path
	}
	return ""
}

// FormatOf returns the node's format name, masked to "raw" when the node is
// protocol-backed and maskProtocol is set.
func (g *Graph) FormatOf(id NodeID, maskProtocol bool) string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	if !ok {
		return ""
	}
	if maskProtocol && n.protocol {
		return "raw"
	}
	return n.format
}

// COWChild returns the COW backing of a non-filter node, zero otherwise.
func (g *Graph) COWChild(id NodeID) NodeID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.cowChildLocked(id)
}

func (g *Graph) cowChildLocked(id NodeID) NodeID {
	n, ok := g.nodes[id]
	if !ok || n.filter {
		return 0
	}
	return n.child
}

// FilterChild returns the filtered node of a filter, zero otherwise.
func (g *Graph) FilterChild(id NodeID) NodeID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	if !ok || !n.filter {
		return 0
	}
	return n.child
}

// FilterOrCOWChild returns the next node down the chain, filter or not.
func (g *Graph) FilterOrCOWChild(id NodeID) NodeID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.childLocked(id)
}

func (g *Graph) childLocked(id NodeID) NodeID {
	n, ok := g.nodes[id]
	if !ok {
		return 0
	}
	return n.child
}

// SkipFilters walks filter edges down from id and returns the first
// non-filter node.
func (g *Graph) SkipFilters(id NodeID) NodeID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.skipFiltersLocked(id)
}

func (g *Graph) skipFiltersLocked(id NodeID) NodeID {
	for {
		n, ok := g.nodes[id]
		if !ok {
			return 0
		}
		if !n.filter {
			return id
		}
		id = n.child
	}
}

// FindOverlay returns the lowest non-filter node in top's chain whose COW
// child chain reaches base through filters only — the immediate overlay of
// base. With base zero it returns the bottommost node of the chain. Zero
// means base is not an ancestor of top.
func (g *Graph) FindOverlay(top, base NodeID) NodeID {
	g.mu.RLock()
	defer g.mu.RUnlock()

	id := g.skipFiltersLocked(top)
	for id != 0 {
		n := g.nodes[id]
		walk := n.child
		for walk != 0 && walk != base {
			w, ok := g.nodes[walk]
			if !ok || !w.filter {
				break
			}
			walk = w.child
		}
		if walk == base {
			return id
		}
		id = g.skipFiltersLocked(n.child)
	}
	return 0
}

// FilterOptions parameterizes InsertFilter.
type FilterOptions struct {
	// Name for the filter node. Empty means an implicit, generated name.
	Name string
	// Bottom bounds how deep the filter's copy-on-read may reach.
	Bottom NodeID
}

// InsertFilter places a copy-on-read filter directly above target: parents
// of target are re-pointed at the filter and the filter's child is target.
// An unnamed filter is marked implicit so it stays invisible to chain
// enumeration by name.
func (g *Graph) InsertFilter(target NodeID, opts FilterOptions) (NodeID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.nodes[target]; !ok {
		return 0, fmt.Errorf("filter target %d: %w", target, ErrNotFound)
	}

	name := opts.Name
	implicit := false
	if name == "" {
		name = "stream-cor-" + uuid.New().String()[:8]
		implicit = true
	}

	g.nextID++
	f := &node{
		id:       g.nextID,
		name:     name,
		format:   "copy-on-read",
		filter:   true,
		implicit: implicit,
		bottom:   opts.Bottom,
		child:    target,
	}
	for _, n := range g.nodes {
		if n.child == target && n.id != f.id {
			n.child = f.id
		}
	}
	g.nodes[f.id] = f
	return f.id, nil
}

// DropFilter removes a filter node, re-pointing its parents at its child.
// Dropping an unknown (already-removed) ID is a no-op, so teardown paths
// may call it unconditionally.
func (g *Graph) DropFilter(id NodeID) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	f, ok := g.nodes[id]
	if !ok {
		return nil
	}
	if !f.filter {
		return fmt.Errorf("node %q is not a filter", f.name)
	}
	for _, n := range g.nodes {
		if n.child == id {
			n.child = f.child
		}
	}
	delete(g.nodes, id)
	return nil
}

// SetBackingRef rewrites node's COW child to base (zero removes it) and
// records the human-readable backing reference pair. Fails on a frozen node.
func (g *Graph) SetBackingRef(id, base NodeID, backingID, backingFmt string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, ok := g.nodes[id]
	if !ok {
		return ErrNotFound
	}
	if n.freeze > 0 {
		return fmt.Errorf("rewrite backing of %q: %w", n.name, ErrFrozen)
	}
	if base != 0 {
		if _, ok := g.nodes[base]; !ok {
			return fmt.Errorf("new base %d: %w", base, ErrNotFound)
		}
	}
	n.child = base
	n.backingID = backingID
	n.backingFmt = backingFmt
	return nil
}

// SetReadOnly reopens the node with the given read-only flag.
func (g *Graph) SetReadOnly(id NodeID, readOnly bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, ok := g.nodes[id]
	if !ok {
		return ErrNotFound
	}
	if r, ok := n.store.(Reopener); ok && n.store != nil {
		if err := r.Reopen(readOnly); err != nil {
			return fmt.Errorf("reopen %q: %w", n.name, err)
		}
	}
	n.readOnly = readOnly
	return nil
}

// FreezeChain pins the chain from top down to and including stop so no
// concurrent operation mutates it. Fails if any node in range is already
// frozen, leaving nothing frozen.
func (g *Graph) FreezeChain(top, stop NodeID) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	var frozen []*node
	id := top
	for id != 0 {
		n, ok := g.nodes[id]
		if !ok {
			break
		}
		if n.freeze > 0 {
			for _, f := range frozen {
				f.freeze--
			}
			return fmt.Errorf("freeze %q: %w", n.name, ErrFrozen)
		}
		n.freeze++
		frozen = append(frozen, n)
		if id == stop {
			return nil
		}
		id = n.child
	}
	for _, f := range frozen {
		f.freeze--
	}
	return fmt.Errorf("freeze: stop node %d not reached: %w", stop, ErrNotFound)
}

// UnfreezeChain releases a FreezeChain over the same range.
func (g *Graph) UnfreezeChain(top, stop NodeID) {
	g.mu.Lock()
	defer g.mu.Unlock()

	id := top
	for id != 0 {
		n, ok := g.nodes[id]
		if !ok {
			return
		}
		if n.freeze > 0 {
			n.freeze--
		}
		if id == stop {
			return
		}
		id = n.child
	}
}

// Drain quiesces a node: in-flight I/O is assumed complete and new
// prefetches fail until Resume.
func (g *Graph) Drain(id NodeID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if n, ok := g.nodes[id]; ok {
		n.drain++
	}
}

// Resume undoes one Drain.
func (g *Graph) Resume(id NodeID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if n, ok := g.nodes[id]; ok && n.drain > 0 {
		n.drain--
	}
}

// BlockWrites acquires exclusive write blockers for owner on target and on
// every node strictly between target's chain and stop. The whole
// acquisition happens under one critical section: a concurrent operation
// either sees no blockers or all of them, never a half-configured chain.
func (g *Graph) BlockWrites(owner string, target, stop NodeID) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	var taken []*node
	undo := func() {
		for _, n := range taken {
			n.blocker = ""
		}
	}

	acquire := func(id NodeID) error {
		n, ok := g.nodes[id]
		if !ok {
			return fmt.Errorf("block writes on %d: %w", id, ErrNotFound)
		}
		if n.blocker != "" && n.blocker != owner {
			return fmt.Errorf("node %q held by %q: %w", n.name, n.blocker, ErrBlocked)
		}
		if n.blocker == "" {
			n.blocker = owner
			taken = append(taken, n)
		}
		return nil
	}

	if err := acquire(target); err != nil {
		undo()
		return err
	}
	for id := g.childLocked(target); id != 0 && id != stop; id = g.childLocked(id) {
		if err := acquire(id); err != nil {
			undo()
			return err
		}
	}
	return nil
}

// ReleaseWriteBlockers drops every blocker held by owner.
func (g *Graph) ReleaseWriteBlockers(owner string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, n := range g.nodes {
		if n.blocker == owner {
			n.blocker = ""
		}
	}
}

// BlockedBy returns the blocker owner on id, "" if none.
func (g *Graph) BlockedBy(id NodeID) string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if n, ok := g.nodes[id]; ok {
		return n.blocker
	}
	return ""
}

// AttachTracker wires an operation-rate meter into the node's read path.
func (g *Graph) AttachTracker(id NodeID, t *iops.Tracker) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nodes[id]
	if !ok {
		return ErrNotFound
	}
	n.tracker = t
	return nil
}
