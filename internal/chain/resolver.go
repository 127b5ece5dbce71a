// Package chain performs the graph surgery around a stream session: the
// start-time setup (filter insert, read-write reopen, write blockers) and
// the completion-time collapse (backing rewrite, filter drop).
package chain

import (
	"errors"
	"fmt"

	"github.com/bamsammich/chainstream/internal/graph"
)

// ErrNotInChain is returned when the requested base is not an ancestor of
// the target.
var ErrNotInChain = errors.New("base is not in the backing chain of target")

// SetupOptions selects the chain segment to flatten. Base and Bottom are
// mutually exclusive: Base names the boundary to stream down to (itself
// kept), Bottom directly names the lowest node to stream from.
type SetupOptions struct {
	Target     graph.NodeID
	Base       graph.NodeID
	Bottom     graph.NodeID
	FilterName string
}

// Layout is the resolved session topology.
type Layout struct {
	// BaseOverlay is the lowest node being flattened; streaming reads
	// stop below it.
	BaseOverlay graph.NodeID
	// AboveBase sits directly above the boundary in the unfiltered chain.
	AboveBase graph.NodeID
	// Filter is the inserted copy-on-read filter.
	Filter graph.NodeID
	// WasReadOnly records that the target was reopened read-write and
	// must be reverted at teardown.
	WasReadOnly bool
}

// Setup prepares the graph for streaming, in order: resolve the base
// overlay and the node above the base, reopen the target read-write under a
// frozen chain if needed, insert the copy-on-read filter, and take write
// blockers on the target and every intermediate node in a single critical
// section. Any failure rolls everything back; no partial state survives.
func Setup(g *graph.Graph, owner string, opts SetupOptions) (Layout, error) {
	if opts.Base != 0 && opts.Bottom != 0 {
		return Layout{}, errors.New("base and bottom are mutually exclusive")
	}

	var lay Layout

	if opts.Bottom != 0 {
		if g.IsFilter(opts.Bottom) {
			return Layout{}, fmt.Errorf("bottom node %q is a filter", g.Name(opts.Bottom))
		}
		lay.BaseOverlay = opts.Bottom
		lay.AboveBase = opts.Bottom
	} else {
		lay.BaseOverlay = g.FindOverlay(opts.Target, opts.Base)
		if lay.BaseOverlay == 0 {
			return Layout{}, fmt.Errorf("%q above %q: %w",
				g.Name(opts.Target), g.Name(opts.Base), ErrNotInChain)
		}
		// The base overlay is the immediate COW overlay of base; between
		// it and base there can only be filters. Walk down to the node
		// whose child is base itself.
		lay.AboveBase = lay.BaseOverlay
		if g.COWChild(lay.AboveBase) != opts.Base {
			lay.AboveBase = g.COWChild(lay.AboveBase)
			for g.FilterChild(lay.AboveBase) != opts.Base {
				lay.AboveBase = g.FilterChild(lay.AboveBase)
			}
		}
	}

	// Reopen read-write with the chain held so no concurrent operation
	// mutates it mid-reopen. Unfreeze happens regardless of the reopen
	// outcome: on success the filter will pin the chain instead.
	if g.IsReadOnly(opts.Target) {
		if err := g.FreezeChain(opts.Target, lay.AboveBase); err != nil {
			return Layout{}, err
		}
		err := g.SetReadOnly(opts.Target, false)
		g.UnfreezeChain(opts.Target, lay.AboveBase)
		if err != nil {
			return Layout{}, err
		}
		lay.WasReadOnly = true
	}

	filter, err := g.InsertFilter(opts.Target, graph.FilterOptions{
		Name:   opts.FilterName,
		Bottom: lay.BaseOverlay,
	})
	if err != nil {
		rollback(g, owner, opts.Target, lay)
		return Layout{}, err
	}
	lay.Filter = filter

	// Intermediate nodes disappear when the chain collapses; the loop
	// reads each block exactly once, so writes and resizes are forbidden
	// for the whole session. The blocker set is taken atomically.
	stop := g.FilterOrCOWChild(lay.AboveBase)
	if err := g.BlockWrites(owner, opts.Target, stop); err != nil {
		rollback(g, owner, opts.Target, lay)
		return Layout{}, err
	}

	return lay, nil
}

func rollback(g *graph.Graph, owner string, target graph.NodeID, lay Layout) {
	g.ReleaseWriteBlockers(owner)
	if lay.Filter != 0 {
		_ = g.DropFilter(lay.Filter)
	}
	if lay.WasReadOnly {
		_ = g.SetReadOnly(target, true)
	}
}

// BackingUpdateError marks a completion failure where the streamed data is
// already correct and only the backing-file reference update failed.
type BackingUpdateError struct {
	Err error
}

func (e *BackingUpdateError) Error() string {
	return fmt.Sprintf("stream complete but backing reference not updated: %v", e.Err)
}

func (e *BackingUpdateError) Unwrap() error { return e.Err }

// FinalizeOptions parameterizes the collapse.
type FinalizeOptions struct {
	// BackingOverride replaces the new base's own path in the rewritten
	// backing reference.
	BackingOverride string
	// MaskProtocol writes "raw" instead of a protocol driver's name, so
	// the collapsed image does not leak the backend protocol as a format.
	MaskProtocol bool
}

// Finalize collapses the chain after an error-free run: the filter is
// dropped first (it pins the chain below it), the target's unfiltered form
// and its COW child are drained, and the backing reference is rewritten to
// the node below the old boundary. A rewrite failure comes back as
// *BackingUpdateError; the image content itself is already correct.
func Finalize(g *graph.Graph, target graph.NodeID, lay *Layout, opts FinalizeOptions) error {
	unfiltered := g.SkipFilters(target)
	cow := g.COWChild(unfiltered)

	if lay.Filter != 0 {
		if err := g.DropFilter(lay.Filter); err != nil {
			return err
		}
		lay.Filter = 0
	}
	// The filter sat between target and the chain; its drop may have
	// changed what the unfiltered COW child is.
	cow = g.COWChild(unfiltered)

	g.Drain(unfiltered)
	defer g.Resume(unfiltered)
	if cow != 0 {
		g.Drain(cow)
		defer g.Resume(cow)
	}

	if cow == 0 {
		// Nothing below the target: no reference to rewrite.
		return nil
	}

	base := g.FilterOrCOWChild(lay.AboveBase)
	unfilteredBase := g.SkipFilters(base)

	var baseID, baseFmt string
	if unfilteredBase != 0 {
		baseID = opts.BackingOverride
		if baseID == "" {
			baseID = g.PathOf(unfilteredBase)
		}
		baseFmt = g.FormatOf(unfilteredBase, opts.MaskProtocol)
	}

	if err := g.SetBackingRef(unfiltered, base, baseID, baseFmt); err != nil {
		return &BackingUpdateError{Err: err}
	}
	return nil
}

// Teardown releases everything the session holds: the filter (if still
// present), the write blockers, and the read-only flag if it was changed.
// Safe to call after a successful Finalize or on any failure path.
func Teardown(g *graph.Graph, owner string, target graph.NodeID, lay *Layout) {
	if lay.Filter != 0 {
		_ = g.DropFilter(lay.Filter)
		lay.Filter = 0
	}
	g.ReleaseWriteBlockers(owner)
	if lay.WasReadOnly {
		_ = g.SetReadOnly(target, true)
		lay.WasReadOnly = false
	}
}
