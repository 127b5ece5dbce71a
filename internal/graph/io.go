package graph

import (
	"fmt"
	"io"

	"github.com/bamsammich/chainstream/internal/platform"
)

// Allocated reports whether [off, off+max) starts allocated in id's own
// layer, plus the length of the uniform run. Filters are skipped.
func (g *Graph) Allocated(id NodeID, off, max int64) (bool, int64, error) {
	g.mu.RLock()
	n, ok := g.nodes[g.skipFiltersLocked(id)]
	g.mu.RUnlock()
	if !ok {
		return false, 0, ErrNotFound
	}
	if n.store == nil {
		return false, 0, fmt.Errorf("node %q has no payload", n.name)
	}
	return n.store.Allocated(off, max)
}

// AllocatedAbove scans the chain from top down to stop (exclusive),
// skipping filters, and reports whether any layer in that range allocates
// the start of [off, off+max). The returned run is the allocated run of the
// first layer that has one, or the shortest unallocated run across all
// scanned layers. With top zero or top == stop the range is empty.
func (g *Graph) AllocatedAbove(top, stop NodeID, off, max int64) (bool, int64, error) {
	chain, err := g.resolveChain(top, stop)
	if err != nil {
		return false, 0, err
	}

	run := max
	for _, st := range chain {
		alloc, n, err := st.Allocated(off, run)
		if err != nil {
			return false, 0, err
		}
		if alloc {
			return true, n, nil
		}
		if n == 0 {
			// Layer ends here; nothing above stop allocates this range.
			return false, 0, nil
		}
		if n < run {
			run = n
		}
	}
	return false, run, nil
}

// resolveChain snapshots the stores of [top, stop) under the read lock so
// the scan itself runs without holding it.
func (g *Graph) resolveChain(top, stop NodeID) ([]Store, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var chain []Store
	id := top
	for id != 0 && id != stop {
		n, ok := g.nodes[id]
		if !ok {
			return nil, ErrNotFound
		}
		if !n.filter {
			chain = append(chain, n.store)
		}
		id = n.child
	}
	return chain, nil
}

// ReadAt serves a read of node id through its backing chain: each byte
// comes from the topmost layer that allocates it, zero where no layer does.
// One operation is recorded on the entry node's tracker if it has one —
// this is the foreground I/O path the pace controller watches.
func (g *Graph) ReadAt(id NodeID, p []byte, off int64) (int, error) {
	g.mu.RLock()
	n, ok := g.nodes[id]
	g.mu.RUnlock()
	if !ok {
		return 0, ErrNotFound
	}

	chain, err := g.resolveChain(id, 0)
	if err != nil {
		return 0, err
	}
	if n.tracker != nil {
		n.tracker.Record(1)
	}
	return readThrough(chain, p, off)
}

// readThrough fills p from the layered chain, topmost allocation wins.
func readThrough(chain []Store, p []byte, off int64) (int, error) {
	if len(chain) == 0 {
		return 0, fmt.Errorf("empty chain")
	}
	for i := range p {
		p[i] = 0
	}

	pos := int64(0)
	total := int64(len(p))
	for pos < total {
		remaining := total - pos
		run := remaining
		for _, st := range chain {
			alloc, n, err := st.Allocated(off+pos, remaining)
			if err != nil {
				return int(pos), err
			}
			if n == 0 {
				// Past this layer's end.
				continue
			}
			if alloc {
				if _, err := st.ReadAt(p[pos:pos+n], off+pos); err != nil {
					return int(pos), err
				}
				run = n
				break
			}
			if n < run {
				run = n
			}
		}
		// Unallocated runs stay zero.
		pos += run
	}
	return int(total), nil
}

// Prefetch materializes [off, off+length) into the filter's target: the
// range is read through the chain below the filter and written into the
// target's own layer. When sink is non-nil the materialized bytes are also
// streamed to it (journaling taps this). This is the only data-moving
// operation of the copy loop.
func (g *Graph) Prefetch(filterID NodeID, off, length int64, sink io.Writer) error {
	g.mu.RLock()
	f, ok := g.nodes[filterID]
	if !ok || !f.filter {
		g.mu.RUnlock()
		return fmt.Errorf("prefetch: filter %d: %w", filterID, ErrNotFound)
	}
	targetID := g.skipFiltersLocked(f.child)
	target, ok := g.nodes[targetID]
	if !ok || target.store == nil {
		g.mu.RUnlock()
		return fmt.Errorf("prefetch: target of filter %q: %w", f.name, ErrNotFound)
	}
	if target.drain > 0 {
		g.mu.RUnlock()
		return fmt.Errorf("prefetch into %q: %w", target.name, ErrDrained)
	}
	dst := target.store
	g.mu.RUnlock()

	chain, err := g.resolveChain(targetID, 0)
	if err != nil {
		return err
	}

	bufp := platform.GetBuffer()
	defer platform.PutBuffer(bufp)

	for length > 0 {
		chunk := int64(platform.BufferSize)
		if chunk > length {
			chunk = length
		}
		buf := (*bufp)[:chunk]
		if _, err := readThrough(chain, buf, off); err != nil {
			return fmt.Errorf("prefetch read at %d: %w", off, err)
		}
		if _, err := dst.WriteAt(buf, off); err != nil {
			return fmt.Errorf("prefetch write at %d: %w", off, err)
		}
		if sink != nil {
			if _, err := sink.Write(buf); err != nil {
				return fmt.Errorf("prefetch sink: %w", err)
			}
		}
		off += chunk
		length -= chunk
	}
	return nil
}
