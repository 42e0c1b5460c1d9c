// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package stalloc

import (
	"fmt"
	"unsafe"
)

// Arena is a fixed-capacity allocator keeping its free blocks on an
// array of doubly-linked lists segregated by size class. The link
// words live inside the free blocks' payloads; the arena itself only
// stores one head pointer and one node counter per class.
type Arena struct {
	heap
	fit   Fit
	order Order

	heads []uintptr // per class head payload address, 0 when empty
	nfree []uint64  // per class node counters
}

// Init initialises the arena over mem with the given fit policy,
// free list insertion order and option flags. The start of mem is
// aligned up to DSIZE and the usable size rounded down; Init returns
// false if what remains cannot hold a single block or if the policy
// combination is invalid. Re-Init over a new buffer is allowed and
// drops all previous state.
func (st *Arena) Init(mem []byte, fit Fit, order Order, options Options) bool {
	*st = Arena{} // zero, in case of re-init
	if fit == BestFit && order == AddressOrder {
		// best fit ignores list order; an ordered walk buys nothing
		ERR("BestFit with AddressOrder not allowed\n")
		return false
	}
	if !st.attach(mem, options) {
		return false
	}
	st.fit = fit
	st.order = order

	n := flRange(st.size-DSIZE) + 1
	st.heads = make([]uintptr, n)
	st.nfree = make([]uint64, n)

	// the initial block is the sole node of the highest class
	st.flInsert(st.listp)
	return true
}

// flInsert links the free block at bp into its size class list under
// the configured order.
func (st *Arena) flInsert(bp uintptr) {
	if bp == 0 {
		return
	}
	idx := flRange(sizeAt(hdr(bp)))
	st.nfree[idx]++

	head := st.heads[idx]
	if head == 0 {
		st.heads[idx] = bp
		setFlPrev(bp, 0)
		setFlNext(bp, 0)
		return
	}

	if st.order == LIFOOrder {
		setFlPrev(bp, 0)
		setFlNext(bp, head)
		setFlPrev(head, bp)
		st.heads[idx] = bp
		return
	}

	// address ordering
	if bp < head {
		setFlPrev(bp, 0)
		setFlNext(bp, head)
		setFlPrev(head, bp)
		st.heads[idx] = bp
		return
	}
	flp := head
	for flNext(flp) != 0 && flp < bp {
		flp = flNext(flp)
	}
	if flp < bp {
		// past the tail
		setFlNext(flp, bp)
		setFlPrev(bp, flp)
		setFlNext(bp, 0)
	} else {
		setFlPrev(bp, flPrev(flp))
		setFlNext(bp, flp)
		setFlPrev(flp, bp)
		setFlNext(flPrev(bp), bp)
	}
}

// flRemove unlinks the free block at bp from its size class list.
// The class is keyed on the block's current header size, so callers
// must remove before rewriting the header.
func (st *Arena) flRemove(bp uintptr) {
	if bp == 0 {
		return
	}
	idx := flRange(sizeAt(hdr(bp)))
	st.nfree[idx]--

	prev := flPrev(bp)
	next := flNext(bp)
	switch {
	case prev == 0 && next == 0:
		st.heads[idx] = 0
	case prev == 0:
		st.heads[idx] = next
		setFlPrev(next, 0)
		setFlNext(bp, 0)
	case next == 0:
		setFlNext(prev, 0)
		setFlPrev(bp, 0)
	default:
		setFlNext(prev, next)
		setFlPrev(next, prev)
		setFlPrev(bp, 0)
		setFlNext(bp, 0)
	}
}

// findFit searches the class lists, starting at the request's own
// class and moving up, for a free block of at least asize bytes.
// Returns 0 if every class is exhausted.
func (st *Arena) findFit(asize uintptr) uintptr {
	for idx := flRange(asize); idx < len(st.heads); idx++ {
		if st.fit == FirstFit {
			for bp := st.heads[idx]; bp != 0; bp = flNext(bp) {
				if asize <= sizeAt(hdr(bp)) {
					return bp
				}
			}
			continue
		}

		// best fit: any fit in this class beats every fit in a
		// higher one, so stop at the first class that yields one
		var best uintptr
		bestSize := ^uintptr(0)
		for bp := st.heads[idx]; bp != 0; bp = flNext(bp) {
			size := sizeAt(hdr(bp))
			if asize <= size && size < bestSize {
				best = bp
				bestSize = size
			}
		}
		if best != 0 {
			return best
		}
	}
	return 0
}

// place marks the free block at bp allocated for a request of asize
// bytes, splitting off the leftover as a new free block when it is
// large enough to stand on its own.
func (st *Arena) place(bp, asize uintptr) {
	fsize := sizeAt(hdr(bp))
	lsize := fsize - asize

	if lsize < MinBlock {
		asize = fsize
	} else {
		lbp := bp + asize
		put(hdr(lbp), pack(lsize, false))
		put(ftr(lbp), pack(lsize, false))
		st.flInsert(lbp)
	}

	// remove before rewriting the header: the class is keyed on the
	// pre-split size
	st.flRemove(bp)

	put(hdr(bp), pack(asize, true))
	put(ftr(bp), pack(asize, true))
}

// coalesce merges the free block at bp with any free physical
// neighbours. Participants are unlinked first, while their headers
// still carry the old sizes; the merged block generally lands in a
// different class. The tag words swallowed by the merge are zeroed so
// that only the outermost header and footer of the result carry a
// size.
func (st *Arena) coalesce(bp uintptr) {
	prev := prevExist(bp) && !allocAt(hdr(prevBlk(bp)))
	next := nextExist(bp) && !allocAt(hdr(nextBlk(bp)))
	if !prev && !next {
		return
	}

	size := sizeAt(hdr(bp))
	bpHdr := hdr(bp)
	bpFtr := ftr(bp)
	var newBp uintptr

	switch {
	case prev && next:
		pb := prevBlk(bp)
		nb := nextBlk(bp)
		prevHdr, prevFtr := hdr(pb), ftr(pb)
		nextHdr, nextFtr := hdr(nb), ftr(nb)
		size += sizeAt(prevHdr) + sizeAt(nextHdr)

		st.flRemove(nb)
		st.flRemove(bp)
		st.flRemove(pb)

		put(prevFtr, 0)
		put(prevHdr, pack(size, false))
		put(nextFtr, pack(size, false))
		put(nextHdr, 0)
		put(bpFtr, 0)
		put(bpHdr, 0)
		newBp = pb

	case prev:
		pb := prevBlk(bp)
		prevHdr, prevFtr := hdr(pb), ftr(pb)
		size += sizeAt(prevHdr)

		st.flRemove(bp)
		st.flRemove(pb)

		put(prevFtr, 0)
		put(prevHdr, pack(size, false))
		put(bpFtr, pack(size, false))
		put(bpHdr, 0)
		newBp = pb

	case next:
		nb := nextBlk(bp)
		nextHdr, nextFtr := hdr(nb), ftr(nb)
		size += sizeAt(nextHdr)

		st.flRemove(nb)
		st.flRemove(bp)

		put(nextFtr, pack(size, false))
		put(nextHdr, 0)
		put(bpFtr, 0)
		put(bpHdr, pack(size, false))
		newBp = bp
	}

	st.flInsert(newBp)
}

// Alloc allocates size bytes and returns a pointer to them.
// On failure (zero or oversized request, out of memory, too
// fragmented) it returns nil.
func (st *Arena) Alloc(size uintptr) unsafe.Pointer {
	if size == 0 || size > st.size-2*DSIZE {
		return nil
	}
	asize := alignSize(size)
	bp := st.findFit(asize)
	if bp == 0 {
		// no sufficient free block
		return nil
	}
	st.place(bp, asize)
	st.addUsed(sizeAt(hdr(bp)))
	if st.Debug() {
		DBG("alloc(%d): offset %d, block size %d\n",
			size, bp-st.base, sizeAt(hdr(bp)))
	}
	if st.BChecks() {
		st.mustCheck("alloc")
	}
	return unsafe.Pointer(bp)
}

// Free releases the memory at p (previously returned by Alloc on the
// same arena) and coalesces it with free neighbours. A nil p is
// ignored, as is any pointer whose header does not carry the
// allocated bit (which covers double frees of blocks that have since
// been coalesced away).
func (st *Arena) Free(p unsafe.Pointer) {
	if p == nil {
		WARN("free(nil) called\n")
		return
	}
	if !st.Owns(p) {
		BUG("free called with pointer %p outside the arena\n", p)
		return
	}
	bp := uintptr(p)
	if !allocAt(hdr(bp)) {
		if st.Debug() {
			DBG("free(%p): block not allocated, ignored\n", p)
		}
		return
	}
	size := sizeAt(hdr(bp))
	put(hdr(bp), pack(size, false))
	put(ftr(bp), pack(size, false))
	st.subUsed(size)

	st.flInsert(bp)
	st.coalesce(bp)
	if st.BChecks() {
		st.mustCheck("free")
	}
}

// mustCheck runs the full invariant verification and panics on
// failure; used behind the StChecks option.
func (st *Arena) mustCheck(op string) {
	if err := st.checkHeap(); err != nil {
		st.dumpStatus()
		PANIC("heap corrupted after %s: %s\n", op, err)
	}
}

// checkHeap verifies the shared chain invariants plus the segregated
// list ones: every free block linked exactly once, in the list of its
// own class, with consistent back links and node counters, and
// nothing allocated on any list.
func (st *Arena) checkHeap() error {
	if err := st.checkChain(); err != nil {
		return err
	}
	linked := make(map[uintptr]bool)
	for idx := range st.heads {
		var n uint64
		prev := uintptr(0)
		for bp := st.heads[idx]; bp != 0; bp = flNext(bp) {
			if linked[bp] {
				return fmt.Errorf("block at offset %d linked twice", bp-st.base)
			}
			linked[bp] = true
			if allocAt(hdr(bp)) {
				return fmt.Errorf("allocated block at offset %d on free list %d",
					bp-st.base, idx)
			}
			if c := flRange(sizeAt(hdr(bp))); c != idx {
				return fmt.Errorf("block at offset %d has class %d, linked in list %d",
					bp-st.base, c, idx)
			}
			if flPrev(bp) != prev {
				return fmt.Errorf("bad back link at offset %d", bp-st.base)
			}
			prev = bp
			n++
		}
		if n != st.nfree[idx] {
			return fmt.Errorf("free list %d holds %d nodes, counter says %d",
				idx, n, st.nfree[idx])
		}
	}
	for bp := st.listp; sizeAt(hdr(bp)) > 0; bp = nextBlk(bp) {
		if !allocAt(hdr(bp)) && !linked[bp] {
			return fmt.Errorf("free block at offset %d not on any list", bp-st.base)
		}
	}
	return nil
}
