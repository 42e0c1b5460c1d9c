// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package stalloc

import (
	"unsafe"
)

// ImplicitArena is a fixed-capacity allocator without any free list
// bookkeeping: the fit search walks the physical block chain itself,
// using the boundary tags to step from block to block. Slower to
// search than Arena but with zero per-block state besides the tags.
type ImplicitArena struct {
	heap
	fit Fit
}

// Init initialises the arena over mem with the given fit policy and
// option flags. The start of mem is aligned up to DSIZE and the usable
// size rounded down; Init returns false if what remains cannot hold a
// single block. Re-Init over a new buffer drops all previous state.
func (st *ImplicitArena) Init(mem []byte, fit Fit, options Options) bool {
	*st = ImplicitArena{} // zero, in case of re-init
	if !st.attach(mem, options) {
		return false
	}
	st.fit = fit
	return true
}

// findFit walks the block chain from the first payload to the epilogue
// looking for a free block of at least asize bytes. Returns 0 if none
// fits.
func (st *ImplicitArena) findFit(asize uintptr) uintptr {
	if st.fit == FirstFit {
		for lp := st.listp; sizeAt(hdr(lp)) > 0; lp = nextBlk(lp) {
			if !allocAt(hdr(lp)) && asize <= sizeAt(hdr(lp)) {
				return lp
			}
		}
		return 0
	}

	// best fit: track the smallest sufficient block over the whole walk
	var best uintptr
	bestSize := ^uintptr(0)
	for lp := st.listp; sizeAt(hdr(lp)) > 0; lp = nextBlk(lp) {
		size := sizeAt(hdr(lp))
		if !allocAt(hdr(lp)) && asize <= size && size < bestSize {
			best = lp
			bestSize = size
		}
	}
	return best
}

// place marks the free block at bp allocated for a request of asize
// bytes, splitting off the leftover when it can stand on its own.
func (st *ImplicitArena) place(bp, asize uintptr) {
	fsize := sizeAt(hdr(bp))
	lsize := fsize - asize

	if lsize < MinBlock {
		asize = fsize
	} else {
		lbp := bp + asize
		put(hdr(lbp), pack(lsize, false))
		put(ftr(lbp), pack(lsize, false))
	}

	put(hdr(bp), pack(asize, true))
	put(ftr(bp), pack(asize, true))
}

// coalesce merges the free block at bp with any free physical
// neighbours, zeroing the tag words swallowed by the merge.
func (st *ImplicitArena) coalesce(bp uintptr) {
	prev := prevExist(bp) && !allocAt(hdr(prevBlk(bp)))
	next := nextExist(bp) && !allocAt(hdr(nextBlk(bp)))
	if !prev && !next {
		return
	}

	size := sizeAt(hdr(bp))
	bpHdr := hdr(bp)
	bpFtr := ftr(bp)

	switch {
	case prev && next:
		pb := prevBlk(bp)
		nb := nextBlk(bp)
		prevHdr, prevFtr := hdr(pb), ftr(pb)
		nextHdr, nextFtr := hdr(nb), ftr(nb)
		size += sizeAt(prevHdr) + sizeAt(nextHdr)

		put(prevFtr, 0)
		put(prevHdr, pack(size, false))
		put(nextFtr, pack(size, false))
		put(nextHdr, 0)
		put(bpFtr, 0)
		put(bpHdr, 0)

	case prev:
		pb := prevBlk(bp)
		prevHdr, prevFtr := hdr(pb), ftr(pb)
		size += sizeAt(prevHdr)

		put(prevFtr, 0)
		put(prevHdr, pack(size, false))
		put(bpFtr, pack(size, false))
		put(bpHdr, 0)

	case next:
		nb := nextBlk(bp)
		nextHdr, nextFtr := hdr(nb), ftr(nb)
		size += sizeAt(nextHdr)

		put(nextFtr, pack(size, false))
		put(nextHdr, 0)
		put(bpFtr, 0)
		put(bpHdr, pack(size, false))
	}
}

// Alloc allocates size bytes and returns a pointer to them.
// On failure it returns nil.
func (st *ImplicitArena) Alloc(size uintptr) unsafe.Pointer {
	if size == 0 || size > st.size-2*DSIZE {
		return nil
	}
	asize := alignSize(size)
	bp := st.findFit(asize)
	if bp == 0 {
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

// Free releases the memory at p and coalesces it with free
// neighbours. Nil pointers and pointers whose header does not carry
// the allocated bit are ignored.
func (st *ImplicitArena) Free(p unsafe.Pointer) {
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

	st.coalesce(bp)
	if st.BChecks() {
		st.mustCheck("free")
	}
}

func (st *ImplicitArena) mustCheck(op string) {
	if err := st.checkHeap(); err != nil {
		st.dumpStatus()
		PANIC("heap corrupted after %s: %s\n", op, err)
	}
}

// checkHeap verifies the chain invariants; the implicit organization
// has no list state beyond the tags.
func (st *ImplicitArena) checkHeap() error {
	return st.checkChain()
}
