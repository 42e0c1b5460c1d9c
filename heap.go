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

// heap holds the state shared by both arena organizations: the backing
// buffer, its aligned bounds and the usage statistics. The fit search,
// placement and coalescing live with the concrete arena types.
type heap struct {
	options Options
	size    uintptr // managed bytes, DSIZE aligned
	used    MUsed   // statistics

	base  uintptr // address of the first managed byte
	listp uintptr // payload address of the first block

	mem []byte // the caller supplied buffer
}

// Debug returns true if debug logging is turned on.
func (h *heap) Debug() bool { return h.options&StDebug != 0 }

// BChecks returns true if per operation heap verification is turned on.
func (h *heap) BChecks() bool { return h.options&StChecks != 0 }

// attach takes ownership of mem: it aligns the start to DSIZE, rounds
// the usable size down to a DSIZE multiple, zeroes the buffer and
// installs the initial free block between the prologue and epilogue
// sentinels. It returns false if the aligned region cannot hold a
// single block.
func (h *heap) attach(mem []byte, options Options) bool {
	if len(mem) == 0 {
		return false
	}
	addr := uintptr(unsafe.Pointer(&mem[0]))
	start := alignUp(addr)
	size := uintptr(len(mem))
	if size < start-addr {
		return false
	}
	size -= start - addr
	size = alignDown(size)
	if size < 3*DSIZE {
		return false
	}
	for i := range mem {
		mem[i] = 0
	}

	h.mem = mem
	h.options = options
	h.base = start
	h.listp = start + DSIZE
	h.size = size
	h.addOverhead(DSIZE) // prologue and epilogue words

	// first and last words stay zero; everything in between is one
	// free block
	put(h.base+WSIZE, pack(size-DSIZE, false))
	put(ftr(h.listp), pack(size-DSIZE, false))
	return true
}

// addUsed increases the usage stats for a newly allocated block of
// total size bytes.
func (h *heap) addUsed(size uintptr) {
	h.used.Used += uint64(size - DSIZE)
	h.used.RealUsed += uint64(size)
	if h.used.MaxRealUsed < h.used.RealUsed {
		h.used.MaxRealUsed = h.used.RealUsed
	}
}

// subUsed decreases the usage stats for a freed block of total size
// bytes.
func (h *heap) subUsed(size uintptr) {
	h.used.Used -= uint64(size - DSIZE)
	h.used.RealUsed -= uint64(size)
}

// addOverhead adds fixed bookkeeping overhead to the stats.
func (h *heap) addOverhead(o uintptr) {
	h.used.RealUsed += uint64(o)
	if h.used.MaxRealUsed < h.used.RealUsed {
		h.used.MaxRealUsed = h.used.RealUsed
	}
}

// MUsage returns current memory usage values.
func (h *heap) MUsage() MUsed {
	return h.used
}

// Size returns the total number of managed bytes, sentinels included.
func (h *heap) Size() uintptr {
	return h.size
}

// Capacity returns the usable capacity: the size of the initial free
// block of a fresh arena.
func (h *heap) Capacity() uintptr {
	return h.size - DSIZE
}

// Available returns how many bytes are available for allocation,
// boundary tag overhead included.
func (h *heap) Available() uintptr {
	return h.size - uintptr(h.used.RealUsed)
}

// Owns returns whether p points into the arena's payload region.
// Behaviour is undefined if the arena was never initialised.
func (h *heap) Owns(p unsafe.Pointer) bool {
	if uintptr(p) < h.listp || uintptr(p) >= h.base+h.size-WSIZE {
		return false
	}
	return true
}

// BlockInfo describes one block of the physical chain.
type BlockInfo struct {
	Index     int
	Offset    uintptr // payload offset from the arena start
	Size      uintptr // total block size, tags included
	Allocated bool
}

// Blocks walks the physical block chain from the first payload to the
// epilogue and returns one entry per block. Diagnostic and test hook.
func (h *heap) Blocks() []BlockInfo {
	var blocks []BlockInfo
	i := 0
	for bp := h.listp; sizeAt(hdr(bp)) > 0; bp = nextBlk(bp) {
		blocks = append(blocks, BlockInfo{
			Index:     i,
			Offset:    bp - h.base,
			Size:      sizeAt(hdr(bp)),
			Allocated: allocAt(hdr(bp)),
		})
		i++
	}
	return blocks
}

// checkChain verifies the invariants every block organization shares:
// header == footer, alignment, chain completeness (the walk ends
// exactly at the epilogue and block sizes sum to the capacity), no two
// adjacent free blocks and conservation against the usage stats.
func (h *heap) checkChain() error {
	var total, allocated uintptr
	prevFree := false
	for bp := h.listp; ; bp = nextBlk(bp) {
		size := sizeAt(hdr(bp))
		if size == 0 {
			if get(hdr(bp)) != 0 {
				return fmt.Errorf("zero-size tag with flags %#x at offset %d",
					get(hdr(bp)), hdr(bp)-h.base)
			}
			if hdr(bp) != h.base+h.size-WSIZE {
				return fmt.Errorf("chain ends at offset %d, epilogue is at %d",
					hdr(bp)-h.base, h.size-WSIZE)
			}
			break
		}
		if bp%DSIZE != 0 {
			return fmt.Errorf("misaligned payload at offset %d", bp-h.base)
		}
		if size%DSIZE != 0 {
			return fmt.Errorf("misaligned size %d at offset %d", size, bp-h.base)
		}
		if get(hdr(bp)) != get(ftr(bp)) {
			return fmt.Errorf("header %#x != footer %#x at offset %d",
				get(hdr(bp)), get(ftr(bp)), bp-h.base)
		}
		free := !allocAt(hdr(bp))
		if free && prevFree {
			return fmt.Errorf("adjacent free blocks at offset %d", bp-h.base)
		}
		prevFree = free
		total += size
		if !free {
			allocated += size
		}
	}
	if total != h.size-DSIZE {
		return fmt.Errorf("block sizes sum to %d, capacity is %d",
			total, h.size-DSIZE)
	}
	if uint64(allocated)+uint64(DSIZE) != h.used.RealUsed {
		return fmt.Errorf("allocated bytes %d do not match used stats %d",
			allocated, h.used.RealUsed)
	}
	return nil
}
