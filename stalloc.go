// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

// Package stalloc provides fixed-capacity in-place memory allocators.
//
// An arena manages a single contiguous byte buffer handed to it at Init
// time and serves variable-sized allocation requests from within it,
// never calling into the system allocator afterwards. Every block, free
// or allocated, carries boundary tags: one size word immediately before
// the payload and one at the block's last word, both packing the total
// block size with an allocated bit. The first and last words of the
// buffer are zero sentinels, so neighbour existence reduces to a single
// word read.
//
// Two organizations are provided. Arena keeps free blocks on an array
// of doubly-linked lists segregated by size class, with LIFO or
// address-ordered insertion. ImplicitArena threads a single implicit
// list through all blocks. Both support first-fit and best-fit
// placement.
//
// The allocators are single-threaded and non-reentrant; callers that
// need concurrent use must wrap them in their own locking.
package stalloc

import (
	"math/bits"
	"unsafe"
)

const NAME = "stalloc"

// Word and double-word sizes, architecture dependent (bytes).
// On 64-bit architectures the alignment granularity (DSIZE) is 16 bytes.
const (
	WSIZE = unsafe.Sizeof(uintptr(0))
	DSIZE = 2 * WSIZE

	// MinBlock is the smallest block that can be split off: header,
	// footer and enough payload for the two free list link words.
	MinBlock = 2 * DSIZE
)

// Fit selects the placement policy used by the fit search.
type Fit uint8

const (
	// FirstFit takes the earliest sufficient free block.
	FirstFit Fit = iota
	// BestFit takes the smallest sufficient free block.
	BestFit
)

// Order selects where a freed block is inserted into its size class
// list (segregated arena only).
type Order uint8

const (
	// LIFOOrder pushes freed blocks at the list head.
	LIFOOrder Order = iota
	// AddressOrder keeps lists sorted by ascending block address.
	AddressOrder
)

// Options encodes various configuration flags for an arena.
type Options uint32

const (
	StDebug          Options = 1 << iota // per operation debug logging
	StChecks                             // verify all heap invariants after each operation
	StDumpStatsShort                     // dump status in log, short version
	StDefaultOptions = StChecks
)

// MUsed contains the arena memory usage statistics.
type MUsed struct {
	Used        uint64 // payload bytes handed out
	RealUsed    uint64 // Used + boundary tag and sentinel overhead
	MaxRealUsed uint64
}

// alignUp rounds x up to the next DSIZE multiple.
func alignUp(x uintptr) uintptr {
	return (x + (DSIZE - 1)) &^ (DSIZE - 1)
}

// alignDown rounds x down to a DSIZE multiple.
func alignDown(x uintptr) uintptr {
	return x &^ (DSIZE - 1)
}

// alignSize returns the total block size (header, payload, footer)
// needed to serve a request of size payload bytes. A free block must
// have room for the two link words, hence the 2*DSIZE floor.
func alignSize(size uintptr) uintptr {
	if size > DSIZE {
		return alignUp(size) + DSIZE
	}
	return 2 * DSIZE
}

// flRange returns the size class index for a block of total size s
// (s must be >= DSIZE): blocks with size in [2^c*DSIZE, 2^(c+1)*DSIZE)
// map to class c.
func flRange(s uintptr) int {
	return bits.Len(uint(s)) - bits.Len(uint(DSIZE))
}
