// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package stalloc

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// alignedBuf returns a DSIZE aligned buffer of exactly n bytes, so
// that tests can reason about absolute capacities and offsets.
func alignedBuf(n int) []byte {
	raw := make([]byte, n+int(DSIZE))
	addr := uintptr(unsafe.Pointer(&raw[0]))
	off := int(alignUp(addr) - addr)
	return raw[off : off+n]
}

func newArena(t *testing.T, n int, fit Fit, order Order) *Arena {
	t.Helper()
	st := &Arena{}
	require.True(t, st.Init(alignedBuf(n), fit, order, 0))
	return st
}

func newImplicit(t *testing.T, n int, fit Fit) *ImplicitArena {
	t.Helper()
	st := &ImplicitArena{}
	require.True(t, st.Init(alignedBuf(n), fit, 0))
	return st
}

// skip64 skips tests whose expected offsets and sizes assume
// WSIZE == 8 (DSIZE == 16).
func skip64(t *testing.T) {
	t.Helper()
	if WSIZE != 8 {
		t.Skipf("expectations assume 8 byte words, have %d", WSIZE)
	}
}

func TestAlignSize(t *testing.T) {
	assert := assert.New(t)

	// everything up to one double word fits the minimum block
	assert.Equal(uintptr(2*DSIZE), alignSize(1))
	assert.Equal(uintptr(2*DSIZE), alignSize(DSIZE-1))
	assert.Equal(uintptr(2*DSIZE), alignSize(DSIZE))

	// larger requests round up and gain tag overhead
	assert.Equal(uintptr(2*DSIZE+DSIZE), alignSize(DSIZE+1))
	assert.Equal(uintptr(3*DSIZE), alignSize(2*DSIZE))
	assert.Equal(uintptr(4*DSIZE), alignSize(2*DSIZE+1))
}

func TestFlRange(t *testing.T) {
	assert := assert.New(t)

	assert.Equal(0, flRange(DSIZE))
	assert.Equal(0, flRange(2*DSIZE-1))
	assert.Equal(1, flRange(2*DSIZE))
	assert.Equal(1, flRange(3*DSIZE))
	assert.Equal(2, flRange(4*DSIZE))
	assert.Equal(7, flRange(255*DSIZE))
	assert.Equal(8, flRange(256*DSIZE))
}

func TestPack(t *testing.T) {
	assert := assert.New(t)

	var w uintptr
	p := uintptr(unsafe.Pointer(&w))

	put(p, pack(4*DSIZE, true))
	assert.Equal(uintptr(4*DSIZE), sizeAt(p))
	assert.True(allocAt(p))

	put(p, pack(4*DSIZE, false))
	assert.Equal(uintptr(4*DSIZE), sizeAt(p))
	assert.False(allocAt(p))

	put(p, 0)
	assert.Equal(uintptr(0), sizeAt(p))
	assert.False(allocAt(p))
}

func TestInitRejects(t *testing.T) {
	assert := assert.New(t)

	var st Arena
	// nothing to manage
	assert.False(st.Init(nil, FirstFit, LIFOOrder, 0))
	assert.False(st.Init(make([]byte, 16), FirstFit, LIFOOrder, 0))
	// too small for prologue + one block + epilogue
	assert.False(st.Init(make([]byte, int(2*DSIZE)), FirstFit, LIFOOrder, 0))
	// redundant policy combination
	assert.False(st.Init(alignedBuf(4096), BestFit, AddressOrder, 0))

	var im ImplicitArena
	assert.False(im.Init(nil, FirstFit, 0))
	assert.False(im.Init(make([]byte, int(2*DSIZE)), BestFit, 0))
}

func TestInitMisalignedBuffer(t *testing.T) {
	assert := assert.New(t)

	// a deliberately misaligned, odd sized region still comes up,
	// with the capacity rounded accordingly
	raw := alignedBuf(4096 + 2*int(DSIZE))
	mem := raw[1 : 4096+int(DSIZE)+3]

	var st Arena
	assert.True(st.Init(mem, FirstFit, LIFOOrder, 0))
	assert.Equal(uintptr(0), st.base%DSIZE)
	assert.Equal(uintptr(0), st.size%DSIZE)
	assert.Equal(uintptr(4096), st.size)
	assert.NoError(st.checkHeap())
}

func TestCheckHeapDetects(t *testing.T) {
	assert := assert.New(t)
	st := newArena(t, 4096, FirstFit, LIFOOrder)

	p := st.Alloc(100)
	require.NotNil(t, p)
	require.NoError(t, st.checkHeap())

	// smash the footer so it disagrees with the header
	bp := uintptr(p)
	saved := get(ftr(bp))
	put(ftr(bp), saved^1)
	assert.Error(st.checkHeap())

	put(ftr(bp), saved)
	assert.NoError(st.checkHeap())
}

func TestReInit(t *testing.T) {
	assert := assert.New(t)
	st := newArena(t, 4096, FirstFit, LIFOOrder)

	p := st.Alloc(100)
	assert.NotNil(p)

	// re-init drops all previous state
	assert.True(st.Init(alignedBuf(2048), BestFit, LIFOOrder, 0))
	assert.Equal(uintptr(2048-DSIZE), st.Capacity())
	assert.Equal(uintptr(2048-DSIZE), st.Available())
	assert.Len(st.Blocks(), 1)
}
