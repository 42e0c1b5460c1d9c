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

func TestTypedNew(t *testing.T) {
	assert := assert.New(t)
	st := newArena(t, 4096, FirstFit, LIFOOrder)

	type record struct {
		id    uint64
		count uint32
		flags uint32
	}
	view := NewTyped[record](st)

	r := view.New()
	require.NotNil(t, r)
	assert.True(st.Owns(unsafe.Pointer(r)))

	// the payload is writable and keeps its values
	r.id = 0xdeadbeef
	r.count = 7
	assert.Equal(uint64(0xdeadbeef), r.id)
	assert.Equal(uint32(7), r.count)
	assert.NoError(st.checkHeap())

	view.Free(r)
	assert.Equal(st.Capacity(), st.Available())
	assert.NoError(st.checkHeap())
}

func TestTypedAlloc(t *testing.T) {
	assert := assert.New(t)
	st := newImplicit(t, 4096, BestFit)
	view := NewTyped[byte](st)

	// an oversized typed allocation is still just raw bytes
	p := view.Alloc(100)
	require.NotNil(t, p)
	*p = 0xff
	assert.Equal(byte(0xff), *p)

	view.Free(p)
	assert.Equal(st.Capacity(), st.Available())
	assert.NoError(st.checkHeap())
}

func TestTypedExhaustion(t *testing.T) {
	assert := assert.New(t)
	st := newArena(t, 4096, FirstFit, LIFOOrder)
	view := NewTyped[[8192]byte](st)

	// a T larger than the arena cannot be served
	assert.Nil(view.New())
}
