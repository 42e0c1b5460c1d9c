// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package stalloc

import (
	"github.com/intuitivelabs/slog"
)

const dumpPrefix = "st_status "

// dumpStats will write heap size and usage information in the log.
func (h *heap) dumpStats() {
	const lev = slog.LDBG
	Log.LLog(lev, 0, dumpPrefix, "heap size= %d\n", h.size)
	Log.LLog(lev, 0, dumpPrefix, "used= %d, used+overhead=%d, free=%d\n",
		h.used.Used, h.used.RealUsed, h.Available())
	Log.LLog(lev, 0, dumpPrefix, "max used (+overhead)= %d\n",
		h.used.MaxRealUsed)
}

// dumpBlocks will write the physical block chain in the log.
func (h *heap) dumpBlocks() {
	const lev = slog.LDBG
	Log.LLog(lev, 0, dumpPrefix, "dumping the block chain:\n")
	i := 0
	for bp := h.listp; sizeAt(hdr(bp)) > 0; bp = nextBlk(bp) {
		status := 'F'
		if allocAt(hdr(bp)) {
			status = 'A'
		}
		Log.LLog(lev, 0, dumpPrefix,
			"   %3d.    offset=%6d size=%6d  %c\n",
			i, bp-h.base, sizeAt(hdr(bp)), status)
		i++
	}
}

// dumpStatus will write current status information in the log.
func (st *Arena) dumpStatus() {
	const lev = slog.LDBG

	if !Log.L(lev) {
		return
	}
	Log.LLog(lev, 0, dumpPrefix, "(%p):\n", st)
	if st == nil {
		return
	}
	st.dumpStats()
	if st.options&StDumpStatsShort != 0 {
		return
	}
	st.dumpBlocks()
	Log.LLog(lev, 0, dumpPrefix, "dumping free list stats:\n")
	for idx := range st.heads {
		j := uint64(0)
		for bp := st.heads[idx]; bp != 0; bp = flNext(bp) {
			j++
		}
		if j != 0 {
			Log.LLog(lev, 0, dumpPrefix,
				"class=%3d. blocks no.: %5d\n"+
					"\t\t bucket size: %9d - %9d (first %9d)\n",
				idx, j, DSIZE<<uint(idx), DSIZE<<uint(idx+1),
				sizeAt(hdr(st.heads[idx])))
		}
		if j != st.nfree[idx] {
			BUG("st_status: different free block count: %d != %d"+
				" for class %3d\n",
				j, st.nfree[idx], idx)
		}
	}
	Log.LLog(lev, 0, dumpPrefix, "-----------------------------\n")
}

// dumpStatus will write current status information in the log.
func (st *ImplicitArena) dumpStatus() {
	const lev = slog.LDBG

	if !Log.L(lev) {
		return
	}
	Log.LLog(lev, 0, dumpPrefix, "(%p):\n", st)
	if st == nil {
		return
	}
	st.dumpStats()
	if st.options&StDumpStatsShort != 0 {
		return
	}
	st.dumpBlocks()
	Log.LLog(lev, 0, dumpPrefix, "-----------------------------\n")
}
