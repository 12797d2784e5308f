package vfs

import "math/bits"

// bitmap mirrors the on-disk block bitmap. Mutations widen a dirty byte
// range that commitPending writes back in one call.
type bitmap struct {
	bits    []byte
	total   uint32
	dirtyLo int
	dirtyHi int
}

func newBitmap(total uint32) *bitmap {
	return &bitmap{bits: make([]byte, bitmapLen(total)), total: total}
}

func bitmapLen(total uint32) int {
	return int((uint64(total) + 7) / 8)
}

func (b *bitmap) get(i uint32) bool {
	return b.bits[i/8]&(1<<(i%8)) != 0
}

func (b *bitmap) set(first, count uint32, used bool) {
	for i := first; i < first+count; i++ {
		if used {
			b.bits[i/8] |= 1 << (i % 8)
		} else {
			b.bits[i/8] &^= 1 << (i % 8)
		}
	}
	if count > 0 {
		b.markDirty(int(first/8), int((first+count-1)/8)+1)
	}
}

func (b *bitmap) markDirty(lo, hi int) {
	if b.dirtyLo >= b.dirtyHi {
		b.dirtyLo, b.dirtyHi = lo, hi
		return
	}
	b.dirtyLo = min(b.dirtyLo, lo)
	b.dirtyHi = max(b.dirtyHi, hi)
}

func (b *bitmap) dirty() bool {
	return b.dirtyLo < b.dirtyHi
}

func (b *bitmap) clean() {
	b.dirtyLo, b.dirtyHi = 0, 0
}

// findRun returns the first index of count consecutive free blocks.
func (b *bitmap) findRun(count uint32) (uint32, bool) {
	if count == 0 || count > b.total {
		return 0, false
	}
	var run uint32
	for i := uint32(0); i < b.total; i++ {
		// Skip whole allocated bytes.
		if i%8 == 0 && b.bits[i/8] == 0xff {
			run = 0
			i += 7
			continue
		}
		if b.get(i) {
			run = 0
			continue
		}
		run++
		if run == count {
			return i + 1 - count, true
		}
	}
	return 0, false
}

// resize changes the number of tracked blocks. New blocks are free.
func (b *bitmap) resize(total uint32) {
	n := bitmapLen(total)
	old := len(b.bits)
	switch {
	case n > old:
		b.bits = append(b.bits, make([]byte, n-old)...)
		b.markDirty(old, n)
	case n < old:
		b.bits = b.bits[:n]
		if b.dirtyHi > n {
			b.dirtyHi = n
		}
	}
	if total < b.total && n > 0 && total%8 != 0 {
		b.bits[n-1] &= byte(1<<(total%8)) - 1
	}
	b.total = total
}

// lastUsed returns the highest allocated block.
func (b *bitmap) lastUsed() (uint32, bool) {
	for i := len(b.bits) - 1; i >= 0; i-- {
		if b.bits[i] != 0 {
			return uint32(i*8 + 7 - bits.LeadingZeros8(b.bits[i])), true
		}
	}
	return 0, false
}

func (b *bitmap) used() uint32 {
	var n int
	for _, v := range b.bits {
		n += bits.OnesCount8(v)
	}
	return uint32(n)
}
