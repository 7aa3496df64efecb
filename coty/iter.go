package coty

// StridedIter is the reusable unraveling loop of spec.md §9 ("Strided
// descriptors"): the algorithmic core shared by xfer's per-element transfer
// path and collective's per-element reduction path. It walks linear index
// 0..count-1, translating each to per-dimension indices via the row-major
// unravel ij = (i / Πk<j extentk) mod extentj, then to byte offsets through
// each descriptor's own stride vector.
type StridedIter struct {
	src, dst   *Descriptor
	srcElem    int64
	dstElem    int64
	count      int64
	i          int64
}

// NewStridedIter builds an iterator over dst's element count (the transfer
// engine always sizes the count from the destination descriptor, spec.md
// §4.D.1). srcElemSize/dstElemSize allow source and destination element
// byte sizes to differ (kind conversion, character padding).
func NewStridedIter(src, dst *Descriptor) *StridedIter {
	return &StridedIter{
		src:     src,
		dst:     dst,
		srcElem: src.ElemByteSize,
		dstElem: dst.ElemByteSize,
		count:   dst.ElementCount(),
	}
}

// Len returns the total number of elements this iterator will yield.
func (it *StridedIter) Len() int64 { return it.count }

// Next yields the next (linear index, src byte offset, dst byte offset)
// triple. ok is false once the iterator is exhausted.
func (it *StridedIter) Next() (linear int64, srcOff int64, dstOff int64, ok bool) {
	if it.i >= it.count {
		return 0, 0, 0, false
	}
	linear = it.i
	srcOff = it.src.ByteOffset(linear)
	dstOff = it.dst.ByteOffset(linear)
	it.i++
	return linear, srcOff, dstOff, true
}

// Reset rewinds the iterator to its first element, letting a caller reuse
// one StridedIter across repeated passes.
func (it *StridedIter) Reset() { it.i = 0 }
