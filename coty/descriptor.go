// Package coty ("coarray type") is the descriptor model of spec.md §4.A: a
// pure data record describing the shape and element type of a
// multi-dimensional array section, consumed by the transfer engine, the
// reference walker, and the collective layer.
/*
 * Copyright (c) 2018-2021, NVIDIA CORPORATION. All rights reserved.
 */
package coty

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// ElemType is one of the six kinds a descriptor's elements may hold
// (spec.md §3).
type ElemType int

const (
	Integer ElemType = iota
	Real
	Complex
	Logical
	Character
	Derived
)

func (t ElemType) String() string {
	switch t {
	case Integer:
		return "INTEGER"
	case Real:
		return "REAL"
	case Complex:
		return "COMPLEX"
	case Logical:
		return "LOGICAL"
	case Character:
		return "CHARACTER"
	case Derived:
		return "DERIVED"
	default:
		return "UNKNOWN"
	}
}

// MaxRank bounds the rank this package will (de)serialize. It mirrors
// corecfg.Config.MaxRank's default; callers that raise MaxRank in their
// config must not exceed this compiled ceiling.
const MaxRank = 15

// Dim is one dimension of a Descriptor: a Fortran-style closed range with a
// stride, in element units (not bytes).
type Dim struct {
	LowerBound int64
	UpperBound int64
	Stride     int64
}

// Extent is the number of elements selected along this dimension, per
// spec.md §4.E's counting formula: num = (stride>0 ? ub+1-lb : lb+1-ub);
// num = 1 + (num-1)/|stride|. A reversed-but-empty range yields 0.
func (d Dim) Extent() int64 {
	var num int64
	if d.Stride > 0 {
		num = d.UpperBound + 1 - d.LowerBound
	} else if d.Stride < 0 {
		num = d.LowerBound + 1 - d.UpperBound
	} else {
		return 0
	}
	if num <= 0 {
		return 0
	}
	stride := d.Stride
	if stride < 0 {
		stride = -stride
	}
	return 1 + (num-1)/stride
}

// Descriptor is the record of spec.md §3: { base_addr, element_byte_size,
// element_type, element_kind, rank, dims[rank] }.
type Descriptor struct {
	BaseAddr    uint64
	ElemByteSize int64
	ElemType    ElemType
	ElemKind    int
	Rank        int
	Dims        []Dim
}

// NewScalar returns a rank-0 descriptor for a single element, used as the
// "all dims collapsed to scalar" state the walker resets to when it is
// about to discover the chain's one permitted array reference.
func NewScalar(elemType ElemType, elemKind int, elemByteSize int64) *Descriptor {
	return &Descriptor{ElemByteSize: elemByteSize, ElemType: elemType, ElemKind: elemKind, Rank: 0}
}

// ElementCount is the total element count of the section the descriptor
// denotes: the product of max(0, extent) over every dimension, or 1 for a
// rank-0 (scalar) descriptor (spec.md §4.D.1).
func (d *Descriptor) ElementCount() int64 {
	if d.Rank == 0 {
		return 1
	}
	count := int64(1)
	for _, dim := range d.Dims {
		count *= dim.Extent()
		if count == 0 {
			return 0
		}
	}
	return count
}

// IsContiguous reports whether the section is laid out without gaps: rank 0
// is trivially contiguous, otherwise stride[0] must be 1 and every
// subsequent dimension's stride must equal the product of the prior
// dimensions' extents (row-major packing), consistent with how the source
// language lays out assumed-contiguous array actuals.
func (d *Descriptor) IsContiguous() bool {
	if d.Rank == 0 {
		return true
	}
	expected := int64(1)
	for _, dim := range d.Dims {
		if dim.Stride != expected {
			return false
		}
		expected *= dim.Extent()
	}
	return true
}

// ByteOffset returns the byte offset, relative to BaseAddr, of the element
// at multi-index linear position i (row-major, i.e. the first dimension
// varies fastest), per spec.md §3's offset formula.
func (d *Descriptor) ByteOffset(i int64) int64 {
	if d.Rank == 0 {
		return 0
	}
	var off int64
	for dim := 0; dim < d.Rank; dim++ {
		extent := d.Dims[dim].Extent()
		idx := i % extent
		i /= extent
		off += idx * d.Dims[dim].Stride * d.ElemByteSize
	}
	return off
}

// descriptorHeaderSize is the fixed portion of the wire format: BaseAddr(8)
// + ElemByteSize(8) + ElemType(4) + ElemKind(4) + Rank(4).
const descriptorHeaderSize = 8 + 8 + 4 + 4 + 4

// dimSize is the wire size of one Dim triple.
const dimSize = 8 + 8 + 8

// MarshalBinary implements the "(fixed header + rank * per-dim triple)"
// wire layout of spec.md §4.A, used by the reference walker to fetch a
// remote descriptor and by the simulated transport's dynamic window.
func (d *Descriptor) MarshalBinary() ([]byte, error) {
	if d.Rank < 0 || d.Rank > MaxRank {
		return nil, errors.Errorf("coty: rank %d out of range [0,%d]", d.Rank, MaxRank)
	}
	buf := make([]byte, descriptorHeaderSize+d.Rank*dimSize)
	binary.BigEndian.PutUint64(buf[0:8], d.BaseAddr)
	binary.BigEndian.PutUint64(buf[8:16], uint64(d.ElemByteSize))
	binary.BigEndian.PutUint32(buf[16:20], uint32(d.ElemType))
	binary.BigEndian.PutUint32(buf[20:24], uint32(d.ElemKind))
	binary.BigEndian.PutUint32(buf[24:28], uint32(d.Rank))
	off := descriptorHeaderSize
	for i := 0; i < d.Rank; i++ {
		dim := d.Dims[i]
		binary.BigEndian.PutUint64(buf[off:off+8], uint64(dim.LowerBound))
		binary.BigEndian.PutUint64(buf[off+8:off+16], uint64(dim.UpperBound))
		binary.BigEndian.PutUint64(buf[off+16:off+24], uint64(dim.Stride))
		off += dimSize
	}
	return buf, nil
}

// UnmarshalBinary is the inverse of MarshalBinary.
func (d *Descriptor) UnmarshalBinary(buf []byte) error {
	if len(buf) < descriptorHeaderSize {
		return errors.New("coty: descriptor buffer shorter than header")
	}
	d.BaseAddr = binary.BigEndian.Uint64(buf[0:8])
	d.ElemByteSize = int64(binary.BigEndian.Uint64(buf[8:16]))
	d.ElemType = ElemType(binary.BigEndian.Uint32(buf[16:20]))
	d.ElemKind = int(binary.BigEndian.Uint32(buf[20:24]))
	d.Rank = int(binary.BigEndian.Uint32(buf[24:28]))
	if d.Rank < 0 || d.Rank > MaxRank {
		return errors.Errorf("coty: decoded rank %d out of range [0,%d]", d.Rank, MaxRank)
	}
	need := descriptorHeaderSize + d.Rank*dimSize
	if len(buf) < need {
		return errors.New("coty: descriptor buffer shorter than rank implies")
	}
	d.Dims = make([]Dim, d.Rank)
	off := descriptorHeaderSize
	for i := 0; i < d.Rank; i++ {
		d.Dims[i] = Dim{
			LowerBound: int64(binary.BigEndian.Uint64(buf[off : off+8])),
			UpperBound: int64(binary.BigEndian.Uint64(buf[off+8 : off+16])),
			Stride:     int64(binary.BigEndian.Uint64(buf[off+16 : off+24])),
		}
		off += dimSize
	}
	return nil
}

// WireSize returns the marshaled size for a descriptor of the given rank,
// so callers can size a fixed "remote descriptor image" buffer on the stack
// the way spec.md §4.A describes, without fetching rank first.
func WireSize(rank int) int64 { return int64(descriptorHeaderSize + rank*dimSize) }
