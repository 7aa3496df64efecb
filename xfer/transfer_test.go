package xfer

import (
	"context"
	"testing"

	"github.com/NITIALODDS/OpenCoarrays/coty"
	"github.com/NITIALODDS/OpenCoarrays/corecfg"
	"github.com/NITIALODDS/OpenCoarrays/token"
	"github.com/NITIALODDS/OpenCoarrays/transport"
)

func int4Desc(n int64) *coty.Descriptor {
	return &coty.Descriptor{
		ElemByteSize: 4,
		ElemType:     coty.Integer,
		ElemKind:     4,
		Rank:         1,
		Dims:         []coty.Dim{{LowerBound: 1, UpperBound: n, Stride: 1}},
	}
}

func putInt32(buf []byte, off int64, v int32) {
	buf[off] = byte(v >> 24)
	buf[off+1] = byte(v >> 16)
	buf[off+2] = byte(v >> 8)
	buf[off+3] = byte(v)
}

func getInt32(buf []byte, off int64) int32 {
	return int32(buf[off])<<24 | int32(buf[off+1])<<16 | int32(buf[off+2])<<8 | int32(buf[off+3])
}

func TestSendGetContiguousRoundTrip(t *testing.T) {
	cluster := transport.NewSimCluster(2)
	reg := token.New(cluster.Image(0))
	m, err := reg.Register(4*4, token.KindData, nil)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	cfg := corecfg.Default()
	e0 := New(cluster.Image(0), transport.PerOpLocking{}, nil, cfg)
	e1 := New(cluster.Image(1), transport.PerOpLocking{}, nil, cfg)

	src := make([]byte, 16)
	for i := int64(0); i < 4; i++ {
		putInt32(src, i*4, int32(i+1))
	}
	desc := int4Desc(4)
	if err := e0.Send(context.Background(), m, 0, 1, desc, desc, src, false); err != nil {
		t.Fatalf("Send: %v", err)
	}

	dst := make([]byte, 16)
	if err := e1.Get(context.Background(), m, 0, 1, dst, desc, desc); err != nil {
		t.Fatalf("Get: %v", err)
	}
	for i := int64(0); i < 4; i++ {
		if got := getInt32(dst, i*4); got != int32(i+1) {
			t.Errorf("elem %d = %d, want %d", i, got, i+1)
		}
	}
}

func TestSendStridedSection(t *testing.T) {
	cluster := transport.NewSimCluster(1)
	reg := token.New(cluster.Image(0))
	m, err := reg.Register(16*4, token.KindData, nil)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	cfg := corecfg.Default()
	e := New(cluster.Image(0), transport.PerOpLocking{}, nil, cfg)

	// dest is the strided [1:4:2,1:4:2] section of a 4x4 array (spec.md §8 S2).
	dst := &coty.Descriptor{
		ElemByteSize: 4, ElemType: coty.Integer, ElemKind: 4, Rank: 2,
		Dims: []coty.Dim{
			{LowerBound: 1, UpperBound: 4, Stride: 2},
			{LowerBound: 1, UpperBound: 4, Stride: 8},
		},
	}
	src := int4Desc(4)
	payload := make([]byte, 16)
	for i := int64(0); i < 4; i++ {
		putInt32(payload, i*4, int32(100+i))
	}
	if err := e.Send(context.Background(), m, 0, 0, dst, src, payload, false); err != nil {
		t.Fatalf("Send: %v", err)
	}

	raw, err := cluster.Image(0).Get(context.Background(), m.Window, 0, 0, 16*4)
	if err != nil {
		t.Fatalf("Get raw: %v", err)
	}
	want := map[int64]int32{0: 100, 2: 101, 8: 102, 10: 103}
	for idx, v := range want {
		if got := getInt32(raw, idx*4); got != v {
			t.Errorf("linear index %d = %d, want %d", idx, got, v)
		}
	}
}

func TestGetCrossKindConversion(t *testing.T) {
	cluster := transport.NewSimCluster(1)
	reg := token.New(cluster.Image(0))
	m, err := reg.Register(8, token.KindData, nil)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	cfg := corecfg.Default()
	e := New(cluster.Image(0), transport.PerOpLocking{}, nil, cfg)

	src8 := &coty.Descriptor{ElemByteSize: 8, ElemType: coty.Integer, ElemKind: 8, Rank: 1,
		Dims: []coty.Dim{{LowerBound: 1, UpperBound: 1, Stride: 1}}}
	raw := make([]byte, 8)
	raw[7] = 42
	if err := cluster.Image(0).Put(context.Background(), m.Window, 0, 0, raw); err != nil {
		t.Fatalf("seed Put: %v", err)
	}

	dst4 := int4Desc(1)
	out := make([]byte, 4)
	if err := e.Get(context.Background(), m, 0, 0, out, dst4, src8); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got := getInt32(out, 0); got != 42 {
		t.Fatalf("converted value = %d, want 42", got)
	}
}

func TestSendZeroElementCountIsNoop(t *testing.T) {
	cluster := transport.NewSimCluster(1)
	reg := token.New(cluster.Image(0))
	m, err := reg.Register(16, token.KindData, nil)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	cfg := corecfg.Default()
	e := New(cluster.Image(0), transport.PerOpLocking{}, nil, cfg)

	empty := &coty.Descriptor{ElemByteSize: 4, ElemType: coty.Integer, ElemKind: 4, Rank: 1,
		Dims: []coty.Dim{{LowerBound: 5, UpperBound: 1, Stride: 1}}}
	if err := e.Send(context.Background(), m, 0, 0, empty, empty, nil, false); err != nil {
		t.Fatalf("Send on empty range should be a no-op, got: %v", err)
	}
}
