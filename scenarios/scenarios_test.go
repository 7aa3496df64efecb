package scenarios_test

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/NITIALODDS/OpenCoarrays/atomics"
	"github.com/NITIALODDS/OpenCoarrays/collective"
	"github.com/NITIALODDS/OpenCoarrays/corasync"
	"github.com/NITIALODDS/OpenCoarrays/corecfg"
	"github.com/NITIALODDS/OpenCoarrays/corert"
	"github.com/NITIALODDS/OpenCoarrays/coty"
	"github.com/NITIALODDS/OpenCoarrays/refwalk"
	"github.com/NITIALODDS/OpenCoarrays/token"
	"github.com/NITIALODDS/OpenCoarrays/transport"
	"github.com/NITIALODDS/OpenCoarrays/xfer"
)

func int4Desc(n int64) *coty.Descriptor {
	return &coty.Descriptor{
		ElemByteSize: 4, ElemType: coty.Integer, ElemKind: 4, Rank: 1,
		Dims: []coty.Dim{{LowerBound: 1, UpperBound: n, Stride: 1}},
	}
}

func putInt32(buf []byte, off int64, v int32) {
	binary.BigEndian.PutUint32(buf[off:], uint32(v))
}

func getInt32(buf []byte, off int64) int32 {
	return int32(binary.BigEndian.Uint32(buf[off:]))
}

func beUint64Bytes(v uint64) []byte {
	out := make([]byte, 8)
	binary.BigEndian.PutUint64(out, v)
	return out
}

var _ = Describe("contiguous get across images", func() {
	It("reads back the registering image's initialized array byte-for-byte", func() {
		cluster := transport.NewSimCluster(2)
		reg := token.New(cluster.Image(0))
		m, err := reg.Register(10*4, token.KindData, nil)
		Expect(err).NotTo(HaveOccurred())

		cfg := corecfg.Default()
		owner := xfer.New(cluster.Image(0), transport.PerOpLocking{}, nil, cfg)
		caller := xfer.New(cluster.Image(1), transport.PerOpLocking{}, nil, cfg)

		src := make([]byte, 10*4)
		for i := int64(0); i < 10; i++ {
			putInt32(src, i*4, int32(i+1))
		}
		desc := int4Desc(10)
		Expect(owner.Send(context.Background(), m, 0, 1, desc, desc, src, false)).To(Succeed())

		dst := make([]byte, 10*4)
		Expect(caller.Get(context.Background(), m, 0, 1, dst, desc, desc)).To(Succeed())
		for i := int64(0); i < 10; i++ {
			Expect(getInt32(dst, i*4)).To(Equal(int32(i + 1)))
		}
	})
})

var _ = Describe("strided section get", func() {
	It("gathers the stride-2-by-stride-2 section of a 4x4 array", func() {
		cluster := transport.NewSimCluster(1)
		reg := token.New(cluster.Image(0))
		m, err := reg.Register(16*4, token.KindData, nil)
		Expect(err).NotTo(HaveOccurred())

		cfg := corecfg.Default()
		e := xfer.New(cluster.Image(0), transport.PerOpLocking{}, nil, cfg)

		src := &coty.Descriptor{
			ElemByteSize: 4, ElemType: coty.Integer, ElemKind: 4, Rank: 2,
			Dims: []coty.Dim{
				{LowerBound: 1, UpperBound: 4, Stride: 1},
				{LowerBound: 1, UpperBound: 4, Stride: 4},
			},
		}
		source := make([]byte, 16*4)
		for i := int64(0); i < 16; i++ {
			putInt32(source, i*4, int32(i))
		}
		Expect(e.Send(context.Background(), m, 0, 0, src, src, source, false)).To(Succeed())

		section := &coty.Descriptor{
			ElemByteSize: 4, ElemType: coty.Integer, ElemKind: 4, Rank: 2,
			Dims: []coty.Dim{
				{LowerBound: 1, UpperBound: 4, Stride: 2},
				{LowerBound: 1, UpperBound: 4, Stride: 8},
			},
		}
		dst := make([]byte, 4*4)
		Expect(e.Get(context.Background(), m, 0, 0, dst, section, src)).To(Succeed())

		want := []int32{0, 2, 8, 10}
		for i, w := range want {
			Expect(getInt32(dst, int64(i)*4)).To(Equal(w))
		}
	})
})

var _ = Describe("mutex exclusion", func() {
	It("never lets a second locker through before the first unlocks", func() {
		cluster := transport.NewSimCluster(3)
		cfg := corecfg.Default()
		cfg.LockBackoffBase = time.Microsecond
		cfg.LockMaxBackoff = 200 * time.Microsecond

		rts := make([]*corert.Runtime, 3)
		syncs := make([]*corasync.Sync, 3)
		for i := 0; i < 3; i++ {
			rt, err := corert.Init(cluster.Image(i), cfg, false)
			Expect(err).NotTo(HaveOccurred())
			rts[i] = rt
			syncs[i] = corasync.New(cluster.Image(i), rt, cfg)
		}

		lockMaster, err := rts[0].Tokens.Register(8*int64(rts[0].NumImages()), token.KindLock, nil)
		Expect(err).NotTo(HaveOccurred())
		winID := lockMaster.Window

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		Expect(syncs[1].Lock(ctx, winID, 0, 0, nil)).To(Succeed())

		blockerDone := make(chan error, 1)
		go func() { blockerDone <- syncs[2].Lock(ctx, winID, 0, 0, nil) }()

		Consistently(blockerDone, 30*time.Millisecond).ShouldNot(Receive())

		Expect(syncs[1].Unlock(ctx, winID, 0, 0)).To(Succeed())
		Eventually(blockerDone, time.Second).Should(Receive(BeNil()))
	})
})

var _ = Describe("event monotonicity", func() {
	It("wakes the waiter after exactly the requested count of posts and resets to zero", func() {
		cluster := transport.NewSimCluster(4)
		cfg := corecfg.Default()
		cfg.EventPollInterval = 200 * time.Microsecond

		rts := make([]*corert.Runtime, 4)
		syncs := make([]*corasync.Sync, 4)
		for i := 0; i < 4; i++ {
			rt, err := corert.Init(cluster.Image(i), cfg, false)
			Expect(err).NotTo(HaveOccurred())
			rts[i] = rt
			syncs[i] = corasync.New(cluster.Image(i), rt, cfg)
		}

		eventMaster, err := rts[0].Tokens.Register(8, token.KindEvent, nil)
		Expect(err).NotTo(HaveOccurred())
		winID := eventMaster.Window

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		waitDone := make(chan error, 1)
		go func() { waitDone <- syncs[0].EventWait(ctx, winID, 0, 3) }()

		for _, img := range []int{1, 2, 3} {
			Expect(syncs[img].EventPost(ctx, winID, 0, 0)).To(Succeed())
		}

		Eventually(waitDone, time.Second).Should(Receive(BeNil()))

		cur, err := syncs[0].EventQuery(ctx, winID, 0, 0)
		Expect(err).NotTo(HaveOccurred())
		Expect(cur).To(BeEquivalentTo(0))
	})
})

var _ = Describe("co_sum all-reduce", func() {
	It("replicates the summed array to every participating image", func() {
		n := 4
		cluster := transport.NewSimCluster(n)
		desc := &coty.Descriptor{Rank: 1, ElemByteSize: 4, ElemType: coty.Integer, ElemKind: 4,
			Dims: []coty.Dim{{LowerBound: 1, UpperBound: 4, Stride: 1}}}

		var wg sync.WaitGroup
		results := make([][]byte, n)
		wg.Add(n)
		for i := 0; i < n; i++ {
			i := i
			go func() {
				defer wg.Done()
				c := collective.New(cluster.Image(i))
				data := make([]byte, 16)
				for j, v := range []int32{1, 2, 3, 4} {
					putInt32(data, int64(j)*4, v)
				}
				out, err := c.Sum(context.Background(), desc, data, coty.Integer, 4, 0)
				Expect(err).NotTo(HaveOccurred())
				results[i] = out
			}()
		}
		wg.Wait()

		want := []int32{4, 8, 12, 16}
		for i, r := range results {
			for j, w := range want {
				Expect(getInt32(r, int64(j)*4)).To(Equal(w), "image %d element %d", i, j)
			}
		}
	})
})

var _ = Describe("get_by_ref reallocation", func() {
	It("reaches an allocatable rank-2 component and reallocates a null destination to match", func() {
		cluster := transport.NewSimCluster(2)
		owner := cluster.Image(0)
		caller := cluster.Image(1)
		ctx := context.Background()

		const dim0, dim1 = 2, 3
		data := make([]byte, dim0*dim1*8)
		for i1 := 0; i1 < dim1; i1++ {
			for i0 := 0; i0 < dim0; i0++ {
				linear := i0 + i1*dim0
				binary.BigEndian.PutUint64(data[linear*8:], uint64((i0+1)*10+(i1+1)))
			}
		}
		dataAddr := owner.Attach(data)

		desc := &coty.Descriptor{
			BaseAddr: dataAddr, ElemByteSize: 8, ElemType: coty.Integer, ElemKind: 8, Rank: 2,
			Dims: []coty.Dim{
				{LowerBound: 1, UpperBound: dim0, Stride: 1},
				{LowerBound: 1, UpperBound: dim1, Stride: dim0},
			},
		}
		descBytes, err := desc.MarshalBinary()
		Expect(err).NotTo(HaveOccurred())
		descAddr := owner.Attach(descBytes)

		objWin, err := owner.CreateWindow(ctx, 8)
		Expect(err).NotTo(HaveOccurred())
		Expect(owner.Put(ctx, objWin, 0, 0, beUint64Bytes(descAddr))).To(Succeed())

		chain := refwalk.Chain{
			refwalk.ComponentRef{Offset: 0, TokenOffset: 1, ItemSize: 8},
			refwalk.ArrayRef{
				Dims:             []refwalk.DimSelector{{Mode: refwalk.DimFull}, {Mode: refwalk.DimFull}},
				ItemSize:         8,
				DescriptorOffset: 0,
			},
		}

		w := refwalk.New(caller, 15)
		dst := &coty.Descriptor{ElemByteSize: 8, ElemType: coty.Integer, ElemKind: 8, Rank: 0}
		out, outDesc, err := w.GetByRef(ctx, objWin, 0, 0, chain, dst, coty.Integer, 8, true)
		Expect(err).NotTo(HaveOccurred())
		Expect(outDesc.Rank).To(Equal(2))
		Expect(outDesc.Dims[0].Extent()).To(BeEquivalentTo(dim0))
		Expect(outDesc.Dims[1].Extent()).To(BeEquivalentTo(dim1))
		Expect(out).To(Equal(data))
	})
})

var _ = Describe("atomic counter composes with a barrier", func() {
	It("lets every image's fetch-and-add land before the next barrier releases", func() {
		n := 4
		cluster := transport.NewSimCluster(n)
		cfg := corecfg.Default()

		rts := make([]*corert.Runtime, n)
		syncs := make([]*corasync.Sync, n)
		for i := 0; i < n; i++ {
			rt, err := corert.Init(cluster.Image(i), cfg, false)
			Expect(err).NotTo(HaveOccurred())
			rts[i] = rt
			syncs[i] = corasync.New(cluster.Image(i), rt, cfg)
		}
		counter, err := rts[0].Tokens.Register(8, token.KindEvent, nil)
		Expect(err).NotTo(HaveOccurred())

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		var wg sync.WaitGroup
		wg.Add(n)
		for i := 0; i < n; i++ {
			i := i
			go func() {
				defer wg.Done()
				at := atomics.New(cluster.Image(i))
				one, _ := xfer.EncodeInt(1, 8)
				_, err := at.Op(ctx, counter.Window, 1, 0, one, atomics.OpAdd, coty.Integer, 8)
				Expect(err).NotTo(HaveOccurred())
				Expect(syncs[i].SyncAll(ctx, rts[i].Flush)).To(Succeed())
			}()
		}
		wg.Wait()

		final, err := atomics.New(cluster.Image(0)).Ref(ctx, counter.Window, 1, 0, coty.Integer, 8)
		Expect(err).NotTo(HaveOccurred())
		v, err := xfer.DecodeInt(final, 8)
		Expect(err).NotTo(HaveOccurred())
		Expect(v).To(BeEquivalentTo(n))
	})
})
