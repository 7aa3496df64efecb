package transport

import (
	"context"
	"sync"

	"github.com/golang/glog"
)

// SimCluster is the shared state behind a fleet of SimNetwork handles, one
// per simulated image, all living in the same OS process. It exists so the
// test suite and cmd/coarrayd can exercise the CORE's transport.Network
// contract without a real RMA library.
type SimCluster struct {
	mu      sync.Mutex
	numImg  int
	windows map[WindowID]*simWindow
	nextWin uint64

	dynWin   WindowID
	attached map[uint64][]byte
	nextAddr uint64

	mailboxes []chan simMsg // one per image, fanned in by tag+Recv
	barrierCh chan struct{}
	barrierN  int

	failed map[int]bool
	polled map[int][]int // per-image unseen failure queue

	reduceR *rendezvous
	bcastR  *rendezvous
}

type simWindow struct {
	mu    sync.RWMutex
	bufs  [][]byte // per-image backing store
	locks []lockState
}

type lockState struct {
	mu       sync.Mutex
	holders  int
	excl     bool
	flushSeq int
}

type simMsg struct {
	from    int
	tag     int32
	payload []byte
}

// NewSimCluster builds a cluster of n images, each with a dynamic window
// ready for Attach/Detach.
func NewSimCluster(n int) *SimCluster {
	c := &SimCluster{
		numImg:    n,
		windows:   make(map[WindowID]*simWindow, 8),
		attached:  make(map[uint64][]byte, 8),
		mailboxes: make([]chan simMsg, n),
		barrierCh: make(chan struct{}),
		failed:    make(map[int]bool, n),
		polled:    make(map[int][]int, n),
	}
	for i := range c.mailboxes {
		c.mailboxes[i] = make(chan simMsg, 256)
	}
	c.dynWin = c.newWindowLocked(0)
	return c
}

func (c *SimCluster) newWindowLocked(sizePerImage int64) WindowID {
	c.nextWin++
	id := WindowID(c.nextWin)
	bufs := make([][]byte, c.numImg)
	locks := make([]lockState, c.numImg)
	for i := range bufs {
		bufs[i] = make([]byte, sizePerImage)
	}
	c.windows[id] = &simWindow{bufs: bufs, locks: locks}
	return id
}

// Image returns the Network handle for simulated image idx (0-based; the
// ABI's 1-based indices are translated by the packages that accept them).
func (c *SimCluster) Image(idx int) *SimNetwork {
	return &SimNetwork{cluster: c, self: idx}
}

// SimNetwork is one image's handle onto a SimCluster.
type SimNetwork struct {
	cluster *SimCluster
	self    int
}

var _ Network = (*SimNetwork)(nil)

func (n *SimNetwork) ThisImage() int { return n.self }
func (n *SimNetwork) NumImages() int { return n.cluster.numImg }

func (n *SimNetwork) CreateWindow(_ context.Context, sizePerImage int64) (WindowID, error) {
	c := n.cluster
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.newWindowLocked(sizePerImage), nil
}

func (n *SimNetwork) FreeWindow(_ context.Context, id WindowID) error {
	c := n.cluster
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.windows, id)
	return nil
}

func (n *SimNetwork) DynamicWindow() WindowID { return n.cluster.dynWin }

func (n *SimNetwork) Attach(ptr []byte) (addr uint64) {
	c := n.cluster
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextAddr++ // never hand out 0: that is the null-pointer sentinel
	addr = c.nextAddr
	c.attached[addr] = ptr
	size := uint64(len(ptr))
	if size == 0 {
		size = 1
	}
	c.nextAddr += size
	return addr
}

func (n *SimNetwork) Detach(addr uint64) {
	c := n.cluster
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.attached, addr)
}

func (n *SimNetwork) window(id WindowID) *simWindow {
	n.cluster.mu.Lock()
	w := n.cluster.windows[id]
	n.cluster.mu.Unlock()
	return w
}

func (n *SimNetwork) Put(_ context.Context, id WindowID, target int, offset int64, data []byte) error {
	if id == n.cluster.dynWin {
		buf, rel, ok := n.cluster.dynLookup(offset)
		if !ok || rel+int64(len(data)) > int64(len(buf)) {
			return ErrTransport
		}
		copy(buf[rel:], data)
		return nil
	}
	w := n.window(id)
	if w == nil {
		return ErrTransport
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	buf := w.bufs[target]
	if offset+int64(len(data)) > int64(len(buf)) {
		grown := make([]byte, offset+int64(len(data)))
		copy(grown, buf)
		buf = grown
		w.bufs[target] = buf
	}
	copy(buf[offset:], data)
	return nil
}

func (n *SimNetwork) Get(_ context.Context, id WindowID, target int, offset int64, size int64) ([]byte, error) {
	if id == n.cluster.dynWin {
		buf, rel, ok := n.cluster.dynLookup(offset)
		out := make([]byte, size)
		if ok && rel < int64(len(buf)) {
			copy(out, buf[rel:])
		}
		return out, nil
	}
	w := n.window(id)
	if w == nil {
		return nil, ErrTransport
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	buf := w.bufs[target]
	out := make([]byte, size)
	if offset < int64(len(buf)) {
		copy(out, buf[offset:])
	}
	return out, nil
}

// dynLookup resolves an offset into the dynamic window's flat simulated
// address space (the value Attach returned, plus any in-struct byte
// offset) to the attached buffer that contains it, per spec.md §4.E's
// component-pointer dereference. Attach addresses are globally unique
// across the cluster, so target is irrelevant here: the address alone
// identifies both the owning image's memory and the position within it.
func (c *SimCluster) dynLookup(offset int64) (buf []byte, rel int64, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for base, b := range c.attached {
		ib := int64(base)
		if offset >= ib && offset < ib+int64(len(b)) {
			return b, offset - ib, true
		}
	}
	return nil, 0, false
}

func (n *SimNetwork) CompareAndSwap(_ context.Context, id WindowID, target int, offset int64, old, newVal uint64) (uint64, error) {
	w := n.window(id)
	if w == nil {
		return 0, ErrTransport
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	cur := beUint64(w.bufs[target], offset)
	if cur == old {
		putBeUint64(w.bufs[target], offset, newVal)
	}
	return cur, nil
}

func (n *SimNetwork) FetchAndOp(_ context.Context, id WindowID, target int, offset int64, operand uint64, op AtomicOp) (uint64, error) {
	w := n.window(id)
	if w == nil {
		return 0, ErrTransport
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	cur := beUint64(w.bufs[target], offset)
	var next uint64
	switch op {
	case OpReplace:
		next = operand
	case OpNoOp:
		next = cur
	case OpSum:
		next = cur + operand
	case OpBAnd:
		next = cur & operand
	case OpBOr:
		next = cur | operand
	case OpBXor:
		next = cur ^ operand
	default:
		return 0, ErrTransport
	}
	putBeUint64(w.bufs[target], offset, next)
	return cur, nil
}

func (n *SimNetwork) LockShared(id WindowID, target int) error {
	w := n.window(id)
	if w == nil {
		return ErrTransport
	}
	w.locks[target].mu.Lock()
	return nil
}

func (n *SimNetwork) LockExclusive(id WindowID, target int) error {
	return n.LockShared(id, target) // simulated transport serializes all access
}

func (n *SimNetwork) Unlock(id WindowID, target int) error {
	w := n.window(id)
	if w == nil {
		return ErrTransport
	}
	w.locks[target].mu.Unlock()
	return nil
}

func (n *SimNetwork) Flush(WindowID, int) error { return nil } // simulated Put/Get are already synchronous

func (n *SimNetwork) Barrier(ctx context.Context) error {
	c := n.cluster
	c.mu.Lock()
	c.barrierN++
	done := c.barrierN == c.numImg
	ch := c.barrierCh
	if done {
		c.barrierN = 0
		c.barrierCh = make(chan struct{})
		c.mu.Unlock()
		close(ch)
		return nil
	}
	c.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *SimNetwork) SendTagged(ctx context.Context, target int, tag int32, payload []byte) error {
	cp := append([]byte(nil), payload...)
	select {
	case n.cluster.mailboxes[target] <- simMsg{from: n.self, tag: tag, payload: cp}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *SimNetwork) RecvTagged(ctx context.Context, tag int32) (int, []byte, error) {
	mbox := n.cluster.mailboxes[n.self]
	var held []simMsg
	defer func() {
		for _, m := range held {
			mbox <- m
		}
	}()
	for {
		select {
		case m := <-mbox:
			if m.tag == tag {
				return m.from, m.payload, nil
			}
			held = append(held, m)
		case <-ctx.Done():
			return 0, nil, ctx.Err()
		}
	}
}

func (n *SimNetwork) Reduce(_ context.Context, data []byte, elemSize int, op ReduceOp, userOp UserOp, resultImage int) ([]byte, error) {
	// The simulated transport has no parallel collective engine; it models
	// Allreduce/Reduce with an in-memory rendezvous shared by the cluster
	// (simCollective), which blocks until every image has contributed.
	// Tests that exercise this path drive every image's call concurrently.
	return simCollective(n.cluster, n.self, data, elemSize, op, userOp, resultImage)
}

func (n *SimNetwork) Broadcast(_ context.Context, data []byte, sourceImage int) ([]byte, error) {
	return simBroadcast(n.cluster, n.self, data, sourceImage)
}

func (n *SimNetwork) PollFailed() []int {
	c := n.cluster
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.polled[n.self]
	c.polled[n.self] = nil
	return out
}

func (n *SimNetwork) SupportsFailureHandling() bool { return true }

// Kill marks image idx as failed cluster-wide; used by tests that exercise
// corert's shrink/split/agree recovery path.
func (c *SimCluster) Kill(idx int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failed[idx] {
		return
	}
	c.failed[idx] = true
	for i := 0; i < c.numImg; i++ {
		if i != idx {
			c.polled[i] = append(c.polled[i], idx)
		}
	}
}

func (n *SimNetwork) Shrink(_ context.Context, failedWorldRanks []int) (map[int]int, error) {
	c := n.cluster
	c.mu.Lock()
	defer c.mu.Unlock()
	dead := make(map[int]bool, len(failedWorldRanks))
	for _, r := range failedWorldRanks {
		dead[r] = true
	}
	survivors := make(map[int]int, c.numImg)
	next := 0
	for i := 0; i < c.numImg; i++ {
		if dead[i] {
			continue
		}
		survivors[i] = next
		next++
	}
	glog.Infof("sim transport: shrink excluding %v, %d survivors", failedWorldRanks, len(survivors))
	return survivors, nil
}

func (n *SimNetwork) Agree(_ context.Context, ok bool) (bool, error) {
	// A single-process simulation has no partial-failure-during-agree to
	// model; the vote always reflects the caller's own readiness.
	return ok, nil
}

func beUint64(buf []byte, off int64) uint64 {
	if off < 0 || off+8 > int64(len(buf)) {
		return 0
	}
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(buf[off+int64(i)])
	}
	return v
}

func putBeUint64(buf []byte, off int64, v uint64) {
	if off < 0 || off+8 > int64(len(buf)) {
		return
	}
	for i := 7; i >= 0; i-- {
		buf[off+int64(i)] = byte(v)
		v >>= 8
	}
}
