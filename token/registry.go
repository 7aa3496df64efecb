// Package token implements the token/window registry of spec.md §4.B:
// allocation, registration, and teardown of per-object RMA windows,
// including dynamically attached slave tokens for inner allocatable
// components of derived types. The registry pattern (a map keyed by a
// stable handle, guarded by one mutex, with an explicit renew/lookup split)
// is grounded on the teacher's xreg bucket-xaction registry.
/*
 * Copyright (c) 2018-2021, NVIDIA CORPORATION. All rights reserved.
 */
package token

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/NITIALODDS/OpenCoarrays/coty"
	"github.com/NITIALODDS/OpenCoarrays/transport"
)

// Kind selects the window's payload shape at registration time (spec.md
// §4.B: "size * sizeof(int) for lock/event/critical kinds").
type Kind int

const (
	KindData Kind = iota
	KindLock
	KindEvent
	KindCritical
)

// DeallocMode controls how much of a token deregister tears down (spec.md
// §4.B).
type DeallocMode int

const (
	// DeallocateOnly detaches and frees memory but keeps the token record
	// alive for a later re-allocate.
	DeallocateOnly DeallocMode = iota
	// FullDeregister releases the window (master) or detaches from the
	// dynamic window (slave) and frees the record itself.
	FullDeregister
)

// Handle is a stable integer handle into the per-image registry, standing
// in for a raw pointer per spec.md §9's recommendation (tokens do not own
// other tokens; pointer graphs across processes are avoided by construction).
type Handle uint64

// Master is the token record of spec.md §3: { memptr, window, descriptor? }.
// Owns MemPtr iff allocated by the runtime. Window is a collective RMA
// window created with the transport's world communicator, so every image
// has symmetric access, and T.window's base on image I equals T.memptr.
type Master struct {
	Handle     Handle
	Kind       Kind
	MemPtr     []byte
	Window     transport.WindowID
	Descriptor *coty.Descriptor
	ownsMemory bool
}

// Slave is the token record attached to the global dynamic window for an
// allocatable or pointer component whose address is not symmetric across
// images (spec.md §3). Its memory may be detached/freed/reallocated/
// reattached in place without destroying the token.
type Slave struct {
	Handle     Handle
	MemPtr     []byte
	Addr       uint64 // the dynamic-window address a remote image learns
	Descriptor *coty.Descriptor
}

// Registry owns every runtime-owned master and slave token for one image,
// in the two linked lists spec.md §3 calls for (here: ordered maps, so
// teardown at finalize can walk them in registration order).
type Registry struct {
	net transport.Network

	mu         sync.Mutex
	masters    map[Handle]*Master
	masterOrd  []Handle
	slaves     map[Handle]*Slave
	slaveOrd   []Handle
	nextHandle uint64
}

func New(net transport.Network) *Registry {
	return &Registry{
		net:     net,
		masters: make(map[Handle]*Master, 64),
		slaves:  make(map[Handle]*Slave, 16),
	}
}

// ErrAllocation is returned by Register/RegisterSlave when the underlying
// transport fails to back the window (spec.md §4.B "Failure semantics").
var ErrAllocation = errors.New("token: allocation failure")

func kindStride(kind Kind) int64 {
	if kind == KindData {
		return 1
	}
	return 8 // lock/event/critical slots are sizeof(int) units; we use 8-byte ints throughout
}

// Register allocates a window of size bytes (or size*sizeof(int) for
// lock/event/critical kinds), zero-initializes lock/event payloads by
// publishing zeros into the window, records the descriptor if rank > 0, and
// appends the new token to the master list (spec.md §4.B).
func (r *Registry) Register(size int64, kind Kind, desc *coty.Descriptor) (*Master, error) {
	byteSize := size * kindStride(kind)
	id, err := r.net.CreateWindow(context.Background(), byteSize)
	if err != nil {
		return nil, errors.Wrap(ErrAllocation, err.Error())
	}
	m := &Master{
		Handle:     r.newHandle(),
		Kind:       kind,
		MemPtr:     make([]byte, byteSize),
		Window:     id,
		ownsMemory: true,
	}
	if desc != nil && desc.Rank > 0 {
		m.Descriptor = desc
	}
	if kind == KindLock || kind == KindEvent || kind == KindCritical {
		zero := make([]byte, byteSize)
		if err := r.net.Put(context.Background(), id, r.net.ThisImage(), 0, zero); err != nil {
			return nil, errors.Wrap(ErrAllocation, err.Error())
		}
	}

	r.mu.Lock()
	r.masters[m.Handle] = m
	r.masterOrd = append(r.masterOrd, m.Handle)
	r.mu.Unlock()
	return m, nil
}

// RegisterOnly reserves a master token handle without allocating memory yet
// (spec.md §3 "register-only for later allocation"); Allocate fills it in.
func (r *Registry) RegisterOnly() *Master {
	m := &Master{Handle: r.newHandle()}
	r.mu.Lock()
	r.masters[m.Handle] = m
	r.masterOrd = append(r.masterOrd, m.Handle)
	r.mu.Unlock()
	return m
}

// Allocate backs a register-only token with memory and a window.
func (r *Registry) Allocate(m *Master, size int64, kind Kind, desc *coty.Descriptor) error {
	byteSize := size * kindStride(kind)
	id, err := r.net.CreateWindow(context.Background(), byteSize)
	if err != nil {
		return errors.Wrap(ErrAllocation, err.Error())
	}
	m.Kind = kind
	m.MemPtr = make([]byte, byteSize)
	m.Window = id
	m.ownsMemory = true
	if desc != nil && desc.Rank > 0 {
		m.Descriptor = desc
	}
	return nil
}

// RegisterSlave attaches ptr to the global dynamic window and appends a new
// slave token to the slave list.
func (r *Registry) RegisterSlave(ptr []byte, desc *coty.Descriptor) *Slave {
	addr := r.net.Attach(ptr)
	s := &Slave{Handle: r.newHandle(), MemPtr: ptr, Addr: addr}
	if desc != nil && desc.Rank > 0 {
		s.Descriptor = desc
	}
	r.mu.Lock()
	r.slaves[s.Handle] = s
	r.slaveOrd = append(r.slaveOrd, s.Handle)
	r.mu.Unlock()
	return s
}

// Deregister releases mode-dependent resources for a master token (spec.md
// §4.B). Callers are responsible for the cross-image sync point that must
// precede a FullDeregister (corasync.SyncAll), except for the
// DeallocateOnly fast path, which spec.md explicitly exempts.
func (r *Registry) Deregister(m *Master, mode DeallocMode) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.masters[m.Handle]; !ok {
		return errors.New("token: deregister of unknown master handle")
	}
	if mode == DeallocateOnly {
		m.MemPtr = nil
		m.ownsMemory = false
		return nil
	}
	if m.Window != 0 {
		if err := r.net.FreeWindow(context.Background(), m.Window); err != nil {
			return errors.Wrap(err, "token: free window")
		}
	}
	delete(r.masters, m.Handle)
	r.masterOrd = removeHandle(r.masterOrd, m.Handle)
	return nil
}

// DeregisterSlave detaches data and the token record from the global
// dynamic window and frees both (spec.md §4.B).
func (r *Registry) DeregisterSlave(s *Slave) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.slaves[s.Handle]; !ok {
		return errors.New("token: deregister of unknown slave handle")
	}
	r.net.Detach(s.Addr)
	delete(r.slaves, s.Handle)
	r.slaveOrd = removeHandle(r.slaveOrd, s.Handle)
	return nil
}

// Lookup resolves a master handle to its window id in constant time
// (spec.md §4.B).
func (r *Registry) Lookup(h Handle) (*Master, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.masters[h]
	return m, ok
}

// LookupSlave resolves a slave handle.
func (r *Registry) LookupSlave(h Handle) (*Slave, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slaves[h]
	return s, ok
}

// Masters returns every live master token in registration order, for
// finalize's mass teardown.
func (r *Registry) Masters() []*Master {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Master, 0, len(r.masterOrd))
	for _, h := range r.masterOrd {
		if m, ok := r.masters[h]; ok {
			out = append(out, m)
		}
	}
	return out
}

// Slaves returns every live slave token in registration order.
func (r *Registry) Slaves() []*Slave {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Slave, 0, len(r.slaveOrd))
	for _, h := range r.slaveOrd {
		if s, ok := r.slaves[h]; ok {
			out = append(out, s)
		}
	}
	return out
}

func (r *Registry) newHandle() Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextHandle++
	return Handle(r.nextHandle)
}

func removeHandle(s []Handle, h Handle) []Handle {
	for i, v := range s {
		if v == h {
			return append(s[:i], s[i+1:]...)
		}
	}
	return s
}
