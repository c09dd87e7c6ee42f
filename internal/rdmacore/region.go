// Package rdmacore wraps the RDMA primitives KIRO is built on: registering
// pinned memory regions, creating/attaching queue pairs, and tearing down
// connections. The cgo-backed implementation (cgo_linux.go) binds directly
// to libibverbs and librdmacm; callers that only need to exercise the
// protocol logic in tests use the loopback Provider instead.
package rdmacore

import (
	"fmt"
	"sync"
)

// AccessFlags mirrors ibv_access_flags: which operations a peer holding the
// RMR's remote key may perform against it.
type AccessFlags uint32

const (
	AccessLocalWrite AccessFlags = 1 << iota
	AccessRemoteWrite
	AccessRemoteRead
)

func (f AccessFlags) String() string {
	s := ""
	if f&AccessLocalWrite != 0 {
		s += "L"
	}
	if f&AccessRemoteWrite != 0 {
		s += "W"
	}
	if f&AccessRemoteRead != 0 {
		s += "R"
	}
	if s == "" {
		return "-"
	}
	return s
}

// Region is a pinned, RDMA-accessible buffer: a Registered Memory Region
// (RMR). Addr/Length/RKey describe what gets advertised to a peer; Mem is
// the local Go-owned backing slice, nil once Destroy has freed it.
type Region struct {
	Mem    []byte
	Addr   uint64
	Length uint64
	LKey   uint32
	RKey   uint32
	Access AccessFlags

	provider Provider
	handle   regionHandle
	rw       sync.RWMutex
}

// mu exposes the region's guard to in-process Providers (the loopback
// Provider) that simulate one-sided RDMA by copying directly between two
// Regions' Mem slices instead of going over a wire; a real NIC needs no such
// lock since the remote CPU is never involved.
func (r *Region) mu() *sync.RWMutex { return &r.rw }

// Descriptor returns the wire-transmissible remote memory descriptor for
// this region: address, length, and remote key, without the handle.
func (r *Region) Descriptor() (addr, length uint64, rkey uint32) {
	return r.Addr, r.Length, r.RKey
}

// Detach drops the Go-level reference to the backing memory without
// deregistering or freeing it, so that a subsequent Destroy leaves the
// buffer alive. The Messenger uses this when a receive callback takes
// ownership of a delivered payload.
func (r *Region) Detach() []byte {
	mem := r.Mem
	r.Mem = nil
	return mem
}

// Destroy deregisters the region and, unless Detach was called first, frees
// the backing memory.
func (r *Region) Destroy() error {
	if r.provider == nil {
		return nil
	}
	if err := r.provider.deregister(r.handle); err != nil {
		return fmt.Errorf("deregister region: %w", err)
	}
	r.provider = nil
	r.Mem = nil
	return nil
}
