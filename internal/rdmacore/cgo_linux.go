//go:build linux && cgo

package rdmacore

/*
#cgo LDFLAGS: -libverbs -lrdmacm
#include <stdlib.h>
#include "shim.h"
*/
import "C"

import (
	"context"
	"fmt"
	"time"
	"unsafe"
)

// verbsProvider is the cgo-backed Provider, binding directly to libibverbs
// and librdmacm, as the teacher's handler.go bound to its own
// rdma_operations.h shim.
type verbsProvider struct{}

// NewVerbsProvider returns the real RDMA Provider. It is only available on
// linux builds with cgo enabled and rdma-core's development headers
// installed.
func NewVerbsProvider() Provider {
	return verbsProvider{}
}

func errno(rc C.int, op string) error {
	if rc == 0 {
		return nil
	}
	return fmt.Errorf("%s: errno %d", op, -int(rc))
}

func (verbsProvider) NewProtectionDomain() (*ProtectionDomain, error) {
	native := &C.struct_kiro_pd{}
	if rc := C.kiro_pd_create(native); rc != 0 {
		return nil, errno(rc, "kiro_pd_create")
	}
	return &ProtectionDomain{provider: verbsProvider{}, native: native}, nil
}

func (verbsProvider) Listen(pd *ProtectionDomain, addr string, port int) (Listener, error) {
	native := pd.native.(*C.struct_kiro_pd)
	caddr := C.CString(addr)
	defer C.free(unsafe.Pointer(caddr))

	if rc := C.kiro_listen(native, caddr, C.int(port)); rc != 0 {
		return nil, errno(rc, "kiro_listen")
	}
	return &verbsListener{pd: native}, nil
}

func (verbsProvider) Dial(ctx context.Context, pd *ProtectionDomain, addr string, port int) (Connection, error) {
	native := pd.native.(*C.struct_kiro_pd)
	caddr := C.CString(addr)
	defer C.free(unsafe.Pointer(caddr))

	timeout := int64(2000)
	if dl, ok := ctx.Deadline(); ok {
		timeout = int64(time.Until(dl).Milliseconds())
	}

	conn := &C.struct_kiro_conn{}
	if rc := C.kiro_dial(native, caddr, C.int(port), C.long(timeout), conn); rc != 0 {
		return nil, errno(rc, "kiro_dial")
	}
	c := &verbsConn{pd: native, native: conn}
	if _, err := c.AttachQP(); err != nil {
		return nil, err
	}
	return c, nil
}

func (verbsProvider) Register(pd *ProtectionDomain, size uint64, access AccessFlags) (*Region, error) {
	native := pd.native.(*C.struct_kiro_pd)
	var mr C.struct_kiro_mr
	if rc := C.kiro_mr_register(native, C.uint64_t(size), C.int(access), &mr); rc != 0 {
		return nil, errno(rc, "kiro_mr_register")
	}
	buf := unsafe.Slice((*byte)(mr.addr), int(size))
	return &Region{
		Mem:      buf,
		Addr:     uint64(uintptr(mr.addr)),
		Length:   size,
		LKey:     uint32(mr.mr.lkey),
		RKey:     uint32(mr.mr.rkey),
		Access:   access,
		provider: verbsProvider{},
		handle:   mr,
	}, nil
}

func (verbsProvider) RegisterExisting(pd *ProtectionDomain, buf []byte, access AccessFlags) (*Region, error) {
	native := pd.native.(*C.struct_kiro_pd)
	var mr C.struct_kiro_mr
	ptr := unsafe.Pointer(&buf[0])
	if rc := C.kiro_mr_register_existing(native, ptr, C.uint64_t(len(buf)), C.int(access), &mr); rc != 0 {
		return nil, errno(rc, "kiro_mr_register_existing")
	}
	return &Region{
		Mem:      buf,
		Addr:     uint64(uintptr(ptr)),
		Length:   uint64(len(buf)),
		LKey:     uint32(mr.mr.lkey),
		RKey:     uint32(mr.mr.rkey),
		Access:   access,
		provider: verbsProvider{},
		handle:   mr,
	}, nil
}

func (verbsProvider) deregister(h regionHandle) error {
	mr := h.(C.struct_kiro_mr)
	if rc := C.kiro_mr_deregister(&mr); rc != 0 {
		return errno(rc, "kiro_mr_deregister")
	}
	return nil
}

type verbsListener struct {
	pd *C.struct_kiro_pd
}

func (l *verbsListener) Accept(ctx context.Context) (Connection, error) {
	conn := &C.struct_kiro_conn{}
	if rc := C.kiro_accept(l.pd, conn); rc != 0 {
		return nil, errno(rc, "kiro_accept")
	}
	c := &verbsConn{pd: l.pd, native: conn}
	if _, err := c.AttachQP(); err != nil {
		return nil, err
	}
	return c, nil
}

func (l *verbsListener) CMFd() int { return int(C.kiro_cm_fd(l.pd)) }

func (l *verbsListener) Close() error {
	if rc := C.kiro_pd_destroy(l.pd); rc != 0 {
		return errno(rc, "kiro_pd_destroy")
	}
	return nil
}

type verbsConn struct {
	pd     *C.struct_kiro_pd
	native *C.struct_kiro_conn
}

func (c *verbsConn) AttachQP() (*QueuePair, error) {
	if rc := C.kiro_qp_attach(c.pd, c.native); rc != 0 {
		return nil, errno(rc, "kiro_qp_attach")
	}
	return &QueuePair{native: c.native.qp}, nil
}

func (c *verbsConn) PostSendControl(payload []byte, immediate uint32) error {
	rc := C.kiro_post_send(c.native, unsafe.Pointer(&payload[0]), C.uint64_t(len(payload)), 0, C.uint32_t(immediate), 1)
	return errno(rc, "kiro_post_send")
}

func (c *verbsConn) PostRecvControl(buf []byte) error {
	rc := C.kiro_post_recv(c.native, unsafe.Pointer(&buf[0]), C.uint64_t(len(buf)), 0)
	return errno(rc, "kiro_post_recv")
}

func (c *verbsConn) PostRDMARead(local *Region, localOffset uint64, remoteAddr uint64, length uint64, remoteKey uint32) error {
	ptr := unsafe.Pointer(&local.Mem[localOffset])
	rc := C.kiro_post_rdma_read(c.native, ptr, C.uint64_t(length), C.uint32_t(local.LKey), C.uint64_t(remoteAddr), C.uint32_t(remoteKey))
	return errno(rc, "kiro_post_rdma_read")
}

func (c *verbsConn) PostRDMAWrite(local *Region, remoteAddr uint64, remoteKey uint32) error {
	ptr := unsafe.Pointer(&local.Mem[0])
	rc := C.kiro_post_rdma_write(c.native, ptr, C.uint64_t(local.Length), C.uint32_t(local.LKey), C.uint64_t(remoteAddr), C.uint32_t(remoteKey))
	return errno(rc, "kiro_post_rdma_write")
}

func (c *verbsConn) PollCompletion(ctx context.Context) (WorkCompletion, error) {
	var wc C.struct_kiro_wc
	if rc := C.kiro_poll_completion(c.native, &wc); rc != 0 {
		return WorkCompletion{}, errno(rc, "kiro_poll_completion")
	}
	return WorkCompletion{
		Status:  CompletionStatus(wc.status),
		Opcode:  WROpcode(wc.opcode),
		ImmData: uint32(wc.imm_data),
		HasImm:  wc.has_imm != 0,
		ByteLen: uint32(wc.byte_len),
	}, nil
}

func (c *verbsConn) CMFd() int { return int(C.kiro_cm_fd(c.pd)) }
func (c *verbsConn) CQFd() int { return int(C.kiro_cq_fd(c.native)) }

func (c *verbsConn) Disconnect() error {
	rc := C.kiro_conn_destroy(c.native)
	return errno(rc, "kiro_conn_destroy")
}
