// Package trb implements the Triple Ring Buffer: a fixed-capacity circular
// store of same-sized elements with a small header prefix, usable as a raw
// byte buffer, so it can be published or registered as an RMR directly.
package trb

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
)

// headerSize is the encoded size of Header: three uint64s plus one uint32.
const headerSize = 8 + 8 + 8 + 4

// Header is the buffer's self-describing prefix, stored as the first
// headerSize bytes of the backing memory so the buffer remains
// interpretable after being Adopt()ed or Clone()d from raw bytes (e.g. the
// mirror of a Shared-Memory Client that knows it is looking at a TRB).
type Header struct {
	BufferSize  uint64
	ElementSize uint64
	Offset      uint64 // monotonic write count; wrap iteration = Offset / MaxElements
	Checksum    uint32 // fnv-32a over the payload region, recomputed on Flush
}

func encodeHeader(h Header, dst []byte) {
	binary.LittleEndian.PutUint64(dst[0:8], h.BufferSize)
	binary.LittleEndian.PutUint64(dst[8:16], h.ElementSize)
	binary.LittleEndian.PutUint64(dst[16:24], h.Offset)
	binary.LittleEndian.PutUint32(dst[24:28], h.Checksum)
}

func decodeHeader(src []byte) Header {
	return Header{
		BufferSize:  binary.LittleEndian.Uint64(src[0:8]),
		ElementSize: binary.LittleEndian.Uint64(src[8:16]),
		Offset:      binary.LittleEndian.Uint64(src[16:24]),
		Checksum:    binary.LittleEndian.Uint32(src[24:28]),
	}
}

// Buffer is a Triple Ring Buffer: count fixed-size elements stored
// contiguously after a Header, wrapping once the write cursor reaches the
// end. Zero value is not usable; construct with Reshape, Adopt, or Clone.
type Buffer struct {
	mem         []byte
	elementSize uint64
	maxElements uint64
	iteration   uint64
	current     uint64 // absolute byte offset into mem, always within [headerSize, headerSize+maxElements*elementSize)
	initialized bool
}

func (b *Buffer) payload() []byte {
	return b.mem[headerSize:]
}

func (b *Buffer) writeHeader() {
	offset := b.iteration*b.maxElements + (b.current-headerSize)/b.elementSize
	h := Header{
		BufferSize:  uint64(len(b.mem)),
		ElementSize: b.elementSize,
		Offset:      offset,
		Checksum:    checksum(b.payload()),
	}
	encodeHeader(h, b.mem)
}

func checksum(payload []byte) uint32 {
	h := fnv.New32a()
	h.Write(payload)
	return h.Sum32()
}

// Reshape allocates a fresh buffer sized for count elements of elementSize
// bytes each, discarding any prior contents.
func (b *Buffer) Reshape(elementSize, count uint64) error {
	if elementSize == 0 || count == 0 {
		return fmt.Errorf("trb: elementSize and count must be positive")
	}
	mem := make([]byte, headerSize+elementSize*count)
	h := Header{BufferSize: uint64(len(mem)), ElementSize: elementSize, Offset: 0}
	encodeHeader(h, mem)
	return b.Adopt(mem)
}

// IsSetup reports whether the buffer has been initialized via Reshape,
// Adopt, or Clone.
func (b *Buffer) IsSetup() bool { return b.initialized }

// ElementSize returns the configured element size, or 0 if not set up.
func (b *Buffer) ElementSize() uint64 {
	if !b.initialized {
		return 0
	}
	return b.elementSize
}

// MaxElements returns the buffer's capacity in elements, or 0 if not set up.
func (b *Buffer) MaxElements() uint64 {
	if !b.initialized {
		return 0
	}
	return b.maxElements
}

// RawSize returns the total backing size in bytes, header included.
func (b *Buffer) RawSize() uint64 {
	if !b.initialized {
		return 0
	}
	return uint64(len(b.mem))
}

// RawBuffer refreshes the header and returns the full backing slice
// (header + elements), suitable for registering as an RMR or writing to a
// peer whole.
func (b *Buffer) RawBuffer() []byte {
	if !b.initialized {
		return nil
	}
	b.writeHeader()
	return b.mem
}

// Push copies element (which must be exactly ElementSize bytes) into the
// current write slot and advances the cursor, wrapping and incrementing the
// iteration count when the buffer is full.
func (b *Buffer) Push(element []byte) error {
	if !b.initialized {
		return fmt.Errorf("trb: not set up")
	}
	if uint64(len(element)) != b.elementSize {
		return fmt.Errorf("trb: element is %d bytes, want %d", len(element), b.elementSize)
	}
	if b.current+b.elementSize > uint64(len(b.mem)) {
		return fmt.Errorf("trb: write would overrun buffer")
	}
	copy(b.mem[b.current:b.current+b.elementSize], element)
	b.advance()
	b.writeHeader()
	return nil
}

// DmaPush returns the next write slot directly for the caller to fill
// (e.g. as the target of an RDMA WRITE) and advances the cursor as if the
// slot had already been written.
func (b *Buffer) DmaPush() ([]byte, error) {
	if !b.initialized {
		return nil, fmt.Errorf("trb: not set up")
	}
	if b.current+b.elementSize > uint64(len(b.mem)) {
		return nil, fmt.Errorf("trb: write would overrun buffer")
	}
	slot := b.mem[b.current : b.current+b.elementSize]
	b.advance()
	b.writeHeader()
	return slot, nil
}

func (b *Buffer) advance() {
	b.current += b.elementSize
	if b.current >= headerSize+b.elementSize*b.maxElements {
		b.current = headerSize
		b.iteration++
	}
}

// Get returns the element at index, copy-free. A non-negative index counts
// back from the most recently pushed element (0 is the element just
// pushed); a negative index counts forward from the oldest retained
// element (-1 is the oldest).
func (b *Buffer) Get(index int64) ([]byte, error) {
	if !b.initialized {
		return nil, fmt.Errorf("trb: not set up")
	}

	base := b.current - headerSize
	var offset uint64
	if index >= 0 {
		offset = uint64(index) % b.maxElements
		offset = b.maxElements - 1 - offset
	} else {
		offset = (uint64(-index) - 1) % b.maxElements
		if b.iteration == 0 {
			base = 0 // nothing overwritten yet: the oldest element is the first slot
		}
	}

	relative := base + offset*b.elementSize
	relative %= b.maxElements * b.elementSize

	start := headerSize + relative
	return b.mem[start : start+b.elementSize], nil
}

// Flush resets the buffer to empty (iteration 0, cursor at the start)
// without reallocating, and recomputes the header.
func (b *Buffer) Flush() {
	if !b.initialized {
		return
	}
	b.iteration = 0
	b.current = headerSize
	b.writeHeader()
}

// Purge releases the buffer's contents. freeMemory is retained for parity
// with the reference API; Go's allocator reclaims the backing array either
// way once Purge drops the last reference.
func (b *Buffer) Purge(freeMemory bool) {
	_ = freeMemory
	b.mem = nil
	b.elementSize = 0
	b.maxElements = 0
	b.iteration = 0
	b.current = 0
	b.initialized = false
}

// Adopt takes ownership of raw as the buffer's backing memory, parsing its
// header to recover element size, capacity, and write position.
func (b *Buffer) Adopt(raw []byte) error {
	if len(raw) < headerSize {
		return fmt.Errorf("trb: buffer of %d bytes too small for header", len(raw))
	}
	b.mem = raw
	return b.refresh()
}

// Clone copies raw into a freshly allocated buffer and adopts that copy,
// leaving the caller's slice untouched.
func (b *Buffer) Clone(raw []byte) error {
	if len(raw) < headerSize {
		return fmt.Errorf("trb: buffer of %d bytes too small for header", len(raw))
	}
	h := decodeHeader(raw)
	if uint64(len(raw)) < h.BufferSize {
		return fmt.Errorf("trb: header claims %d bytes, got %d", h.BufferSize, len(raw))
	}
	dup := make([]byte, h.BufferSize)
	copy(dup, raw[:h.BufferSize])
	return b.Adopt(dup)
}

func (b *Buffer) refresh() error {
	h := decodeHeader(b.mem)
	if h.ElementSize == 0 {
		return fmt.Errorf("trb: header element size is zero")
	}
	payloadSize := h.BufferSize - headerSize
	b.elementSize = h.ElementSize
	b.maxElements = payloadSize / h.ElementSize
	if b.maxElements == 0 {
		return fmt.Errorf("trb: header implies zero capacity")
	}
	b.iteration = h.Offset / b.maxElements
	b.current = headerSize + (h.Offset%b.maxElements)*b.elementSize
	b.initialized = true
	return nil
}

// Verify reports whether the buffer's stored checksum matches its current
// payload contents, as of the last Push/DmaPush/Flush. A caller who wrote
// into a DmaPush slot directly must call Flush (or re-push) before Verify
// will reflect that write.
func (b *Buffer) Verify() bool {
	if !b.initialized {
		return false
	}
	h := decodeHeader(b.mem)
	return h.Checksum == checksum(b.payload())
}
