// Package buffer implements the reference-counted, appendable/splittable
// byte container used to move MariaDB packets through the proxy without
// copying on the hot path.
package buffer

import (
	"bytes"
	"fmt"
)

// TypeMask tags a Buffer with the kind of content it carries.
type TypeMask uint32

const (
	TypeUndefined TypeMask = 0
	TypePacket    TypeMask = 1 << iota
	TypeParseCache
)

// allocation is the underlying shared storage. Buffers never mutate it in
// place unless they are its sole owner; otherwise they copy-on-write.
type allocation struct {
	data refs
}

// refs is a simple reference count guarding the backing array. Go's GC
// reclaims the array itself; the count only tells a Buffer whether it is
// safe to mutate in place.
type refs struct {
	buf   []byte
	count *int
}

func newAlloc(size int) *allocation {
	n := 1
	return &allocation{data: refs{buf: make([]byte, size), count: &n}}
}

func (a *allocation) shared() bool {
	return *a.data.count > 1
}

func (a *allocation) retain() {
	*a.data.count++
}

func (a *allocation) release() {
	*a.data.count--
}

// Buffer is a logical [start, end) view into a possibly-shared allocation.
// The zero value is not valid; use New or FromBytes.
type Buffer struct {
	alloc      *allocation
	start, end int

	typeMask TypeMask
	hints    []string
	protoInfo any
}

// New allocates an owning buffer of exactly size bytes, uninitialised.
func New(size int) *Buffer {
	if size < 0 {
		panic(fmt.Sprintf("buffer: negative size %d", size))
	}
	return &Buffer{alloc: newAlloc(size), start: 0, end: size}
}

// FromBytes allocates a new buffer and copies b into it.
func FromBytes(b []byte) *Buffer {
	buf := New(len(b))
	copy(buf.alloc.data.buf, b)
	return buf
}

// Length returns the number of readable bytes.
func (b *Buffer) Length() int { return b.end - b.start }

// Capacity returns the total capacity of the backing allocation, from start
// to the end of the underlying array.
func (b *Buffer) Capacity() int { return len(b.alloc.data.buf) - b.start }

// Empty reports whether the buffer has zero readable bytes.
func (b *Buffer) Empty() bool { return b.Length() == 0 }

// Bytes returns the readable slice. Callers must not retain it across a
// mutating call (Append/Consume/EnsureUnique) on this or a shared clone.
func (b *Buffer) Bytes() []byte {
	return b.alloc.data.buf[b.start:b.end]
}

// EnsureUnique forces copy-on-write if the backing allocation is shared,
// giving this Buffer sole ownership of a private copy.
func (b *Buffer) EnsureUnique() {
	if !b.alloc.shared() {
		return
	}
	cur := b.Bytes()
	fresh := newAlloc(len(cur))
	copy(fresh.data.buf, cur)
	b.alloc.release()
	b.alloc = fresh
	b.start = 0
	b.end = len(cur)
}

// growthSize implements the max(needed, 2x current) growth policy.
func growthSize(current, needed int) int {
	doubled := current * 2
	if needed > doubled {
		return needed
	}
	if doubled == 0 {
		return needed
	}
	return doubled
}

// Append extends the writable end of the buffer with more bytes. If the
// allocation is uniquely owned and has room, it appends in place;
// otherwise it reallocates with geometric growth (and copies on write if
// shared).
func (b *Buffer) Append(more []byte) {
	if len(more) == 0 {
		return
	}
	if b.alloc.shared() || b.end+len(more) > len(b.alloc.data.buf) {
		needed := b.Length() + len(more)
		newCap := growthSize(b.Length(), needed)
		fresh := newAlloc(newCap)
		copy(fresh.data.buf, b.Bytes())
		n := copy(fresh.data.buf[b.Length():], more)
		_ = n
		b.alloc.release()
		b.alloc = fresh
		b.start = 0
		b.end = needed
		return
	}
	copy(b.alloc.data.buf[b.end:b.end+len(more)], more)
	b.end += len(more)
}

// AppendBuffer appends another Buffer's readable bytes.
func (b *Buffer) AppendBuffer(other *Buffer) {
	b.Append(other.Bytes())
}

// Consume advances the start cursor by n bytes without reallocating. It
// panics if n exceeds the current length — an out-of-bounds consume is a
// programming error, not a runtime condition to recover from.
func (b *Buffer) Consume(n int) {
	if n < 0 || n > b.Length() {
		panic(fmt.Sprintf("buffer: consume(%d) exceeds length %d", n, b.Length()))
	}
	b.start += n
}

// RTrim trims n bytes from the readable end without reallocating.
func (b *Buffer) RTrim(n int) {
	if n < 0 || n > b.Length() {
		panic(fmt.Sprintf("buffer: rtrim(%d) exceeds length %d", n, b.Length()))
	}
	b.end -= n
}

// Split returns the prefix of length n as a new Buffer sharing the
// allocation; the receiver retains the suffix [n, length). When n equals
// the current length, the receiver is left empty and the returned buffer
// effectively takes over sole ownership bookkeeping duties (the
// allocation is still shared, but nothing other than the returned buffer
// has any readable bytes left in it on this side).
func (b *Buffer) Split(n int) *Buffer {
	if n < 0 || n > b.Length() {
		panic(fmt.Sprintf("buffer: split(%d) exceeds length %d", n, b.Length()))
	}
	b.alloc.retain()
	head := &Buffer{
		alloc:    b.alloc,
		start:    b.start,
		end:      b.start + n,
		typeMask: b.typeMask,
	}
	b.start += n
	return head
}

// ShallowClone returns a new Buffer sharing the same allocation (read-only
// aliasing): mutations on either clone never affect the other's readable
// view, but both observe the same underlying bytes until one writes.
func (b *Buffer) ShallowClone() *Buffer {
	b.alloc.retain()
	return &Buffer{
		alloc:    b.alloc,
		start:    b.start,
		end:      b.end,
		typeMask: b.typeMask,
		hints:    append([]string(nil), b.hints...),
	}
}

// DeepClone returns a new Buffer with a fresh allocation and copied bytes.
func (b *Buffer) DeepClone() *Buffer {
	clone := FromBytes(b.Bytes())
	clone.typeMask = b.typeMask
	clone.hints = append([]string(nil), b.hints...)
	return clone
}

// Compare performs a lexicographic byte comparison, used by session-command
// de-duplication and tests.
func (b *Buffer) Compare(other *Buffer) int {
	return bytes.Compare(b.Bytes(), other.Bytes())
}

// TypeMask returns the buffer's content type bitmask.
func (b *Buffer) TypeMask() TypeMask { return b.typeMask }

// SetTypeMask sets the buffer's content type bitmask.
func (b *Buffer) SetTypeMask(t TypeMask) { b.typeMask = t }

// Hints returns the ordered list of routing hints attached to the buffer.
func (b *Buffer) Hints() []string { return b.hints }

// AddHint appends a routing hint.
func (b *Buffer) AddHint(hint string) { b.hints = append(b.hints, hint) }

// ProtoInfo returns the opaque protocol-info slot, if any was set.
func (b *Buffer) ProtoInfo() any { return b.protoInfo }

// SetProtoInfo attaches an opaque protocol-info object. Its cost and
// lifetime are the caller's responsibility to track; the Buffer only
// stores the pointer.
func (b *Buffer) SetProtoInfo(v any) { b.protoInfo = v }

// Release drops this Buffer's reference to its allocation. After Release
// the Buffer must not be used. Buffers backed by Go's GC don't strictly
// require this, but it keeps the shared-ownership accounting (and hence
// EnsureUnique's copy-on-write decision) correct under heavy splitting.
func (b *Buffer) Release() {
	if b.alloc != nil {
		b.alloc.release()
		b.alloc = nil
	}
}
