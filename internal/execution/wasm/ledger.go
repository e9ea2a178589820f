package wasm

import (
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"

	"github.com/vietddude/chainindexer/internal/core/domain"
)

// Ownership of a buffer in guest memory.
type Ownership int

const (
	// Lent buffers were allocated by the host and are freed by the host once
	// the guest returns.
	Lent Ownership = iota + 1
	// Transferred buffers were allocated by the host and handed to the guest,
	// which frees them.
	Transferred
	// Reclaimed buffers were freed by the host. Any reference to them is a
	// dangling pointer.
	Reclaimed
)

func (o Ownership) String() string {
	switch o {
	case Lent:
		return "lent"
	case Transferred:
		return "transferred"
	case Reclaimed:
		return "reclaimed"
	default:
		return fmt.Sprintf("ownership(%d)", int(o))
	}
}

type buffer struct {
	ptr   uint32
	len   uint32
	state Ownership
	// sum fingerprints the contents of a reclaimed buffer.
	sum uint64
}

// memory is the read side of guest memory.
type memory interface {
	Read(ptr, n uint32) ([]byte, bool)
}

// stale reports whether the reclaimed bytes are still in place. Changed
// contents mean the guest allocator has handed the memory out again.
func (b *buffer) stale(mem memory) bool {
	cur, ok := mem.Read(b.ptr, b.len)
	return ok && xxhash.Sum64(cur) == b.sum
}

func (b *buffer) overlaps(ptr, n uint32) bool {
	if n == 0 || b.len == 0 {
		return false
	}
	return uint64(ptr) < uint64(b.ptr)+uint64(b.len) && uint64(b.ptr) < uint64(ptr)+uint64(n)
}

// Ledger records the buffers the host placed in the memory of one module
// instance. Reclaimed buffers outlive the dispatch that freed them, so a guest
// holding a pointer from an earlier call is caught. It is not safe for
// concurrent use; dispatches are serialized by the executor.
type Ledger struct {
	buffers map[uint32]*buffer
}

func NewLedger() *Ledger {
	return &Ledger{buffers: make(map[uint32]*buffer)}
}

// forget drops records overlapping a fresh allocation: the guest allocator
// has reused that memory.
func (l *Ledger) forget(ptr, n uint32) {
	for key, b := range l.buffers {
		if b.ptr == ptr || b.overlaps(ptr, n) {
			delete(l.buffers, key)
		}
	}
}

// Lend records a host-owned buffer.
func (l *Ledger) Lend(ptr, n uint32) {
	l.forget(ptr, n)
	l.buffers[ptr] = &buffer{ptr: ptr, len: n, state: Lent}
}

// Transfer records a buffer now owned by the guest.
func (l *Ledger) Transfer(ptr, n uint32) {
	l.forget(ptr, n)
	l.buffers[ptr] = &buffer{ptr: ptr, len: n, state: Transferred}
}

// Reclaim marks a lent buffer as freed by the host. contents is the buffer as
// the guest left it after dealloc_fn.
func (l *Ledger) Reclaim(ptr uint32, contents []byte) error {
	b, ok := l.buffers[ptr]
	if !ok {
		return domain.Errorf(domain.ErrFFI, "reclaim", "unknown buffer at %#x", ptr)
	}
	switch b.state {
	case Reclaimed:
		return domain.Errorf(domain.ErrFFI, "reclaim", "double reclaim of buffer at %#x", ptr)
	case Transferred:
		return domain.Errorf(domain.ErrFFI, "reclaim", "buffer at %#x is owned by the guest", ptr)
	}
	b.state = Reclaimed
	b.sum = xxhash.Sum64(contents)
	return nil
}

// Check rejects a guest reference into memory the host has already freed
// while that memory still holds the freed bytes.
func (l *Ledger) Check(mem memory, ptr, n uint32) error {
	for key, b := range l.buffers {
		if b.state != Reclaimed || !b.overlaps(ptr, n) {
			continue
		}
		if !b.stale(mem) {
			delete(l.buffers, key)
			continue
		}
		return domain.Errorf(domain.ErrFFI, "check",
			"dangling reference [%#x, +%d) into reclaimed buffer at %#x", ptr, n, b.ptr)
	}
	return nil
}

// Sweep runs after each dispatch. It drops buffers the guest now owns and
// reclaimed buffers whose memory has been reused.
func (l *Ledger) Sweep(mem memory) {
	for key, b := range l.buffers {
		if b.state == Transferred || (b.state == Reclaimed && !b.stale(mem)) {
			delete(l.buffers, key)
		}
	}
}

// State returns the ownership of the buffer starting at ptr.
func (l *Ledger) State(ptr uint32) (Ownership, bool) {
	b, ok := l.buffers[ptr]
	if !ok {
		return 0, false
	}
	return b.state, true
}

// Outstanding returns the start of every buffer still lent, in address order.
func (l *Ledger) Outstanding() []uint32 {
	var out []uint32
	for _, b := range l.buffers {
		if b.state == Lent {
			out = append(out, b.ptr)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
