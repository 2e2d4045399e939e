// Package page implements the fixed-size page / row allocator: each page
// holds a fixed-part region (constant-size row slots for one table) and a
// variable-part region (a granule free list for var-len field data), with
// large var-len values offloaded to the blob store once they cross a size
// threshold.
package page

import (
	"encoding/binary"

	"github.com/spacetimedb/hostd/internal/blob"
	"github.com/spacetimedb/hostd/internal/errs"
	"github.com/spacetimedb/hostd/internal/sats"
)

const (
	// DefaultPageSize is the byte size of one page's variable-part region.
	// 64 KiB keeps a single page's granule count manageable while staying
	// well above the 4 KiB floor.
	DefaultPageSize = 64 * 1024

	// GranulePayload is how many content bytes one granule slot holds; the
	// remaining GranuleHeaderSize bytes are the next-granule link.
	GranulePayload    = 62
	GranuleHeaderSize = 4
	GranuleSize       = GranulePayload + GranuleHeaderSize

	// BlobThreshold is the var-len byte length above which a value is
	// offloaded to the blob store instead of being chained across granules
	// in-page.
	BlobThreshold = 4096

	noGranule = 0 // granule index 0 is reserved as the "no next" sentinel
)

// Offset addresses a byte position in a page's fixed-part region.
type Offset uint32

// GranuleIdx addresses one granule slot in a page's variable-part region.
type GranuleIdx uint32

// VarLenRef is the fixed-size handle a row's frame stores in place of an
// inline var-len value.
type VarLenRef struct {
	Length       uint32
	FirstGranule GranuleIdx
	InBlob       bool
	BlobHash     blob.Hash
}

// Page is one fixed-size allocation unit: a byte-addressed fixed-part
// region plus a granule-addressed variable-part region.
type Page struct {
	fixed       []byte
	fixedFree   map[uint32][]Offset // free list keyed by slot size
	fixedCursor Offset

	granules     []byte // GranuleSize-byte slots, packed
	granuleInUse []bool
	granuleFree  []GranuleIdx
}

func newPage(fixedSize, varBytes int) *Page {
	numGranules := varBytes / GranuleSize
	if numGranules < 1 {
		numGranules = 1
	}
	return &Page{
		fixed:        make([]byte, 0, fixedSize),
		fixedFree:    make(map[uint32][]Offset),
		granules:     make([]byte, numGranules*GranuleSize),
		granuleInUse: make([]bool, numGranules),
	}
}

// AllocFixed reserves size bytes in the fixed-part region and returns their
// offset. Space freed by FreeFixed of the same size is reused first.
func (p *Page) AllocFixed(size uint32) Offset {
	if free := p.fixedFree[size]; len(free) > 0 {
		off := free[len(free)-1]
		p.fixedFree[size] = free[:len(free)-1]
		return off
	}
	off := p.fixedCursor
	p.fixed = append(p.fixed, make([]byte, size)...)
	p.fixedCursor += Offset(size)
	return off
}

// FreeFixed releases a fixed-part slot for reuse by a future AllocFixed of
// the same size.
func (p *Page) FreeFixed(off Offset, size uint32) {
	p.fixedFree[size] = append(p.fixedFree[size], off)
}

func (p *Page) allocGranule() (GranuleIdx, bool) {
	if n := len(p.granuleFree); n > 0 {
		g := p.granuleFree[n-1]
		p.granuleFree = p.granuleFree[:n-1]
		p.granuleInUse[g] = true
		return g, true
	}
	for i, used := range p.granuleInUse {
		if !used && i != noGranule {
			p.granuleInUse[i] = true
			return GranuleIdx(i), true
		}
	}
	return 0, false
}

func (p *Page) freeGranule(g GranuleIdx) {
	p.granuleInUse[g] = false
	p.granuleFree = append(p.granuleFree, g)
}

func (p *Page) granuleSlot(g GranuleIdx) []byte {
	start := int(g) * GranuleSize
	return p.granules[start : start+GranuleSize]
}

func (p *Page) granuleNext(g GranuleIdx) GranuleIdx {
	slot := p.granuleSlot(g)
	return GranuleIdx(binary.LittleEndian.Uint32(slot[GranulePayload:]))
}

func (p *Page) setGranuleNext(g, next GranuleIdx) {
	slot := p.granuleSlot(g)
	binary.LittleEndian.PutUint32(slot[GranulePayload:], uint32(next))
}

func (p *Page) writeFrame(off Offset, frame []byte) {
	copy(p.fixed[off:int(off)+len(frame)], frame)
}

func (p *Page) readFrame(off Offset, size uint32) []byte {
	return p.fixed[off : int(off)+int(size)]
}

// AllocVar chains as many granules as needed to hold data, offloading to
// blobStore if data exceeds BlobThreshold. The returned bool reports
// whether the value was offloaded.
func (p *Page) AllocVar(data []byte, blobStore *blob.Store) (VarLenRef, bool, error) {
	if len(data) > BlobThreshold {
		hash, err := blobStore.Put(data)
		if err != nil {
			return VarLenRef{}, false, err
		}
		return VarLenRef{Length: uint32(len(data)), InBlob: true, BlobHash: hash}, true, nil
	}

	ref := VarLenRef{Length: uint32(len(data))}
	var allocated []GranuleIdx
	rollback := func() {
		for _, g := range allocated {
			p.freeGranule(g)
		}
	}

	var prev GranuleIdx
	first := true
	remaining := data
	for len(remaining) > 0 {
		g, ok := p.allocGranule()
		if !ok {
			rollback()
			return VarLenRef{}, false, errs.New(errs.Storage, "page: granule pool exhausted")
		}
		allocated = append(allocated, g)
		n := len(remaining)
		if n > GranulePayload {
			n = GranulePayload
		}
		slot := p.granuleSlot(g)
		copy(slot[:GranulePayload], remaining[:n])
		p.setGranuleNext(g, noGranule)
		if first {
			ref.FirstGranule = g
			first = false
		} else {
			p.setGranuleNext(prev, g)
		}
		prev = g
		remaining = remaining[n:]
	}
	return ref, false, nil
}

// FreeVar releases every granule in ref's chain. A blob-offloaded ref
// instead releases its blob-store reference.
func (p *Page) FreeVar(ref VarLenRef, blobStore *blob.Store) error {
	if ref.InBlob {
		return blobStore.Release(ref.BlobHash)
	}
	if ref.Length == 0 {
		return nil
	}
	g := ref.FirstGranule
	for {
		next := p.granuleNext(g)
		p.freeGranule(g)
		if next == noGranule {
			break
		}
		g = next
	}
	return nil
}

// ReadVar reconstructs the bytes behind ref, fetching from blobStore if
// the value was offloaded.
func (p *Page) ReadVar(ref VarLenRef, blobStore *blob.Store) ([]byte, error) {
	if ref.InBlob {
		data, ok, err := blobStore.Get(ref.BlobHash)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errs.Newf(errs.Storage, "page: blob %s missing during read", ref.BlobHash)
		}
		return data, nil
	}
	out := make([]byte, 0, ref.Length)
	remaining := int(ref.Length)
	g := ref.FirstGranule
	for remaining > 0 {
		slot := p.granuleSlot(g)
		n := remaining
		if n > GranulePayload {
			n = GranulePayload
		}
		out = append(out, slot[:n]...)
		remaining -= n
		if remaining > 0 {
			g = p.granuleNext(g)
		}
	}
	return out, nil
}
