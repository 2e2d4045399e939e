package page

import (
	"github.com/spacetimedb/hostd/internal/blob"
	"github.com/spacetimedb/hostd/internal/errs"
	"github.com/spacetimedb/hostd/internal/sats"
)

// Pointer addresses one row: which page it lives on and its offset within
// that page's fixed-part region.
type Pointer struct {
	PageIdx uint32
	Offset  Offset
}

// Pool is the mutable page pool backing one table: a growing list of pages
// sharing a single compiled row Program, plus the blob store var-len
// fields offload into once they cross BlobThreshold.
type Pool struct {
	program   *Program
	blobStore *blob.Store
	pages     []*Page
	pageSize  int
	varSize   int
}

// NewPool compiles rowType's visitor program and returns an empty pool
// ready to accept rows of that shape.
func NewPool(rowType sats.AlgebraicType, ts *sats.Typespace, blobStore *blob.Store) (*Pool, error) {
	prog, err := Compile(rowType, ts)
	if err != nil {
		return nil, err
	}
	return &Pool{
		program:   prog,
		blobStore: blobStore,
		pageSize:  DefaultPageSize,
		varSize:   DefaultPageSize,
	}, nil
}

// FrameSize is this pool's constant per-row fixed-slot width.
func (pl *Pool) FrameSize() uint32 { return pl.program.FrameSize() }

func (pl *Pool) lastPage() *Page {
	if len(pl.pages) == 0 {
		return nil
	}
	return pl.pages[len(pl.pages)-1]
}

func (pl *Pool) newPage() *Page {
	pg := newPage(pl.pageSize, pl.varSize)
	pl.pages = append(pl.pages, pg)
	return pg
}

// Insert writes value as a new row and returns its Pointer.
//
// Rows are always appended to the most recently allocated page; a page is
// never chosen by available space beyond "does it have room for one more
// fixed slot," which keeps insert O(1) at the cost of not reclaiming space
// left behind on older pages until a table-wide compaction runs (out of
// scope for this pool — a caller doing heavy delete/insert churn is
// expected to rebuild the table via migration instead).
func (pl *Pool) Insert(value sats.Value) (Pointer, error) {
	pg := pl.lastPage()
	frame := pl.program.FrameSize()
	if pg == nil || uint32(pg.fixedCursor)+frame > uint32(pl.pageSize) {
		pg = pl.newPage()
	}
	off, err := pl.program.WriteRow(pg, pl.blobStore, value)
	if err != nil {
		return Pointer{}, err
	}
	return Pointer{PageIdx: uint32(len(pl.pages) - 1), Offset: off}, nil
}

// Get reads the row at ptr.
func (pl *Pool) Get(ptr Pointer) (sats.Value, error) {
	if int(ptr.PageIdx) >= len(pl.pages) {
		return sats.Value{}, errs.Newf(errs.Storage, "page: page index %d out of range", ptr.PageIdx)
	}
	return pl.program.ReadRow(pl.pages[ptr.PageIdx], pl.blobStore, ptr.Offset)
}

// Delete frees ptr's fixed slot and every var-len chain/blob it owns.
func (pl *Pool) Delete(ptr Pointer) error {
	if int(ptr.PageIdx) >= len(pl.pages) {
		return errs.Newf(errs.Storage, "page: page index %d out of range", ptr.PageIdx)
	}
	return pl.program.FreeRow(pl.pages[ptr.PageIdx], pl.blobStore, ptr.Offset)
}
