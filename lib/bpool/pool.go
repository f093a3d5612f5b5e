// Package bpool implements the receive buffer pool: a fixed arena divided into
// equally sized pages (bpages). Every page is either free or owned by exactly one
// incoming message, which returns it when the message is delivered or discarded.
package bpool

import (
	"sync"

	"github.com/ValentinKolb/homa/lib/util"
	"github.com/cockroachdb/errors"
)

// BpageID identifies a page of a Pool
type BpageID int32

// Pool is an arena of fixed-size receive pages. It is safe for concurrent use.
type Pool struct {
	pageSize int
	arena    []byte

	mu    sync.Mutex
	free  []BpageID // stack of free pages
	owned []bool

	// onRelease is called (without the pool lock) after pages have been returned
	onRelease func()
}

// New creates a pool of numPages pages of pageSize bytes each
func New(pageSize, numPages int) *Pool {
	if pageSize <= 0 || numPages <= 0 {
		panic(errors.AssertionFailedf("buffer pool with %d pages of %d bytes", numPages, pageSize))
	}
	p := &Pool{
		pageSize: pageSize,
		arena:    make([]byte, pageSize*numPages),
		free:     make([]BpageID, numPages),
		owned:    make([]bool, numPages),
	}
	// hand out low pages first
	for i := range p.free {
		p.free[i] = BpageID(numPages - 1 - i)
	}
	return p
}

// SetReleaseHook registers fn to be called whenever pages are released, so
// messages waiting for buffers can retry their allocation.
func (p *Pool) SetReleaseHook(fn func()) {
	p.mu.Lock()
	p.onRelease = fn
	p.mu.Unlock()
}

// PageSize returns the size of one page in bytes
func (p *Pool) PageSize() int { return p.pageSize }

// NumPages returns the total number of pages
func (p *Pool) NumPages() int { return len(p.owned) }

// FreePages returns the number of pages currently free
func (p *Pool) FreePages() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// Allocate takes one free page. ok is false when the pool is exhausted.
func (p *Pool) Allocate() (id BpageID, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allocateLocked()
}

// AllocateN takes n pages or none at all
func (p *Pool) AllocateN(n int) ([]BpageID, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n > len(p.free) {
		return nil, false
	}
	ids := make([]BpageID, n)
	for i := range ids {
		ids[i], _ = p.allocateLocked()
	}
	return ids, true
}

func (p *Pool) allocateLocked() (BpageID, bool) {
	n := len(p.free)
	if n == 0 {
		return 0, false
	}
	id := p.free[n-1]
	p.free = p.free[:n-1]
	p.owned[id] = true
	return id, true
}

// Release returns pages to the pool. Releasing a page that is not owned is an
// assertion failure.
func (p *Pool) Release(ids ...BpageID) {
	if len(ids) == 0 {
		return
	}
	p.mu.Lock()
	for _, id := range ids {
		if int(id) < 0 || int(id) >= len(p.owned) || !p.owned[id] {
			p.mu.Unlock()
			panic(errors.AssertionFailedf("release of unowned bpage %d", id))
		}
		p.owned[id] = false
		p.free = append(p.free, id)
	}
	hook := p.onRelease
	p.mu.Unlock()

	if hook != nil {
		hook()
	}
}

// Page returns the memory of an owned page
func (p *Pool) Page(id BpageID) []byte {
	off := int(id) * p.pageSize
	return p.arena[off : off+p.pageSize : off+p.pageSize]
}

// PagesFor returns the number of pages needed to hold n bytes
func (p *Pool) PagesFor(n int) int {
	return util.CeilDiv(n, p.pageSize)
}
