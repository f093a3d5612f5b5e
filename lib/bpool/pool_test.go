package bpool

import (
	"testing"
)

func TestAllocateRelease(t *testing.T) {
	p := New(1024, 4)

	ids, ok := p.AllocateN(3)
	if !ok || len(ids) != 3 {
		t.Fatalf("AllocateN(3) = %v, %v", ids, ok)
	}
	if p.FreePages() != 1 {
		t.Errorf("FreePages() = %d, want 1", p.FreePages())
	}

	// all or nothing
	if _, ok := p.AllocateN(2); ok {
		t.Error("AllocateN(2) should fail with one free page")
	}
	if p.FreePages() != 1 {
		t.Errorf("a failed AllocateN must not take pages, %d free", p.FreePages())
	}

	id, ok := p.Allocate()
	if !ok {
		t.Fatal("Allocate should return the last page")
	}
	if _, ok := p.Allocate(); ok {
		t.Error("Allocate on an exhausted pool should fail")
	}

	released := 0
	p.SetReleaseHook(func() { released++ })
	p.Release(append(ids, id)...)
	if p.FreePages() != 4 || released != 1 {
		t.Errorf("after release: %d free, hook called %d times", p.FreePages(), released)
	}
}

func TestPagesAreDisjoint(t *testing.T) {
	p := New(16, 2)
	a, _ := p.Allocate()
	b, _ := p.Allocate()

	copy(p.Page(a), []byte("aaaaaaaaaaaaaaaa"))
	copy(p.Page(b), []byte("bbbbbbbbbbbbbbbb"))
	if string(p.Page(a)) != "aaaaaaaaaaaaaaaa" {
		t.Errorf("page %d overwritten: %q", a, p.Page(a))
	}
	if len(p.Page(a)) != 16 || cap(p.Page(a)) != 16 {
		t.Error("a page must not extend into its neighbour")
	}
	if p.PagesFor(33) != 3 || p.PagesFor(32) != 2 {
		t.Error("PagesFor rounds up to whole pages")
	}
}

func TestDoubleReleasePanics(t *testing.T) {
	p := New(16, 1)
	id, _ := p.Allocate()
	p.Release(id)

	defer func() {
		if recover() == nil {
			t.Error("releasing a free page should panic")
		}
	}()
	p.Release(id)
}
