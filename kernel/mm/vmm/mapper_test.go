package vmm

import (
	"testing"

	"github.com/too-r/lambdaOS/kernel/mm"
)

func TestMapperMapTo(t *testing.T) {
	m := newSimMMU(t, 0x1000)
	defer m.install()()
	alloc := newSimAllocator(m)

	var (
		mapper = Mapper{p4: p4Table()}
		page   = mm.PageFromAddress(0x8080604400)
		frame  = mm.Frame(0xbeef)
	)

	if err := mapper.MapTo(page, frame, FlagRW, alloc); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// the walk must have created the level 3, 2 and 1 tables
	if len(alloc.granted) != 3 {
		t.Errorf("expected 3 frames to be allocated for intermediate tables; got %d", len(alloc.granted))
	}

	if got, err := mapper.TranslatePage(page); err != nil || got != frame {
		t.Errorf("expected the page to translate to frame %v; got %v, %v", frame, got, err)
	}

	if got, err := mapper.Translate(0x8080604400 + 0x123); err != nil || got != 0xbeef123 {
		t.Errorf("expected the address to translate to 0xbeef123; got 0x%x, %v", got, err)
	}

	pte, pathOK := m.pteOf(page)
	if !pathOK || pte.Frame() != frame || !pte.HasFlags(FlagPresent|FlagRW) {
		t.Error("expected the level 1 entry to be present, writable and point to the mapped frame")
	}

	if m.entryFlush != 1 {
		t.Errorf("expected the TLB entry to be flushed once; got %d", m.entryFlush)
	}

	// a page sharing the same level 1 table must not trigger any allocations
	if err := mapper.MapTo(page+1, frame+1, FlagRW, alloc); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(alloc.granted) != 3 {
		t.Errorf("expected no extra table allocations for an adjacent page; got %d", len(alloc.granted))
	}

	if err := mapper.MapTo(page, mm.Frame(0xdead), 0, alloc); err != errAlreadyMapped {
		t.Errorf("expected remapping a live page to fail with errAlreadyMapped; got %v", err)
	}

	if m.entryFlush != 2 {
		t.Errorf("expected 2 TLB entry flushes; got %d", m.entryFlush)
	}
}

func TestMapperMap(t *testing.T) {
	m := newSimMMU(t, 0x1000)
	defer m.install()()
	alloc := newSimAllocator(m)

	var (
		mapper = Mapper{p4: p4Table()}
		page   = mm.PageFromAddress(0x40001000)
	)

	if err := mapper.Map(page, FlagRW, alloc); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// the target frame is reserved before the walk allocates the tables
	if len(alloc.granted) != 4 {
		t.Fatalf("expected 4 frames to be allocated; got %d", len(alloc.granted))
	}

	if got, err := mapper.TranslatePage(page); err != nil || got != alloc.granted[0] {
		t.Errorf("expected the page to translate to frame %v; got %v, %v", alloc.granted[0], got, err)
	}
}

func TestMapperIdentityMap(t *testing.T) {
	m := newSimMMU(t, 0x1000)
	defer m.install()()
	alloc := newSimAllocator(m)

	var (
		mapper = Mapper{p4: p4Table()}
		frame  = mm.Frame(0x1234)
	)

	if err := mapper.IdentityMap(frame, FlagRW, alloc); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got, err := mapper.Translate(0x1234005); err != nil || got != 0x1234005 {
		t.Errorf("expected the virtual and physical addresses to coincide; got 0x%x, %v", got, err)
	}
}

func TestMapperUnmap(t *testing.T) {
	m := newSimMMU(t, 0x1000)
	defer m.install()()
	alloc := newSimAllocator(m)

	var (
		mapper = Mapper{p4: p4Table()}
		page   = mm.PageFromAddress(0x8080604400)
		frame  = mm.Frame(0xbeef)
	)

	if _, err := mapper.Unmap(page); err != ErrNotMapped {
		t.Errorf("expected unmapping an unmapped page to fail with ErrNotMapped; got %v", err)
	}

	if err := mapper.MapTo(page, frame, FlagRW, alloc); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := mapper.Unmap(page)
	if err != nil || got != frame {
		t.Fatalf("expected the evicted frame to be %v; got %v, %v", frame, got, err)
	}

	if _, err = mapper.TranslatePage(page); err != ErrNotMapped {
		t.Errorf("expected the page to be unmapped; got %v", err)
	}

	// the frame is handed to the caller instead of the allocator
	if len(alloc.freed) != 0 {
		t.Errorf("expected no frames to be released to the allocator; got %d", len(alloc.freed))
	}

	// the intermediate tables survive so remapping needs no allocations
	tableCount := len(alloc.granted)
	if err = mapper.MapTo(page, frame, 0, alloc); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(alloc.granted) != tableCount {
		t.Errorf("expected no extra table allocations when remapping; got %d", len(alloc.granted)-tableCount)
	}
}

func TestMapperHugePageEntries(t *testing.T) {
	m := newSimMMU(t, 0x1000)
	defer m.install()()
	alloc := newSimAllocator(m)

	var (
		mapper = Mapper{p4: p4Table()}
		// covered by a 1G huge page entry at level 3, index 1
		page = mm.PageFromAddress(0x40000000)
	)

	p3Frame := m.newTableFrame()
	m.tables[m.cr3][0].SetFrame(p3Frame)
	m.tables[m.cr3][0].SetFlags(FlagPresent | FlagRW)
	m.tables[p3Frame][1].SetFrame(mm.Frame(0x40000))
	m.tables[p3Frame][1].SetFlags(FlagPresent | FlagRW | FlagHugePage)

	if _, err := mapper.TranslatePage(page); err != errNoHugePageSupport {
		t.Errorf("expected TranslatePage to fail with errNoHugePageSupport; got %v", err)
	}

	if err := mapper.MapTo(page, mm.Frame(0xbeef), 0, alloc); err != errNoHugePageSupport {
		t.Errorf("expected MapTo to fail with errNoHugePageSupport; got %v", err)
	}

	if _, err := mapper.Unmap(page); err != errNoHugePageSupport {
		t.Errorf("expected Unmap to fail with errNoHugePageSupport; got %v", err)
	}
}

func TestMapperMapToAllocFailures(t *testing.T) {
	for failAt := 0; failAt < 3; failAt++ {
		m := newSimMMU(t, 0x1000)
		restore := m.install()
		alloc := newSimAllocator(m)
		alloc.failAt = failAt

		mapper := Mapper{p4: p4Table()}
		page := mm.PageFromAddress(0x8080604400)

		if err := mapper.MapTo(page, mm.Frame(0xbeef), FlagRW, alloc); err != errSimAllocFailed {
			t.Errorf("[failAt %d] expected the allocator error to propagate; got %v", failAt, err)
		}

		if pte, pathOK := m.pteOf(page); pathOK && pte.HasFlags(FlagPresent) {
			t.Errorf("[failAt %d] expected the page to remain unmapped", failAt)
		}

		restore()
	}
}

func TestPageOffset(t *testing.T) {
	specs := []struct {
		virtAddr  uintptr
		expOffset uintptr
	}{
		{0, 0},
		{0x123456, 0x456},
		{0xfffffffffffff000, 0},
		{0xffffffffffffffff, 0xfff},
	}

	for specIndex, spec := range specs {
		if got := PageOffset(spec.virtAddr); got != spec.expOffset {
			t.Errorf("[spec %d] expected the page offset to be 0x%x; got 0x%x", specIndex, spec.expOffset, got)
		}
	}
}
