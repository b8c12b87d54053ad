package vmm

import (
	"testing"

	"github.com/too-r/lambdaOS/kernel"
	"github.com/too-r/lambdaOS/kernel/mm"
)

func TestInactivePageTableInit(t *testing.T) {
	m := newSimMMU(t, 0x100)
	defer m.install()()
	alloc := newSimAllocator(m)

	apt := NewActivePageTable()

	var tmp TemporaryPage
	if err := tmp.Init(alloc); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// allocators hand out frames with unspecified contents
	frame := m.newTableFrame()
	for index := range m.tables[frame] {
		m.tables[frame][index] = pageTableEntry(0xbadf00d)
	}

	var ipt InactivePageTable
	if err := ipt.Init(frame, &apt, &tmp); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if ipt.p4Frame != frame {
		t.Fatalf("expected the inactive table to track frame %v; got %v", frame, ipt.p4Frame)
	}

	for index, entry := range m.tables[frame] {
		if uintptr(index) == recursiveIndex {
			if entry.Frame() != frame || !entry.HasFlags(FlagPresent|FlagRW) {
				t.Error("expected the recursive entry to point back to the table with the present and RW flags")
			}
			continue
		}

		if entry != 0 {
			t.Fatalf("expected entry %d to be cleared; got 0x%x", index, uintptr(entry))
		}
	}

	if _, err := apt.TranslatePage(tmp.page); err != ErrNotMapped {
		t.Errorf("expected the temporary page to be unmapped after Init; got %v", err)
	}
}

func TestInactivePageTableInitWithBusyTempPage(t *testing.T) {
	m := newSimMMU(t, 0x100)
	defer m.install()()
	alloc := newSimAllocator(m)

	apt := NewActivePageTable()

	var tmp TemporaryPage
	if err := tmp.Init(alloc); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := tmp.Map(m.newTableFrame(), &apt); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var ipt InactivePageTable
	if err := ipt.Init(m.newTableFrame(), &apt, &tmp); err != errTempPageInUse {
		t.Fatalf("expected Init to fail with errTempPageInUse; got %v", err)
	}
}

func TestActivePageTableWith(t *testing.T) {
	m := newSimMMU(t, 0x100)
	defer m.install()()
	alloc := newSimAllocator(m)

	apt := NewActivePageTable()

	var tmp TemporaryPage
	if err := tmp.Init(alloc); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var ipt InactivePageTable
	if err := ipt.Init(m.newTableFrame(), &apt, &tmp); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var (
		bootCR3 = m.cr3
		frame   = mm.Frame(0xbeef)
		page    = mm.PageFromAddress(frame.Address())
	)

	err := apt.With(&ipt, &tmp, func(mapper *Mapper) *kernel.Error {
		// edits run against the inactive hierarchy without a table switch
		if m.cr3 != bootCR3 {
			t.Error("expected the active table to remain loaded while fn runs")
		}

		if mapErr := mapper.IdentityMap(frame, FlagRW, alloc); mapErr != nil {
			return mapErr
		}

		got, mapErr := mapper.TranslatePage(page)
		if mapErr != nil || got != frame {
			t.Errorf("expected the new mapping to be visible to the mapper; got %v, %v", got, mapErr)
		}

		return nil
	})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// the mapping must exist in the inactive hierarchy only
	if pte, pathOK := m.pteOfFrom(ipt.p4Frame, page); !pathOK || pte.Frame() != frame || !pte.HasFlags(FlagPresent|FlagRW) {
		t.Error("expected the mapping to be installed in the inactive hierarchy")
	}

	if pte, pathOK := m.pteOf(page); pathOK && pte.HasFlags(FlagPresent) {
		t.Error("expected the active hierarchy to be unaffected")
	}

	// the recursive entry of the active table must be restored
	if recursive := m.tables[bootCR3][recursiveIndex]; recursive.Frame() != bootCR3 || !recursive.HasFlags(FlagPresent|FlagRW) {
		t.Error("expected the recursive entry to point back to the active table")
	}

	if m.cr3 != bootCR3 {
		t.Error("expected the active table to remain loaded after With returns")
	}

	if m.fullFlushes != 2 {
		t.Errorf("expected the TLB to be flushed twice; got %d", m.fullFlushes)
	}

	if _, err := apt.TranslatePage(tmp.page); err != ErrNotMapped {
		t.Errorf("expected the temporary page to be unmapped after With; got %v", err)
	}
}

func TestActivePageTableWithRestoresOnError(t *testing.T) {
	m := newSimMMU(t, 0x100)
	defer m.install()()
	alloc := newSimAllocator(m)

	apt := NewActivePageTable()

	var tmp TemporaryPage
	if err := tmp.Init(alloc); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var ipt InactivePageTable
	if err := ipt.Init(m.newTableFrame(), &apt, &tmp); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var (
		bootCR3 = m.cr3
		expErr  = &kernel.Error{Module: "test", Message: "fn failed"}
	)

	if err := apt.With(&ipt, &tmp, func(*Mapper) *kernel.Error { return expErr }); err != expErr {
		t.Fatalf("expected the fn error to be returned; got %v", err)
	}

	if recursive := m.tables[bootCR3][recursiveIndex]; recursive.Frame() != bootCR3 || !recursive.HasFlags(FlagPresent|FlagRW) {
		t.Error("expected the recursive entry to be restored after a fn error")
	}

	if _, err := apt.TranslatePage(tmp.page); err != ErrNotMapped {
		t.Errorf("expected the temporary page to be unmapped after a fn error; got %v", err)
	}
}

func TestActivePageTableWithBusyTempPage(t *testing.T) {
	m := newSimMMU(t, 0x100)
	defer m.install()()
	alloc := newSimAllocator(m)

	apt := NewActivePageTable()

	var tmp TemporaryPage
	if err := tmp.Init(alloc); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var ipt InactivePageTable
	if err := ipt.Init(m.newTableFrame(), &apt, &tmp); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := tmp.Map(m.newTableFrame(), &apt); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err := apt.With(&ipt, &tmp, func(*Mapper) *kernel.Error {
		t.Error("expected fn not to be invoked")
		return nil
	})

	if err != errTempPageInUse {
		t.Fatalf("expected With to fail with errTempPageInUse; got %v", err)
	}
}

func TestActivePageTableSwitch(t *testing.T) {
	m := newSimMMU(t, 0x100)
	defer m.install()()
	alloc := newSimAllocator(m)

	apt := NewActivePageTable()

	var tmp TemporaryPage
	if err := tmp.Init(alloc); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var ipt InactivePageTable
	if err := ipt.Init(m.newTableFrame(), &apt, &tmp); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	bootCR3 := m.cr3
	old := apt.Switch(&ipt)

	if m.cr3 != ipt.p4Frame {
		t.Errorf("expected the inactive table to be loaded; got %v", m.cr3)
	}

	if old.p4Frame != bootCR3 {
		t.Errorf("expected the previously active table to be returned; got %v", old.p4Frame)
	}
}
