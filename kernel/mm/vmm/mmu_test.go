package vmm

import (
	"testing"
	"unsafe"

	"github.com/too-r/lambdaOS/kernel"
	"github.com/too-r/lambdaOS/kernel/mm"
)

// simTable is the backing storage for a simulated physical frame that holds
// a page table.
type simTable [tableEntryCount]pageTableEntry

// simMMU emulates the MMU's 4-level table walk over a set of Go-allocated
// page tables so that the recursive mapping arithmetic used by the vmm code
// resolves to ordinary test memory. The cr3 field plays the role of the
// page table base register.
type simMMU struct {
	t      *testing.T
	tables map[mm.Frame]*simTable
	cr3    mm.Frame

	nextFrame   mm.Frame
	entryFlush  int
	fullFlushes int
}

// newSimMMU returns a simulated MMU holding a boot hierarchy that consists
// of a single level 4 table with its recursive entry in place. Simulated
// frame numbers are handed out starting at firstFrame.
func newSimMMU(t *testing.T, firstFrame mm.Frame) *simMMU {
	m := &simMMU{
		t:         t,
		tables:    make(map[mm.Frame]*simTable),
		nextFrame: firstFrame,
	}

	m.cr3 = m.newTableFrame()
	p4 := m.tables[m.cr3]
	p4[recursiveIndex].SetFrame(m.cr3)
	p4[recursiveIndex].SetFlags(FlagPresent | FlagRW)
	return m
}

// newTableFrame reserves the next simulated frame number and backs it with
// zeroed table storage.
func (m *simMMU) newTableFrame() mm.Frame {
	frame := m.nextFrame
	m.nextFrame++
	m.tables[frame] = new(simTable)
	return frame
}

// install points the package seams at the simulator and returns a function
// that restores the originals.
func (m *simMMU) install() func() {
	var (
		origPtePtr        = ptePtrFn
		origFlushTLBEntry = flushTLBEntryFn
		origFlushTLB      = flushTLBFn
		origActivePDT     = activePDTFn
		origSwitchPDT     = switchPDTFn
	)

	ptePtrFn = m.ptePtr
	flushTLBEntryFn = func(uintptr) { m.entryFlush++ }
	flushTLBFn = func() { m.fullFlushes++ }
	activePDTFn = func() uintptr { return m.cr3.Address() }
	switchPDTFn = func(pdtAddr uintptr) { m.cr3 = mm.FrameFromAddress(pdtAddr) }

	return func() {
		ptePtrFn = origPtePtr
		flushTLBEntryFn = origFlushTLBEntry
		flushTLBFn = origFlushTLB
		activePDTFn = origActivePDT
		switchPDTFn = origSwitchPDT
	}
}

// ptePtr implements the ptePtrFn seam: it performs the walk the MMU would
// do for entryAddr and returns a pointer into the simulated table storage.
// Walks that leave the simulated hierarchy fail the test.
func (m *simMMU) ptePtr(entryAddr uintptr) unsafe.Pointer {
	frame := m.cr3
	for _, shift := range pageLevelShifts {
		table, ok := m.tables[frame]
		if !ok {
			m.t.Fatalf("simulated MMU: walk for address 0x%x entered unknown frame %d", entryAddr, frame)
		}

		entry := table[(entryAddr>>uintptr(shift))&(tableEntryCount-1)]
		if !entry.HasFlags(FlagPresent) {
			m.t.Fatalf("simulated MMU: walk for address 0x%x hit a non-present entry", entryAddr)
		}

		frame = entry.Frame()
	}

	table, ok := m.tables[frame]
	if !ok {
		m.t.Fatalf("simulated MMU: address 0x%x resolves to unknown frame %d", entryAddr, frame)
	}

	return unsafe.Pointer(&table[(entryAddr&(mm.PageSize-1))>>mm.PointerShift])
}

// pteOfFrom walks the hierarchy rooted at root and returns a copy of the
// level 1 entry for page together with true if every entry on the path is
// present.
func (m *simMMU) pteOfFrom(root mm.Frame, page mm.Page) (pageTableEntry, bool) {
	frame := root
	addr := page.Address()
	for _, shift := range pageLevelShifts[:pageLevels-1] {
		table, ok := m.tables[frame]
		if !ok {
			m.t.Fatalf("simulated MMU: hierarchy at frame %d does not exist", frame)
		}

		entry := table[(addr>>uintptr(shift))&(tableEntryCount-1)]
		if !entry.HasFlags(FlagPresent) {
			return 0, false
		}

		frame = entry.Frame()
	}

	table, ok := m.tables[frame]
	if !ok {
		m.t.Fatalf("simulated MMU: hierarchy at frame %d does not exist", frame)
	}

	return table[(addr>>mm.PageShift)&(tableEntryCount-1)], true
}

// pteOf is pteOfFrom rooted at the simulated page table base register.
func (m *simMMU) pteOf(page mm.Page) (pageTableEntry, bool) {
	return m.pteOfFrom(m.cr3, page)
}

var errSimAllocFailed = &kernel.Error{Module: "test", Message: "out of memory"}

// simFrameAllocator hands out simulated frames backed by table storage. A
// non-negative failAt makes allocation fail once that many frames have been
// granted, which tests use to exercise out of memory paths.
type simFrameAllocator struct {
	mmu     *simMMU
	granted []mm.Frame
	freed   []mm.Frame
	failAt  int
}

func newSimAllocator(m *simMMU) *simFrameAllocator {
	return &simFrameAllocator{mmu: m, failAt: -1}
}

func (a *simFrameAllocator) AllocFrames(count int) (mm.Frame, *kernel.Error) {
	if count < 1 {
		a.mmu.t.Fatalf("AllocFrames called with count %d", count)
	}

	if a.failAt >= 0 && len(a.granted)+count > a.failAt {
		return mm.InvalidFrame, errSimAllocFailed
	}

	first := a.mmu.nextFrame
	for ; count > 0; count-- {
		a.granted = append(a.granted, a.mmu.newTableFrame())
	}

	return first, nil
}

func (a *simFrameAllocator) FreeFrame(frame mm.Frame) *kernel.Error {
	a.freed = append(a.freed, frame)
	return nil
}
