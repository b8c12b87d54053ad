package vmm

import (
	"github.com/too-r/lambdaOS/kernel"
	"github.com/too-r/lambdaOS/kernel/cpu"
	"github.com/too-r/lambdaOS/kernel/mm"
)

var (
	// activePDTFn is used by tests to override calls to ActivePDT which
	// will cause a fault if called in user-mode.
	activePDTFn = cpu.ActivePDT

	// switchPDTFn is used by tests to override calls to SwitchPDT which
	// will cause a fault if called in user-mode.
	switchPDTFn = cpu.SwitchPDT

	// flushTLBFn is used by tests to override calls to FlushTLB which
	// will cause a fault if called in user-mode.
	flushTLBFn = cpu.FlushTLB
)

// ActivePageTable bundles the Mapper operations that edit the address space
// the MMU currently walks. Constructing one requires that the boot code has
// installed the recursive entry in the live level 4 table.
type ActivePageTable struct {
	Mapper
}

// NewActivePageTable returns an ActivePageTable that reaches the live
// hierarchy through the recursive mapping.
func NewActivePageTable() ActivePageTable {
	return ActivePageTable{Mapper: Mapper{p4: p4Table()}}
}

// InactivePageTable is a page table hierarchy that the MMU is not currently
// walking. Only the physical frame of its level 4 table is tracked; the
// table contents are reached through a TemporaryPage or, while With runs,
// through the recursive entry.
type InactivePageTable struct {
	p4Frame mm.Frame
}

// Init prepares frame to serve as the top level of a new address space. The
// frame is zeroed through a temporary mapping and its last entry is pointed
// back at the frame itself so that recursive addressing works as soon as
// the table is switched in.
func (ipt *InactivePageTable) Init(frame mm.Frame, active *ActivePageTable, tmp *TemporaryPage) *kernel.Error {
	ipt.p4Frame = frame

	table, err := tmp.mapTableFrame(frame, active)
	if err != nil {
		return err
	}

	table.zero()

	recursive := table.entryAt(recursiveIndex)
	recursive.SetFrame(frame)
	recursive.SetFlags(FlagPresent | FlagRW)

	_, err = tmp.Unmap(active)
	return err
}

// With runs fn with a Mapper whose operations edit inactive instead of the
// live address space. It temporarily points the recursive entry of the live
// level 4 table at inactive's top table; the MMU keeps translating through
// the live hierarchy while fn runs, so the redirection is invisible to
// everything but the recursive addresses.
//
// The original recursive entry is restored through a temporary mapping of
// the live table before With returns, whether or not fn failed. With does
// not mask interrupts; callers that may be interrupted must arrange for
// that themselves.
func (apt *ActivePageTable) With(inactive *InactivePageTable, tmp *TemporaryPage, fn func(*Mapper) *kernel.Error) *kernel.Error {
	backup := mm.FrameFromAddress(activePDTFn())

	// Keep the live level 4 table addressable while the recursive entry
	// points elsewhere; restoring the entry afterwards needs a path to
	// the table that does not go through the recursive mapping.
	backupView, err := tmp.mapTableFrame(backup, apt)
	if err != nil {
		return err
	}

	apt.p4.entryAt(recursiveIndex).SetFrame(inactive.p4Frame)
	flushTLBFn()

	fnErr := fn(&apt.Mapper)

	restore := backupView.entryAt(recursiveIndex)
	restore.SetFrame(backup)
	restore.SetFlags(FlagPresent | FlagRW)
	flushTLBFn()

	if _, err = tmp.Unmap(apt); fnErr == nil {
		fnErr = err
	}

	return fnErr
}

// Switch installs inactive as the address space the MMU walks and returns a
// handle to the previously active one. The recursive entry of inactive must
// already be in place; InactivePageTable.Init takes care of that.
//
// Loading the page table base register flushes all non-global TLB entries
// so no explicit flush is required.
func (apt *ActivePageTable) Switch(inactive *InactivePageTable) InactivePageTable {
	old := InactivePageTable{p4Frame: mm.FrameFromAddress(activePDTFn())}
	switchPDTFn(inactive.p4Frame.Address())
	return old
}
