// Package syscall implements the dispatcher's shared responsibilities
// (spec §4.7): validating every user pointer a call touches before using
// it, classifying a fault as an SPT load or a stack-growth request, and
// the overall "any invalid access terminates the process" contract.
// Grounded on Pintos userprog/syscall.c's is_valid_ptr/usr_to_kernel_ptr
// (the is-user-vaddr-then-pagedir-lookup shape) and on biscuit vm/as.go's
// Userdmap8_inner/Sys_pgfault, whose needfault-then-load structure this
// package's Validate follows almost exactly, translated from biscuit's
// hardware page table walk to this system's supplemental-page-table
// lookup.
package syscall

import (
	"ptoscore/internal/defs"
	"ptoscore/internal/metrics"
	"ptoscore/internal/spt"
)

// Outcome reports what Validate had to do to make an address usable.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeLoaded
	OutcomeGrewStack
	OutcomeFault
)

// Validate checks one user virtual address for a single access of
// forWrite intent, loading its SPT entry or growing the stack as needed
// (spec §4.7). This core has no real MMU, so there is no hardware address
// limit to enforce here; the address is valid if it is non-null and
// either already present in the SPT or qualifies for stack growth.
// stackPointer and stackBase locate the calling thread's stack region for
// the growth test.
func Validate(table *spt.Table, m *metrics.Set, uaddr, stackPointer, stackBase uintptr, forWrite bool) Outcome {
	if uaddr == 0 {
		m.ProcessKills.Inc()
		return OutcomeFault
	}

	if e, ok := table.Lookup(uaddr); ok {
		if forWrite && !e.Writable {
			m.ProcessKills.Inc()
			return OutcomeFault
		}
		if !e.Loaded() {
			table.Load(e)
			m.PageFaultsLoaded.Inc()
			return OutcomeLoaded
		}
		e.MarkAccess(forWrite)
		return OutcomeOK
	}

	if _, ok := table.GrowStack(uaddr, stackPointer, stackBase); ok {
		m.StackGrowths.Inc()
		return OutcomeGrewStack
	}
	m.ProcessKills.Inc()
	return OutcomeFault
}

// ValidateBuffer validates every page touched by a length-byte buffer
// starting at uaddr (spec §4.7 "Buffers are validated page-by-page").
func ValidateBuffer(table *spt.Table, m *metrics.Set, uaddr, length, stackPointer, stackBase uintptr, forWrite bool) Outcome {
	if length == 0 {
		return Validate(table, m, uaddr, stackPointer, stackBase, forWrite)
	}
	page := uaddr &^ (defs.PageSize - 1)
	end := uaddr + length - 1
	for p := page; p <= end; p += defs.PageSize {
		if out := Validate(table, m, p, stackPointer, stackBase, forWrite); out == OutcomeFault {
			return OutcomeFault
		}
	}
	return OutcomeOK
}

// ValidateString validates a NUL-terminated string byte-by-byte starting
// at uaddr, reading through readByte (the caller's physical-memory
// accessor) once each byte's page has been validated (spec §4.7 "Strings
// are validated byte-by-byte until the terminating zero").
func ValidateString(table *spt.Table, m *metrics.Set, uaddr, stackPointer, stackBase uintptr, readByte func(uintptr) byte) Outcome {
	for {
		if out := Validate(table, m, uaddr, stackPointer, stackBase, false); out == OutcomeFault {
			return OutcomeFault
		}
		if readByte(uaddr) == 0 {
			return OutcomeOK
		}
		uaddr++
	}
}

// ExitStatusForFault is the fixed status every syscall dispatcher uses to
// kill a process whose pointer failed validation (spec §4.7 "Any invalid
// access terminates the process with exit status -1").
const ExitStatusForFault int32 = -1

// Number identifies one of the fixed syscall numbers (spec §6 "Numbers
// are fixed by a shared header between user and kernel").
type Number int

const (
	SysHalt Number = iota
	SysExit
	SysExec
	SysWait
	SysCreate
	SysRemove
	SysOpen
	SysFilesize
	SysRead
	SysWrite
	SysSeek
	SysTell
	SysClose
	SysMmap
	SysMunmap
	SysChdir
	SysMkdir
	SysReaddir
	SysIsdir
	SysInumber
)

// Result is what a single dispatched call hands back to the trap
// frame's eax-equivalent return slot, plus whether it requires the
// calling process to be torn down immediately afterward.
type Result struct {
	Value     int64
	Err       defs.Err_t
	Terminate bool
}
