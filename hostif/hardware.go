package hostif

import "github.com/v-architect/nvmx/vmcs"

// HardwareVMCS is the real VMCS currently loaded on the logical CPU. The
// core assumes its caller has already VMPTRLD'd the correct hardware VMCS
// before invoking a handler and restores that invariant itself around any
// sequence that temporarily points elsewhere (the VMXON snapshot).
type HardwareVMCS interface {
	ReadField(f vmcs.Field) (uint64, error)
	WriteField(f vmcs.Field, value uint64) error

	// Clear issues VMCLEAR against this VMCS so it is not cached on any
	// logical CPU.
	Clear() error
	// Load issues VMPTRLD, making this the VMCS in effect on the current
	// logical CPU.
	Load() error

	// Snapshot copies this VMCS's live contents into dst, a page-aligned
	// 4 KiB buffer, used by VMXON to seed the shadow VMCS.
	Snapshot(dst *vmcs.Page) error

	// SetLaunched sets or clears this VMCS's launched state: the CPU-internal
	// bit VMLAUNCH/VMRESUME consult, which real hardware keeps opaque and
	// never exposes through a VMREAD/VMWRITE-addressable encoding. VMXON's
	// snapshot sequence clears it on the live VMCS as its final step.
	SetLaunched(launched bool) error
}
