package vmcs

// PageSize is the size in bytes of a shadow VMCS page, an I/O bitmap page,
// or any other 4 KiB guest-frame-backed structure this core manipulates.
const PageSize = 4096

// SlotCount is the number of 64-bit slots a Page holds.
const SlotCount = PageSize / 8

// Page is a 4 KiB VVMCS viewed as 512 64-bit slots. It has no behavior of
// its own beyond byte storage; Read and Write below interpret it.
type Page [PageSize]byte

func slotIndex(offset int) int { return offset }

func (p *Page) slot(offset int) uint64 {
	i := slotIndex(offset) * 8
	return uint64(p[i]) | uint64(p[i+1])<<8 | uint64(p[i+2])<<16 | uint64(p[i+3])<<24 |
		uint64(p[i+4])<<32 | uint64(p[i+5])<<40 | uint64(p[i+6])<<48 | uint64(p[i+7])<<56
}

func (p *Page) setSlot(offset int, v uint64) {
	i := slotIndex(offset) * 8
	p[i] = byte(v)
	p[i+1] = byte(v >> 8)
	p[i+2] = byte(v >> 16)
	p[i+3] = byte(v >> 24)
	p[i+4] = byte(v >> 32)
	p[i+5] = byte(v >> 40)
	p[i+6] = byte(v >> 48)
	p[i+7] = byte(v >> 56)
}

func widthMask(width uint32) uint64 {
	switch width {
	case Width16:
		return 0xFFFF
	case Width32:
		return 0xFFFFFFFF
	default: // Width64, WidthNatural: this core's guest is always long-mode 64-bit
		return 0xFFFFFFFFFFFFFFFF
	}
}

// Read decodes the logical value of field f from page: it computes the
// slot offset, loads the 64-bit slot, then masks/shifts per the width
// rules. The result is zero-extended.
func Read(page *Page, f Field) uint64 {
	offset := Offset(f)
	slot := page.slot(offset)
	width := f.Width()

	if width == Width64 && f.AccessType() == 1 {
		return slot >> 32
	}
	return slot & widthMask(width)
}

// Write merges value into the slot backing field f according to f's width
// and access type, then stores the slot back into page.
//
//   - 16-bit and 32-bit fields: the low bits of the slot are replaced, the
//     remaining high bits of the 64-bit slot are left untouched.
//   - 64-bit fields with access_type 0 (low half): the low 32 bits are
//     replaced, the high 32 bits are preserved.
//   - 64-bit fields with access_type 1 (high half): the high 32 bits are
//     replaced, the low 32 bits are preserved.
//   - Natural-width fields: the full 64-bit slot is replaced.
func Write(page *Page, f Field, value uint64) {
	offset := Offset(f)
	current := page.slot(offset)
	width := f.Width()

	var merged uint64
	switch {
	case width == Width16:
		merged = (current &^ 0xFFFF) | (value & 0xFFFF)
	case width == Width32:
		merged = (current &^ 0xFFFFFFFF) | (value & 0xFFFFFFFF)
	case width == Width64 && f.AccessType() == 1:
		merged = (current & 0xFFFFFFFF) | (value << 32)
	case width == Width64:
		merged = (current &^ 0xFFFFFFFF) | (value & 0xFFFFFFFF)
	default: // WidthNatural
		merged = value
	}
	page.setSlot(offset, merged)
}
