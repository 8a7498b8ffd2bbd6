package vmcs

import "testing"

func TestOffsetVPIDAliasGuard(t *testing.T) {
	if got := Offset(VirtualProcessorID); got != vpidRemapOffset {
		t.Fatalf("Offset(VPID) = 0x%x, want 0x%x", got, vpidRemapOffset)
	}

	nonVPID := []Field{
		IOBitmapA, IOBitmapB, CPUBasedVMExecControl, SecondaryVMExecControl,
		VMInstructionError, VMExitReason, ExitQualification, GuestCR3, HostCR3,
		LaunchState,
	}
	for _, f := range nonVPID {
		if off := Offset(f); off == 0 {
			t.Errorf("Offset(%v) = 0, want nonzero for a non-VPID field", f)
		}
	}
}

func TestReadWriteRoundTrip16Bit(t *testing.T) {
	var page Page
	// A synthetic 16-bit-width, control-type field distinct from the named
	// constants, used purely to exercise the width-masking rule.
	const f16 Field = (0 << 13) | (TypeControl << 10) | (3 << 1)

	Write(&page, f16, 0xAABBCCDD)
	if got := Read(&page, f16); got != 0xCCDD {
		t.Fatalf("Read after Write(0xAABBCCDD) on 16-bit field = 0x%x, want 0xCCDD", got)
	}
}

func TestReadWriteRoundTripAllWidths(t *testing.T) {
	cases := []struct {
		name  string
		field Field
		value uint64
		want  uint64
	}{
		{"16-bit", (Width16 << 13) | (TypeGuest << 10) | (5 << 1), 0x1122334455667788, 0x7788},
		{"32-bit", (Width32 << 13) | (TypeGuest << 10) | (6 << 1), 0x1122334455667788, 0x55667788},
		{"natural", (WidthNatural << 13) | (TypeGuest << 10) | (7 << 1), 0x1122334455667788, 0x1122334455667788},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var page Page
			Write(&page, tc.field, tc.value)
			if got := Read(&page, tc.field); got != tc.want {
				t.Fatalf("Read() = 0x%x, want 0x%x", got, tc.want)
			}
		})
	}
}

func TestReadWrite64BitInterleaving(t *testing.T) {
	var page Page
	const low Field = (Width64 << 13) | (TypeControl << 10) | (3 << 1) | 0
	const high Field = low | 1 // same slot, access_type=1

	Write(&page, low, 0x00000000_CAFEBABE)
	if got := Read(&page, low); got != 0xCAFEBABE {
		t.Fatalf("Read(low) = 0x%x, want 0xCAFEBABE", got)
	}

	Write(&page, high, 0xDEADBEEF)
	if got := Read(&page, high); got != 0xDEADBEEF {
		t.Fatalf("Read(high) = 0x%x, want 0xDEADBEEF", got)
	}
	// Writing the high half must not disturb the low half.
	if got := Read(&page, low); got != 0xCAFEBABE {
		t.Fatalf("Read(low) after writing high = 0x%x, want 0xCAFEBABE (unchanged)", got)
	}
}

func TestOffsetFormula(t *testing.T) {
	// (index & 0x1F) | (type << 5) | (width << 7), VPID exempted.
	f := (Width32 << 13) | (TypeReadOnly << 10) | (9 << 1) // index=9 type=1(RO) width=2(32)
	want := (9 & 0x1F) | (TypeReadOnly << 5) | (Width32 << 7)
	if got := Offset(Field(f)); got != int(want) {
		t.Fatalf("Offset = 0x%x, want 0x%x", got, want)
	}
}
