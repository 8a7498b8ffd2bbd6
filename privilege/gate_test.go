package privilege

import (
	"testing"

	"github.com/v-architect/nvmx/hostif"
)

type fakeInjector struct {
	vector    uint8
	errorCode uint32
	called    bool
}

func (f *fakeInjector) InjectException(vector uint8, errorCode uint32) {
	f.vector = vector
	f.errorCode = errorCode
	f.called = true
}

func validState() GateState {
	return GateState{
		CR0PE:           true,
		CR4VMXE:         true,
		EFLAGSVM:        false,
		LongModeEnabled: true,
		CSLongMode:      true,
		CPL:             0,
		VMXONRegionPA:   0x1000,
	}
}

func TestGateExhaustive(t *testing.T) {
	t.Run("CR0.PE=0 on VMXON -> #UD", func(t *testing.T) {
		s := validState()
		s.CR0PE = false
		inj := &fakeInjector{}
		if out := Check(s, true, inj); out != EXCEPTION || inj.vector != hostif.VectorUD {
			t.Fatalf("got outcome=%v vector=%d, want EXCEPTION/#UD", out, inj.vector)
		}
	})

	t.Run("CR4.VMXE=0 on VMXON -> #UD", func(t *testing.T) {
		s := validState()
		s.CR4VMXE = false
		inj := &fakeInjector{}
		if out := Check(s, true, inj); out != EXCEPTION || inj.vector != hostif.VectorUD {
			t.Fatalf("got outcome=%v vector=%d, want EXCEPTION/#UD", out, inj.vector)
		}
	})

	t.Run("EFLAGS.VM=1 -> #UD", func(t *testing.T) {
		s := validState()
		s.EFLAGSVM = true
		inj := &fakeInjector{}
		if out := Check(s, false, inj); out != EXCEPTION || inj.vector != hostif.VectorUD {
			t.Fatalf("got outcome=%v vector=%d, want EXCEPTION/#UD", out, inj.vector)
		}
	})

	t.Run("long-mode and CS.L=0 -> #UD", func(t *testing.T) {
		s := validState()
		s.CSLongMode = false
		inj := &fakeInjector{}
		if out := Check(s, false, inj); out != EXCEPTION || inj.vector != hostif.VectorUD {
			t.Fatalf("got outcome=%v vector=%d, want EXCEPTION/#UD", out, inj.vector)
		}
	})

	t.Run("CPL=3 -> #GP(0)", func(t *testing.T) {
		s := validState()
		s.CPL = 3
		inj := &fakeInjector{}
		if out := Check(s, false, inj); out != EXCEPTION || inj.vector != hostif.VectorGP {
			t.Fatalf("got outcome=%v vector=%d, want EXCEPTION/#GP", out, inj.vector)
		}
	})

	t.Run("non-VMXON without VMXON active -> #UD", func(t *testing.T) {
		s := validState()
		s.VMXONRegionPA = 0
		inj := &fakeInjector{}
		if out := Check(s, false, inj); out != EXCEPTION || inj.vector != hostif.VectorUD {
			t.Fatalf("got outcome=%v vector=%d, want EXCEPTION/#UD", out, inj.vector)
		}
	})

	t.Run("all conditions satisfied -> OK", func(t *testing.T) {
		inj := &fakeInjector{}
		if out := Check(validState(), false, inj); out != OK || inj.called {
			t.Fatalf("got outcome=%v injected=%v, want OK/no injection", out, inj.called)
		}

		inj2 := &fakeInjector{}
		vmxonState := validState()
		vmxonState.VMXONRegionPA = 0 // irrelevant for VMXON itself
		if out := Check(vmxonState, true, inj2); out != OK || inj2.called {
			t.Fatalf("got outcome=%v injected=%v, want OK/no injection for VMXON", out, inj2.called)
		}
	})
}
