package emulator

import "testing"

func newTestCPU() (*CPU, *NopBus) {
	bus := &NopBus{}
	c := New()
	c.ConnectBus(bus)
	return c, bus
}

func TestIncAOverflowAndHalfCarry(t *testing.T) {
	c, bus := newTestCPU()
	bus.Load(0, []byte{0x3C}) // INC A
	c.SetA(0x7F)
	c.StepOnce()

	if got := c.A(); got != 0x80 {
		t.Fatalf("A = 0x%02X, want 0x80", got)
	}
	if !c.FlagS() {
		t.Error("S flag should be set")
	}
	if c.FlagZ() {
		t.Error("Z flag should be clear")
	}
	if !c.FlagH() {
		t.Error("H flag should be set (0x0F overflow into bit 4)")
	}
	if !c.FlagPV() {
		t.Error("P/V flag should be set (0x7F -> 0x80 is signed overflow)")
	}
	if c.FlagN() {
		t.Error("N flag should be clear for INC")
	}
	if c.Tick() != 4 {
		t.Errorf("tick = %d, want 4", c.Tick())
	}
}

func TestIndexedWriteDD77(t *testing.T) {
	c, bus := newTestCPU()
	bus.Load(0, []byte{0xDD, 0x77, 0x05}) // LD (IX+5),A
	c.SetA(0x42)
	c.SetIX(0x1000)
	c.StepOnce()

	if got := bus.Peek(0x1005); got != 0x42 {
		t.Fatalf("mem[0x1005] = 0x%02X, want 0x42", got)
	}
	if c.PC() != 3 {
		t.Errorf("PC = 0x%04X, want 0x0003", c.PC())
	}
	if c.Tick() != 19 {
		t.Errorf("tick = %d, want 19", c.Tick())
	}
	if c.R()&0x7F != 2 {
		t.Errorf("R low 7 bits = %d, want 2 (DD and 77 are both M1 cycles)", c.R()&0x7F)
	}
}

func TestLDIRBlockCopy(t *testing.T) {
	c, bus := newTestCPU()
	bus.Load(0, []byte{0xED, 0xB0}) // LDIR
	bus.Load(0x1000, []byte{0xAA, 0xBB, 0xCC})
	c.SetHL(0x1000)
	c.SetDE(0x2000)
	c.SetBC(3)
	// LDIR re-fetches ED B0 for each repeat (PC is rewound by 2), which is
	// exactly what makes it interruptible between iterations on real
	// hardware — so completing the transfer takes one StepOnce per byte.
	c.StepOnce()
	c.StepOnce()
	c.StepOnce()

	want := []byte{0xAA, 0xBB, 0xCC}
	for i, b := range want {
		if got := bus.Peek(0x2000 + uint16(i)); got != b {
			t.Errorf("mem[0x%04X] = 0x%02X, want 0x%02X", 0x2000+i, got, b)
		}
	}
	if c.BC() != 0 {
		t.Errorf("BC = 0x%04X, want 0", c.BC())
	}
	if c.HL() != 0x1003 {
		t.Errorf("HL = 0x%04X, want 0x1003", c.HL())
	}
	if c.DE() != 0x2003 {
		t.Errorf("DE = 0x%04X, want 0x2003", c.DE())
	}
	if c.FlagPV() {
		t.Error("P/V should be clear: BC reached 0")
	}
	if c.Tick() != 58 {
		t.Errorf("tick = %d, want 58 (21+21+16)", c.Tick())
	}
}

func TestIM2InterruptAcceptance(t *testing.T) {
	c, bus := newTestCPU()
	bus.Load(0, []byte{0x00}) // NOP at PC=0
	bus.Load(0x2010, []byte{0x34, 0x12})
	c.SetI(0x20)
	c.SetIM(IM2)
	c.iff1 = true
	c.iff2 = true
	c.RequestIRQ(0x10)

	c.StepOnce() // executes the NOP, then accepts the pending IRQ

	if c.PC() != 0x1234 {
		t.Fatalf("PC = 0x%04X, want 0x1234", c.PC())
	}
	if c.IFF1() || c.IFF2() {
		t.Error("IFF1/IFF2 should be cleared on IRQ acceptance")
	}
	if got := bus.Peek(c.SP()); uint16(bus.Peek(c.SP()+1))<<8|uint16(got) != 1 {
		t.Errorf("pushed return address should be 0x0001, got low=0x%02X high=0x%02X", got, bus.Peek(c.SP()+1))
	}
}

func TestRetiSignalsDebugger(t *testing.T) {
	c, bus := newTestCPU()
	bus.Load(0, []byte{0xED, 0x4D}) // RETI
	c.SetSP(0xFFF0)
	bus.Load(0xFFF0, []byte{0x00, 0x10})
	c.iff2 = true
	c.StepOnce()

	if !c.RetiSignaled() {
		t.Error("RETI should set the RetiSignaled latch")
	}
	if c.PC() != 0x1000 {
		t.Errorf("PC = 0x%04X, want 0x1000", c.PC())
	}
	if !c.IFF1() {
		t.Error("RETI copies IFF2 back into IFF1")
	}
}

func TestSaveRestoreRoundTrip(t *testing.T) {
	c, _ := newTestCPU()
	c.SetBC(0x1234)
	c.SetIX(0x5678)
	c.SetIM(IM2)
	c.RequestNMI()
	snap := c.Save()

	c.SetBC(0)
	c.SetIX(0)
	c.SetIM(IM0)
	c.nmiPending = false

	c.Restore(snap)
	if c.BC() != 0x1234 || c.IX() != 0x5678 || c.IM() != IM2 || !c.nmiPending {
		t.Error("Restore did not reproduce the saved state")
	}
}
