package emulator

// State is a flat, exhaustive snapshot of everything that determines the
// interpreter's future behavior, independent of the Bus it is attached
// to — every field spec.md §3 lists as architectural state, plus the
// internal WZ/EI-delay/RETI latches needed for an exact round trip
// through Save/Restore, per spec.md §8.
type State struct {
	AF, BC, DE, HL             uint16
	AFPrime, BCPrime, DEPrime, HLPrime uint16
	IX, IY                     uint16
	SP, PC                     uint16
	WZ                         uint16
	I, R                       uint8
	IFF1, IFF2                 bool
	IM                         InterruptMode
	Halted                     bool
	NMIPending                 bool
	IRQRequested               bool
	IRQData                    byte
	EIDelay                    bool
	RetiSignaled               bool
	Tick                       uint64
}

// Save returns a snapshot of the CPU's architectural and internal state.
func (c *CPU) Save() State {
	return State{
		AF: c.af, BC: c.bc, DE: c.de, HL: c.hl,
		AFPrime: c.af_, BCPrime: c.bc_, DEPrime: c.de_, HLPrime: c.hl_,
		IX: c.ix, IY: c.iy,
		SP: c.sp, PC: c.pc,
		WZ:           c.wz,
		I:            c.i,
		R:            c.r,
		IFF1:         c.iff1,
		IFF2:         c.iff2,
		IM:           c.im,
		Halted:       c.halted,
		NMIPending:   c.nmiPending,
		IRQRequested: c.irqRequested,
		IRQData:      c.irqData,
		EIDelay:      c.eiDelay,
		RetiSignaled: c.retiSignaled,
		Tick:         c.tick,
	}
}

// Restore overwrites the CPU's architectural and internal state from a
// snapshot previously produced by Save. The attached Bus, EventScheduler
// and Debugger are left untouched.
func (c *CPU) Restore(s State) {
	c.af, c.bc, c.de, c.hl = s.AF, s.BC, s.DE, s.HL
	c.af_, c.bc_, c.de_, c.hl_ = s.AFPrime, s.BCPrime, s.DEPrime, s.HLPrime
	c.ix, c.iy = s.IX, s.IY
	c.sp, c.pc = s.SP, s.PC
	c.wz = s.WZ
	c.i, c.r = s.I, s.R
	c.iff1, c.iff2 = s.IFF1, s.IFF2
	c.im = s.IM
	c.halted = s.Halted
	c.nmiPending = s.NMIPending
	c.irqRequested = s.IRQRequested
	c.irqData = s.IRQData
	c.eiDelay = s.EIDelay
	c.retiSignaled = s.RetiSignaled
	c.tick = s.Tick
}
