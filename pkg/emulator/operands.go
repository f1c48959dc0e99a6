package emulator

// This file implements the register/pair lookup used by the x,y,z,p,q
// opcode decomposition (Young's decomposition of the Z80 opcode map) in
// opcodes_main.go / opcodes_cb.go / opcodes_ed.go, and the "operand
// policy" spec.md §9 calls for: three tiny accessors that let the same
// decode tables serve the unprefixed, DD-prefixed, and FD-prefixed forms
// without duplicating the 256-entry primary table per prefix.

// hlSlotAddr returns the effective address of the "(HL)" operand slot
// for the current instruction: HL itself in normal mode, or IX+d / IY+d
// in indexed mode, fetching and charging the displacement byte exactly
// once. In indexed mode WZ (MEMPTR) is updated to the computed address;
// in normal mode WZ is left unchanged. Callers that both read and write
// the same (HL)-slot address within one handler must call this once and
// reuse the result.
func (c *CPU) hlSlotAddr() uint16 {
	switch c.indexMode {
	case IndexIX:
		d := int8(c.fetchByte())
		c.addTicks(5)
		addr := uint16(int32(c.ix) + int32(d))
		c.wz = addr
		return addr
	case IndexIY:
		d := int8(c.fetchByte())
		c.addTicks(5)
		addr := uint16(int32(c.iy) + int32(d))
		c.wz = addr
		return addr
	default:
		return c.hl
	}
}

// realReg8 always reads the literal B/C/D/E/H/L/A register, ignoring
// index mode — used for the operand that survives unmapped when the
// other half of an LD r,r' pair is the (HL) slot (spec.md §4.3's
// "instructions that do not reference H/L/(HL)" carve-out extends, on
// real silicon, to the surviving register when its sibling operand *is*
// the (HL) slot).
func (c *CPU) realReg8(idx uint8) uint8 {
	switch idx {
	case 0:
		return c.B()
	case 1:
		return c.C()
	case 2:
		return c.D()
	case 3:
		return c.E()
	case 4:
		return c.H()
	case 5:
		return c.L()
	case 7:
		return c.A()
	}
	panic("realReg8: index 6 is not a register")
}

func (c *CPU) setRealReg8(idx uint8, v uint8) {
	switch idx {
	case 0:
		c.SetB(v)
	case 1:
		c.SetC(v)
	case 2:
		c.SetD(v)
	case 3:
		c.SetE(v)
	case 4:
		c.SetH(v)
	case 5:
		c.SetL(v)
	case 7:
		c.SetA(v)
	default:
		panic("setRealReg8: index 6 is not a register")
	}
}

// indexedReg8 remaps H/L (idx 4/5) onto IXH/IXL or IYH/IYL per the
// current index mode; every other index is unaffected.
func (c *CPU) indexedReg8(idx uint8) uint8 {
	switch {
	case idx == 4 && c.indexMode == IndexIX:
		return c.IXH()
	case idx == 4 && c.indexMode == IndexIY:
		return c.IYH()
	case idx == 5 && c.indexMode == IndexIX:
		return c.IXL()
	case idx == 5 && c.indexMode == IndexIY:
		return c.IYL()
	default:
		return c.realReg8(idx)
	}
}

func (c *CPU) setIndexedReg8(idx uint8, v uint8) {
	switch {
	case idx == 4 && c.indexMode == IndexIX:
		c.SetIXH(v)
	case idx == 4 && c.indexMode == IndexIY:
		c.SetIYH(v)
	case idx == 5 && c.indexMode == IndexIX:
		c.SetIXL(v)
	case idx == 5 && c.indexMode == IndexIY:
		c.SetIYL(v)
	default:
		c.setRealReg8(idx, v)
	}
}

// reg8 reads the r[idx] operand of the primary table (B,C,D,E,H,L,(HL),A)
// for single-register-operand instructions (ALU, INC/DEC, LD r,n): index
// 6 goes through the (HL)-slot, 4/5 are index-mode-aware, others literal.
func (c *CPU) reg8(idx uint8) uint8 {
	if idx == 6 {
		return c.readByte(c.hlSlotAddr())
	}
	return c.indexedReg8(idx)
}

func (c *CPU) setReg8(idx uint8, v uint8) {
	if idx == 6 {
		c.writeByte(c.hlSlotAddr(), v)
		return
	}
	c.setIndexedReg8(idx, v)
}

// hlPair returns the current "HL slot" 16-bit pair: HL, or IX/IY when an
// index mode is active. Used for ADD HL,rp / LD rp,nn / INC|DEC rp /
// PUSH|POP rp2 / LD (nn),HL / LD HL,(nn) / LD SP,HL / JP (HL) — every rp
// table context where p selects the HL slot.
func (c *CPU) hlPair() uint16 {
	switch c.indexMode {
	case IndexIX:
		return c.ix
	case IndexIY:
		return c.iy
	default:
		return c.hl
	}
}

func (c *CPU) setHLPair(v uint16) {
	switch c.indexMode {
	case IndexIX:
		c.ix = v
	case IndexIY:
		c.iy = v
	default:
		c.hl = v
	}
}

// rp returns the rp[p] register pair (BC, DE, HL-slot, SP).
func (c *CPU) rp(p uint8) uint16 {
	switch p {
	case 0:
		return c.bc
	case 1:
		return c.de
	case 2:
		return c.hlPair()
	default:
		return c.sp
	}
}

func (c *CPU) setRp(p uint8, v uint16) {
	switch p {
	case 0:
		c.bc = v
	case 1:
		c.de = v
	case 2:
		c.setHLPair(v)
	default:
		c.sp = v
	}
}

// rp2 returns the rp2[p] register pair (BC, DE, HL-slot, AF) used by
// PUSH/POP.
func (c *CPU) rp2(p uint8) uint16 {
	if p == 3 {
		return c.af
	}
	return c.rp(p)
}

func (c *CPU) setRp2(p uint8, v uint16) {
	if p == 3 {
		c.af = v
		return
	}
	c.setRp(p, v)
}

// condTest evaluates cc[y]: NZ,Z,NC,C,PO,PE,P,M.
func (c *CPU) condTest(y uint8) bool {
	switch y {
	case 0:
		return !c.FlagZ()
	case 1:
		return c.FlagZ()
	case 2:
		return !c.FlagC()
	case 3:
		return c.FlagC()
	case 4:
		return !c.FlagPV()
	case 5:
		return c.FlagPV()
	case 6:
		return !c.FlagS()
	default:
		return c.FlagS()
	}
}

// aluOp applies ALU[y] A,v and writes A/F, per spec.md §4.1.
func (c *CPU) aluOp(y uint8, v uint8) {
	a, f := c.A(), c.F()
	switch y {
	case 0:
		r, nf := add8(a, v, f, false)
		c.SetA(r)
		c.SetF(nf)
	case 1:
		r, nf := add8(a, v, f, true)
		c.SetA(r)
		c.SetF(nf)
	case 2:
		r, nf := sub8(a, v, f, false, false)
		c.SetA(r)
		c.SetF(nf)
	case 3:
		r, nf := sub8(a, v, f, true, false)
		c.SetA(r)
		c.SetF(nf)
	case 4:
		r, nf := and8(a, v)
		c.SetA(r)
		c.SetF(nf)
	case 5:
		r, nf := xor8(a, v)
		c.SetA(r)
		c.SetF(nf)
	case 6:
		r, nf := or8(a, v)
		c.SetA(r)
		c.SetF(nf)
	default: // 7: CP
		c.SetF(cp8(a, v))
	}
}

// rotOp applies rot[y] to v per the CB primary rotate/shift group.
func rotOp(y uint8, v uint8, f uint8) (result, flags uint8) {
	switch y {
	case 0:
		return rlc(v)
	case 1:
		return rrc(v)
	case 2:
		return rl(v, f)
	case 3:
		return rr(v, f)
	case 4:
		return sla(v)
	case 5:
		return sra(v)
	case 6:
		return sll(v)
	default:
		return srl(v)
	}
}

var rpNames = [4]string{"BC", "DE", "HL", "SP"}
var condNames = [8]string{"NZ", "Z", "NC", "C", "PO", "PE", "P", "M"}
