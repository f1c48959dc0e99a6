package emulator

// executeCB dispatches a plain (non-indexed) CB-prefixed opcode. The CB
// map is fully regular: x selects the group (rotate/shift, BIT, RES,
// SET), y selects the sub-operation or bit number, z selects the r[z]
// operand.
func (c *CPU) executeCB(op byte) {
	x := op >> 6
	y := (op >> 3) & 7
	z := op & 7

	switch x {
	case 0: // rot[y] r[z]
		v := c.reg8(z)
		r, rf := rotOp(y, v, c.F())
		c.SetF(rotateCBForm(r, rf))
		c.writeBackCB(z, r)
		if z == 6 {
			c.addTicks(1)
		}
	case 1: // BIT y,r[z]
		v := c.reg8(z)
		var xy *uint8
		if z == 6 {
			hi := byte(c.wz >> 8)
			xy = &hi
		}
		c.SetF(bitTest(v, uint(y), xy, c.F()))
		if z == 6 {
			c.addTicks(1)
		}
	case 2: // RES y,r[z]
		v := c.reg8(z) &^ (1 << y)
		c.writeBackCB(z, v)
		if z == 6 {
			c.addTicks(1)
		}
	default: // SET y,r[z]
		v := c.reg8(z) | (1 << y)
		c.writeBackCB(z, v)
		if z == 6 {
			c.addTicks(1)
		}
	}
}

// writeBackCB writes a CB-group result back to r[z]; for z==6 that is
// (HL), since executeCB only runs unprefixed (indexed CB forms go
// through executeIndexedCB).
func (c *CPU) writeBackCB(z uint8, v uint8) {
	if z == 6 {
		c.writeByte(c.hl, v)
		return
	}
	c.setIndexedReg8(z, v)
}

// executeIndexedCB dispatches a DD CB d op / FD CB d op compound
// instruction. d has already been read; op is the undecoded final byte.
// Every form in this map operates on (IX+d)/(IY+d); rotate/shift/RES/SET
// additionally copy the result into r[z] when z != 6, an undocumented
// but well-known side effect absent from the plain BIT group.
func (c *CPU) executeIndexedCB(op byte, d int8) {
	var addr uint16
	switch c.indexMode {
	case IndexIX:
		addr = uint16(int32(c.ix) + int32(d))
	default:
		addr = uint16(int32(c.iy) + int32(d))
	}
	c.wz = addr
	x := op >> 6
	y := (op >> 3) & 7
	z := op & 7

	v := c.readByte(addr)
	c.addTicks(1)

	switch x {
	case 0:
		r, rf := rotOp(y, v, c.F())
		c.SetF(rotateCBForm(r, rf))
		c.writeByte(addr, r)
		if z != 6 {
			c.setRealReg8(z, r)
		}
	case 1:
		hi := byte(addr >> 8)
		c.SetF(bitTest(v, uint(y), &hi, c.F()))
	case 2:
		r := v &^ (1 << y)
		c.writeByte(addr, r)
		if z != 6 {
			c.setRealReg8(z, r)
		}
	default:
		r := v | (1 << y)
		c.writeByte(addr, r)
		if z != 6 {
			c.setRealReg8(z, r)
		}
	}
}
