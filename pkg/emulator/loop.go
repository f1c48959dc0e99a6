package emulator

// RunToTick executes instructions until the tick counter reaches or
// passes limit, then returns. A handler invoked mid-run can mutate CPU
// state (e.g. pull an IRQ line) but RunToTick does not stop early for
// that; it only stops once tick has reached limit, per spec.md §4.5.
func (c *CPU) RunToTick(limit uint64) {
	for c.tick < limit {
		c.StepOnce()
	}
}

// StepOnce executes exactly one instruction (including the HALT no-op
// "instruction" it treats a 4 T-state NOP), then accepts any pending
// NMI/IRQ at the boundary after it.
func (c *CPU) StepOnce() {
	if c.eiDelay {
		c.iff1 = true
		c.iff2 = true
		c.eiDelay = false
		c.stepInstruction()
		c.sampleInterrupts()
		return
	}
	c.stepInstruction()
	c.sampleInterrupts()
}

func (c *CPU) stepInstruction() {
	if c.halted {
		c.addTicks(4)
		c.BumpR()
		return
	}

	c.indexMode = IndexHL
	opcodes := make([]byte, 0, 4)

	op := c.fetchOpcode()
	opcodes = append(opcodes, op)
	for op == 0xDD || op == 0xFD {
		if op == 0xDD {
			c.indexMode = IndexIX
		} else {
			c.indexMode = IndexIY
		}
		op = c.fetchOpcode()
		opcodes = append(opcodes, op)
	}

	switch op {
	case 0xCB:
		if c.indexMode != IndexHL {
			d := int8(c.fetchByte())
			opcodes = append(opcodes, byte(d))
			final := c.fetchByte()
			opcodes = append(opcodes, final)
			c.debug.BeforeStep(opcodes)
			c.executeIndexedCB(final, d)
		} else {
			cbOp := c.fetchOpcode()
			opcodes = append(opcodes, cbOp)
			c.debug.BeforeStep(opcodes)
			c.executeCB(cbOp)
		}
	case 0xED:
		edOp := c.fetchOpcode()
		opcodes = append(opcodes, edOp)
		c.debug.BeforeStep(opcodes)
		c.executeED(edOp)
	default:
		c.debug.BeforeStep(opcodes)
		c.executePrimary(op)
	}
	c.debug.AfterStep(opcodes)
}
