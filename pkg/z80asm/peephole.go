package z80asm

import "bytes"

// PeepholeStats accumulates the (bytes_saved, cycles_saved) pair
// consumers can query after a compile, per §4.11/§6. Under OPTIMIZE
// NONE it stays (0, 0) and the output is bit-identical to an
// unoptimized assembly, per §8's optimizer-neutrality law.
type PeepholeStats struct {
	BytesSaved  int
	CyclesSaved int
}

// idiom is one named, individually-toggleable rewrite rule: it inspects
// the already-encoded bytes of a single instruction (never its
// neighbors) and, if it matches, returns a smaller or cheaper
// replacement. Folding rewrites into the normal per-statement encode
// step (rather than a separate post-pass that could shift addresses)
// keeps every pass's size accounting self-consistent, since the same
// rule fires identically on every pass.
type idiom struct {
	name      string
	bit       uint64
	match     func(mnemonic string, ops []Operand, enc EncodeResult) (replacement []byte, cyclesSaved int, ok bool)
}

var idiomTable = []idiom{
	{"ld-a-0-to-xor-a", optzIdioms, func(m string, ops []Operand, e EncodeResult) ([]byte, int, bool) {
		if m == "LD" && len(ops) == 2 && ops[0].raw == "A" && bytes.Equal(e.Bytes, []byte{0x3E, 0x00}) {
			return []byte{0xAF}, 3, true
		}
		return nil, 0, false
	}},
	{"add-a-1-to-inc-a", optzIdioms, func(m string, ops []Operand, e EncodeResult) ([]byte, int, bool) {
		if m == "ADD" && len(ops) == 2 && ops[0].raw == "A" && bytes.Equal(e.Bytes, []byte{0xC6, 0x01}) {
			return []byte{0x3C}, 3, true
		}
		return nil, 0, false
	}},
	{"sub-1-to-dec-a", optzIdioms, func(m string, ops []Operand, e EncodeResult) ([]byte, int, bool) {
		if m == "SUB" && len(ops) == 1 && bytes.Equal(e.Bytes, []byte{0xD6, 0x01}) {
			return []byte{0x3D}, 3, true
		}
		return nil, 0, false
	}},
	{"and-0-to-xor-a", optzIdioms, func(m string, ops []Operand, e EncodeResult) ([]byte, int, bool) {
		if m == "AND" && bytes.Equal(e.Bytes, []byte{0xE6, 0x00}) {
			return []byte{0xAF}, 3, true
		}
		return nil, 0, false
	}},
	{"or-0-to-or-a", optzIdioms, func(m string, ops []Operand, e EncodeResult) ([]byte, int, bool) {
		if m == "OR" && bytes.Equal(e.Bytes, []byte{0xF6, 0x00}) {
			return []byte{0xB7}, 3, true
		}
		return nil, 0, false
	}},
	{"xor-0-to-or-a", optzIdioms, func(m string, ops []Operand, e EncodeResult) ([]byte, int, bool) {
		if m == "XOR" && bytes.Equal(e.Bytes, []byte{0xEE, 0x00}) {
			return []byte{0xB7}, 3, true
		}
		return nil, 0, false
	}},
	{"cp-0-to-or-a", optzIdioms, func(m string, ops []Operand, e EncodeResult) ([]byte, int, bool) {
		if m == "CP" && bytes.Equal(e.Bytes, []byte{0xFE, 0x00}) {
			return []byte{0xB7}, 3, true
		}
		return nil, 0, false
	}},
	{"add-a-0-to-or-a", optzIdioms, func(m string, ops []Operand, e EncodeResult) ([]byte, int, bool) {
		if m == "ADD" && len(ops) == 2 && ops[0].raw == "A" && bytes.Equal(e.Bytes, []byte{0xC6, 0x00}) {
			return []byte{0xB7}, 3, true
		}
		return nil, 0, false
	}},
	{"sla-a-to-add-a-a", optzIdioms, func(m string, ops []Operand, e EncodeResult) ([]byte, int, bool) {
		if m == "SLA" && bytes.Equal(e.Bytes, []byte{0xCB, 0x27}) {
			return []byte{0x87}, 4, true
		}
		return nil, 0, false
	}},
	{"rlc-a-to-rlca", optzIdioms, func(m string, ops []Operand, e EncodeResult) ([]byte, int, bool) {
		if m == "RLC" && bytes.Equal(e.Bytes, []byte{0xCB, 0x07}) {
			return []byte{0x07}, 4, true
		}
		return nil, 0, false
	}},
	{"rrc-a-to-rrca", optzIdioms, func(m string, ops []Operand, e EncodeResult) ([]byte, int, bool) {
		if m == "RRC" && bytes.Equal(e.Bytes, []byte{0xCB, 0x0F}) {
			return []byte{0x0F}, 4, true
		}
		return nil, 0, false
	}},
	{"rl-a-to-rla", optzIdioms, func(m string, ops []Operand, e EncodeResult) ([]byte, int, bool) {
		if m == "RL" && bytes.Equal(e.Bytes, []byte{0xCB, 0x17}) {
			return []byte{0x17}, 4, true
		}
		return nil, 0, false
	}},
	{"rr-a-to-rra", optzIdioms, func(m string, ops []Operand, e EncodeResult) ([]byte, int, bool) {
		if m == "RR" && bytes.Equal(e.Bytes, []byte{0xCB, 0x1F}) {
			return []byte{0x1F}, 4, true
		}
		return nil, 0, false
	}},
	{"ld-r-r-dead-code", optzDeadCode, func(m string, ops []Operand, e EncodeResult) ([]byte, int, bool) {
		if m == "LD" && len(ops) == 2 && ops[0].raw == ops[1].raw && len(e.Bytes) == 1 {
			return []byte{}, 4, true
		}
		return nil, 0, false
	}},
	{"call-to-rst", optzIdioms, func(m string, ops []Operand, e EncodeResult) ([]byte, int, bool) {
		if m == "CALL" && len(ops) == 1 && len(e.Bytes) == 3 && e.Bytes[0] == 0xCD {
			target := uint16(e.Bytes[1]) | uint16(e.Bytes[2])<<8
			if target <= 0x38 && target%8 == 0 {
				return []byte{0xC7 | byte(target)}, 6, true
			}
		}
		return nil, 0, false
	}},
}

// applyIdioms runs the per-instruction idiom table against one already
// encoded instruction. It returns the possibly-rewritten result and the
// deltas to add to the running optimizer totals.
func (a *Assembler) applyIdioms(mnemonic string, ops []Operand, enc EncodeResult) (EncodeResult, int, int) {
	flags := a.optimizeFlags.Current()
	for _, id := range idiomTable {
		if flags&id.bit == 0 {
			continue
		}
		repl, cyclesSaved, ok := id.match(mnemonic, ops, enc)
		if !ok {
			continue
		}
		bytesSaved := len(enc.Bytes) - len(repl)
		tags := make([]bool, len(repl))
		return EncodeResult{Bytes: repl, OperandTag: tags}, bytesSaved, cyclesSaved
	}
	return enc, 0, 0
}

// jumpSite records one JP/JR whose target immediate might later be
// rewritten by jump-threading once the whole program is laid out.
type jumpSite struct {
	insnAddr     uint16
	operandAt    uint16 // physical address of the first operand byte
	isRelative   bool
	isConditional bool
}

// threadJumps rewrites each recorded jump's target in place (never
// changing instruction size) to the final destination of any chain of
// unconditional JP/JR trampolines it points to, stopping at a
// conditional instruction, a non-jump instruction, or a revisited
// address (a loop). A relative jump whose new target would fall outside
// JR's range is left pointing at its original trampoline.
func (a *Assembler) threadJumps() {
	if a.optimizeFlags.Current()&optzJumpThread == 0 {
		return
	}
	for _, site := range a.jumpSites {
		var current uint16
		if site.isRelative {
			d := int8(a.bus.Peek(site.operandAt))
			current = site.operandAt + 1 + uint16(d)
		} else {
			current = uint16(a.bus.Peek(site.operandAt)) | uint16(a.bus.Peek(site.operandAt+1))<<8
		}
		visited := map[uint16]bool{current: true}
		next := current
		for steps := 0; steps < 64; steps++ {
			op := a.bus.Peek(next)
			var dest uint16
			switch op {
			case 0xC3: // JP nn
				dest = uint16(a.bus.Peek(next+1)) | uint16(a.bus.Peek(next+2))<<8
			case 0x18: // JR e
				dest = next + 2 + uint16(int8(a.bus.Peek(next+1)))
			default:
				steps = 64
				continue
			}
			if visited[dest] {
				break
			}
			visited[dest] = true
			next = dest
		}
		if next == current {
			continue
		}
		if site.isRelative {
			disp := int64(next) - int64(site.operandAt) - 1
			if disp < -128 || disp > 127 {
				continue
			}
			a.pokeByte(site.operandAt, byte(int8(disp)))
		} else {
			a.pokeByte(site.operandAt, byte(next))
			a.pokeByte(site.operandAt+1, byte(next>>8))
		}
	}
}
