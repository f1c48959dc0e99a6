// Package regression holds the fixture shape used to cross-check the
// assembler and the interpreter against each other: assemble a snippet,
// load it onto emulator.CPU, step it, and compare the resulting state
// against a hand-derived expectation.
package regression

import (
	"fmt"

	"github.com/minz/z80core/pkg/emulator"
)

// PortEvent records one I/O transaction a fixture expects during its step.
type PortEvent struct {
	Port  uint16
	Value byte
	Write bool // true for OUT, false for IN
}

// CaseFixture is a single regression case: the architectural state before
// and after one step, the RAM bytes that matter on each side, any port
// traffic, and the expected T-state count.
//
// It is a pure data type with no JSON handling of its own; a harness that
// ingests an external test-case corpus decodes into this shape and then
// drives emulator.CPU with it.
type CaseFixture struct {
	Opcode string

	Initial    emulator.State
	InitialRAM [][2]uint16

	Final    emulator.State
	FinalRAM [][2]uint16

	Ports  []PortEvent
	Cycles []int // only the length matters: the expected T-state count
}

// Apply primes cpu and bus with the fixture's starting state.
func (f *CaseFixture) Apply(cpu *emulator.CPU, bus emulator.Bus) {
	cpu.Restore(f.Initial)
	for _, pair := range f.InitialRAM {
		bus.Write(pair[0], byte(pair[1]))
	}
}

// Compare reports every field that differs from the fixture's expected
// final state after a step. An empty result means the step matched
// exactly.
func (f *CaseFixture) Compare(cpu *emulator.CPU, bus emulator.Bus) []string {
	var diffs []string
	got := cpu.Save()
	want := f.Final

	field := func(name string, got, want interface{}) {
		if got != want {
			diffs = append(diffs, fmt.Sprintf("%s: got %v, want %v", name, got, want))
		}
	}
	field("AF", got.AF, want.AF)
	field("BC", got.BC, want.BC)
	field("DE", got.DE, want.DE)
	field("HL", got.HL, want.HL)
	field("AFPrime", got.AFPrime, want.AFPrime)
	field("BCPrime", got.BCPrime, want.BCPrime)
	field("DEPrime", got.DEPrime, want.DEPrime)
	field("HLPrime", got.HLPrime, want.HLPrime)
	field("IX", got.IX, want.IX)
	field("IY", got.IY, want.IY)
	field("SP", got.SP, want.SP)
	field("PC", got.PC, want.PC)
	field("WZ", got.WZ, want.WZ)
	field("I", got.I, want.I)
	field("R", got.R, want.R)
	field("IFF1", got.IFF1, want.IFF1)
	field("IFF2", got.IFF2, want.IFF2)
	field("IM", got.IM, want.IM)
	field("Halted", got.Halted, want.Halted)

	for _, pair := range f.FinalRAM {
		addr, wantByte := pair[0], byte(pair[1])
		if gotByte := bus.Peek(addr); gotByte != wantByte {
			diffs = append(diffs, fmt.Sprintf("RAM[$%04X]: got $%02X, want $%02X", addr, gotByte, wantByte))
		}
	}

	if len(f.Cycles) > 0 {
		field("Tick delta", got.Tick-f.Initial.Tick, uint64(len(f.Cycles)))
	}

	return diffs
}
