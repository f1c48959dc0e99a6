package z80asm

import (
	"bytes"
	"testing"
)

func TestAssembleRoundTrip(t *testing.T) {
	src := `
		ORG 0x100
	start: LD A, 5
		LD B, A
		ADD A, B
		LD (value), A
		JP finish
	value: DB 0
	finish: HALT
	`
	a := NewAssembler(nil, nil)
	res, err := a.Compile(src, "roundtrip.asm")
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if len(res.Diagnostics) != 0 {
		t.Fatalf("unexpected diagnostics: %v", res.Diagnostics)
	}

	want := []byte{0x3E, 0x05, 0x47, 0x80, 0x32, 0x0A, 0x01, 0xC3, 0x0B, 0x01, 0x00, 0x76}
	// code, then the DB data byte, then code again: one block per run of
	// the same kind.
	if len(res.Blocks) != 3 {
		t.Fatalf("expected 3 blocks (code, data, code), got %d", len(res.Blocks))
	}
	var got []byte
	for _, b := range res.Blocks {
		got = append(got, b.Data...)
	}
	if res.Blocks[0].Start != 0x100 {
		t.Fatalf("block start = 0x%04X, want 0x100", res.Blocks[0].Start)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("bytes = % 02X, want % 02X", got, want)
	}

	checkSym := func(name string, want int64) {
		t.Helper()
		sym, ok := res.Symbols[name]
		if !ok {
			t.Fatalf("symbol %q not defined", name)
		}
		if sym.Value.I != want {
			t.Fatalf("%s = 0x%X, want 0x%X", name, sym.Value.I, want)
		}
	}
	checkSym("start", 0x100)
	checkSym("value", 0x10A)
	checkSym("finish", 0x10B)
}

func TestMacroLocalLabelsDoNotCollide(t *testing.T) {
	src := `
		ORG 0x200
		MACRO COUNTDOWN
		LOCAL loop
		LD B, 255
	loop:	DJNZ loop
		ENDM
		COUNTDOWN
		COUNTDOWN
	`
	a := NewAssembler(nil, nil)
	res, err := a.Compile(src, "macro.asm")
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if len(res.Diagnostics) != 0 {
		t.Fatalf("unexpected diagnostics: %v", res.Diagnostics)
	}
	if len(res.Blocks) != 1 {
		t.Fatalf("expected a single contiguous block, got %d", len(res.Blocks))
	}
	data := res.Blocks[0].Data
	// LD B,255 ; DJNZ loop   (4 bytes), twice in a row
	want := []byte{0x06, 0xFF, 0x10, 0xFE, 0x06, 0xFF, 0x10, 0xFE}
	if !bytes.Equal(data, want) {
		t.Fatalf("bytes = % 02X, want % 02X", data, want)
	}

	var localNames []string
	for name := range res.Symbols {
		if len(name) > 8 && name[:8] == "__local_" {
			localNames = append(localNames, name)
		}
	}
	if len(localNames) != 2 {
		t.Fatalf("expected 2 distinct renamed LOCAL labels, got %v", localNames)
	}
	if localNames[0] == localNames[1] {
		t.Fatalf("both macro invocations reused the same local label name %q", localNames[0])
	}
}

func TestEquRedefinitionWithDifferentValueIsAnError(t *testing.T) {
	src := "FOO EQU 1\nFOO EQU 2\n"
	a := NewAssembler(nil, nil)
	res, err := a.Compile(src, "equ.asm")
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if len(res.Diagnostics) == 0 {
		t.Fatalf("expected a diagnostic for EQU redefinition")
	}
}

func TestForwardReferenceConverges(t *testing.T) {
	src := `
		ORG 0
		JP target
	target: HALT
	`
	a := NewAssembler(nil, nil)
	res, err := a.Compile(src, "forward.asm")
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if len(res.Diagnostics) != 0 {
		t.Fatalf("unexpected diagnostics: %v", res.Diagnostics)
	}
	want := []byte{0xC3, 0x03, 0x00, 0x76}
	if !bytes.Equal(res.Blocks[0].Data, want) {
		t.Fatalf("bytes = % 02X, want % 02X", res.Blocks[0].Data, want)
	}
}

func TestOptionUndocGatesIndexHalves(t *testing.T) {
	src := "LD A, IXH\n"
	a := NewAssembler(nil, nil)
	res, _ := a.Compile(src, "undoc.asm")
	if len(res.Diagnostics) == 0 {
		t.Fatalf("expected IXH to be rejected without OPTION +UNDOC")
	}

	src2 := "OPTION +UNDOC\nLD A, IXH\n"
	a2 := NewAssembler(nil, nil)
	res2, err := a2.Compile(src2, "undoc2.asm")
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if len(res2.Diagnostics) != 0 {
		t.Fatalf("unexpected diagnostics: %v", res2.Diagnostics)
	}
	want := []byte{0xDD, 0x7C}
	if !bytes.Equal(res2.Blocks[0].Data, want) {
		t.Fatalf("bytes = % 02X, want % 02X", res2.Blocks[0].Data, want)
	}
}

func TestOptimizeIdiomsRewritesLdAZero(t *testing.T) {
	src := "OPTIMIZE +IDIOMS\nLD A, 0\n"
	a := NewAssembler(nil, nil)
	res, err := a.Compile(src, "idiom.asm")
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	want := []byte{0xAF}
	if !bytes.Equal(res.Blocks[0].Data, want) {
		t.Fatalf("bytes = % 02X, want % 02X", res.Blocks[0].Data, want)
	}
	if res.Optimizer.BytesSaved != 1 {
		t.Fatalf("BytesSaved = %d, want 1", res.Optimizer.BytesSaved)
	}
}

func TestOptimizeNoneIsBitIdentical(t *testing.T) {
	src := "LD A, 0\n"
	a := NewAssembler(nil, nil)
	res, err := a.Compile(src, "none.asm")
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	want := []byte{0x3E, 0x00}
	if !bytes.Equal(res.Blocks[0].Data, want) {
		t.Fatalf("bytes = % 02X, want % 02X", res.Blocks[0].Data, want)
	}
	if res.Optimizer.BytesSaved != 0 || res.Optimizer.CyclesSaved != 0 {
		t.Fatalf("expected no optimizer activity under default OPTIMIZE NONE")
	}
}
