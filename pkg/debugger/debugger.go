// Package debugger provides an interactive command-line debugger for the
// Z80 interpreter: breakpoints, watchpoints, single-stepping, memory and
// stack inspection, and a disassembly listing built on emulator.Disassemble.
package debugger

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/minz/z80core/pkg/emulator"
	"github.com/minz/z80core/pkg/readline"
)

// WatchType selects which kind of access a watchpoint reacts to. Only
// Write is actually detectable by polling a Peek'd byte between steps;
// Read and ReadWrite are accepted for symmetry with breakpoint commands
// but behave like Write since the Bus interface exposes no read hook.
type WatchType int

const (
	WatchRead WatchType = iota
	WatchWrite
	WatchReadWrite
)

func watchTypeString(w WatchType) string {
	switch w {
	case WatchRead:
		return "read"
	case WatchWrite:
		return "write"
	default:
		return "read/write"
	}
}

type watchpoint struct {
	kind      WatchType
	lastValue byte
}

// HistoryEntry records one executed instruction for the "history" command.
type HistoryEntry struct {
	PC          uint16
	Instruction string
	Cycles      uint64
}

// Config configures a Debugger's REPL.
type Config struct {
	MaxHistory  int
	HistoryFile string
	Input       io.Reader
	Output      io.Writer
}

// Debugger drives a CPU instruction-by-instruction under operator control.
// It also implements emulator.Debugger so it can be connected with
// cpu.ConnectDebugger to keep instruction/cycle counters current even when
// StepOnce is invoked from outside Run (e.g. by a host harness).
type Debugger struct {
	cpu *emulator.CPU
	bus emulator.Bus

	breakpoints map[uint16]bool
	watchpoints map[uint16]*watchpoint
	symbols     map[string]int64

	stepMode bool
	quit     bool

	history    []HistoryEntry
	maxHistory int

	reader *readline.Reader
	output io.Writer

	cycleCount uint64
	instrCount uint64

	memAddr    uint16
	disasmAddr uint16
}

// New creates a Debugger attached to cpu and bus. Callers that also want
// the CPU's own step loop to keep the instruction counters current should
// call cpu.ConnectDebugger(d) before running; Run works either way.
func New(cpu *emulator.CPU, bus emulator.Bus, cfg *Config) *Debugger {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.MaxHistory == 0 {
		cfg.MaxHistory = 200
	}
	if cfg.Input == nil {
		cfg.Input = os.Stdin
	}
	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}
	return &Debugger{
		cpu:         cpu,
		bus:         bus,
		breakpoints: make(map[uint16]bool),
		watchpoints: make(map[uint16]*watchpoint),
		symbols:     make(map[string]int64),
		maxHistory:  cfg.MaxHistory,
		output:      cfg.Output,
		reader: readline.NewReader(&readline.Config{
			Prompt:      "dbg> ",
			HistoryFile: cfg.HistoryFile,
			Input:       cfg.Input,
			Output:      cfg.Output,
		}),
	}
}

// LoadSymbols makes assembler-resolved labels usable as break/watch/disasm
// targets (e.g. "b main"), per the assembler's §4.12 symbol table export.
func (d *Debugger) LoadSymbols(symbols map[string]int64) {
	for name, v := range symbols {
		d.symbols[strings.ToUpper(name)] = v
	}
}

// --- emulator.Debugger ---

func (d *Debugger) Connect(cpu *emulator.CPU) { d.cpu = cpu }
func (d *Debugger) Reset() {
	d.cycleCount, d.instrCount = 0, 0
	d.history = nil
}
func (d *Debugger) BeforeStep(opcodes []byte) {}
func (d *Debugger) AfterStep(opcodes []byte) {
	d.instrCount++
	d.cycleCount = d.cpu.Tick()
}
func (d *Debugger) BeforeIRQ() {}
func (d *Debugger) AfterIRQ()  {}
func (d *Debugger) BeforeNMI() {}
func (d *Debugger) AfterNMI()  {}

// --- REPL ---

// Run starts the interactive session; it returns when the user quits or
// the input stream is exhausted.
func (d *Debugger) Run() error {
	d.printBanner()
	d.stepMode = true
	d.displayRegisters()
	d.displayDisassembly(d.cpu.PC(), 5)

	for !d.quit {
		if d.breakpoints[d.cpu.PC()] && !d.stepMode {
			fmt.Fprintf(d.output, "\nbreakpoint hit at $%04X\n", d.cpu.PC())
			d.stepMode = true
		}
		if addr, w := d.checkWatchpoints(); w != nil {
			fmt.Fprintf(d.output, "\nwatchpoint hit at $%04X (%s)\n", addr, watchTypeString(w.kind))
			d.stepMode = true
		}

		if !d.stepMode {
			d.stepOne()
			continue
		}

		line, err := d.reader.ReadLine()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			line = "s"
		}
		d.handleCommand(line)
	}
	return nil
}

func (d *Debugger) stepOne() {
	d.recordHistory()
	before, counted := d.cpu.Tick(), d.instrCount
	d.cpu.StepOnce()
	if d.instrCount == counted { // AfterStep did not run: not connected, or halted
		d.instrCount++
		d.cycleCount += d.cpu.Tick() - before
	}
}

func (d *Debugger) handleCommand(cmd string) {
	parts := strings.Fields(cmd)
	switch parts[0] {
	case "h", "help", "?":
		d.printHelp()
	case "s", "step":
		d.stepOne()
		d.displayRegisters()
		d.displayDisassembly(d.cpu.PC(), 3)
	case "n", "next":
		start := d.cpu.PC()
		_, length := emulator.Disassemble(d.bus, start)
		d.stepOne()
		for d.cpu.PC() != start+uint16(length) && !d.breakpoints[d.cpu.PC()] {
			d.stepOne()
		}
		d.displayRegisters()
	case "c", "continue", "run":
		d.stepMode = false
		fmt.Fprintln(d.output, "running until breakpoint or watchpoint")
	case "b", "break", "bp":
		if len(parts) < 2 {
			d.listBreakpoints()
		} else {
			d.breakpoints[d.resolveAddr(parts[1])] = true
			fmt.Fprintf(d.output, "breakpoint set at $%04X\n", d.resolveAddr(parts[1]))
		}
	case "d", "delete":
		if len(parts) < 2 {
			fmt.Fprintln(d.output, "usage: delete <addr>")
		} else {
			delete(d.breakpoints, d.resolveAddr(parts[1]))
		}
	case "w", "watch":
		if len(parts) < 2 {
			d.listWatchpoints()
		} else {
			addr := d.resolveAddr(parts[1])
			kind := WatchWrite
			if len(parts) > 2 {
				switch parts[2] {
				case "r", "read":
					kind = WatchRead
				case "rw":
					kind = WatchReadWrite
				}
			}
			d.watchpoints[addr] = &watchpoint{kind: kind, lastValue: d.bus.Peek(addr)}
			fmt.Fprintf(d.output, "watchpoint set at $%04X (%s)\n", addr, watchTypeString(kind))
		}
	case "r", "regs", "registers":
		d.displayRegisters()
	case "m", "mem", "memory":
		if len(parts) > 1 {
			d.memAddr = d.resolveAddr(parts[1])
		}
		d.displayMemory(d.memAddr, 128)
	case "dis", "disasm", "disassemble":
		if len(parts) > 1 {
			d.disasmAddr = d.resolveAddr(parts[1])
		} else {
			d.disasmAddr = d.cpu.PC()
		}
		d.displayDisassembly(d.disasmAddr, 10)
	case "stack":
		d.displayStack()
	case "set":
		if len(parts) < 3 {
			fmt.Fprintln(d.output, "usage: set <register> <value>")
		} else {
			d.setRegister(parts[1], parts[2])
		}
	case "load":
		if len(parts) < 3 {
			fmt.Fprintln(d.output, "usage: load <file> <addr>")
		} else {
			d.loadFile(parts[1], d.resolveAddr(parts[2]))
		}
	case "save":
		if len(parts) < 4 {
			fmt.Fprintln(d.output, "usage: save <file> <start> <end>")
		} else {
			d.saveMemory(parts[1], d.resolveAddr(parts[2]), d.resolveAddr(parts[3]))
		}
	case "history", "hist":
		d.displayHistory()
	case "stats":
		d.displayStats()
	case "reset":
		d.cpu.Reset()
		d.Reset()
		fmt.Fprintln(d.output, "cpu reset")
	case "q", "quit", "exit":
		d.quit = true
	default:
		fmt.Fprintf(d.output, "unknown command %q (type 'help')\n", parts[0])
	}
}

// checkWatchpoints polls every configured watchpoint's byte; a value
// change since the last poll is the only form of access this can detect,
// since Bus exposes no read hook, only Peek.
func (d *Debugger) checkWatchpoints() (uint16, *watchpoint) {
	for addr, w := range d.watchpoints {
		cur := d.bus.Peek(addr)
		if cur != w.lastValue {
			w.lastValue = cur
			return addr, w
		}
	}
	return 0, nil
}

// resolveAddr accepts a symbol name, "$hex", "0xhex", or decimal.
func (d *Debugger) resolveAddr(s string) uint16 {
	if v, ok := d.symbols[strings.ToUpper(s)]; ok {
		return uint16(v)
	}
	t := s
	switch {
	case strings.HasPrefix(t, "$"):
		t = t[1:]
	case strings.HasPrefix(t, "0x"), strings.HasPrefix(t, "0X"):
		t = t[2:]
	default:
		if v, err := strconv.ParseUint(t, 10, 16); err == nil {
			return uint16(v)
		}
	}
	v, err := strconv.ParseUint(t, 16, 16)
	if err != nil {
		return 0
	}
	return uint16(v)
}

func (d *Debugger) printBanner() {
	fmt.Fprintln(d.output, "z80 interactive debugger -- type 'help' for commands, 's' to step, 'c' to continue")
}

func (d *Debugger) printHelp() {
	fmt.Fprintln(d.output, "s/step             step one instruction")
	fmt.Fprintln(d.output, "n/next             step over the instruction at PC")
	fmt.Fprintln(d.output, "c/continue/run     run until breakpoint or watchpoint")
	fmt.Fprintln(d.output, "b/break [addr]     set or list breakpoints")
	fmt.Fprintln(d.output, "d/delete <addr>    delete a breakpoint")
	fmt.Fprintln(d.output, "w/watch [addr] [r|w|rw]   set or list watchpoints")
	fmt.Fprintln(d.output, "r/regs             show registers")
	fmt.Fprintln(d.output, "m/mem [addr]       show memory")
	fmt.Fprintln(d.output, "dis [addr]         disassemble")
	fmt.Fprintln(d.output, "stack              show the stack")
	fmt.Fprintln(d.output, "set <reg> <val>    set a register")
	fmt.Fprintln(d.output, "load <file> <addr> load a binary into memory")
	fmt.Fprintln(d.output, "save <file> <lo> <hi>  dump a memory range to a file")
	fmt.Fprintln(d.output, "history            show recent instructions")
	fmt.Fprintln(d.output, "stats              show instruction/cycle counters")
	fmt.Fprintln(d.output, "reset              reset the cpu")
	fmt.Fprintln(d.output, "q/quit             leave the debugger")
}

func (d *Debugger) listBreakpoints() {
	if len(d.breakpoints) == 0 {
		fmt.Fprintln(d.output, "no breakpoints")
		return
	}
	for addr := range d.breakpoints {
		fmt.Fprintf(d.output, "  $%04X\n", addr)
	}
}

func (d *Debugger) listWatchpoints() {
	if len(d.watchpoints) == 0 {
		fmt.Fprintln(d.output, "no watchpoints")
		return
	}
	for addr, w := range d.watchpoints {
		fmt.Fprintf(d.output, "  $%04X (%s)\n", addr, watchTypeString(w.kind))
	}
}

func (d *Debugger) displayRegisters() {
	c := d.cpu
	fmt.Fprintf(d.output, "PC=%04X SP=%04X IX=%04X IY=%04X I=%02X R=%02X IM=%d\n",
		c.PC(), c.SP(), c.IX(), c.IY(), c.I(), c.R(), c.IM())
	fmt.Fprintf(d.output, "AF=%04X BC=%04X DE=%04X HL=%04X  AF'=%04X BC'=%04X DE'=%04X HL'=%04X\n",
		c.AF(), c.BC(), c.DE(), c.HL(), c.AFPrime(), c.BCPrime(), c.DEPrime(), c.HLPrime())
	fmt.Fprintf(d.output, "flags: %s  IFF1=%v IFF2=%v halted=%v\n", flagString(c.F()), c.IFF1(), c.IFF2(), c.Halted())
}

func flagString(f uint8) string {
	bit := func(mask uint8, ch byte) byte {
		if f&mask != 0 {
			return ch
		}
		return '-'
	}
	return string([]byte{
		bit(emulator.FlagS, 'S'), bit(emulator.FlagZ, 'Z'), bit(emulator.FlagY, '5'),
		bit(emulator.FlagH, 'H'), bit(emulator.FlagX, '3'), bit(emulator.FlagPV, 'P'),
		bit(emulator.FlagN, 'N'), bit(emulator.FlagC, 'C'),
	})
}

func (d *Debugger) displayMemory(addr uint16, size int) {
	for i := 0; i < size; i += 16 {
		fmt.Fprintf(d.output, "%04X: ", addr+uint16(i))
		var ascii strings.Builder
		for j := 0; j < 16; j++ {
			if i+j >= size {
				fmt.Fprint(d.output, "   ")
				continue
			}
			b := d.bus.Peek(addr + uint16(i+j))
			fmt.Fprintf(d.output, "%02X ", b)
			if b >= 32 && b < 127 {
				ascii.WriteByte(b)
			} else {
				ascii.WriteByte('.')
			}
		}
		fmt.Fprintf(d.output, " %s\n", ascii.String())
	}
}

func (d *Debugger) displayDisassembly(addr uint16, lines int) {
	for i := 0; i < lines; i++ {
		marker := "  "
		if addr == d.cpu.PC() {
			marker = "->"
		}
		text, length := emulator.Disassemble(d.bus, addr)
		var hex strings.Builder
		for j := 0; j < length; j++ {
			fmt.Fprintf(&hex, "%02X ", d.bus.Peek(addr+uint16(j)))
		}
		fmt.Fprintf(d.output, "%s %04X: %-12s %s\n", marker, addr, hex.String(), text)
		addr += uint16(length)
	}
}

func (d *Debugger) displayStack() {
	sp := d.cpu.SP()
	for i := 0; i < 8; i++ {
		v := uint16(d.bus.Peek(sp)) | uint16(d.bus.Peek(sp+1))<<8
		marker := "  "
		if i == 0 {
			marker = "SP"
		}
		fmt.Fprintf(d.output, "%s %04X: %04X\n", marker, sp, v)
		sp += 2
	}
}

func (d *Debugger) setRegister(reg, value string) {
	v := d.resolveAddr(value)
	c := d.cpu
	switch strings.ToUpper(reg) {
	case "A":
		c.SetA(byte(v))
	case "B":
		c.SetB(byte(v))
	case "C":
		c.SetC(byte(v))
	case "D":
		c.SetD(byte(v))
	case "E":
		c.SetE(byte(v))
	case "H":
		c.SetH(byte(v))
	case "L":
		c.SetL(byte(v))
	case "F":
		c.SetF(byte(v))
	case "PC":
		c.SetPC(v)
	case "SP":
		c.SetSP(v)
	case "IX":
		c.SetIX(v)
	case "IY":
		c.SetIY(v)
	case "AF":
		c.SetAF(v)
	case "BC":
		c.SetBC(v)
	case "DE":
		c.SetDE(v)
	case "HL":
		c.SetHL(v)
	default:
		fmt.Fprintf(d.output, "unknown register %q\n", reg)
		return
	}
	fmt.Fprintf(d.output, "%s = $%04X\n", strings.ToUpper(reg), v)
}

func (d *Debugger) loadFile(filename string, addr uint16) {
	data, err := os.ReadFile(filename)
	if err != nil {
		fmt.Fprintf(d.output, "error: %v\n", err)
		return
	}
	for i, b := range data {
		if int(addr)+i > 0xFFFF {
			break
		}
		d.bus.Write(addr+uint16(i), b)
	}
	fmt.Fprintf(d.output, "loaded %d bytes at $%04X\n", len(data), addr)
}

func (d *Debugger) saveMemory(filename string, start, end uint16) {
	if end < start {
		fmt.Fprintln(d.output, "invalid range")
		return
	}
	data := make([]byte, int(end)-int(start)+1)
	for i := range data {
		data[i] = d.bus.Peek(start + uint16(i))
	}
	if err := os.WriteFile(filename, data, 0644); err != nil {
		fmt.Fprintf(d.output, "error: %v\n", err)
		return
	}
	fmt.Fprintf(d.output, "saved %d bytes to %s\n", len(data), filename)
}

func (d *Debugger) recordHistory() {
	text, _ := emulator.Disassemble(d.bus, d.cpu.PC())
	if len(d.history) >= d.maxHistory {
		d.history = d.history[1:]
	}
	d.history = append(d.history, HistoryEntry{PC: d.cpu.PC(), Instruction: text, Cycles: d.cpu.Tick()})
}

func (d *Debugger) displayHistory() {
	if len(d.history) == 0 {
		fmt.Fprintln(d.output, "no history")
		return
	}
	for i, e := range d.history {
		fmt.Fprintf(d.output, "%3d: %04X %s\n", i, e.PC, e.Instruction)
	}
}

func (d *Debugger) displayStats() {
	fmt.Fprintf(d.output, "instructions: %d\n", d.instrCount)
	fmt.Fprintf(d.output, "cycles:       %d\n", d.cycleCount)
	if d.instrCount > 0 {
		fmt.Fprintf(d.output, "avg cycles:   %.2f\n", float64(d.cycleCount)/float64(d.instrCount))
	}
}
