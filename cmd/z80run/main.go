// Command z80run loads a program into the Z80 interpreter in pkg/emulator
// and runs it, optionally dropping into the interactive debugger in
// pkg/debugger instead of running to completion.
package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/minz/z80core/pkg/debugger"
	"github.com/minz/z80core/pkg/emulator"
	"github.com/minz/z80core/pkg/z80asm"
	"github.com/spf13/cobra"
)

var (
	loadAddr   string
	startAddr  string
	assemble   bool
	debugMode  bool
	verbose    bool
	maxTStates uint64
)

func main() {
	cmd := rootCmd()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "z80run: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "z80run <file>",
		Short: "run a Z80 binary or assembly source file",
		Long: `z80run loads a raw binary (or, with --assemble, a .asm source file
compiled on the fly) into a flat 64Ki memory and runs it, stopping at a
DI:HALT, a safety T-state limit, or interactively under --debug.`,
		Args: cobra.ExactArgs(1),
		RunE: run,
	}
	cmd.Flags().StringVar(&loadAddr, "load", "0x8000", "load address (hex, e.g. 0x8000)")
	cmd.Flags().StringVar(&startAddr, "start", "", "start address (default: load address, or the assembled source's first block)")
	cmd.Flags().BoolVar(&assemble, "assemble", false, "treat the input file as Z80 assembly source and assemble it first")
	cmd.Flags().BoolVarP(&debugMode, "debug", "d", false, "run under the interactive debugger")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "print final register state and T-state count")
	cmd.Flags().Uint64Var(&maxTStates, "timeout", 10_000_000, "safety stop after this many T-states (0 = unlimited)")
	return cmd
}

func run(cmd *cobra.Command, args []string) error {
	bus := &emulator.NopBus{}
	cpu := emulator.New()
	cpu.ConnectBus(bus)

	var symbols map[string]int64
	load, err := parseAddr(loadAddr)
	if err != nil {
		return fmt.Errorf("--load: %w", err)
	}
	start := load

	if assemble {
		src, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		a := z80asm.NewAssembler(bus, z80asm.NewOSFileProvider("."))
		res, err := a.Compile(string(src), args[0])
		if err != nil {
			return err
		}
		for _, d := range res.Diagnostics {
			fmt.Fprintln(os.Stderr, d.Error())
		}
		if len(res.Diagnostics) > 0 {
			return fmt.Errorf("assembly failed")
		}
		if len(res.Blocks) > 0 {
			start = res.Blocks[0].Start
		}
		symbols = make(map[string]int64, len(res.Symbols))
		for name, sym := range res.Symbols {
			symbols[name] = sym.Value.I
		}
	} else {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		bus.Load(load, data)
	}

	if startAddr != "" {
		start, err = parseAddr(startAddr)
		if err != nil {
			return fmt.Errorf("--start: %w", err)
		}
	}
	cpu.SetPC(start)

	if verbose {
		fmt.Printf("loaded at $%04X, starting at $%04X\n", load, start)
	}

	if debugMode {
		dbg := debugger.New(cpu, bus, &debugger.Config{Input: os.Stdin, Output: os.Stdout})
		cpu.ConnectDebugger(dbg)
		dbg.LoadSymbols(symbols)
		return dbg.Run()
	}

	runToCompletion(cpu, bus)

	if verbose {
		fmt.Printf("halted at $%04X after %d T-states\n", cpu.PC(), cpu.Tick())
		fmt.Printf("AF=%04X BC=%04X DE=%04X HL=%04X SP=%04X\n", cpu.AF(), cpu.BC(), cpu.DE(), cpu.HL(), cpu.SP())
	}
	return nil
}

// runToCompletion steps the CPU until a DI:HALT or the T-state safety
// limit is reached. A HALT with interrupts still enabled, or a program
// that just runs off the end of memory, keeps stepping until the limit.
func runToCompletion(cpu *emulator.CPU, bus *emulator.NopBus) {
	for {
		if cpu.Halted() && !cpu.IFF1() {
			return
		}
		if maxTStates > 0 && cpu.Tick() >= maxTStates {
			return
		}
		cpu.StepOnce()
	}
}

func parseAddr(s string) (uint16, error) {
	s = strings.TrimSpace(s)
	switch {
	case strings.HasPrefix(s, "$"):
		s = s[1:]
	case strings.HasPrefix(s, "0x"), strings.HasPrefix(s, "0X"):
		s = s[2:]
	default:
		if v, err := strconv.ParseUint(s, 10, 16); err == nil {
			return uint16(v), nil
		}
	}
	v, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0, err
	}
	return uint16(v), nil
}
