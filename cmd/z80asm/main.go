// Command z80asm drives the two-pass macro assembler in pkg/z80asm from
// the command line: assemble a source file to a binary, print its
// resolved symbol table, or report what the peephole optimizer did.
package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/minz/z80core/pkg/z80asm"
	"github.com/spf13/cobra"
)

var (
	includeDirs []string
	outputFile  string
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "z80asm: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "z80asm",
		Short: "two-pass Z80 macro assembler",
	}
	root.PersistentFlags().StringSliceVarP(&includeDirs, "include", "I", nil, "search directory for INCLUDE/INCBIN (repeatable)")
	root.AddCommand(assembleCmd(), symbolsCmd(), optimizeReportCmd())
	return root
}

func assembleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "assemble <source.asm>",
		Short: "assemble a source file and write the resulting binary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := compile(args[0])
			if err != nil {
				return err
			}
			if !reportDiagnostics(res) {
				return fmt.Errorf("assembly failed")
			}
			out := outputFile
			if out == "" {
				out = args[0] + ".bin"
			}
			if err := writeBlocks(out, res); err != nil {
				return err
			}
			fmt.Printf("wrote %d block(s) to %s\n", len(res.Blocks), out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&outputFile, "output", "o", "", "output file (default <source>.bin)")
	return cmd
}

func symbolsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "symbols <source.asm>",
		Short: "assemble a source file and print its resolved symbol table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := compile(args[0])
			if err != nil {
				return err
			}
			reportDiagnostics(res)
			names := make([]string, 0, len(res.Symbols))
			for name := range res.Symbols {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				sym := res.Symbols[name]
				fmt.Printf("%-32s %-12s 0x%04X\n", name, sym.Kind, sym.Value.I)
			}
			return nil
		},
	}
}

func optimizeReportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "optimize-report <source.asm>",
		Short: "assemble a source file and report peephole optimizer savings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := compile(args[0])
			if err != nil {
				return err
			}
			reportDiagnostics(res)
			fmt.Printf("bytes saved:  %d\n", res.Optimizer.BytesSaved)
			fmt.Printf("cycles saved: %d\n", res.Optimizer.CyclesSaved)
			return nil
		},
	}
}

func compile(path string) (*z80asm.Result, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	fp := z80asm.NewOSFileProvider(includeDirs...)
	a := z80asm.NewAssembler(nil, fp)
	return a.Compile(string(src), path)
}

// reportDiagnostics prints every diagnostic to stderr and returns whether
// assembly can be considered to have succeeded (no Syntax/Semantic errors;
// a Resource diagnostic such as a missing INCBIN file is also fatal).
func reportDiagnostics(res *z80asm.Result) bool {
	for _, d := range res.Diagnostics {
		fmt.Fprintln(os.Stderr, d.Error())
	}
	return len(res.Diagnostics) == 0
}

// writeBlocks concatenates the placed blocks into one file, zero-filling
// any gap between them so the result can be loaded at Blocks[0].Start.
func writeBlocks(path string, res *z80asm.Result) error {
	if len(res.Blocks) == 0 {
		return os.WriteFile(path, nil, 0644)
	}
	start := res.Blocks[0].Start
	end := start
	for _, b := range res.Blocks {
		if e := b.Start + uint16(len(b.Data)); e > end {
			end = e
		}
	}
	out := make([]byte, int(end)-int(start))
	for _, b := range res.Blocks {
		copy(out[int(b.Start-start):], b.Data)
	}
	return os.WriteFile(path, out, 0644)
}
