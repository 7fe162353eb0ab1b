package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/prism-gpu/prism/internal/ir"
	"github.com/prism-gpu/prism/internal/regalloc"
)

func newAllocCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "alloc <dump.json>",
		Short: "Allocate registers for one IR dump",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAlloc(args[0])
		},
	}
}

func runAlloc(path string) error {
	shader, err := loadDump(path, flagMergedRegs)
	if err != nil {
		return err
	}
	log := newLogger()
	if err := regalloc.Allocate(shader, log); err != nil {
		return err
	}
	if flagJSON {
		return printJSON(shader)
	}
	printText(shader)
	return nil
}

type assignment struct {
	Block uint   `json:"block"`
	Instr string `json:"instr"`
	Value string `json:"value"`
	Num   uint   `json:"num"`
}

func assignments(shader *ir.Shader) []assignment {
	var out []assignment
	for _, b := range shader.Blocks {
		for _, instr := range b.Instrs {
			for _, dst := range instr.Dsts {
				if dst.Num == ir.InvalidReg {
					continue
				}
				out = append(out, assignment{
					Block: b.Index,
					Instr: instr.Opc.String(),
					Value: dst.String(),
					Num:   dst.Num,
				})
			}
		}
	}
	return out
}

func printJSON(shader *ir.Shader) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(assignments(shader))
}

func printText(shader *ir.Shader) {
	bold, reset := "", ""
	if stdoutIsTerminal() {
		bold, reset = "\033[1m", "\033[0m"
	}
	for _, b := range shader.Blocks {
		fmt.Printf("%sblock %d%s\n", bold, b.Index, reset)
		for _, instr := range b.Instrs {
			fmt.Printf("  %s", instr)
			for _, dst := range instr.Dsts {
				if dst.Num != ir.InvalidReg {
					fmt.Printf("  ; %s -> r%d", dst, dst.Num)
				}
			}
			fmt.Println()
		}
	}
}
