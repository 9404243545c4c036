/*
Copyright © 2025 blacktop

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/blacktop/go-hvf"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// CPUState is the JSON shape of the guest register file.
type CPUState struct {
	X    [29]uint64 `json:"x"`
	FP   uint64     `json:"fp"`
	LR   uint64     `json:"lr"`
	SP   uint64     `json:"sp"`
	PC   uint64     `json:"pc"`
	CPSR uint64     `json:"cpsr"`
}

func (s *CPUState) batch() hvf.RegBatch {
	b := hvf.RegBatch{
		hvf.RegFP:   s.FP,
		hvf.RegLR:   s.LR,
		hvf.RegSP:   s.SP,
		hvf.RegPC:   s.PC,
		hvf.RegCPSR: s.CPSR,
	}
	for i, v := range s.X {
		b[hvf.RegX0+hvf.Reg(i)] = v
	}
	return b
}

func stateFromBatch(b hvf.RegBatch) CPUState {
	var s CPUState
	for i := range s.X {
		s.X[i] = b[hvf.RegX0+hvf.Reg(i)]
	}
	s.FP = b[hvf.RegFP]
	s.LR = b[hvf.RegLR]
	s.SP = b[hvf.RegSP]
	s.PC = b[hvf.RegPC]
	s.CPSR = b[hvf.RegCPSR]
	return s
}

func allRegs() []hvf.Reg {
	regs := make([]hvf.Reg, 0, 34)
	for r := hvf.RegX0; r <= hvf.RegX28; r++ {
		regs = append(regs, r)
	}
	return append(regs, hvf.RegFP, hvf.RegLR, hvf.RegSP, hvf.RegPC, hvf.RegCPSR)
}

// ExecuteResult is the JSON output of the execute command.
type ExecuteResult struct {
	State    CPUState     `json:"state"`
	ExitInfo hvf.ExitInfo `json:"exit_info"`
	ExecTime uint64       `json:"exec_time,omitempty"`
	Error    string       `json:"error,omitempty"`
}

var (
	stateFile string
	memSize   int
	baseAddr  uint64
	timeout   time.Duration
)

func init() {
	rootCmd.AddCommand(executeCmd)
	executeCmd.Flags().StringVarP(&stateFile, "state", "s", "", "JSON file with initial CPU state")
	executeCmd.Flags().IntVar(&memSize, "mem-size", 16384, "Guest memory size to allocate (bytes)")
	executeCmd.Flags().Uint64VarP(&baseAddr, "base-addr", "a", 0x4000, "Base address for code execution")
	executeCmd.Flags().DurationVarP(&timeout, "timeout", "t", 10*time.Second, "Abort execution after this long")
}

var executeCmd = &cobra.Command{
	Use:   "execute [code-file]",
	Short: "Execute ARM64 code and return CPU state as JSON",
	Long: `Execute ARM64 machine code and return the resulting CPU state as JSON.

Code can be provided as:
  - A binary file argument
  - Stdin (if no file argument provided)

Initial CPU state can be provided via --state flag pointing to a JSON file.
Results are output as JSON to stdout.`,
	RunE: runExecute,
}

func runExecute(cmd *cobra.Command, args []string) error {
	ok, err := hvf.Supported()
	if err != nil || !ok {
		return fmt.Errorf("hypervisor not supported: %v", err)
	}

	var initial CPUState
	if stateFile != "" {
		data, err := os.ReadFile(stateFile)
		if err != nil {
			return fmt.Errorf("failed to read state file: %w", err)
		}
		if err := json.Unmarshal(data, &initial); err != nil {
			return fmt.Errorf("failed to parse state JSON: %w", err)
		}
	}

	var code []byte
	if len(args) > 0 {
		code, err = os.ReadFile(args[0])
	} else {
		code, err = io.ReadAll(os.Stdin)
	}
	if err != nil {
		return fmt.Errorf("failed to read code: %w", err)
	}
	if len(code) == 0 {
		return fmt.Errorf("no code provided")
	}

	result, err := executeCode(cmd.Context(), code, &initial)
	if err != nil {
		result = &ExecuteResult{Error: err.Error()}
	}

	out, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	fmt.Println(string(out))
	return nil
}

func executeCode(ctx context.Context, code []byte, initial *CPUState) (*ExecuteResult, error) {
	page := unix.Getpagesize()
	if memSize%page != 0 {
		return nil, fmt.Errorf("mem-size must be a multiple of page size (%d bytes)", page)
	}
	if len(code) > memSize {
		return nil, fmt.Errorf("code size (%d) exceeds memory size (%d)", len(code), memSize)
	}

	vm, err := hvf.New(hvf.WithLogger(logger()))
	if err != nil {
		return nil, fmt.Errorf("failed to create VM: %w", err)
	}
	defer vm.Close()

	handle, err := vm.Allocate(uint64(memSize))
	if err != nil {
		return nil, fmt.Errorf("failed to allocate guest memory: %w", err)
	}
	mem, err := vm.AllocationBytes(handle)
	if err != nil {
		return nil, fmt.Errorf("failed to access guest memory: %w", err)
	}
	copy(mem, code)
	perms := hvf.MemRead | hvf.MemWrite | hvf.MemExec
	if err := vm.MapAllocation(handle, baseAddr, perms); err != nil {
		return nil, fmt.Errorf("failed to map memory: %w", err)
	}

	vcpu, err := vm.NewVCPU()
	if err != nil {
		return nil, fmt.Errorf("failed to create vCPU: %w", err)
	}

	if err := vcpu.SetRegs(initial.batch()); err != nil {
		return nil, fmt.Errorf("failed to set initial state: %w", err)
	}
	if initial.PC == 0 {
		if err := vcpu.SetPC(baseAddr); err != nil {
			return nil, fmt.Errorf("failed to set PC: %w", err)
		}
	}

	// Run under a watchdog so runaway guest code cannot hang the
	// process: on timeout every vCPU is kicked out of its run.
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var exitInfo hvf.ExitInfo
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		info, err := vcpu.Run()
		if err != nil {
			return fmt.Errorf("failed to execute: %w", err)
		}
		exitInfo = info
		cancel()
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return vm.RequestExitAll()
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	batch, err := vcpu.GetRegs(allRegs())
	if err != nil {
		return nil, fmt.Errorf("failed to get final state: %w", err)
	}

	execTime, _ := vcpu.ExecTime()

	return &ExecuteResult{
		State:    stateFromBatch(batch),
		ExitInfo: exitInfo,
		ExecTime: execTime,
	}, nil
}
