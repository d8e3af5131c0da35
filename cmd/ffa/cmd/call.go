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
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/blacktop/go-ffa"
	"github.com/spf13/cobra"
)

// CallState is the x0-x7 register file of one call or its return.
type CallState struct {
	X0 uint64 `json:"x0"`
	X1 uint64 `json:"x1"`
	X2 uint64 `json:"x2"`
	X3 uint64 `json:"x3"`
	X4 uint64 `json:"x4"`
	X5 uint64 `json:"x5"`
	X6 uint64 `json:"x6"`
	X7 uint64 `json:"x7"`
}

func (s CallState) regs() [8]uint64 {
	return [8]uint64{s.X0, s.X1, s.X2, s.X3, s.X4, s.X5, s.X6, s.X7}
}

func stateOf(r [8]uint64) CallState {
	return CallState{r[0], r[1], r[2], r[3], r[4], r[5], r[6], r[7]}
}

// CallStep is one call in a script: the calling VM, its registers and
// optionally the bytes to place in its TX buffer first.
type CallStep struct {
	VM     uint16    `json:"vm"`
	State  CallState `json:"state"`
	TX     []byte    `json:"tx,omitempty"`
	TXFile string    `json:"tx_file,omitempty"`
}

// CallResult is the outcome of one step.
type CallResult struct {
	VM    uint16    `json:"vm"`
	Func  string    `json:"func"`
	State CallState `json:"state"`
	RX    []byte    `json:"rx,omitempty"`
	Error string    `json:"error,omitempty"`
}

// CallReport is printed once the script has run.
type CallReport struct {
	Results      []CallResult          `json:"results"`
	Transactions []ffa.TransactionInfo `json:"transactions"`
	Metrics      ffa.Metrics           `json:"metrics"`
	Error        string                `json:"error,omitempty"`
}

var (
	callVMs    int
	callPretty bool
)

func init() {
	rootCmd.AddCommand(callCmd)
	callCmd.Flags().IntVar(&callVMs, "vms", 2, "Number of VMs to create")
	callCmd.Flags().BoolVarP(&callPretty, "pretty", "p", false, "Indent the JSON report")
}

var callCmd = &cobra.Command{
	Use:   "call [script.json]",
	Short: "Run a script of raw FF-A calls and print the results as JSON",
	Long: `Run a script of raw FF-A calls against a fresh hypervisor and print
every return value as JSON.

The script is a JSON array of steps read from a file argument or stdin:

  [{"vm": 1, "state": {"x0": 2214592626, "x1": 80, "x2": 80}, "tx_file": "lend.bin"}]

VM n owns the n-th equal slice of FFA_MEMORY_BASE/FFA_MEMORY_SIZE. RX
buffers are reported but never released implicitly; send FFA_RX_RELEASE.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runCall,
}

func runCall(cmd *cobra.Command, args []string) error {
	var (
		data []byte
		err  error
	)
	if len(args) > 0 {
		data, err = os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read script: %w", err)
		}
	} else {
		data, err = io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("failed to read from stdin: %w", err)
		}
	}
	var steps []CallStep
	if err := json.Unmarshal(data, &steps); err != nil {
		return fmt.Errorf("failed to parse script JSON: %w", err)
	}
	if len(steps) == 0 {
		return fmt.Errorf("no calls provided")
	}

	h, err := newHypervisor(callVMs)
	if err != nil {
		return err
	}
	defer h.Close()

	report, err := runSteps(h, steps)
	if err != nil {
		report.Error = err.Error()
	}

	var output []byte
	if callPretty {
		output, err = json.MarshalIndent(report, "", "  ")
	} else {
		output, err = json.Marshal(report)
	}
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(output))
	return nil
}

// runSteps executes steps in order. A step that cannot be issued stops the
// script; FF-A errors are recorded in the step's result.
func runSteps(h *ffa.Hypervisor, steps []CallStep) (*CallReport, error) {
	report := &CallReport{}
	defer func() {
		report.Transactions = h.Transactions()
		report.Metrics = ffa.GetMetrics()
	}()

	for i, step := range steps {
		vcpu, err := h.VCPU(ffa.VMID(step.VM))
		if err != nil {
			return report, fmt.Errorf("step %d: %w", i, err)
		}
		mailbox, err := h.Mailbox(vcpu.VM())
		if err != nil {
			return report, fmt.Errorf("step %d: %w", i, err)
		}
		tx := step.TX
		if step.TXFile != "" {
			if tx, err = os.ReadFile(step.TXFile); err != nil {
				return report, fmt.Errorf("step %d: failed to read TX file: %w", i, err)
			}
		}
		if len(tx) > 0 {
			if _, err := mailbox.WriteTX(tx); err != nil {
				return report, fmt.Errorf("step %d: %w", i, err)
			}
		}

		regs := step.State.regs()
		if err := vcpu.Run(&regs); err != nil {
			return report, fmt.Errorf("step %d: %w", i, err)
		}
		ret := ffa.ValueFromRegisters(regs)
		res := CallResult{VM: step.VM, Func: ret.Func.String(), State: stateOf(regs)}
		if err := ret.Err(); err != nil {
			res.Error = err.Error()
		}
		if rx, _, ok := mailbox.ReadRX(); ok {
			res.RX = rx
		}
		report.Results = append(report.Results, res)
	}
	return report, nil
}
