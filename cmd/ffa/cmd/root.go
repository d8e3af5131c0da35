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
	"fmt"
	"os"

	"github.com/blacktop/go-ffa"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	verbose bool
	logger  = zap.NewNop()
)

var rootCmd = &cobra.Command{
	Use:          "ffa",
	Short:        "Drive the FF-A memory sharing hypervisor",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if !verbose {
			return nil
		}
		log, err := ffa.NewLogger(ffa.LoggerConfig{
			ServiceName:   "ffa",
			IsDevelopment: true,
			IsDebug:       true,
		})
		if err != nil {
			return err
		}
		logger = log
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "V", false, "Log every call as JSON to stderr")
}

// newHypervisor creates a hypervisor from the FFA_* environment with vms
// VMs, splitting physical memory evenly between them. Without --verbose the
// hypervisor logs at debug level only when FFA_DEBUG is set.
func newHypervisor(vms int) (*ffa.Hypervisor, error) {
	cfg, err := ffa.ParseConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if vms < 1 || uint(vms) > cfg.MaxVMs {
		return nil, fmt.Errorf("vms must be in [1, %d]", cfg.MaxVMs)
	}

	var opts []ffa.Option
	if verbose {
		opts = append(opts, ffa.WithLogger(logger))
	}
	h, err := ffa.New(cfg, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create hypervisor: %w", err)
	}
	per := cfg.MemorySize / ffa.PageSize / uint64(vms)
	if per == 0 {
		h.Close()
		return nil, fmt.Errorf("%d bytes of memory cannot be split between %d VMs", cfg.MemorySize, vms)
	}
	for i := range vms {
		base := uint64(cfg.MemoryBase) + uint64(i)*per*ffa.PageSize
		if err := h.CreateVM(ffa.VMConfig{
			ID:     ffa.PrimaryID + ffa.VMID(i),
			Memory: []ffa.Range{ffa.PageRange(base, uint32(per))},
		}); err != nil {
			h.Close()
			return nil, fmt.Errorf("failed to create VM %d: %w", i+1, err)
		}
	}
	return h, nil
}
