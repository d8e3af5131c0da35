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

	"github.com/blacktop/go-ffa"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(checkCmd)
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the FFA_* configuration and report host support",
	RunE: func(cmd *cobra.Command, args []string) error {
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "host page size: %s\n", humanize.IBytes(uint64(ffa.HostPageSize())))
		fmt.Fprintf(w, "mmap backed: %v\n", ffa.MmapBacked())

		cfg, err := ffa.ParseConfig()
		if err != nil {
			fmt.Fprintf(w, "config: error: %v\n", err)
			return err
		}
		mem := ffa.PageRange(uint64(cfg.MemoryBase), uint32(cfg.MemorySize/ffa.PageSize))
		fmt.Fprintf(w, "memory: %s (%s)\n", mem, humanize.IBytes(cfg.MemorySize))
		fmt.Fprintf(w, "vms: %d\n", cfg.MaxVMs)
		fmt.Fprintf(w, "shares: %d\n", cfg.MaxShares)
		fmt.Fprintf(w, "receivers per share: %d\n", cfg.MaxReceivers)
		fmt.Fprintf(w, "largest descriptor: %s in %d fragments\n",
			humanize.IBytes(uint64(cfg.MaxFragments)*ffa.MailboxSize), cfg.MaxFragments)
		fmt.Fprintf(w, "constituents per descriptor: %s\n", humanize.Comma(int64(cfg.Limits().MaxConstituents)))
		fmt.Fprintf(w, "page-table pool: %s entries\n", humanize.Comma(int64(cfg.PageTablePoolSize)))
		fmt.Fprintf(w, "physical address bits: %d\n", cfg.PhysAddressBits)

		h, err := ffa.New(cfg, ffa.WithLogger(logger))
		if err != nil {
			fmt.Fprintf(w, "hypervisor: error: %v\n", err)
			return err
		}
		defer h.Close()
		fmt.Fprintln(w, "hypervisor: ok")
		return nil
	},
}
