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
	"errors"
	"fmt"
	"io"

	"github.com/blacktop/go-ffa"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

type scenarioOptions struct {
	Pages        int
	FragmentSize int
	Clear        bool
	Tag          uint64
}

var scenarioOpts scenarioOptions

func init() {
	rootCmd.AddCommand(scenarioCmd)
	scenarioCmd.Flags().IntVarP(&scenarioOpts.Pages, "pages", "n", 8, "Number of pages to send, one constituent each")
	scenarioCmd.Flags().IntVarP(&scenarioOpts.FragmentSize, "fragment-size", "f", ffa.MailboxSize, "Largest fragment the sender writes to TX")
	scenarioCmd.Flags().BoolVarP(&scenarioOpts.Clear, "clear", "c", false, "Ask the hypervisor to zero the memory before the receiver maps it")
	scenarioCmd.Flags().Uint64Var(&scenarioOpts.Tag, "tag", 0, "Sender-chosen transaction tag")
}

var scenarioCmd = &cobra.Command{
	Use:       "scenario {donate|lend|share|all}",
	Aliases:   []string{"run"},
	Short:     "Walk one memory transaction between two VMs and show each step",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"donate", "lend", "share", "all"},
	RunE: func(cmd *cobra.Command, args []string) error {
		kinds := []ffa.Kind{ffa.KindDonate, ffa.KindLend, ffa.KindShare}
		if args[0] != "all" {
			kind, err := parseKind(args[0])
			if err != nil {
				return err
			}
			kinds = []ffa.Kind{kind}
		}
		w := cmd.OutOrStdout()
		for i, kind := range kinds {
			if i > 0 {
				fmt.Fprintln(w)
			}
			if err := scenario(w, kind); err != nil {
				return err
			}
		}
		return nil
	},
}

// scenario runs one transaction on a fresh hypervisor.
func scenario(w io.Writer, kind ffa.Kind) error {
	h, err := newHypervisor(2)
	if err != nil {
		return err
	}
	defer h.Close()
	return runScenario(w, h, kind, scenarioOpts)
}

func parseKind(s string) (ffa.Kind, error) {
	for _, k := range []ffa.Kind{ffa.KindDonate, ffa.KindLend, ffa.KindShare} {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown transaction type %q (want donate, lend or share)", s)
}

// runScenario has VM 1 send opts.Pages pages to VM 2, which retrieves them
// and writes to the first one. Lent and shared memory is then relinquished
// and reclaimed.
func runScenario(w io.Writer, h *ffa.Hypervisor, kind ffa.Kind, opts scenarioOptions) error {
	sender, err := h.Client(ffa.PrimaryID)
	if err != nil {
		return err
	}
	receiver, err := h.Client(ffa.PrimaryID + 1)
	if err != nil {
		return err
	}
	sender.FragmentSize = opts.FragmentSize

	base := uint64(h.Config().MemoryBase)
	if opts.Pages < 1 || uint64(2*opts.Pages) > h.Config().MemorySize/ffa.PageSize/2 {
		return fmt.Errorf("pages %d does not fit in the sender's memory", opts.Pages)
	}
	data := ffa.DataAccessRW
	if kind == ffa.KindDonate {
		data = ffa.DataAccessNotSpecified
	}
	sent := &ffa.MemoryRegion{
		Sender: sender.VM(),
		Tag:    opts.Tag,
		Receivers: []ffa.EndpointAccess{{
			Receiver:    receiver.VM(),
			Permissions: ffa.NewPermissions(data, ffa.InstructionAccessNotSpecified),
		}},
	}
	if kind == ffa.KindShare {
		sent.Attributes = ffa.DefaultAttributes
	}
	if opts.Clear {
		sent.Flags |= ffa.FlagClear
	}
	// Every other page, so no two constituents coalesce.
	for i := range opts.Pages {
		sent.Constituents = append(sent.Constituents, ffa.Constituent{Address: base + uint64(2*i)*ffa.PageSize, PageCount: 1})
	}
	first := sent.Constituents[0].Address

	if _, err := sender.Write(first, []byte("from the sender")); err != nil {
		return fmt.Errorf("sender write: %w", err)
	}

	var handle ffa.Handle
	switch kind {
	case ffa.KindDonate:
		handle, err = sender.Donate(sent)
	case ffa.KindLend:
		handle, err = sender.Lend(sent)
	case ffa.KindShare:
		handle, err = sender.Share(sent)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", kind, err)
	}
	fmt.Fprintf(w, "%s %s: %s in %d constituents, descriptor %s, handle %s\n",
		sender.VM(), kind, humanize.IBytes(sent.PageCount()*ffa.PageSize), len(sent.Constituents),
		humanize.IBytes(uint64(sent.EncodedLen())), handle)
	printMode(w, h, sender.VM(), first)

	got, err := receiver.Retrieve(ffa.NewRetrieveRequest(sent, handle, kind, receiver.VM(), 0))
	if err != nil {
		return fmt.Errorf("retrieve: %w", err)
	}
	fmt.Fprintf(w, "%s retrieved %d constituents with %s\n", receiver.VM(), len(got.Constituents), got.Receivers[0].Permissions)
	printMode(w, h, receiver.VM(), first)

	buf := make([]byte, 15)
	if _, err := receiver.Read(first, buf); err != nil {
		return fmt.Errorf("receiver read: %w", err)
	}
	fmt.Fprintf(w, "%s reads %q\n", receiver.VM(), buf)
	if _, err := receiver.Write(first, []byte("from the receiver")); err != nil {
		return fmt.Errorf("receiver write: %w", err)
	}
	if _, err := sender.Read(first, buf); err != nil {
		if !ffa.IsFault(err) {
			return fmt.Errorf("sender read: %w", err)
		}
		var fault *ffa.FaultError
		errors.As(err, &fault)
		fmt.Fprintf(w, "%s faults reading %#x (mode %s)\n", sender.VM(), fault.Addr, fault.Mode)
	} else {
		fmt.Fprintf(w, "%s reads %q\n", sender.VM(), buf)
	}

	if kind != ffa.KindDonate {
		if err := receiver.Relinquish(handle, 0); err != nil {
			return fmt.Errorf("relinquish: %w", err)
		}
		fmt.Fprintf(w, "%s relinquished %s\n", receiver.VM(), handle)
		if err := sender.Reclaim(handle, 0); err != nil {
			return fmt.Errorf("reclaim: %w", err)
		}
		fmt.Fprintf(w, "%s reclaimed %s\n", sender.VM(), handle)
		printMode(w, h, sender.VM(), first)
	}

	if own, ok := h.Ledger().Query(first); ok {
		fmt.Fprintf(w, "%#x owned by %s (%s)\n", first, own.Owner, own.State)
	}
	m := ffa.GetMetrics()
	fmt.Fprintf(w, "calls: %s, fragments in/out: %s/%s, TLB invalidations: %s\n",
		humanize.Comma(int64(m.Calls)), humanize.Comma(int64(m.FragmentsIn)),
		humanize.Comma(int64(m.FragmentsOut)), humanize.Comma(int64(m.TLBInvalidations)))
	return nil
}

func printMode(w io.Writer, h *ffa.Hypervisor, id ffa.VMID, addr uint64) {
	mode, err := h.PageMode(id, addr)
	if err != nil {
		fmt.Fprintf(w, "  %s %#x: %v\n", id, addr, err)
		return
	}
	fmt.Fprintf(w, "  %s %#x: %s\n", id, addr, mode)
}
