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
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/blacktop/go-ffa"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var decodeAs string

var (
	encodeSender    uint16
	encodeReceivers []string
	encodePages     []string
	encodeFlags     uint32
	encodeTag       uint64
	encodeOutput    string
)

func init() {
	rootCmd.AddCommand(decodeCmd)
	decodeCmd.Flags().StringVarP(&decodeAs, "as", "a", "region", "Descriptor type: region, retrieve or relinquish")

	rootCmd.AddCommand(encodeCmd)
	encodeCmd.Flags().Uint16VarP(&encodeSender, "sender", "s", uint16(ffa.PrimaryID), "Sending VM")
	encodeCmd.Flags().StringSliceVarP(&encodeReceivers, "receiver", "r", nil, "Receiver as ID[:ro|rw[:x|nx]], repeatable")
	encodeCmd.Flags().StringSliceVarP(&encodePages, "pages", "p", nil, "Constituent as ADDR[:COUNT], repeatable")
	encodeCmd.Flags().Uint32Var(&encodeFlags, "flags", 0, "Region flags word")
	encodeCmd.Flags().Uint64Var(&encodeTag, "tag", 0, "Transaction tag")
	encodeCmd.Flags().StringVarP(&encodeOutput, "output", "o", "", "Write the descriptor here instead of stdout")
}

var decodeCmd = &cobra.Command{
	Use:   "decode [FILE]",
	Short: "Decode a memory transaction descriptor",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var (
			data []byte
			err  error
		)
		if len(args) > 0 {
			data, err = os.ReadFile(args[0])
		} else {
			data, err = io.ReadAll(cmd.InOrStdin())
		}
		if err != nil {
			return fmt.Errorf("failed to read descriptor: %w", err)
		}
		cfg, err := ffa.ParseConfig()
		if err != nil {
			return fmt.Errorf("failed to parse config: %w", err)
		}

		w := cmd.OutOrStdout()
		switch decodeAs {
		case "region":
			m, err := ffa.DecodeRegion(data, cfg.Limits())
			if err != nil {
				return err
			}
			printRegion(w, m)
		case "retrieve":
			m, err := ffa.DecodeRetrieveRequest(data, cfg.Limits())
			if err != nil {
				return err
			}
			printRegion(w, m)
		case "relinquish":
			d, err := ffa.DecodeRelinquish(data)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "handle: %s\nflags: %#x\nendpoints: %v\n", d.Handle, uint32(d.Flags), d.Endpoints)
		default:
			return fmt.Errorf("unknown descriptor type %q", decodeAs)
		}
		return nil
	},
}

func printRegion(w io.Writer, m *ffa.MemoryRegion) {
	fmt.Fprintf(w, "sender: %s\n", m.Sender)
	if m.Handle != 0 {
		fmt.Fprintf(w, "handle: %s\n", m.Handle)
	}
	fmt.Fprintf(w, "kind: %s\n", m.Flags.Kind())
	fmt.Fprintf(w, "flags: %#x\n", uint32(m.Flags))
	fmt.Fprintf(w, "tag: %#x\n", m.Tag)
	a := m.Attributes
	fmt.Fprintf(w, "attributes: %#02x (type %d, cacheability %d, shareability %d)\n",
		uint8(a), a.Type(), a.Cacheability(), a.Shareability())
	fmt.Fprintf(w, "receivers: %d\n", len(m.Receivers))
	for _, r := range m.Receivers {
		fmt.Fprintf(w, "  %s %s\n", r.Receiver, r.Permissions)
	}
	if len(m.Constituents) == 0 {
		return
	}
	fmt.Fprintf(w, "constituents: %d (%s pages, %s)\n", len(m.Constituents),
		humanize.Comma(int64(m.PageCount())), humanize.IBytes(m.PageCount()*ffa.PageSize))
	for _, c := range m.Constituents {
		fmt.Fprintf(w, "  %s\n", c.Range())
	}
}

var encodeCmd = &cobra.Command{
	Use:   "encode",
	Short: "Encode a memory region descriptor for use with the call command",
	RunE: func(cmd *cobra.Command, args []string) error {
		m := &ffa.MemoryRegion{
			Sender: ffa.VMID(encodeSender),
			Flags:  ffa.RegionFlags(encodeFlags),
			Tag:    encodeTag,
		}
		for _, s := range encodeReceivers {
			r, err := parseReceiver(s)
			if err != nil {
				return err
			}
			m.Receivers = append(m.Receivers, r)
		}
		for _, s := range encodePages {
			c, err := parseConstituent(s)
			if err != nil {
				return err
			}
			m.Constituents = append(m.Constituents, c)
		}
		if len(m.Receivers) > 1 || m.Flags.Kind() == ffa.KindShare {
			m.Attributes = ffa.DefaultAttributes
		}
		buf, err := m.MarshalBinary()
		if err != nil {
			return err
		}
		if _, err := ffa.DecodeRegion(buf, ffa.DefaultLimits()); err != nil {
			return fmt.Errorf("descriptor would be rejected: %w", err)
		}
		if encodeOutput == "" {
			_, err = cmd.OutOrStdout().Write(buf)
			return err
		}
		if err := os.WriteFile(encodeOutput, buf, 0o644); err != nil {
			return fmt.Errorf("failed to write descriptor: %w", err)
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "wrote %s descriptor to %s\n", humanize.IBytes(uint64(len(buf))), encodeOutput)
		return nil
	},
}

// parseReceiver parses ID[:ro|rw[:x|nx]].
func parseReceiver(s string) (ffa.EndpointAccess, error) {
	parts := strings.Split(s, ":")
	id, err := strconv.ParseUint(parts[0], 0, 16)
	if err != nil {
		return ffa.EndpointAccess{}, fmt.Errorf("receiver %q: %w", s, err)
	}
	data, inst := ffa.DataAccessNotSpecified, ffa.InstructionAccessNotSpecified
	if len(parts) > 1 {
		switch parts[1] {
		case "ro":
			data = ffa.DataAccessRO
		case "rw":
			data = ffa.DataAccessRW
		default:
			return ffa.EndpointAccess{}, fmt.Errorf("receiver %q: data access must be ro or rw", s)
		}
	}
	if len(parts) > 2 {
		switch parts[2] {
		case "x":
			inst = ffa.InstructionAccessX
		case "nx":
			inst = ffa.InstructionAccessNX
		default:
			return ffa.EndpointAccess{}, fmt.Errorf("receiver %q: instruction access must be x or nx", s)
		}
	}
	return ffa.EndpointAccess{Receiver: ffa.VMID(id), Permissions: ffa.NewPermissions(data, inst)}, nil
}

// parseConstituent parses ADDR[:COUNT].
func parseConstituent(s string) (ffa.Constituent, error) {
	addr, count, _ := strings.Cut(s, ":")
	a, err := strconv.ParseUint(addr, 0, 64)
	if err != nil {
		return ffa.Constituent{}, fmt.Errorf("pages %q: %w", s, err)
	}
	n := uint64(1)
	if count != "" {
		if n, err = strconv.ParseUint(count, 0, 32); err != nil {
			return ffa.Constituent{}, fmt.Errorf("pages %q: %w", s, err)
		}
	}
	return ffa.Constituent{Address: a, PageCount: uint32(n)}, nil
}
