// Package ffa implements the FF-A memory sharing calls of a stage-2
// hypervisor: donate, lend and share between VMs, retrieve, relinquish and
// reclaim, with descriptors carried in each VM's TX/RX mailbox.
//
// The hypervisor keeps an ownership ledger of every physical page it hands
// out and a stage-2 page table per VM. Every call runs under the global
// ledger lock; page-table updates are staged first and committed only once
// nothing can fail, so a rejected call changes nothing.
//
// # Basic Usage
//
// Create a hypervisor and two VMs:
//
//	h, err := ffa.New(ffa.DefaultConfig())
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer h.Close()
//
//	base := h.Memory().Range().Begin
//	_ = h.CreateVM(ffa.VMConfig{ID: 1, Memory: []ffa.Range{ffa.PageRange(base, 16)}})
//	_ = h.CreateVM(ffa.VMConfig{ID: 2})
//
// Lend a page from VM 1 to VM 2:
//
//	a, _ := h.Client(1)
//	b, _ := h.Client(2)
//
//	region := &ffa.MemoryRegion{
//		Sender:       1,
//		Attributes:   0,
//		Receivers:    []ffa.EndpointAccess{{Receiver: 2, Permissions: ffa.NewPermissions(ffa.DataAccessRW, 0)}},
//		Constituents: []ffa.Constituent{{Address: base, PageCount: 1}},
//	}
//	handle, err := a.Lend(region)
//
//	req := ffa.NewRetrieveRequest(region, handle, ffa.KindLend, 2, 0)
//	if _, err := b.Retrieve(req); err != nil {
//		log.Fatal(err)
//	}
//
//	// ... VM 2 uses the page ...
//
//	_ = b.Relinquish(handle, 0)
//	_ = a.Reclaim(handle, 0)
//
// Calls can also be issued with raw register values through a VCPU, as a
// guest trapping to the hypervisor would.
//
// # Error Handling
//
// Failed calls return FFA_ERROR with one of the FF-A error codes. On the Go
// side every error carrying a code wraps an *Error and can be matched with
// errors.Is against ErrInvalidParameters, ErrDenied, ErrNoMemory and the
// other generic errors. Guest accesses that the stage-2 tables forbid
// return a *FaultError.
//
// A divergence between the ledger and a page table is never recovered
// from: the hypervisor logs it and panics.
//
// # Configuration
//
// ParseConfig reads limits and the physical memory layout from FFA_*
// environment variables. See Config for the full list.
package ffa
