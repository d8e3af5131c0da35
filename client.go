package ffa

import (
	"errors"
	"fmt"
)

// Client drives the FF-A memory calls of one VM through its mailbox, the
// way a guest driver would: it writes descriptors into TX, issues calls,
// follows fragment requests and releases RX after reading each response.
type Client struct {
	h       *Hypervisor
	vcpu    *VCPU
	mailbox *Mailbox

	// FragmentSize caps how much of a descriptor goes into TX per call.
	// Zero means a full mailbox.
	FragmentSize int
	// Use64 selects the SMC64 function IDs.
	Use64 bool
}

// Client returns a client acting as VM id.
func (h *Hypervisor) Client(id VMID) (*Client, error) {
	vcpu, err := h.VCPU(id)
	if err != nil {
		return nil, err
	}
	mb, err := h.Mailbox(id)
	if err != nil {
		return nil, err
	}
	return &Client{h: h, vcpu: vcpu, mailbox: mb}, nil
}

// VM returns the ID of the VM c acts as.
func (c *Client) VM() VMID { return c.vcpu.VM() }

// Donate gives region's memory to its single receiver.
func (c *Client) Donate(region *MemoryRegion) (Handle, error) {
	return c.send(c.pick(FuncMemDonate32, FuncMemDonate64), region)
}

// Lend revokes the caller's access and offers the memory to the receivers.
func (c *Client) Lend(region *MemoryRegion) (Handle, error) {
	return c.send(c.pick(FuncMemLend32, FuncMemLend64), region)
}

// Share offers the memory to the receivers while keeping access.
func (c *Client) Share(region *MemoryRegion) (Handle, error) {
	return c.send(c.pick(FuncMemShare32, FuncMemShare64), region)
}

func (c *Client) pick(f32, f64 FuncID) FuncID {
	if c.Use64 {
		return f64
	}
	return f32
}

func (c *Client) fragmentSize() int {
	if c.FragmentSize <= 0 || c.FragmentSize > MailboxSize {
		return MailboxSize
	}
	return c.FragmentSize
}

func (c *Client) send(f FuncID, region *MemoryRegion) (Handle, error) {
	buf, err := region.MarshalBinary()
	if err != nil {
		return HandleInvalid, err
	}
	frags := SplitFragments(buf, c.fragmentSize())
	if _, err := c.mailbox.WriteTX(frags[0]); err != nil {
		return HandleInvalid, err
	}
	ret := c.vcpu.Call(Value{Func: f, Arg1: uint64(len(buf)), Arg2: uint64(len(frags[0]))})

	sent := len(frags[0])
	for i := 1; ret.Func == FuncMemFragRX; i++ {
		if ret.Arg3 != uint64(sent) || i >= len(frags) {
			return HandleInvalid, fmt.Errorf("ffa: %s: hypervisor asked for offset %d after %d bytes: %w", f, ret.Arg3, sent, ErrAborted)
		}
		if _, err := c.mailbox.WriteTX(frags[i]); err != nil {
			return HandleInvalid, err
		}
		lo, hi := ret.Handle().args()
		ret = c.vcpu.Call(Value{Func: FuncMemFragTX, Arg1: lo, Arg2: hi, Arg3: uint64(len(frags[i])), Arg4: uint64(c.VM()) << 16})
		sent += len(frags[i])
	}
	if err := ret.Err(); err != nil {
		return HandleInvalid, err
	}
	if ret.Func != FuncSuccess32 {
		return HandleInvalid, fmt.Errorf("ffa: %s: unexpected return %s: %w", f, ret, ErrAborted)
	}
	return ret.Handle(), nil
}

// Retrieve maps the memory named by req.Handle and returns the region the
// hypervisor describes in its response, reading every fragment of it.
func (c *Client) Retrieve(req *MemoryRegion) (*MemoryRegion, error) {
	buf := make([]byte, MailboxSize)
	n, err := EncodeRetrieveRequest(req, buf)
	if err != nil {
		return nil, err
	}
	if _, err := c.mailbox.WriteTX(buf[:n]); err != nil {
		return nil, err
	}
	ret := c.vcpu.Call(Value{Func: c.pick(FuncMemRetrieveReq32, FuncMemRetrieveReq64), Arg1: uint64(n), Arg2: uint64(n)})
	if err := ret.Err(); err != nil {
		return nil, err
	}
	if ret.Func != FuncMemRetrieveResp {
		return nil, fmt.Errorf("ffa: retrieve: unexpected return %s: %w", ret, ErrAborted)
	}
	total := ret.Arg1
	resp, err := c.readRX(nil, ret.Arg2)
	if err != nil {
		return nil, err
	}
	lo, hi := req.Handle.args()
	for uint64(len(resp)) < total {
		ret = c.vcpu.Call(Value{Func: FuncMemFragRX, Arg1: lo, Arg2: hi, Arg3: uint64(len(resp))})
		if err := ret.Err(); err != nil {
			return nil, err
		}
		if ret.Func != FuncMemFragTX {
			return nil, fmt.Errorf("ffa: retrieve: unexpected return %s: %w", ret, ErrAborted)
		}
		if resp, err = c.readRX(resp, ret.Arg3); err != nil {
			return nil, err
		}
	}
	return DecodeRegion(resp, c.h.Limits())
}

// readRX appends the n-byte message in RX to buf and releases RX.
func (c *Client) readRX(buf []byte, n uint64) ([]byte, error) {
	msg, _, ok := c.mailbox.ReadRX()
	if !ok || uint64(len(msg)) != n {
		return nil, fmt.Errorf("ffa: RX holds %d bytes, expected %d: %w", len(msg), n, ErrAborted)
	}
	if err := c.ReleaseRX(); err != nil {
		return nil, err
	}
	return append(buf, msg...), nil
}

// ReleaseRX hands the RX buffer back to the hypervisor.
func (c *Client) ReleaseRX() error {
	return c.vcpu.Call(Value{Func: FuncRXRelease}).Err()
}

// Relinquish unmaps retrieved memory from the caller.
func (c *Client) Relinquish(handle Handle, flags RegionFlags) error {
	d := &RelinquishDescriptor{Handle: handle, Flags: flags, Endpoints: []VMID{c.VM()}}
	buf, err := d.MarshalBinary()
	if err != nil {
		return err
	}
	if _, err := c.mailbox.WriteTX(buf); err != nil {
		return err
	}
	return c.vcpu.Call(Value{Func: FuncMemRelinquish}).Err()
}

// Reclaim restores the caller's access to memory it sent.
func (c *Client) Reclaim(handle Handle, flags RegionFlags) error {
	lo, hi := handle.args()
	return c.vcpu.Call(Value{Func: FuncMemReclaim, Arg1: lo, Arg2: hi, Arg3: uint64(flags)}).Err()
}

// Read reads guest memory through the caller's stage-2 mapping.
func (c *Client) Read(addr uint64, p []byte) (int, error) {
	return c.h.ReadGuest(c.VM(), addr, p)
}

// Write writes guest memory through the caller's stage-2 mapping.
func (c *Client) Write(addr uint64, p []byte) (int, error) {
	return c.h.WriteGuest(c.VM(), addr, p)
}

// NewRetrieveRequest builds the request receiver self sends to retrieve the
// memory described by sent under handle, asking for perms.
func NewRetrieveRequest(sent *MemoryRegion, handle Handle, kind Kind, self VMID, perms Permissions) *MemoryRegion {
	req := &MemoryRegion{
		Sender:    sent.Sender,
		Flags:     RegionFlags(0).WithKind(kind),
		Handle:    handle,
		Tag:       sent.Tag,
		Receivers: make([]EndpointAccess, len(sent.Receivers)),
	}
	copy(req.Receivers, sent.Receivers)
	for i := range req.Receivers {
		if req.Receivers[i].Receiver == self {
			req.Receivers[i].Permissions = perms
		}
	}
	return req
}

// IsFault reports whether err is a stage-2 fault.
func IsFault(err error) bool {
	var fe *FaultError
	return errors.As(err, &fe)
}
