package ffa

import "fmt"

type fragmentKey struct {
	sender VMID
	handle Handle
}

type reassembly struct {
	buf       []byte
	received  uint32
	fragments int
}

// Reassembler collects the fragments of descriptors larger than one
// mailbox. Buffers are keyed by sender and handle; a descriptor is complete
// once the running byte count reaches the length declared with the first
// fragment. It is not safe for concurrent use.
type Reassembler struct {
	maxFragments int
	maxLength    uint32
	pending      map[fragmentKey]*reassembly
}

// NewReassembler returns a reassembler accepting at most maxFragments
// fragments and maxLength bytes per descriptor.
func NewReassembler(maxFragments int, maxLength uint32) *Reassembler {
	return &Reassembler{
		maxFragments: maxFragments,
		maxLength:    maxLength,
		pending:      make(map[fragmentKey]*reassembly),
	}
}

// Begin starts reassembling a descriptor of total bytes from its first
// fragment. The total must match the length the fragment's header implies.
func (r *Reassembler) Begin(sender VMID, h Handle, total uint32, first []byte) error {
	key := fragmentKey{sender, h}
	if _, ok := r.pending[key]; ok {
		return fmt.Errorf("reassemble %s/%s: already in progress: %w", sender, h, ErrBusy)
	}
	if total > r.maxLength {
		recordResourceError()
		return fmt.Errorf("reassemble %s/%s: %d bytes exceeds %d: %w", sender, h, total, r.maxLength, ErrNoMemory)
	}
	if uint32(len(first)) > total {
		return fmt.Errorf("reassemble %s/%s: fragment of %d bytes exceeds total %d: %w", sender, h, len(first), total, ErrInvalidParameters)
	}
	want, err := RegionLength(first)
	if err != nil {
		return fmt.Errorf("reassemble %s/%s: %w", sender, h, err)
	}
	if want != total {
		return fmt.Errorf("reassemble %s/%s: declared %d bytes, header implies %d: %w", sender, h, total, want, ErrDescriptorLength)
	}
	ra := &reassembly{buf: make([]byte, total), fragments: 1}
	ra.received = uint32(copy(ra.buf, first))
	r.pending[key] = ra
	recordFragmentIn()
	return nil
}

// Append adds the next fragment. It returns true once the descriptor is
// complete. On error the reassembly is left for the caller to Abort.
func (r *Reassembler) Append(sender VMID, h Handle, fragment []byte) (bool, error) {
	ra, ok := r.pending[fragmentKey{sender, h}]
	if !ok {
		return false, fmt.Errorf("reassemble %s/%s: %w", sender, h, ErrUnknownHandle)
	}
	if ra.fragments >= r.maxFragments {
		recordResourceError()
		return false, fmt.Errorf("reassemble %s/%s: more than %d fragments: %w", sender, h, r.maxFragments, ErrNoMemory)
	}
	if len(fragment) == 0 || uint64(ra.received)+uint64(len(fragment)) > uint64(len(ra.buf)) {
		return false, fmt.Errorf("reassemble %s/%s: fragment of %d bytes at %d overruns %d: %w", sender, h, len(fragment), ra.received, len(ra.buf), ErrInvalidParameters)
	}
	ra.received += uint32(copy(ra.buf[ra.received:], fragment))
	ra.fragments++
	recordFragmentIn()
	return ra.received == uint32(len(ra.buf)), nil
}

// Received returns how many bytes have been collected so far.
func (r *Reassembler) Received(sender VMID, h Handle) (uint32, bool) {
	ra, ok := r.pending[fragmentKey{sender, h}]
	if !ok {
		return 0, false
	}
	return ra.received, true
}

// Complete reports whether every declared byte has arrived.
func (r *Reassembler) Complete(sender VMID, h Handle) bool {
	ra, ok := r.pending[fragmentKey{sender, h}]
	return ok && ra.received == uint32(len(ra.buf))
}

// Take removes a complete descriptor and returns its bytes.
func (r *Reassembler) Take(sender VMID, h Handle) ([]byte, bool) {
	key := fragmentKey{sender, h}
	ra, ok := r.pending[key]
	if !ok || ra.received != uint32(len(ra.buf)) {
		return nil, false
	}
	delete(r.pending, key)
	return ra.buf, true
}

// Abort drops a reassembly.
func (r *Reassembler) Abort(sender VMID, h Handle) {
	delete(r.pending, fragmentKey{sender, h})
}

// Pending returns the number of descriptors being reassembled.
func (r *Reassembler) Pending() int { return len(r.pending) }

// SplitFragments cuts buf into consecutive fragments of at most size bytes.
func SplitFragments(buf []byte, size int) [][]byte {
	if size <= 0 {
		return nil
	}
	out := make([][]byte, 0, (len(buf)+size-1)/size)
	for len(buf) > size {
		out = append(out, buf[:size])
		buf = buf[size:]
	}
	if len(buf) > 0 {
		out = append(out, buf)
	}
	return out
}
