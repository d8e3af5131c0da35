package ffa

import (
	"fmt"
	"sync"
)

// Mailbox is a VM's pair of message buffers. The VM writes requests into
// TX; the hypervisor writes responses into RX, which stays owned by the VM
// until it calls RX_RELEASE.
type Mailbox struct {
	mu       sync.Mutex
	send     [MailboxSize]byte
	recv     [MailboxSize]byte
	recvLen  int
	recvFunc FuncID
	full     bool
}

// WriteTX copies p to the start of the TX buffer.
func (mb *Mailbox) WriteTX(p []byte) (int, error) {
	if len(p) > MailboxSize {
		return 0, fmt.Errorf("ffa: %d bytes does not fit the %d-byte TX buffer: %w", len(p), MailboxSize, ErrInvalidParameters)
	}
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return copy(mb.send[:], p), nil
}

// ReadRX returns a copy of the pending RX message and the function that
// delivered it.
func (mb *Mailbox) ReadRX() ([]byte, FuncID, bool) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if !mb.full {
		return nil, 0, false
	}
	return append([]byte(nil), mb.recv[:mb.recvLen]...), mb.recvFunc, true
}

// snapshotTX copies the first n bytes of the TX buffer. Everything the
// hypervisor parses comes from such a private copy, never from the buffer
// the VM can still write.
func (mb *Mailbox) snapshotTX(n uint32) ([]byte, error) {
	if n > MailboxSize {
		return nil, fmt.Errorf("ffa: %d bytes exceeds the %d-byte TX buffer: %w", n, MailboxSize, ErrInvalidParameters)
	}
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return append([]byte(nil), mb.send[:n]...), nil
}

func (mb *Mailbox) rxFull() bool {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.full
}

// deliver writes a response into RX.
func (mb *Mailbox) deliver(f FuncID, p []byte) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.full {
		return ErrRXBusy
	}
	if len(p) > MailboxSize {
		return fmt.Errorf("ffa: %d-byte message exceeds the RX buffer: %w", len(p), ErrInvalidParameters)
	}
	mb.recvLen = copy(mb.recv[:], p)
	mb.recvFunc = f
	mb.full = true
	return nil
}

// release hands RX back to the hypervisor.
func (mb *Mailbox) release() error {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if !mb.full {
		return fmt.Errorf("ffa: RX buffer not owned by the VM: %w", ErrDenied)
	}
	mb.full = false
	mb.recvLen = 0
	return nil
}
