package ffa

import (
	"errors"
	"fmt"
	"os"
	"strconv"
)

// ErrorCode is an FF-A status code as returned in w2 of an FFA_ERROR.
type ErrorCode int32

// FF-A error codes.
const (
	NotSupported      ErrorCode = -1
	InvalidParameters ErrorCode = -2
	NoMemory          ErrorCode = -3
	Busy              ErrorCode = -4
	Interrupted       ErrorCode = -5
	Denied            ErrorCode = -6
	Retry             ErrorCode = -7
	Aborted           ErrorCode = -8
)

func (c ErrorCode) String() string {
	switch c {
	case NotSupported:
		return "NOT_SUPPORTED"
	case InvalidParameters:
		return "INVALID_PARAMETERS"
	case NoMemory:
		return "NO_MEMORY"
	case Busy:
		return "BUSY"
	case Interrupted:
		return "INTERRUPTED"
	case Denied:
		return "DENIED"
	case Retry:
		return "RETRY"
	case Aborted:
		return "ABORTED"
	default:
		return fmt.Sprintf("ErrorCode(%d)", int32(c))
	}
}

// Error wraps an FF-A error code.
type Error struct {
	Code    ErrorCode
	message string // Optional custom message for specific errors
}

func (e *Error) Error() string {
	if e.message != "" {
		return e.message
	}
	if isProductionEnv() {
		return e.sanitizedError()
	}
	return e.detailedError()
}

// Is reports whether target is an *Error carrying the same code. A target
// with a custom message only matches itself.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.message != "" {
		return e == t
	}
	return e.Code == t.Code
}

// detailedError provides full error context for development
func (e *Error) detailedError() string {
	switch e.Code {
	case NotSupported:
		return "ffa: not supported (NOT_SUPPORTED) - function or feature is not implemented"
	case InvalidParameters:
		return "ffa: invalid parameters (INVALID_PARAMETERS) - check descriptor layout, alignment and lengths"
	case NoMemory:
		return "ffa: out of memory (NO_MEMORY) - page-table pool or handle registry exhausted"
	case Busy:
		return "ffa: busy (BUSY) - a conflicting transaction is in flight"
	case Interrupted:
		return "ffa: interrupted (INTERRUPTED)"
	case Denied:
		return "ffa: denied (DENIED) - caller lacks ownership or is not a party to the transaction"
	case Retry:
		return "ffa: retry (RETRY) - release the RX buffer and retry"
	case Aborted:
		return "ffa: aborted (ABORTED) - the transaction was aborted"
	default:
		return fmt.Sprintf("ffa: unknown error code %d", int32(e.Code))
	}
}

// sanitizedError provides minimal error information for production
func (e *Error) sanitizedError() string {
	switch e.Code {
	case NotSupported:
		return "ffa: not supported"
	case InvalidParameters:
		return "ffa: invalid parameters"
	case NoMemory:
		return "ffa: out of memory"
	case Busy:
		return "ffa: busy"
	case Interrupted:
		return "ffa: interrupted"
	case Denied:
		return "ffa: denied"
	case Retry:
		return "ffa: retry"
	case Aborted:
		return "ffa: aborted"
	default:
		return "ffa: error"
	}
}

// isProductionEnv checks if we're running in production environment
func isProductionEnv() bool {
	env := os.Getenv("FFA_ENV")
	if env == "production" || env == "prod" {
		return true
	}

	// Check if debug mode is explicitly disabled
	if debug := os.Getenv("FFA_DEBUG"); debug != "" {
		if val, err := strconv.ParseBool(debug); err == nil && !val {
			return true
		}
	}

	return false
}

// CodeOf maps err to the FF-A code reported to the caller. Errors that do not
// carry a code are reported as ABORTED.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return 0
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return Aborted
}

func newError(code ErrorCode, msg string) *Error {
	return &Error{Code: code, message: "ffa: " + msg}
}

// Generic errors, matched by code with errors.Is.
var (
	ErrNotSupported      = &Error{Code: NotSupported}
	ErrInvalidParameters = &Error{Code: InvalidParameters}
	ErrNoMemory          = &Error{Code: NoMemory}
	ErrBusy              = &Error{Code: Busy}
	ErrInterrupted       = &Error{Code: Interrupted}
	ErrDenied            = &Error{Code: Denied}
	ErrRetry             = &Error{Code: Retry}
	ErrAborted           = &Error{Code: Aborted}
)

// Common specific errors for API consumers
var (
	ErrClosed            = newError(Aborted, "hypervisor is closed")
	ErrInvalidAlignment  = newError(InvalidParameters, "address not page-aligned")
	ErrZeroPageCount     = newError(InvalidParameters, "constituent has zero pages")
	ErrAddressOverflow   = newError(InvalidParameters, "constituent overflows the address space")
	ErrOverlap           = newError(InvalidParameters, "constituents overlap")
	ErrDescriptorLength  = newError(InvalidParameters, "descriptor length inconsistent with its contents")
	ErrPageCountMismatch = newError(InvalidParameters, "total page count does not match constituents")
	ErrReceiverCount     = newError(InvalidParameters, "receiver count out of range")
	ErrUnknownHandle     = newError(InvalidParameters, "unknown or stale handle")
	ErrRegistryFull      = newError(NoMemory, "handle registry full")
	ErrPoolExhausted     = newError(NoMemory, "page-table pool exhausted")
	ErrNotOwner          = newError(Denied, "sender does not exclusively own the memory")
	ErrNotReceiver       = newError(Denied, "caller is not a receiver of the transaction")
	ErrAlreadyRetrieved  = newError(Denied, "memory already retrieved by this receiver")
	ErrStillRetrieved    = newError(Denied, "memory still retrieved by a receiver")
	ErrRXBusy            = newError(Retry, "RX buffer has not been released")
	ErrSendInProgress    = newError(Busy, "a fragmented send is in progress")
	ErrUnknownVM         = newError(Denied, "unknown VM")
)

// FaultError reports a stage-2 translation fault taken by a VM.
type FaultError struct {
	VM     VMID
	Addr   uint64
	Access Mode
	Mode   Mode
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("ffa: stage-2 fault: vm %#x %s access to %#x (mode %s)", uint16(e.VM), e.Access, e.Addr, e.Mode)
}
