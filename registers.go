package ffa

import "fmt"

// FuncID is an FF-A function identifier passed in w0.
type FuncID uint32

const (
	FuncError            FuncID = 0x84000060
	FuncSuccess32        FuncID = 0x84000061
	FuncSuccess64        FuncID = 0xC4000061
	FuncRXRelease        FuncID = 0x84000065
	FuncMemDonate32      FuncID = 0x84000071
	FuncMemDonate64      FuncID = 0xC4000071
	FuncMemLend32        FuncID = 0x84000072
	FuncMemLend64        FuncID = 0xC4000072
	FuncMemShare32       FuncID = 0x84000073
	FuncMemShare64       FuncID = 0xC4000073
	FuncMemRetrieveReq32 FuncID = 0x84000074
	FuncMemRetrieveReq64 FuncID = 0xC4000074
	FuncMemRetrieveResp  FuncID = 0x84000075
	FuncMemRelinquish    FuncID = 0x84000076
	FuncMemReclaim       FuncID = 0x84000077
	FuncMemFragRX        FuncID = 0x8400007A
	FuncMemFragTX        FuncID = 0x8400007B
)

var funcNames = map[FuncID]string{
	FuncError:            "FFA_ERROR",
	FuncSuccess32:        "FFA_SUCCESS_32",
	FuncSuccess64:        "FFA_SUCCESS_64",
	FuncRXRelease:        "FFA_RX_RELEASE",
	FuncMemDonate32:      "FFA_MEM_DONATE_32",
	FuncMemDonate64:      "FFA_MEM_DONATE_64",
	FuncMemLend32:        "FFA_MEM_LEND_32",
	FuncMemLend64:        "FFA_MEM_LEND_64",
	FuncMemShare32:       "FFA_MEM_SHARE_32",
	FuncMemShare64:       "FFA_MEM_SHARE_64",
	FuncMemRetrieveReq32: "FFA_MEM_RETRIEVE_REQ_32",
	FuncMemRetrieveReq64: "FFA_MEM_RETRIEVE_REQ_64",
	FuncMemRetrieveResp:  "FFA_MEM_RETRIEVE_RESP",
	FuncMemRelinquish:    "FFA_MEM_RELINQUISH",
	FuncMemReclaim:       "FFA_MEM_RECLAIM",
	FuncMemFragRX:        "FFA_MEM_FRAG_RX",
	FuncMemFragTX:        "FFA_MEM_FRAG_TX",
}

func (f FuncID) String() string {
	if name, ok := funcNames[f]; ok {
		return name
	}
	return fmt.Sprintf("FuncID(%#x)", uint32(f))
}

// sendKind returns the transaction type started by f.
func (f FuncID) sendKind() (Kind, bool) {
	switch f {
	case FuncMemDonate32, FuncMemDonate64:
		return KindDonate, true
	case FuncMemLend32, FuncMemLend64:
		return KindLend, true
	case FuncMemShare32, FuncMemShare64:
		return KindShare, true
	}
	return 0, false
}

// Reg names an argument register of an FF-A call.
type Reg int

const (
	RegX0 Reg = iota
	RegX1
	RegX2
	RegX3
	RegX4
	RegX5
	RegX6
	RegX7
)

// Value is the register file of an FF-A call or return: the function ID in
// x0 and up to seven arguments.
type Value struct {
	Func FuncID
	Arg1 uint64
	Arg2 uint64
	Arg3 uint64
	Arg4 uint64
	Arg5 uint64
	Arg6 uint64
	Arg7 uint64
}

// GetReg returns register r of v.
func (v *Value) GetReg(r Reg) (uint64, error) {
	switch r {
	case RegX0:
		return uint64(v.Func), nil
	case RegX1:
		return v.Arg1, nil
	case RegX2:
		return v.Arg2, nil
	case RegX3:
		return v.Arg3, nil
	case RegX4:
		return v.Arg4, nil
	case RegX5:
		return v.Arg5, nil
	case RegX6:
		return v.Arg6, nil
	case RegX7:
		return v.Arg7, nil
	}
	return 0, fmt.Errorf("ffa: invalid register %d (must be %d-%d)", r, RegX0, RegX7)
}

// SetReg sets register r of v. Writes to x0 are truncated to 32 bits.
func (v *Value) SetReg(r Reg, val uint64) error {
	switch r {
	case RegX0:
		v.Func = FuncID(val)
	case RegX1:
		v.Arg1 = val
	case RegX2:
		v.Arg2 = val
	case RegX3:
		v.Arg3 = val
	case RegX4:
		v.Arg4 = val
	case RegX5:
		v.Arg5 = val
	case RegX6:
		v.Arg6 = val
	case RegX7:
		v.Arg7 = val
	default:
		return fmt.Errorf("ffa: invalid register %d (must be %d-%d)", r, RegX0, RegX7)
	}
	return nil
}

// Registers returns x0 through x7.
func (v Value) Registers() [8]uint64 {
	return [8]uint64{uint64(v.Func), v.Arg1, v.Arg2, v.Arg3, v.Arg4, v.Arg5, v.Arg6, v.Arg7}
}

// ValueFromRegisters builds a Value from x0 through x7.
func ValueFromRegisters(regs [8]uint64) Value {
	return Value{
		Func: FuncID(regs[0]),
		Arg1: regs[1], Arg2: regs[2], Arg3: regs[3],
		Arg4: regs[4], Arg5: regs[5], Arg6: regs[6], Arg7: regs[7],
	}
}

func errorValue(code ErrorCode) Value {
	return Value{Func: FuncError, Arg2: uint64(uint32(code))}
}

func errorValueOf(err error) Value {
	code := CodeOf(err)
	recordCallError(code)
	return errorValue(code)
}

func successValue(h Handle) Value {
	lo, hi := h.args()
	return Value{Func: FuncSuccess32, Arg2: lo, Arg3: hi}
}

// Err returns the error carried by an FFA_ERROR return, or nil.
func (v Value) Err() error {
	if v.Func != FuncError {
		return nil
	}
	code := ErrorCode(int32(uint32(v.Arg2)))
	return &Error{Code: code}
}

// Handle returns the handle carried by a SUCCESS return (x2/x3) or by a
// fragment call or return (x1/x2).
func (v Value) Handle() Handle {
	switch v.Func {
	case FuncSuccess32, FuncSuccess64:
		return handleFromArgs(v.Arg2, v.Arg3)
	case FuncMemFragRX, FuncMemFragTX, FuncMemReclaim:
		return handleFromArgs(v.Arg1, v.Arg2)
	}
	return HandleInvalid
}

func (v Value) String() string {
	return fmt.Sprintf("%s(%#x, %#x, %#x, %#x, %#x, %#x, %#x)", v.Func, v.Arg1, v.Arg2, v.Arg3, v.Arg4, v.Arg5, v.Arg6, v.Arg7)
}
