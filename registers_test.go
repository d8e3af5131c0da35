package ffa

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFuncID(t *testing.T) {
	assert.Equal(t, "FFA_MEM_LEND_64", FuncMemLend64.String())
	assert.Equal(t, "FFA_MEM_FRAG_TX", FuncMemFragTX.String())
	assert.Equal(t, "FuncID(0x1)", FuncID(1).String())

	tests := []struct {
		f    FuncID
		kind Kind
		ok   bool
	}{
		{FuncMemDonate32, KindDonate, true},
		{FuncMemDonate64, KindDonate, true},
		{FuncMemLend32, KindLend, true},
		{FuncMemLend64, KindLend, true},
		{FuncMemShare32, KindShare, true},
		{FuncMemShare64, KindShare, true},
		{FuncMemRetrieveReq32, 0, false},
		{FuncMemReclaim, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.f.String(), func(t *testing.T) {
			kind, ok := tt.f.sendKind()
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.kind, kind)
		})
	}
}

func TestGetSetReg(t *testing.T) {
	var v Value
	for r := RegX0; r <= RegX7; r++ {
		require.NoError(t, v.SetReg(r, uint64(r)+0x100))
	}
	for r := RegX0; r <= RegX7; r++ {
		got, err := v.GetReg(r)
		require.NoError(t, err)
		assert.Equal(t, uint64(r)+0x100, got, "x%d", r)
	}

	_, err := v.GetReg(Reg(8))
	assert.Error(t, err)
	assert.Error(t, v.SetReg(Reg(-1), 0))

	require.NoError(t, v.SetReg(RegX0, 1<<32|uint64(FuncMemShare32)))
	assert.Equal(t, FuncMemShare32, v.Func)
}

func TestValueRegisters(t *testing.T) {
	v := Value{Func: FuncMemRetrieveResp, Arg1: 1, Arg2: 2, Arg3: 3, Arg4: 4, Arg5: 5, Arg6: 6, Arg7: 7}
	regs := v.Registers()
	assert.Equal(t, [8]uint64{uint64(FuncMemRetrieveResp), 1, 2, 3, 4, 5, 6, 7}, regs)
	assert.Equal(t, v, ValueFromRegisters(regs))
}

func TestValueResults(t *testing.T) {
	h := makeHandle(3, 4)

	ok := successValue(h)
	assert.NoError(t, ok.Err())
	assert.Equal(t, h, ok.Handle())

	lo, hi := h.args()
	frag := Value{Func: FuncMemFragRX, Arg1: lo, Arg2: hi, Arg3: 4096}
	assert.Equal(t, h, frag.Handle())
	assert.Equal(t, HandleInvalid, Value{Func: FuncMemRetrieveResp}.Handle())

	bad := errorValue(Denied)
	assert.Equal(t, FuncError, bad.Func)
	assert.ErrorIs(t, bad.Err(), ErrDenied)
	assert.Equal(t, Denied, CodeOf(bad.Err()))
	assert.Contains(t, bad.String(), "FFA_ERROR(")
}
