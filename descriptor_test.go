package ffa

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRegion(constituents int) *MemoryRegion {
	m := &MemoryRegion{
		Sender:     vmA,
		Attributes: DefaultAttributes,
		Flags:      FlagClear | FlagTimeSlice,
		Tag:        0xfeedface,
		Receivers: []EndpointAccess{
			{Receiver: vmB, Permissions: NewPermissions(DataAccessRW, InstructionAccessNX)},
			{Receiver: vmC, Permissions: NewPermissions(DataAccessRO, InstructionAccessNotSpecified), Flags: 1},
		},
	}
	for i := range constituents {
		m.Constituents = append(m.Constituents, Constituent{Address: page(uint64(2 * i)), PageCount: 1})
	}
	return m
}

func TestRegionRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		region *MemoryRegion
	}{
		{"single constituent", testRegion(1)},
		{"many constituents", testRegion(40)},
		{"larger than a mailbox", testRegion(300)},
		{
			name: "handle and kind",
			region: func() *MemoryRegion {
				m := testRegion(2)
				m.Handle = makeHandle(7, 3)
				m.Flags = m.Flags.WithKind(KindLend)
				return m
			}(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf, err := tt.region.MarshalBinary()
			require.NoError(t, err)
			require.Len(t, buf, tt.region.EncodedLen())

			total, err := RegionLength(buf[:min(len(buf), MailboxSize)])
			require.NoError(t, err)
			assert.Equal(t, uint32(len(buf)), total)

			got, err := DecodeRegion(buf, DefaultLimits())
			require.NoError(t, err)
			if diff := cmp.Diff(tt.region, got); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRetrieveRequestRoundTrip(t *testing.T) {
	req := NewRetrieveRequest(testRegion(3), makeHandle(1, 9), KindShare, vmB, NewPermissions(DataAccessRO, InstructionAccessNX))
	buf := make([]byte, MailboxSize)
	n, err := EncodeRetrieveRequest(req, buf)
	require.NoError(t, err)
	assert.Equal(t, regionHeaderSize+2*endpointAccessSize, n)

	got, err := DecodeRetrieveRequest(buf[:n], DefaultLimits())
	require.NoError(t, err)
	if diff := cmp.Diff(req, got); diff != "" {
		t.Errorf("retrieve request mismatch (-want +got):\n%s", diff)
	}

	_, err = DecodeRetrieveRequest(buf[:n+16], DefaultLimits())
	requireCode(t, err, InvalidParameters)
	full, err := testRegion(1).MarshalBinary()
	require.NoError(t, err)
	_, err = DecodeRetrieveRequest(full, DefaultLimits())
	requireCode(t, err, InvalidParameters)
}

func TestDecodeRegionRejects(t *testing.T) {
	valid := func() []byte {
		buf, err := testRegion(2).MarshalBinary()
		require.NoError(t, err)
		return buf
	}
	const comp = regionHeaderSize + 2*endpointAccessSize
	const first = comp + compositeHeaderSize

	tests := []struct {
		name   string
		mutate func([]byte) []byte
		want   error
	}{
		{"truncated header", func(b []byte) []byte { return b[:20] }, ErrDescriptorLength},
		{"truncated constituents", func(b []byte) []byte { return b[:len(b)-8] }, ErrDescriptorLength},
		{"trailing bytes", func(b []byte) []byte { return append(b, make([]byte, 16)...) }, ErrDescriptorLength},
		{"header reserved", func(b []byte) []byte { b[3] = 1; return b }, ErrInvalidParameters},
		{"unknown flags", func(b []byte) []byte { binary.LittleEndian.PutUint32(b[4:], 1<<20); return b }, ErrInvalidParameters},
		{"reserved memory type", func(b []byte) []byte { b[2] = 3 << 4; return b }, ErrInvalidParameters},
		{"zero receivers", func(b []byte) []byte { binary.LittleEndian.PutUint32(b[28:], 0); return b }, ErrReceiverCount},
		{"too many receivers", func(b []byte) []byte { binary.LittleEndian.PutUint32(b[28:], 100); return b }, ErrReceiverCount},
		{"receiver count overruns", func(b []byte) []byte { binary.LittleEndian.PutUint32(b[28:], 8); return b[:comp+8] }, ErrDescriptorLength},
		{"duplicate receiver", func(b []byte) []byte { binary.LittleEndian.PutUint16(b[regionHeaderSize+endpointAccessSize:], uint16(vmB)); return b }, ErrInvalidParameters},
		{"reserved permissions", func(b []byte) []byte { b[regionHeaderSize+2] = 3; return b }, ErrInvalidParameters},
		{"receiver flags", func(b []byte) []byte { b[regionHeaderSize+3] = 2; return b }, ErrInvalidParameters},
		{"mismatched offsets", func(b []byte) []byte { binary.LittleEndian.PutUint32(b[regionHeaderSize+endpointAccessSize+4:], comp+8); return b }, ErrInvalidParameters},
		{
			name: "composite inside receivers",
			mutate: func(b []byte) []byte {
				binary.LittleEndian.PutUint32(b[regionHeaderSize+4:], regionHeaderSize)
				binary.LittleEndian.PutUint32(b[regionHeaderSize+endpointAccessSize+4:], regionHeaderSize)
				return b
			},
			want: ErrDescriptorLength,
		},
		{"zero constituents", func(b []byte) []byte { binary.LittleEndian.PutUint32(b[comp+4:], 0); return b }, ErrInvalidParameters},
		{"page count mismatch", func(b []byte) []byte { binary.LittleEndian.PutUint32(b[comp:], 5); return b }, ErrPageCountMismatch},
		{"zero page count", func(b []byte) []byte { binary.LittleEndian.PutUint32(b[first+8:], 0); return b }, ErrZeroPageCount},
		{"misaligned address", func(b []byte) []byte { binary.LittleEndian.PutUint64(b[first:], page(0)+0x10); return b }, ErrInvalidAlignment},
		{
			name: "address overflow",
			mutate: func(b []byte) []byte {
				binary.LittleEndian.PutUint64(b[first:], ^uint64(0)&^pageMask)
				binary.LittleEndian.PutUint32(b[first+8:], 2)
				binary.LittleEndian.PutUint32(b[comp:], 3)
				return b
			},
			want: ErrAddressOverflow,
		},
		{"beyond physical address bits", func(b []byte) []byte { binary.LittleEndian.PutUint64(b[first:], 1<<48); return b }, ErrAddressOverflow},
		{"overlapping constituents", func(b []byte) []byte { binary.LittleEndian.PutUint64(b[first+constituentSize:], page(0)); return b }, ErrOverlap},
		{"constituent reserved", func(b []byte) []byte { b[first+12] = 1; return b }, ErrInvalidParameters},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeRegion(tt.mutate(valid()), DefaultLimits())
			require.ErrorIs(t, err, tt.want)
			assert.Equal(t, InvalidParameters, CodeOf(err))
		})
	}
}

func TestEncodeRegionPageCountOverflow(t *testing.T) {
	m := testRegion(2)
	m.Constituents[0].PageCount = math.MaxUint32
	m.Constituents[1].PageCount = math.MaxUint32

	buf := bytes.Repeat([]byte{0xaa}, m.EncodedLen())
	_, err := EncodeRegion(m, buf)
	require.ErrorIs(t, err, ErrPageCountMismatch)
	assert.Equal(t, InvalidParameters, CodeOf(err))
	assert.Equal(t, bytes.Repeat([]byte{0xaa}, len(buf)), buf, "buffer written on failed encode")

	_, err = m.MarshalBinary()
	require.ErrorIs(t, err, ErrPageCountMismatch)

	m.Constituents[1].PageCount = 0
	_, err = m.MarshalBinary()
	require.NoError(t, err)
}

func TestPermissions(t *testing.T) {
	tests := []struct {
		perms Permissions
		def   Mode
		want  Mode
		str   string
	}{
		{NewPermissions(DataAccessRW, InstructionAccessX), 0, ModeRWX, "rw/x"},
		{NewPermissions(DataAccessRO, InstructionAccessNX), ModeRWX, ModeRead, "ro/nx"},
		{NewPermissions(DataAccessNotSpecified, InstructionAccessNotSpecified), ModeRead | ModeExec, ModeRead | ModeExec, "-/-"},
		{NewPermissions(DataAccessRW, InstructionAccessNotSpecified), ModeRead, ModeRW, "rw/-"},
	}
	for _, tt := range tests {
		t.Run(tt.str, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.perms.Mode(tt.def))
			assert.Equal(t, tt.str, tt.perms.String())
			assert.True(t, tt.perms.valid())
		})
	}
	assert.False(t, Permissions(0x10).valid())
}

func TestNegotiatePermissions(t *testing.T) {
	rw := NewPermissions(DataAccessRW, InstructionAccessNotSpecified)
	ro := NewPermissions(DataAccessRO, InstructionAccessNotSpecified)
	tests := []struct {
		name       string
		sent, req  Permissions
		senderMode Mode
		want       Permissions
	}{
		{"defaults", rw, 0, ModeRWX, NewPermissions(DataAccessRW, InstructionAccessX)},
		{"receiver asks less", rw, NewPermissions(DataAccessRO, InstructionAccessNX), ModeRWX, NewPermissions(DataAccessRO, InstructionAccessNX)},
		{"receiver asks more", ro, NewPermissions(DataAccessRW, InstructionAccessX), ModeRWX, NewPermissions(DataAccessRO, InstructionAccessX)},
		{"sender read only", 0, 0, ModeRead, NewPermissions(DataAccessRO, InstructionAccessNX)},
		{"share never executes", NewPermissions(DataAccessRW, InstructionAccessNX), 0, ModeRWX, NewPermissions(DataAccessRW, InstructionAccessNX)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, negotiatePermissions(tt.sent, tt.req, tt.senderMode))
		})
	}
}

func TestRegionFlags(t *testing.T) {
	f := FlagClear.WithKind(KindShare)
	assert.Equal(t, KindShare, f.Kind())
	assert.Equal(t, FlagClear, f&^flagKindMask)
	assert.Equal(t, KindDonate, f.WithKind(KindDonate).Kind())
	assert.Equal(t, Kind(0), FlagClear.Kind())
}

func TestRelinquishDescriptor(t *testing.T) {
	d := &RelinquishDescriptor{Handle: makeHandle(2, 5), Flags: FlagClear, Endpoints: []VMID{vmB}}
	buf, err := d.MarshalBinary()
	require.NoError(t, err)
	got, err := DecodeRelinquish(buf)
	require.NoError(t, err)
	if diff := cmp.Diff(d, got); diff != "" {
		t.Errorf("relinquish mismatch (-want +got):\n%s", diff)
	}

	bad := append([]byte(nil), buf...)
	binary.LittleEndian.PutUint32(bad[8:], uint32(FlagClearRelinquish))
	_, err = DecodeRelinquish(bad)
	requireCode(t, err, InvalidParameters)

	binary.LittleEndian.PutUint32(buf[12:], 0)
	_, err = DecodeRelinquish(buf)
	requireCode(t, err, InvalidParameters)

	_, err = DecodeRelinquish(buf[:8])
	require.ErrorIs(t, err, ErrDescriptorLength)
}
