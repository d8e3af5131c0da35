package ffa

import (
	"encoding/binary"
	"fmt"
	"math"
	"slices"
)

// Wire sizes of the memory region descriptor parts.
const (
	regionHeaderSize     = 32
	endpointAccessSize   = 16
	compositeHeaderSize  = 16
	constituentSize      = 16
	relinquishHeaderSize = 16
)

// DataAccess is the data access permission of a receiver.
type DataAccess uint8

const (
	DataAccessNotSpecified DataAccess = iota
	DataAccessRO
	DataAccessRW
	DataAccessReserved
)

// InstructionAccess is the instruction access permission of a receiver.
type InstructionAccess uint8

const (
	InstructionAccessNotSpecified InstructionAccess = iota
	InstructionAccessNX
	InstructionAccessX
	InstructionAccessReserved
)

// Permissions packs data access into bits [1:0] and instruction access into
// bits [3:2].
type Permissions uint8

// NewPermissions returns the packed permissions byte.
func NewPermissions(d DataAccess, i InstructionAccess) Permissions {
	return Permissions(d&3) | Permissions(i&3)<<2
}

func (p Permissions) DataAccess() DataAccess               { return DataAccess(p & 3) }
func (p Permissions) InstructionAccess() InstructionAccess { return InstructionAccess(p >> 2 & 3) }

func (p Permissions) valid() bool {
	return p&^0xf == 0 &&
		p.DataAccess() != DataAccessReserved &&
		p.InstructionAccess() != InstructionAccessReserved
}

// Mode converts p to a stage-2 mode. Unspecified fields take their value
// from def.
func (p Permissions) Mode(def Mode) Mode {
	var m Mode
	switch p.DataAccess() {
	case DataAccessNotSpecified:
		m |= def & ModeRW
	case DataAccessRO:
		m |= ModeRead
	case DataAccessRW:
		m |= ModeRW
	}
	switch p.InstructionAccess() {
	case InstructionAccessNotSpecified:
		m |= def & ModeExec
	case InstructionAccessX:
		m |= ModeExec
	}
	return m
}

func (p Permissions) String() string {
	d := [...]string{"-", "ro", "rw", "reserved"}[p.DataAccess()]
	i := [...]string{"-", "nx", "x", "reserved"}[p.InstructionAccess()]
	return d + "/" + i
}

// MemoryType is the memory type field of the attributes byte.
type MemoryType uint8

const (
	MemoryNotSpecified MemoryType = iota
	MemoryDevice
	MemoryNormal
	MemoryReserved
)

// Cacheability applies to normal memory.
type Cacheability uint8

const (
	CacheNonCacheable Cacheability = 1
	CacheWriteBack    Cacheability = 3
)

// Shareability applies to normal memory.
type Shareability uint8

const (
	NonShareable   Shareability = 0
	OuterShareable Shareability = 2
	InnerShareable Shareability = 3
)

// MemoryAttributes packs type into bits [5:4], cacheability into [3:2] and
// shareability into [1:0].
type MemoryAttributes uint8

// DefaultAttributes is normal write-back inner-shareable memory.
var DefaultAttributes = NewAttributes(MemoryNormal, CacheWriteBack, InnerShareable)

// NewAttributes returns the packed attributes byte.
func NewAttributes(t MemoryType, c Cacheability, s Shareability) MemoryAttributes {
	return MemoryAttributes(t&3)<<4 | MemoryAttributes(c&3)<<2 | MemoryAttributes(s&3)
}

func (a MemoryAttributes) Type() MemoryType           { return MemoryType(a >> 4 & 3) }
func (a MemoryAttributes) Cacheability() Cacheability { return Cacheability(a >> 2 & 3) }
func (a MemoryAttributes) Shareability() Shareability { return Shareability(a & 3) }

// Kind is the transaction type of a memory region.
type Kind uint8

const (
	KindShare  Kind = 1
	KindLend   Kind = 2
	KindDonate Kind = 3
)

func (k Kind) String() string {
	switch k {
	case KindShare:
		return "share"
	case KindLend:
		return "lend"
	case KindDonate:
		return "donate"
	default:
		return "unspecified"
	}
}

// RegionFlags is the flags word of a memory region descriptor.
type RegionFlags uint32

const (
	// FlagClear zeroes memory before it is mapped for a receiver.
	FlagClear RegionFlags = 1 << 0
	// FlagTimeSlice permits time slicing; it is accepted and ignored.
	FlagTimeSlice RegionFlags = 1 << 1
	// FlagClearRelinquish zeroes memory after the last relinquish.
	FlagClearRelinquish RegionFlags = 1 << 2
	// FlagSenderReadOnly drops the sender to read-only while shared.
	FlagSenderReadOnly RegionFlags = 1 << 9

	flagKindShift = 3
	flagKindMask  = RegionFlags(3) << flagKindShift

	regionFlagsMask     = FlagClear | FlagTimeSlice | FlagClearRelinquish | flagKindMask | FlagSenderReadOnly
	relinquishFlagsMask = FlagClear | FlagTimeSlice
)

// Kind returns the transaction type carried in f, or 0 if unspecified.
func (f RegionFlags) Kind() Kind { return Kind((f & flagKindMask) >> flagKindShift) }

// WithKind returns f with its transaction type set to k.
func (f RegionFlags) WithKind(k Kind) RegionFlags {
	return f&^flagKindMask | RegionFlags(k)<<flagKindShift&flagKindMask
}

// EndpointAccess grants one receiver access to the region.
type EndpointAccess struct {
	Receiver    VMID
	Permissions Permissions
	Flags       uint8
}

// Constituent is one physically contiguous run of pages.
type Constituent struct {
	Address   uint64
	PageCount uint32
}

// Range returns the physical range c covers.
func (c Constituent) Range() Range { return PageRange(c.Address, c.PageCount) }

// MemoryRegion is a decoded memory region descriptor. Retrieve requests
// carry no constituents.
type MemoryRegion struct {
	Sender       VMID
	Attributes   MemoryAttributes
	Flags        RegionFlags
	Handle       Handle
	Tag          uint64
	Receivers    []EndpointAccess
	Constituents []Constituent
}

// PageCount returns the total number of pages over all constituents.
func (m *MemoryRegion) PageCount() uint64 {
	var n uint64
	for _, c := range m.Constituents {
		n += uint64(c.PageCount)
	}
	return n
}

// Ranges returns the physical range of every constituent.
func (m *MemoryRegion) Ranges() []Range {
	out := make([]Range, len(m.Constituents))
	for i, c := range m.Constituents {
		out[i] = c.Range()
	}
	return out
}

// receiver returns the access entry for id.
func (m *MemoryRegion) receiver(id VMID) (EndpointAccess, int, bool) {
	for i, r := range m.Receivers {
		if r.Receiver == id {
			return r, i, true
		}
	}
	return EndpointAccess{}, -1, false
}

// EncodedLen returns the size of the full region descriptor.
func (m *MemoryRegion) EncodedLen() int {
	return m.compositeOffset() + compositeHeaderSize + len(m.Constituents)*constituentSize
}

func (m *MemoryRegion) compositeOffset() int {
	return regionHeaderSize + len(m.Receivers)*endpointAccessSize
}

// Limits bounds what a decoded descriptor may describe.
type Limits struct {
	MaxReceivers        int
	MaxConstituents     int
	PhysicalAddressBits uint
}

// DefaultLimits returns the limits of a default Config.
func DefaultLimits() Limits {
	return DefaultConfig().Limits()
}

func (l Limits) addressLimit() uint64 {
	if l.PhysicalAddressBits == 0 || l.PhysicalAddressBits >= 64 {
		return 0
	}
	return 1 << l.PhysicalAddressBits
}

// EncodeRegion writes the full descriptor of m into buf and returns the
// number of bytes written.
func EncodeRegion(m *MemoryRegion, buf []byte) (int, error) {
	if len(m.Receivers) == 0 {
		return 0, fmt.Errorf("encode region: %w", ErrReceiverCount)
	}
	n := m.EncodedLen()
	if len(buf) < n {
		return 0, fmt.Errorf("encode region: need %d bytes, have %d: %w", n, len(buf), ErrDescriptorLength)
	}
	var pages uint64
	for _, c := range m.Constituents {
		pages += uint64(c.PageCount)
	}
	if pages > math.MaxUint32 {
		return 0, fmt.Errorf("encode region: %d pages: %w", pages, ErrPageCountMismatch)
	}

	clear(buf[:n])
	off := m.compositeOffset()
	putRegionHeader(buf, m, uint32(off))
	binary.LittleEndian.PutUint32(buf[off:], uint32(pages))
	binary.LittleEndian.PutUint32(buf[off+4:], uint32(len(m.Constituents)))
	p := off + compositeHeaderSize
	for _, c := range m.Constituents {
		binary.LittleEndian.PutUint64(buf[p:], c.Address)
		binary.LittleEndian.PutUint32(buf[p+8:], c.PageCount)
		p += constituentSize
	}
	return n, nil
}

// MarshalBinary encodes m as a full region descriptor.
func (m *MemoryRegion) MarshalBinary() ([]byte, error) {
	buf := make([]byte, m.EncodedLen())
	if _, err := EncodeRegion(m, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// EncodeRetrieveRequest writes m as a retrieve request: header and receiver
// entries with no composite.
func EncodeRetrieveRequest(m *MemoryRegion, buf []byte) (int, error) {
	if len(m.Receivers) == 0 {
		return 0, fmt.Errorf("encode retrieve request: %w", ErrReceiverCount)
	}
	n := m.compositeOffset()
	if len(buf) < n {
		return 0, fmt.Errorf("encode retrieve request: need %d bytes, have %d: %w", n, len(buf), ErrDescriptorLength)
	}
	clear(buf[:n])
	putRegionHeader(buf, m, 0)
	return n, nil
}

func putRegionHeader(buf []byte, m *MemoryRegion, compositeOffset uint32) {
	binary.LittleEndian.PutUint16(buf[0:], uint16(m.Sender))
	buf[2] = byte(m.Attributes)
	binary.LittleEndian.PutUint32(buf[4:], uint32(m.Flags))
	binary.LittleEndian.PutUint64(buf[8:], uint64(m.Handle))
	binary.LittleEndian.PutUint64(buf[16:], m.Tag)
	binary.LittleEndian.PutUint32(buf[28:], uint32(len(m.Receivers)))
	p := regionHeaderSize
	for _, r := range m.Receivers {
		binary.LittleEndian.PutUint16(buf[p:], uint16(r.Receiver))
		buf[p+2] = byte(r.Permissions)
		buf[p+3] = r.Flags
		binary.LittleEndian.PutUint32(buf[p+4:], compositeOffset)
		p += endpointAccessSize
	}
}

// DecodeRegion decodes and validates a full region descriptor. buf must hold
// exactly one descriptor. No partially decoded region is ever returned.
func DecodeRegion(buf []byte, lim Limits) (*MemoryRegion, error) {
	m, off, err := decodeHeader(buf, lim)
	if err != nil {
		return nil, err
	}
	if off == 0 || off%8 != 0 || off < uint32(m.compositeOffset()) {
		return nil, fmt.Errorf("decode region: composite offset %d: %w", off, ErrDescriptorLength)
	}
	if uint64(off)+compositeHeaderSize > uint64(len(buf)) {
		return nil, fmt.Errorf("decode region: composite at %d beyond %d bytes: %w", off, len(buf), ErrDescriptorLength)
	}
	comp := buf[off:]
	total := binary.LittleEndian.Uint32(comp[0:])
	count := binary.LittleEndian.Uint32(comp[4:])
	if binary.LittleEndian.Uint64(comp[8:]) != 0 {
		return nil, fmt.Errorf("decode region: composite reserved field: %w", ErrInvalidParameters)
	}
	if count == 0 || (lim.MaxConstituents > 0 && count > uint32(lim.MaxConstituents)) {
		return nil, fmt.Errorf("decode region: %d constituents: %w", count, ErrInvalidParameters)
	}
	if want := uint64(off) + compositeHeaderSize + uint64(count)*constituentSize; want != uint64(len(buf)) {
		return nil, fmt.Errorf("decode region: %d constituents need %d bytes, have %d: %w", count, want, len(buf), ErrDescriptorLength)
	}

	limit := lim.addressLimit()
	m.Constituents = make([]Constituent, count)
	ranges := make([]Range, count)
	var pages uint64
	p := off + compositeHeaderSize
	for i := range m.Constituents {
		c := Constituent{
			Address:   binary.LittleEndian.Uint64(buf[p:]),
			PageCount: binary.LittleEndian.Uint32(buf[p+8:]),
		}
		if binary.LittleEndian.Uint32(buf[p+12:]) != 0 {
			return nil, fmt.Errorf("decode region: constituent %d reserved field: %w", i, ErrInvalidParameters)
		}
		switch {
		case c.PageCount == 0:
			return nil, fmt.Errorf("decode region: constituent %d: %w", i, ErrZeroPageCount)
		case !isPageAligned(c.Address):
			return nil, fmt.Errorf("decode region: constituent %d at %#x: %w", i, c.Address, ErrInvalidAlignment)
		case rangeOverflows(c.Address, c.PageCount):
			return nil, fmt.Errorf("decode region: constituent %d at %#x: %w", i, c.Address, ErrAddressOverflow)
		case limit != 0 && c.Range().End > limit:
			return nil, fmt.Errorf("decode region: constituent %d ends beyond %d-bit address space: %w", i, lim.PhysicalAddressBits, ErrAddressOverflow)
		}
		m.Constituents[i] = c
		ranges[i] = c.Range()
		pages += uint64(c.PageCount)
		p += constituentSize
	}
	if pages != uint64(total) {
		return nil, fmt.Errorf("decode region: header says %d pages, constituents hold %d: %w", total, pages, ErrPageCountMismatch)
	}
	slices.SortFunc(ranges, func(a, b Range) int {
		switch {
		case a.Begin < b.Begin:
			return -1
		case a.Begin > b.Begin:
			return 1
		}
		return 0
	})
	for i := 1; i < len(ranges); i++ {
		if ranges[i-1].Overlaps(ranges[i]) {
			return nil, fmt.Errorf("decode region: %s and %s: %w", ranges[i-1], ranges[i], ErrOverlap)
		}
	}
	return m, nil
}

// DecodeRetrieveRequest decodes a retrieve request, which must carry zero
// composite offsets and nothing past its receiver entries.
func DecodeRetrieveRequest(buf []byte, lim Limits) (*MemoryRegion, error) {
	m, off, err := decodeHeader(buf, lim)
	if err != nil {
		return nil, err
	}
	if off != 0 {
		return nil, fmt.Errorf("decode retrieve request: retriever-specified composite: %w", ErrInvalidParameters)
	}
	if len(buf) != m.compositeOffset() {
		return nil, fmt.Errorf("decode retrieve request: %d bytes for %d receivers: %w", len(buf), len(m.Receivers), ErrDescriptorLength)
	}
	return m, nil
}

// decodeHeader decodes the header and receiver entries shared by all region
// descriptors and returns the common composite offset.
func decodeHeader(buf []byte, lim Limits) (*MemoryRegion, uint32, error) {
	if len(buf) < regionHeaderSize {
		return nil, 0, fmt.Errorf("decode: %d bytes is shorter than the header: %w", len(buf), ErrDescriptorLength)
	}
	if buf[3] != 0 || binary.LittleEndian.Uint32(buf[24:]) != 0 {
		return nil, 0, fmt.Errorf("decode: header reserved field: %w", ErrInvalidParameters)
	}
	m := &MemoryRegion{
		Sender:     VMID(binary.LittleEndian.Uint16(buf[0:])),
		Attributes: MemoryAttributes(buf[2]),
		Flags:      RegionFlags(binary.LittleEndian.Uint32(buf[4:])),
		Handle:     Handle(binary.LittleEndian.Uint64(buf[8:])),
		Tag:        binary.LittleEndian.Uint64(buf[16:]),
	}
	if m.Flags&^regionFlagsMask != 0 {
		return nil, 0, fmt.Errorf("decode: flags %#x: %w", uint32(m.Flags), ErrInvalidParameters)
	}
	if m.Attributes&^0x3f != 0 || m.Attributes.Type() == MemoryReserved {
		return nil, 0, fmt.Errorf("decode: attributes %#x: %w", uint8(m.Attributes), ErrInvalidParameters)
	}
	count := binary.LittleEndian.Uint32(buf[28:])
	if count == 0 || (lim.MaxReceivers > 0 && count > uint32(lim.MaxReceivers)) {
		return nil, 0, fmt.Errorf("decode: %d receivers: %w", count, ErrReceiverCount)
	}
	if regionHeaderSize+uint64(count)*endpointAccessSize > uint64(len(buf)) {
		return nil, 0, fmt.Errorf("decode: %d receivers overrun %d bytes: %w", count, len(buf), ErrDescriptorLength)
	}

	m.Receivers = make([]EndpointAccess, count)
	var off uint32
	p := regionHeaderSize
	for i := range m.Receivers {
		r := EndpointAccess{
			Receiver:    VMID(binary.LittleEndian.Uint16(buf[p:])),
			Permissions: Permissions(buf[p+2]),
			Flags:       buf[p+3],
		}
		o := binary.LittleEndian.Uint32(buf[p+4:])
		switch {
		case binary.LittleEndian.Uint64(buf[p+8:]) != 0:
			return nil, 0, fmt.Errorf("decode: receiver %d reserved field: %w", i, ErrInvalidParameters)
		case !r.Permissions.valid():
			return nil, 0, fmt.Errorf("decode: receiver %d permissions %#x: %w", i, uint8(r.Permissions), ErrInvalidParameters)
		case r.Flags&^1 != 0:
			return nil, 0, fmt.Errorf("decode: receiver %d flags %#x: %w", i, r.Flags, ErrInvalidParameters)
		case i > 0 && o != off:
			return nil, 0, fmt.Errorf("decode: receiver %d composite offset %d differs from %d: %w", i, o, off, ErrInvalidParameters)
		}
		for _, prev := range m.Receivers[:i] {
			if prev.Receiver == r.Receiver {
				return nil, 0, fmt.Errorf("decode: receiver %s listed twice: %w", r.Receiver, ErrInvalidParameters)
			}
		}
		off = o
		m.Receivers[i] = r
		p += endpointAccessSize
	}
	return m, off, nil
}

// RegionLength returns the total descriptor length implied by the first
// fragment of a region descriptor.
func RegionLength(first []byte) (uint32, error) {
	if len(first) < regionHeaderSize+endpointAccessSize {
		return 0, fmt.Errorf("region length: %d bytes: %w", len(first), ErrDescriptorLength)
	}
	off := uint64(binary.LittleEndian.Uint32(first[regionHeaderSize+4:]))
	if off == 0 || off+compositeHeaderSize > uint64(len(first)) {
		return 0, fmt.Errorf("region length: composite at %d not in first fragment of %d bytes: %w", off, len(first), ErrDescriptorLength)
	}
	count := uint64(binary.LittleEndian.Uint32(first[off+4:]))
	total := off + compositeHeaderSize + count*constituentSize
	if total > 1<<32-1 {
		return 0, fmt.Errorf("region length: %d bytes: %w", total, ErrDescriptorLength)
	}
	return uint32(total), nil
}

// RelinquishDescriptor asks the hypervisor to unmap a retrieved region.
type RelinquishDescriptor struct {
	Handle    Handle
	Flags     RegionFlags
	Endpoints []VMID
}

// EncodedLen returns the wire size of d.
func (d *RelinquishDescriptor) EncodedLen() int {
	return relinquishHeaderSize + 2*len(d.Endpoints)
}

// MarshalBinary encodes d.
func (d *RelinquishDescriptor) MarshalBinary() ([]byte, error) {
	buf := make([]byte, d.EncodedLen())
	binary.LittleEndian.PutUint64(buf[0:], uint64(d.Handle))
	binary.LittleEndian.PutUint32(buf[8:], uint32(d.Flags))
	binary.LittleEndian.PutUint32(buf[12:], uint32(len(d.Endpoints)))
	for i, e := range d.Endpoints {
		binary.LittleEndian.PutUint16(buf[relinquishHeaderSize+2*i:], uint16(e))
	}
	return buf, nil
}

// DecodeRelinquish decodes a relinquish descriptor from the start of buf.
func DecodeRelinquish(buf []byte) (*RelinquishDescriptor, error) {
	if len(buf) < relinquishHeaderSize {
		return nil, fmt.Errorf("decode relinquish: %d bytes: %w", len(buf), ErrDescriptorLength)
	}
	d := &RelinquishDescriptor{
		Handle: Handle(binary.LittleEndian.Uint64(buf[0:])),
		Flags:  RegionFlags(binary.LittleEndian.Uint32(buf[8:])),
	}
	if d.Flags&^relinquishFlagsMask != 0 {
		return nil, fmt.Errorf("decode relinquish: flags %#x: %w", uint32(d.Flags), ErrInvalidParameters)
	}
	count := uint64(binary.LittleEndian.Uint32(buf[12:]))
	if count == 0 || relinquishHeaderSize+2*count > uint64(len(buf)) {
		return nil, fmt.Errorf("decode relinquish: %d endpoints: %w", count, ErrDescriptorLength)
	}
	d.Endpoints = make([]VMID, count)
	for i := range d.Endpoints {
		d.Endpoints[i] = VMID(binary.LittleEndian.Uint16(buf[relinquishHeaderSize+2*i:]))
	}
	return d, nil
}
