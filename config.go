package ffa

import (
	"fmt"
	"reflect"
	"strconv"

	"github.com/caarlos0/env/v11"
)

// MailboxSize is the size of each VM's TX and RX buffer.
const MailboxSize = PageSize

// PhysAddr is a physical address accepted in decimal or 0x-prefixed hex.
type PhysAddr uint64

type Config struct {
	MaxVMs            uint `env:"FFA_MAX_VMS"         envDefault:"16"`
	MaxShares         uint `env:"FFA_MAX_SHARES"      envDefault:"100"`
	MaxFragments      uint `env:"FFA_MAX_FRAGMENTS"   envDefault:"20"`
	MaxReceivers      uint `env:"FFA_MAX_RECEIVERS"   envDefault:"8"`
	PageTablePoolSize uint `env:"FFA_PT_POOL_ENTRIES" envDefault:"4096"`
	PhysAddressBits   uint `env:"FFA_PA_BITS"         envDefault:"48"`

	MemoryBase PhysAddr `env:"FFA_MEMORY_BASE" envDefault:"0x80000000"`
	MemorySize uint64   `env:"FFA_MEMORY_SIZE" envDefault:"16777216"`

	Debug bool `env:"FFA_DEBUG"`
}

// DefaultConfig returns the configuration used when no environment
// overrides are present.
func DefaultConfig() Config {
	return Config{
		MaxVMs:            16,
		MaxShares:         100,
		MaxFragments:      20,
		MaxReceivers:      8,
		PageTablePoolSize: 4096,
		PhysAddressBits:   48,
		MemoryBase:        0x80000000,
		MemorySize:        16 << 20,
	}
}

// ParseConfig reads the configuration from the environment.
func ParseConfig() (Config, error) {
	config, err := env.ParseAsWithOptions[Config](env.Options{
		FuncMap: map[reflect.Type]env.ParserFunc{
			reflect.TypeOf(PhysAddr(0)): parsePhysAddr,
		},
	})
	if err != nil {
		return config, err
	}
	if err := config.Validate(); err != nil {
		return config, err
	}
	return config, nil
}

func parsePhysAddr(s string) (any, error) {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse physical address %q: %w", s, err)
	}
	return PhysAddr(v), nil
}

// Validate checks the configuration for values the hypervisor cannot honor.
func (c Config) Validate() error {
	switch {
	case c.MaxVMs == 0 || c.MaxVMs >= uint(TEEID):
		return fmt.Errorf("config: FFA_MAX_VMS %d out of range [1, %d)", c.MaxVMs, TEEID)
	case c.MaxShares == 0:
		return fmt.Errorf("config: FFA_MAX_SHARES must be positive")
	case c.MaxFragments == 0:
		return fmt.Errorf("config: FFA_MAX_FRAGMENTS must be positive")
	case c.MaxReceivers == 0:
		return fmt.Errorf("config: FFA_MAX_RECEIVERS must be positive")
	case c.MaxReceivers > (MailboxSize-regionHeaderSize-compositeHeaderSize)/endpointAccessSize:
		return fmt.Errorf("config: FFA_MAX_RECEIVERS %d does not fit in one mailbox", c.MaxReceivers)
	case c.PageTablePoolSize == 0:
		return fmt.Errorf("config: FFA_PT_POOL_ENTRIES must be positive")
	case c.PhysAddressBits < 32 || c.PhysAddressBits > 52:
		return fmt.Errorf("config: FFA_PA_BITS %d out of range [32, 52]", c.PhysAddressBits)
	case !isPageAligned(uint64(c.MemoryBase)) || !isPageAligned(c.MemorySize):
		return fmt.Errorf("config: memory %#x+%#x: %w", uint64(c.MemoryBase), c.MemorySize, ErrInvalidAlignment)
	case c.MemorySize != 0 && rangeOverflows(uint64(c.MemoryBase), uint32(c.MemorySize/PageSize)):
		return fmt.Errorf("config: memory %#x+%#x: %w", uint64(c.MemoryBase), c.MemorySize, ErrAddressOverflow)
	case c.MemorySize != 0 && uint64(c.MemoryBase)+c.MemorySize > 1<<c.PhysAddressBits:
		return fmt.Errorf("config: memory ends beyond the %d-bit physical address space", c.PhysAddressBits)
	}
	return nil
}

// Limits returns the descriptor limits implied by c.
func (c Config) Limits() Limits {
	return Limits{
		MaxReceivers:        int(c.MaxReceivers),
		MaxConstituents:     int(c.MaxFragments) * (MailboxSize / constituentSize),
		PhysicalAddressBits: c.PhysAddressBits,
	}
}

// maxDescriptorLength is the largest descriptor MaxFragments mailboxes can
// carry.
func (c Config) maxDescriptorLength() uint32 {
	return uint32(c.MaxFragments) * MailboxSize
}
