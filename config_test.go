package ffa

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no VMs", func(c *Config) { c.MaxVMs = 0 }},
		{"VM IDs reach the secure world", func(c *Config) { c.MaxVMs = uint(TEEID) }},
		{"no shares", func(c *Config) { c.MaxShares = 0 }},
		{"no fragments", func(c *Config) { c.MaxFragments = 0 }},
		{"no receivers", func(c *Config) { c.MaxReceivers = 0 }},
		{"receivers overflow mailbox", func(c *Config) { c.MaxReceivers = 300 }},
		{"empty pool", func(c *Config) { c.PageTablePoolSize = 0 }},
		{"PA bits too small", func(c *Config) { c.PhysAddressBits = 16 }},
		{"PA bits too large", func(c *Config) { c.PhysAddressBits = 64 }},
		{"misaligned base", func(c *Config) { c.MemoryBase = 0x80000010 }},
		{"beyond PA bits", func(c *Config) { c.PhysAddressBits = 32; c.MemoryBase = 0xffff0000; c.MemorySize = 1 << 20 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestParseConfig(t *testing.T) {
	t.Setenv("FFA_MAX_VMS", "8")
	t.Setenv("FFA_MEMORY_BASE", "0x40000000")
	t.Setenv("FFA_MEMORY_SIZE", "1048576")
	t.Setenv("FFA_DEBUG", "true")

	cfg, err := ParseConfig()
	require.NoError(t, err)
	want := DefaultConfig()
	want.MaxVMs = 8
	want.MemoryBase = 0x40000000
	want.MemorySize = 1 << 20
	want.Debug = true
	assert.Equal(t, want, cfg)

	limits := cfg.Limits()
	assert.Equal(t, int(cfg.MaxReceivers), limits.MaxReceivers)
	assert.Equal(t, 20*MailboxSize/constituentSize, limits.MaxConstituents)
	assert.Equal(t, uint32(20*MailboxSize), cfg.maxDescriptorLength())
}

func TestParseConfigRejects(t *testing.T) {
	for name, env := range map[string][2]string{
		"bad address": {"FFA_MEMORY_BASE", "0xzz"},
		"bad count":   {"FFA_MAX_SHARES", "many"},
		"invalid":     {"FFA_MAX_SHARES", "0"},
	} {
		t.Run(name, func(t *testing.T) {
			t.Setenv(env[0], env[1])
			_, err := ParseConfig()
			assert.Error(t, err)
		})
	}
}
