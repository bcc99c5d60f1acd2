package router

import (
	"time"

	"github.com/soypat/lneto-router/arpcache"
	"github.com/soypat/lneto-router/nat"
)

// Config holds the router's startup configuration: the NAT on/off switch,
// the internal/external interface names, and the named timeout constants.
// Process startup/CLI parsing into a Config is the caller's concern (see
// cmd/router); the engine itself just consumes the struct.
type Config struct {
	NATEnabled    bool
	InternalIface string
	ExternalIface string

	ARPCacheCapacity int
	ARPEntryTTL      time.Duration
	ARPRetryInterval time.Duration
	ARPMaxAttempts   int

	NATPoolLo, NATPoolHi uint16
	NATTimeouts          nat.Timeouts
}

// DefaultConfig returns the timeout/capacity defaults. NATEnabled,
// InternalIface and ExternalIface are left zero for the caller to fill in.
func DefaultConfig() Config {
	return Config{
		ARPCacheCapacity: arpcache.DefaultCapacity,
		ARPEntryTTL:      arpcache.DefaultEntryTTL,
		ARPRetryInterval: arpcache.DefaultRetryInterval,
		ARPMaxAttempts:   arpcache.DefaultMaxAttempts,
		NATPoolLo:        1024,
		NATPoolHi:        65535,
		NATTimeouts:      nat.DefaultTimeouts(),
	}
}
