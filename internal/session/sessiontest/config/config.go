package config

import (
	"net/netip"
	"time"
)

// Config defines the configuration for the peer test program.
type Config struct {
	// Mode is "host" or "find".
	Mode      string
	Nickname  string
	Session   string
	Port      uint16
	Broadcast netip.Addr
	// Duration is how long a host advertises or a finder searches.
	Duration time.Duration
	// WantHosts is the owner names a finder expects to find.
	WantHosts []string
}
