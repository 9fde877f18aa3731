package coordinator

import (
	"github.com/haioco/antisanction/pkg/config"
)

// Offsets of the derived listeners relative to the configured local port.
const (
	pacPortOffset   = 3
	mixedPortOffset = 6
)

// Ports derives the proxy core's listener ports from the local port.
type Ports struct {
	LocalPort int
	MixedPort int // explicit override
	PacPort   int // explicit override
}

// PortsFromConfig reads the port settings of cfg.
func PortsFromConfig(cfg *config.Config) Ports {
	return Ports{
		LocalPort: cfg.Inbound.LocalPort,
		MixedPort: cfg.Inbound.MixedPort,
		PacPort:   cfg.Pac.Port,
	}
}

// Socks is the SOCKS inbound.
func (p Ports) Socks() int {
	return p.LocalPort
}

// Mixed is the HTTP+SOCKS inbound the OS is pointed at. Zero or negative
// means the port is unknown.
func (p Ports) Mixed() int {
	if p.MixedPort > 0 {
		return p.MixedPort
	}
	if p.LocalPort > 0 {
		return p.LocalPort + mixedPortOffset
	}
	return 0
}

// Pac is the PAC server port.
func (p Ports) Pac() int {
	if p.PacPort > 0 {
		return p.PacPort
	}
	if p.LocalPort > 0 {
		return p.LocalPort + pacPortOffset
	}
	return 0
}
