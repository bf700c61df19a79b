// Package netpos classifies this host's network interfaces to report
// whether the reflector is WAN-facing, LAN-only, a hybrid of both, or
// undetermined. No third-party library in the reference corpus covers
// interface enumeration, so this is implemented directly on Go's net
// package.
package netpos

import (
	"net"
	"strings"

	"github.com/go-logr/logr"
)

// Position is where the reflector sits on the network.
type Position string

const (
	WanFacing Position = "wan"
	LanOnly   Position = "lan"
	Hybrid    Position = "hybrid"
	Unknown   Position = "unknown"
)

// ipClass classifies a single address.
type ipClass int

const (
	classLoopback ipClass = iota
	classLinkLocal
	classPrivate
	classCGNAT
	classPublic
)

// classifyIP classifies a single IP address per RFC 1918 (private),
// RFC 6598 (CGNAT), RFC 3927 / fe80::/10 (link-local), RFC 4193 (IPv6 ULA),
// loopback, and public (everything else).
func classifyIP(ip net.IP) ipClass {
	if ip.IsLoopback() {
		return classLoopback
	}
	if v4 := ip.To4(); v4 != nil {
		return classifyIPv4(v4)
	}
	return classifyIPv6(ip)
}

func classifyIPv4(v4 net.IP) ipClass {
	switch {
	case v4[0] == 169 && v4[1] == 254:
		return classLinkLocal
	case v4[0] == 10:
		return classPrivate
	case v4[0] == 172 && v4[1] >= 16 && v4[1] <= 31:
		return classPrivate
	case v4[0] == 192 && v4[1] == 168:
		return classPrivate
	case v4[0] == 100 && v4[1] >= 64 && v4[1] <= 127:
		return classCGNAT
	default:
		return classPublic
	}
}

func classifyIPv6(ip net.IP) ipClass {
	if ip.IsLinkLocalUnicast() {
		return classLinkLocal
	}
	// Unique Local Address: fc00::/7
	if ip[0]&0xfe == 0xfc {
		return classPrivate
	}
	return classPublic
}

// Detect enumerates non-loopback local interface addresses and reduces
// their classifications to a single network position.
func Detect(log logr.Logger) Position {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		log.V(1).Info("failed to enumerate interface addresses", "error", err.Error())
		return Unknown
	}

	var hasPublic, hasPrivate bool
	count := 0
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		class := classifyIP(ipNet.IP)
		if class == classLoopback {
			continue
		}
		count++
		switch class {
		case classPublic:
			hasPublic = true
		case classPrivate, classCGNAT, classLinkLocal:
			hasPrivate = true
		}
	}

	if count == 0 {
		return Unknown
	}
	switch {
	case hasPublic && hasPrivate:
		return Hybrid
	case hasPublic:
		return WanFacing
	case hasPrivate:
		return LanOnly
	default:
		return Unknown
	}
}

// Resolve returns the effective network position: deploymentMode parsed
// directly if it names a concrete position, or auto-detected if it is
// "auto", empty, or unrecognized.
func Resolve(deploymentMode string, log logr.Logger) Position {
	switch strings.ToLower(deploymentMode) {
	case "wan":
		return WanFacing
	case "lan":
		return LanOnly
	case "hybrid":
		return Hybrid
	case "auto", "":
		return Detect(log)
	default:
		log.Info("unknown deployment mode, falling back to auto-detect", "mode", deploymentMode)
		return Detect(log)
	}
}
