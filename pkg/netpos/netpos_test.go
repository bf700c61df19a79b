package netpos

import (
	"net"
	"testing"

	"github.com/go-logr/logr"
)

func TestClassifyIPv4(t *testing.T) {
	cases := []struct {
		ip   string
		want ipClass
	}{
		{"127.0.0.1", classLoopback},
		{"169.254.1.1", classLinkLocal},
		{"10.0.0.1", classPrivate},
		{"172.16.0.1", classPrivate},
		{"172.31.255.255", classPrivate},
		{"172.15.0.1", classPublic},
		{"172.32.0.1", classPublic},
		{"192.168.0.1", classPrivate},
		{"100.64.0.1", classCGNAT},
		{"100.127.255.255", classCGNAT},
		{"100.63.0.1", classPublic},
		{"100.128.0.1", classPublic},
		{"8.8.8.8", classPublic},
	}
	for _, c := range cases {
		got := classifyIP(net.ParseIP(c.ip))
		if got != c.want {
			t.Errorf("classifyIP(%s) = %v, want %v", c.ip, got, c.want)
		}
	}
}

func TestClassifyIPv6(t *testing.T) {
	cases := []struct {
		ip   string
		want ipClass
	}{
		{"::1", classLoopback},
		{"fe80::1", classLinkLocal},
		{"fd00::1", classPrivate},
		{"fc00::1", classPrivate},
		{"2001:4860:4860::8888", classPublic},
	}
	for _, c := range cases {
		got := classifyIP(net.ParseIP(c.ip))
		if got != c.want {
			t.Errorf("classifyIP(%s) = %v, want %v", c.ip, got, c.want)
		}
	}
}

func TestResolveManualOverrides(t *testing.T) {
	cases := map[string]Position{
		"wan":    WanFacing,
		"WAN":    WanFacing,
		"lan":    LanOnly,
		"LAN":    LanOnly,
		"hybrid": Hybrid,
	}
	for mode, want := range cases {
		if got := Resolve(mode, logr.Discard()); got != want {
			t.Errorf("Resolve(%q) = %v, want %v", mode, got, want)
		}
	}
}

func TestResolveAutoReturnsValidPosition(t *testing.T) {
	pos := Resolve("auto", logr.Discard())
	switch pos {
	case WanFacing, LanOnly, Hybrid, Unknown:
	default:
		t.Errorf("Resolve(auto) = %v, not a valid position", pos)
	}
}

func TestDetectDoesNotPanic(t *testing.T) {
	_ = Detect(logr.Discard())
}
