package engine

import (
	"testing"

	"github.com/go-logr/logr"
)

func TestFindFreePortWithinRange(t *testing.T) {
	e := NewThroughputEngine("iperf3", 19200, 19210, logr.Discard())
	port, err := e.FindFreePort()
	if err != nil {
		t.Fatalf("FindFreePort: %v", err)
	}
	if port < 19200 || port > 19210 {
		t.Errorf("port %d outside configured range", port)
	}
}

func TestThroughputEnginePortRange(t *testing.T) {
	e := NewThroughputEngine("/usr/bin/iperf3", 5201, 5210, logr.Discard())
	start, end := e.PortRange()
	if start != 5201 || end != 5210 {
		t.Errorf("PortRange() = (%d, %d), want (5201, 5210)", start, end)
	}
}

func TestStartFailsOnMissingBinary(t *testing.T) {
	e := NewThroughputEngine("/nonexistent/iperf3-binary", 19300, 19305, logr.Discard())
	if _, err := e.Start(19300, 1); err == nil {
		t.Fatal("Start with a nonexistent binary: want error")
	}
}
