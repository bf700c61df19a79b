package engine

import (
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
)

// ThroughputEngine supervises an iperf3 server process for bounded
// throughput tests.
type ThroughputEngine struct {
	iperf3Path     string
	portRangeStart uint16
	portRangeEnd   uint16
	log            logr.Logger
}

// NewThroughputEngine returns a ThroughputEngine bound to the given iperf3
// binary path and ephemeral port range (inclusive).
func NewThroughputEngine(iperf3Path string, portRangeStart, portRangeEnd uint16, log logr.Logger) *ThroughputEngine {
	return &ThroughputEngine{
		iperf3Path:     iperf3Path,
		portRangeStart: portRangeStart,
		portRangeEnd:   portRangeEnd,
		log:            log,
	}
}

// PortRange returns the configured (start, end) port bounds.
func (e *ThroughputEngine) PortRange() (uint16, uint16) {
	return e.portRangeStart, e.portRangeEnd
}

// FindFreePort scans the configured range, binding and immediately
// releasing each candidate port, and returns the first one available.
func (e *ThroughputEngine) FindFreePort() (uint16, error) {
	for port := e.portRangeStart; port <= e.portRangeEnd; port++ {
		addr := fmt.Sprintf("0.0.0.0:%d", port)
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			if port == e.portRangeEnd {
				break
			}
			continue
		}
		ln.Close()
		return port, nil
	}
	return 0, fmt.Errorf("engine: no free port in range %d-%d", e.portRangeStart, e.portRangeEnd)
}

// Start spawns `iperf3 -s -p <port> --one-off` and supervises it until
// shutdown is requested, the duration elapses, or it exits naturally,
// whichever happens first. The three events are raced in a single select;
// when more than one is ready at the same moment, which one is handled is
// not ordered.
func (e *ThroughputEngine) Start(port uint16, duration time.Duration) (*Handle, error) {
	testID := uuid.NewString()
	shutdown := make(chan struct{})
	done := make(chan Result, 1)

	cmd := exec.Command(e.iperf3Path, "-s", "-p", strconv.Itoa(int(port)), "--one-off")
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("engine: spawn iperf3 at %q on port %d: %w", e.iperf3Path, port, err)
	}

	log := e.log.WithValues("testID", testID, "port", port)
	log.Info("starting iperf3 server")

	go func() {
		start := time.Now()
		exitCh := make(chan error, 1)
		go func() { exitCh <- cmd.Wait() }()

		timer := time.NewTimer(duration)
		defer timer.Stop()

		select {
		case <-shutdown:
			log.V(1).Info("shutdown signal received, terminating iperf3")
			terminateChild(cmd, exitCh, log)
			done <- Result{Outcome: Completed, DurationSec: time.Since(start).Seconds()}

		case <-timer.C:
			log.Info("iperf3 test timed out, terminating")
			terminateChild(cmd, exitCh, log)
			done <- Result{Outcome: TimedOut, DurationSec: time.Since(start).Seconds()}

		case err := <-exitCh:
			elapsed := time.Since(start).Seconds()
			if err != nil {
				done <- Result{Outcome: Error, DurationSec: elapsed, Err: fmt.Errorf("iperf3 exited: %w", err)}
				return
			}
			log.Info("iperf3 exited", "durationSec", elapsed)
			done <- Result{Outcome: Completed, DurationSec: elapsed}
		}
	}()

	return &Handle{TestID: testID, Port: port, Shutdown: shutdown, Done: done}, nil
}

// terminateChild sends SIGTERM, waits up to sigtermGrace on exitCh (fed by
// a single cmd.Wait() goroutine owned by the caller), then escalates to
// SIGKILL if the process has not exited, blocking until it does.
func terminateChild(cmd *exec.Cmd, exitCh <-chan error, log logr.Logger) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)

	select {
	case <-exitCh:
		return
	case <-time.After(sigtermGrace):
	}

	log.Info("child did not exit after SIGTERM, sending SIGKILL")
	_ = cmd.Process.Kill()
	<-exitCh
}
