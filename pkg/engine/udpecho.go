package engine

import (
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// maxDatagramSize is the largest UDP payload the echo engine will read.
const maxDatagramSize = 65536

// StartUDPEcho binds a UDP socket on port (0 for an OS-assigned ephemeral
// port) and reflects every datagram it receives back to its sender until
// shutdown is requested or duration elapses, whichever comes first.
// maxPacketRate of 0 means unlimited.
func StartUDPEcho(port uint16, duration time.Duration, maxPacketRate uint32, log logr.Logger) (*Handle, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: int(port)})
	if err != nil {
		return nil, fmt.Errorf("engine: bind UDP socket on port %d: %w", port, err)
	}
	actualPort := uint16(conn.LocalAddr().(*net.UDPAddr).Port)

	testID := uuid.NewString()
	shutdown := make(chan struct{})
	done := make(chan Result, 1)

	log = log.WithValues("testID", testID, "port", actualPort)
	log.Info("starting UDP echo engine", "maxPacketRate", maxPacketRate)

	var limiter *rate.Limiter
	if maxPacketRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(maxPacketRate), int(maxPacketRate))
	}

	go runUDPEcho(conn, shutdown, done, duration, limiter, log)

	return &Handle{TestID: testID, Port: actualPort, Shutdown: shutdown, Done: done}, nil
}

func runUDPEcho(conn *net.UDPConn, shutdown <-chan struct{}, done chan<- Result, duration time.Duration, limiter *rate.Limiter, log logr.Logger) {
	defer conn.Close()

	start := time.Now()
	var bytesTransferred uint64

	timer := time.NewTimer(duration)
	defer timer.Stop()

	recvDone := make(chan struct{})
	packets := make(chan receivedPacket, 16)
	go recvLoop(conn, packets, recvDone)

	var timedOut bool
loop:
	for {
		select {
		case <-shutdown:
			log.V(1).Info("shutdown signal received")
			break loop

		case <-timer.C:
			log.V(1).Info("duration expired")
			timedOut = true
			break loop

		case pkt, ok := <-packets:
			if !ok {
				break loop
			}
			if limiter != nil && !limiter.Allow() {
				continue
			}
			if _, err := conn.WriteToUDP(pkt.data, pkt.addr); err != nil {
				log.V(1).Info("failed to echo packet", "error", err.Error())
				continue
			}
			atomic.AddUint64(&bytesTransferred, uint64(len(pkt.data))*2)
		}
	}

	elapsed := time.Since(start).Seconds()
	total := atomic.LoadUint64(&bytesTransferred)
	log.Info("UDP echo engine stopped", "bytesTransferred", total, "durationSec", elapsed, "timedOut", timedOut)

	outcome := Completed
	if timedOut {
		outcome = TimedOut
	}
	done <- Result{Outcome: outcome, BytesTransferred: total, DurationSec: elapsed}
}

type receivedPacket struct {
	data []byte
	addr *net.UDPAddr
}

// recvLoop reads datagrams until the connection is closed (triggered by
// runUDPEcho's deferred Close once it exits the select loop).
func recvLoop(conn *net.UDPConn, out chan<- receivedPacket, done chan<- struct{}) {
	defer close(done)
	buf := make([]byte, maxDatagramSize)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			close(out)
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		out <- receivedPacket{data: data, addr: addr}
	}
}
