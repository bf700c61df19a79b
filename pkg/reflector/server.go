// Package reflector wires together identity, TLS, authorization,
// governance, sessions, and the test engines into the accept loop that
// speaks the Paramedic Link protocol over mutually-authenticated TLS.
package reflector

import (
	"bufio"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/go-logr/logr"

	"github.com/ParkWardRR/PacketParamedic-sub000/pkg/audit"
	"github.com/ParkWardRR/PacketParamedic-sub000/pkg/authz"
	"github.com/ParkWardRR/PacketParamedic-sub000/pkg/certbind"
	"github.com/ParkWardRR/PacketParamedic-sub000/pkg/engine"
	"github.com/ParkWardRR/PacketParamedic-sub000/pkg/governance"
	"github.com/ParkWardRR/PacketParamedic-sub000/pkg/metrics"
	"github.com/ParkWardRR/PacketParamedic-sub000/pkg/netpos"
	"github.com/ParkWardRR/PacketParamedic-sub000/pkg/pathmeta"
	"github.com/ParkWardRR/PacketParamedic-sub000/pkg/session"
	"github.com/ParkWardRR/PacketParamedic-sub000/pkg/wire"
)

// protocolVersion is the Paramedic Link protocol version this server
// advertises in its hello response.
const protocolVersion = "1.0"

// sessionCleanupInterval is how often the background sweep runs
// session.CleanupExpired and governance.ResetDailyIfNeeded.
const sessionCleanupInterval = 30 * time.Second

// Config bundles the policy knobs a Server needs beyond its collaborators.
type Config struct {
	EndpointID         string
	DeploymentMode     string
	AllowThroughput    bool
	AllowUDPEcho       bool
	MaxTestDurationSec uint32
	MaxConcurrentTests uint32
	MaxTestsPerHour    uint32
	PortRangeStart     uint16
	PortRangeEnd       uint16
	MaxPacketRate      uint32
	BuildVersion       string
	BuildHash          string
}

// Server is the mTLS accept-loop orchestrator.
type Server struct {
	cfg            Config
	tlsConfig      *tls.Config
	authGate       *authz.Gate
	governance     *governance.Engine
	sessions       *session.Manager
	throughput     *engine.ThroughputEngine
	auditLog       *audit.Log
	log            logr.Logger
	position       netpos.Position
	attemptLimiter *authz.AttemptLimiter
}

// New wires every subsystem into a Server ready to Run.
func New(cfg Config, tlsConfig *tls.Config, authGate *authz.Gate, auditLog *audit.Log, iperf3Path string, log logr.Logger) *Server {
	gov := governance.New(governance.Policy{
		CooldownSec:            5,
		MaxTestsPerHourPerPeer: cfg.MaxTestsPerHour,
		MaxBytesPerDayPerPeer:  5_000_000_000,
		AllowedTestTypes: map[wire.TestType]bool{
			wire.TestTypeThroughput: cfg.AllowThroughput,
			wire.TestTypeUDPEcho:    cfg.AllowUDPEcho,
		},
	})

	sessions := session.NewManager(cfg.EndpointID, session.Policy{
		MaxConcurrentTests: cfg.MaxConcurrentTests,
		MaxTestDurationSec: cfg.MaxTestDurationSec,
	}, gov)

	throughput := engine.NewThroughputEngine(iperf3Path, cfg.PortRangeStart, cfg.PortRangeEnd, log.WithName("throughput"))

	return &Server{
		cfg:            cfg,
		tlsConfig:      tlsConfig,
		authGate:       authGate,
		governance:     gov,
		sessions:       sessions,
		throughput:     throughput,
		auditLog:       auditLog,
		log:            log,
		position:       netpos.Resolve(cfg.DeploymentMode, log),
		attemptLimiter: authz.NewAttemptLimiter(),
	}
}

// Run binds a TCP listener at addr, starts the background sweep, and
// accepts connections indefinitely. Accept errors are logged and the loop
// continues; Run returns only if the initial bind fails.
func (s *Server) Run(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("reflector: bind listener on %s: %w", addr, err)
	}
	defer listener.Close()

	s.log.Info("reflector listening", "addr", addr, "endpointID", s.cfg.EndpointID, "networkPosition", s.position)

	go s.sweepLoop()

	for {
		conn, err := listener.Accept()
		if err != nil {
			s.log.Error(err, "failed to accept TCP connection")
			continue
		}
		go s.handleConnection(conn)
	}
}

func (s *Server) sweepLoop() {
	ticker := time.NewTicker(sessionCleanupInterval)
	defer ticker.Stop()
	for range ticker.C {
		s.sessions.CleanupExpired()
		s.governance.ResetDailyIfNeeded()
		s.attemptLimiter.Sweep()
		metrics.SessionsActive.Set(float64(s.sessions.Count()))
	}
}

func (s *Server) handleConnection(raw net.Conn) {
	peerAddr := raw.RemoteAddr().String()
	tlsConn := tls.Server(raw, s.tlsConfig)
	if err := tlsConn.Handshake(); err != nil {
		s.log.V(1).Info("TLS handshake failed", "peerAddr", peerAddr, "error", err.Error())
		tlsConn.Close()
		return
	}
	defer tlsConn.Close()

	peerCerts := tlsConn.ConnectionState().PeerCertificates
	if len(peerCerts) == 0 {
		s.log.V(1).Info("no peer certificate presented", "peerAddr", peerAddr)
		return
	}

	peerID, err := certbind.ExtractPeerID(peerCerts[0].Raw)
	if err != nil {
		s.log.V(1).Info("failed to extract peer ID from certificate", "peerAddr", peerAddr, "error", err.Error())
		return
	}

	decision := s.authGate.Check(peerID)
	var pairingOnly bool
	switch decision {
	case authz.Allowed:
		pairingOnly = false
	case authz.PairingRequired:
		pairingOnly = true
	case authz.Denied:
		s.logAudit(audit.NewEntry(audit.EventConnectionDenied, s.cfg.EndpointID).
			WithPeerID(peerID).
			WithReason("peer not in authorized set"))
		return
	}

	s.logAudit(audit.NewEntry(audit.EventConnectionAccepted, s.cfg.EndpointID).
		WithPeerID(peerID).
		WithDecision(decisionLabel(decision)).
		WithReason(fmt.Sprintf("from %s", peerAddr)))

	connStart := time.Now()
	s.serveConnection(tlsConn, peerID, peerAddr, pairingOnly)

	s.logAudit(audit.NewEntry(audit.EventSessionCompleted, s.cfg.EndpointID).
		WithPeerID(peerID).
		WithDuration(time.Since(connStart).Seconds()).
		WithReason("connection closed"))
}

func (s *Server) serveConnection(conn net.Conn, peerID, peerAddr string, pairingOnly bool) {
	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)

	for {
		msg, err := wire.ReadMessage(reader)
		if err != nil {
			if !errors.Is(err, wire.ErrFrameTooLarge) {
				s.log.V(1).Info("connection ended", "peerID", peerID, "error", errString(err))
			}
			return
		}

		response := s.dispatch(msg, peerID, peerAddr, &pairingOnly)
		if err := wire.WriteMessage(writer, &wire.LinkMessage{RequestID: msg.RequestID, Payload: response}); err != nil {
			s.log.V(1).Info("error writing response frame", "peerID", peerID, "error", err.Error())
			return
		}
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (s *Server) dispatch(msg *wire.LinkMessage, peerID, peerAddr string, pairingOnly *bool) wire.Payload {
	switch p := msg.Payload.(type) {
	case wire.Hello:
		return s.handleHello(p)

	case wire.PairRequest:
		resp := s.handlePairRequest(p, peerID, peerAddr)
		if resp.Success {
			*pairingOnly = false
		}
		return resp

	default:
		if *pairingOnly {
			return wire.ErrorResponse{Code: 403, Message: "pairing required before sending other messages"}
		}
	}

	switch p := msg.Payload.(type) {
	case wire.SessionRequest:
		return s.handleSessionRequest(p, peerID)
	case wire.SessionClose:
		return s.handleSessionClose(p, peerID)
	case wire.GetStatus:
		return s.sessions.Status(positionPtr(s.position))
	case wire.GetPathMeta:
		return pathmeta.Collect(s.cfg.BuildVersion, s.cfg.BuildHash)
	default:
		return wire.ErrorResponse{Code: 400, Message: "unexpected message type"}
	}
}

func (s *Server) handleHello(hello wire.Hello) wire.ServerHello {
	var allowed []string
	if s.cfg.AllowThroughput {
		allowed = append(allowed, string(wire.TestTypeThroughput))
	}
	if s.cfg.AllowUDPEcho {
		allowed = append(allowed, string(wire.TestTypeUDPEcho))
	}

	return wire.ServerHello{
		Version:  protocolVersion,
		Features: []string{"throughput", "udp_echo", "path_meta", "pairing"},
		PolicySummary: wire.PolicySummary{
			MaxTestDurationSec: s.cfg.MaxTestDurationSec,
			MaxConcurrentTests: s.cfg.MaxConcurrentTests,
			MaxTestsPerHour:    s.cfg.MaxTestsPerHour,
			AllowedTestTypes:   allowed,
		},
		NetworkPosition: positionPtr(s.position),
	}
}

func (s *Server) handlePairRequest(req wire.PairRequest, peerID, peerAddr string) wire.PairResponse {
	if !s.attemptLimiter.Allow(attemptLimiterKey(peerAddr)) {
		metrics.PairingAttempts.WithLabelValues("throttled").Inc()
		s.logAudit(audit.NewEntry(audit.EventConnectionDenied, s.cfg.EndpointID).
			WithPeerID(peerID).
			WithReason("pairing attempt throttled: too many attempts from source address"))
		return wire.PairResponse{Success: false, Message: "too many pairing attempts, slow down"}
	}

	if !s.authGate.TryPair(peerID, req.Token) {
		metrics.PairingAttempts.WithLabelValues("failure").Inc()
		s.logAudit(audit.NewEntry(audit.EventConnectionDenied, s.cfg.EndpointID).
			WithPeerID(peerID).
			WithReason("pairing failed: invalid or expired token"))
		return wire.PairResponse{Success: false, Message: "pairing failed: invalid or expired token"}
	}

	metrics.PairingAttempts.WithLabelValues("success").Inc()
	s.logAudit(audit.NewEntry(audit.EventPeerPaired, s.cfg.EndpointID).
		WithPeerID(peerID).
		WithReason("pairing completed"))

	endpointID := s.cfg.EndpointID
	return wire.PairResponse{Success: true, Message: "paired successfully", EndpointID: &endpointID}
}

func (s *Server) handleSessionRequest(req wire.SessionRequest, peerID string) wire.Payload {
	result := s.sessions.RequestSession(peerID, req.TestType, req.Params.DurationSec)
	if result.Denied != nil {
		metrics.SessionsDenied.WithLabelValues(string(result.Denied.Reason)).Inc()
		s.logAudit(audit.NewEntry(audit.EventSessionDenied, s.cfg.EndpointID).
			WithPeerID(peerID).
			WithReason(result.Denied.Message))
		return *result.Denied
	}

	grant := result.Granted
	var deny *wire.SessionDeny
	switch req.TestType {
	case wire.TestTypeThroughput:
		deny = s.startThroughput(grant)
	case wire.TestTypeUDPEcho:
		deny = s.startUDPEcho(grant)
	}
	if deny != nil {
		s.sessions.CloseSession(grant.TestID)
		metrics.SessionsDenied.WithLabelValues(string(deny.Reason)).Inc()
		s.logAudit(audit.NewEntry(audit.EventSessionDenied, s.cfg.EndpointID).
			WithPeerID(peerID).
			WithReason(deny.Message))
		return *deny
	}

	metrics.SessionsGranted.WithLabelValues(string(req.TestType)).Inc()
	s.logAudit(audit.NewEntry(audit.EventSessionGranted, s.cfg.EndpointID).
		WithPeerID(peerID).
		WithTestID(grant.TestID).
		WithTestType(string(req.TestType)).
		WithParams(req.Params))

	expiresAt := grant.ExpiresAt.UTC().Format(time.RFC3339)
	return wire.SessionGrant{
		TestID:    grant.TestID,
		Mode:      "tunneled",
		Port:      grant.Port,
		Token:     grant.Token,
		ExpiresAt: expiresAt,
	}
}

// startThroughput allocates a port and launches the iperf3 supervisor for a
// granted throughput session. Port-pool exhaustion and engine-launch
// failure both map to the existing busy deny reason rather than a
// wire-incompatible resource_exhausted variant the schema does not define.
func (s *Server) startThroughput(grant *session.Session) *wire.SessionDeny {
	port, err := s.throughput.FindFreePort()
	if err != nil {
		retry := uint32(10)
		return &wire.SessionDeny{Reason: wire.DenyBusy, Message: "no ports available", RetryAfterSec: &retry}
	}

	duration := grant.ExpiresAt.Sub(grant.StartedAt)
	handle, err := s.throughput.Start(port, duration)
	if err != nil {
		retry := uint32(10)
		return &wire.SessionDeny{Reason: wire.DenyBusy, Message: fmt.Sprintf("failed to start engine: %s", err), RetryAfterSec: &retry}
	}

	s.sessions.SetPort(grant.TestID, port)
	s.sessions.SetHandle(grant.TestID, handle)
	grant.Port = port

	go s.drainEngineResult(grant.TestID, wire.TestTypeThroughput, handle)

	return nil
}

// startUDPEcho allocates a port from the same data-plane range throughput
// uses and launches the UDP echo engine for a granted udp_echo session,
// mirroring startThroughput.
func (s *Server) startUDPEcho(grant *session.Session) *wire.SessionDeny {
	port, err := s.throughput.FindFreePort()
	if err != nil {
		retry := uint32(10)
		return &wire.SessionDeny{Reason: wire.DenyBusy, Message: "no ports available", RetryAfterSec: &retry}
	}

	duration := grant.ExpiresAt.Sub(grant.StartedAt)
	handle, err := engine.StartUDPEcho(port, duration, s.cfg.MaxPacketRate, s.log.WithName("udpecho"))
	if err != nil {
		retry := uint32(10)
		return &wire.SessionDeny{Reason: wire.DenyBusy, Message: fmt.Sprintf("failed to start engine: %s", err), RetryAfterSec: &retry}
	}

	s.sessions.SetPort(grant.TestID, handle.Port)
	s.sessions.SetHandle(grant.TestID, handle)
	grant.Port = handle.Port

	go s.drainEngineResult(grant.TestID, wire.TestTypeUDPEcho, handle)

	return nil
}

// drainEngineResult waits for an engine's final result and flushes its byte
// count through to the session and metrics, regardless of which test type
// produced it.
func (s *Server) drainEngineResult(testID string, testType wire.TestType, handle *engine.Handle) {
	result := <-handle.Done
	s.log.V(1).Info("engine stopped", "testID", testID, "testType", testType, "outcome", result.Outcome)
	if result.BytesTransferred > 0 {
		s.sessions.RecordBytes(testID, result.BytesTransferred)
		metrics.BytesTransferred.WithLabelValues(string(testType)).Add(float64(result.BytesTransferred))
	}
}

func (s *Server) handleSessionClose(close wire.SessionClose, peerID string) wire.Ok {
	sess, found := s.sessions.Get(close.TestID)
	s.sessions.CloseSession(close.TestID)

	entry := audit.NewEntry(audit.EventSessionCompleted, s.cfg.EndpointID).
		WithPeerID(peerID).
		WithTestID(close.TestID)
	if found {
		entry = entry.WithBytes(sess.BytesCount).WithDuration(time.Since(sess.StartedAt).Seconds())
	}
	s.logAudit(entry)
	return wire.Ok{}
}

func (s *Server) logAudit(entry audit.Entry) {
	if err := s.auditLog.Log(entry); err != nil {
		metrics.AuditWriteFailures.Inc()
		s.log.Error(err, "failed to write audit entry")
	}
}

func positionPtr(p netpos.Position) *string {
	s := string(p)
	return &s
}

// attemptLimiterKey strips the ephemeral source port from a peer address so
// the pairing attempt limiter throttles per source host, not per connection
// (every new TCP connection carries a fresh source port).
func attemptLimiterKey(peerAddr string) string {
	host, _, err := net.SplitHostPort(peerAddr)
	if err != nil {
		return peerAddr
	}
	return host
}

func decisionLabel(d authz.Decision) string {
	switch d {
	case authz.Allowed:
		return "allowed"
	case authz.PairingRequired:
		return "pairing_required"
	default:
		return "denied"
	}
}
