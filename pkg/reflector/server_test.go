package reflector

import (
	"bufio"
	"crypto/ed25519"
	"crypto/tls"
	"net"
	"testing"
	"time"

	"github.com/go-logr/logr"

	"github.com/ParkWardRR/PacketParamedic-sub000/pkg/audit"
	"github.com/ParkWardRR/PacketParamedic-sub000/pkg/authz"
	"github.com/ParkWardRR/PacketParamedic-sub000/pkg/certbind"
	"github.com/ParkWardRR/PacketParamedic-sub000/pkg/identity"
	"github.com/ParkWardRR/PacketParamedic-sub000/pkg/tlsconfig"
	"github.com/ParkWardRR/PacketParamedic-sub000/pkg/wire"
)

func newTestServer(t *testing.T) (addr, endpointID string, gate *authz.Gate) {
	t.Helper()

	id, err := identity.Generate()
	if err != nil {
		t.Fatalf("identity.Generate: %v", err)
	}
	endpointID = id.EndpointID()

	certDER, keyDER, err := certbind.Generate(endpointID, id.PublicKey(), id.SigningKey())
	if err != nil {
		t.Fatalf("certbind.Generate: %v", err)
	}
	tlsCfg, err := tlsconfig.BuildServerConfig(certDER, keyDER)
	if err != nil {
		t.Fatalf("BuildServerConfig: %v", err)
	}

	gate = authz.NewGate()

	auditPath := t.TempDir() + "/audit.jsonl"
	auditLog, err := audit.Open(auditPath)
	if err != nil {
		t.Fatalf("audit.Open: %v", err)
	}
	t.Cleanup(func() { auditLog.Close() })

	srv := New(Config{
		EndpointID:         endpointID,
		DeploymentMode:     "lan",
		AllowThroughput:    true,
		AllowUDPEcho:       true,
		MaxTestDurationSec: 30,
		MaxConcurrentTests: 2,
		MaxTestsPerHour:    10,
		PortRangeStart:     19400,
		PortRangeEnd:       19410,
		BuildVersion:       "test",
		BuildHash:          "test",
	}, tlsCfg, gate, auditLog, "iperf3", logr.Discard())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	addr = ln.Addr().String()
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go srv.handleConnection(conn)
		}
	}()

	return addr, endpointID, gate
}

func dialClient(t *testing.T, addr string) (*tls.Conn, ed25519.PublicKey) {
	t.Helper()

	clientID, err := identity.Generate()
	if err != nil {
		t.Fatalf("identity.Generate: %v", err)
	}
	certDER, keyDER, err := certbind.Generate(clientID.EndpointID(), clientID.PublicKey(), clientID.SigningKey())
	if err != nil {
		t.Fatalf("certbind.Generate: %v", err)
	}
	clientTLS, err := tlsconfig.BuildClientConfig(certDER, keyDER)
	if err != nil {
		t.Fatalf("BuildClientConfig: %v", err)
	}

	conn, err := tls.Dial("tcp", addr, clientTLS)
	if err != nil {
		t.Fatalf("tls.Dial: %v", err)
	}
	return conn, clientID.PublicKey()
}

func exchange(t *testing.T, conn *tls.Conn, requestID string, payload wire.Payload) wire.Payload {
	t.Helper()
	w := bufio.NewWriter(conn)
	if err := wire.WriteMessage(w, &wire.LinkMessage{RequestID: requestID, Payload: payload}); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	r := bufio.NewReader(conn)
	resp, err := wire.ReadMessage(r)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	return resp.Payload
}

func TestHelloAlwaysAnsweredEvenUnauthorized(t *testing.T) {
	addr, _, gate := newTestServer(t)
	// An unauthorized peer is only admitted (in pairing-only mode) while a
	// pairing window is open; with none open it is Denied and disconnected.
	gate.EnablePairingWithCode(5*time.Minute, "HELLOCODE")
	conn, _ := dialClient(t, addr)
	defer conn.Close()

	resp := exchange(t, conn, "r1", wire.Hello{Version: "1.0"})
	hello, ok := resp.(wire.ServerHello)
	if !ok {
		t.Fatalf("response type = %T, want ServerHello", resp)
	}
	if hello.Version != protocolVersion {
		t.Errorf("Version = %q, want %q", hello.Version, protocolVersion)
	}
}

func TestUnauthorizedPeerDeniedAfterHandshake(t *testing.T) {
	addr, _, _ := newTestServer(t)
	conn, _ := dialClient(t, addr)
	defer conn.Close()

	// Unauthorized peers get Hello answered only while a pairing window is
	// open; since no pairing window is active, Check returns Denied and the
	// connection is closed before any frame is read.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	r := bufio.NewReader(conn)
	_, err := wire.ReadMessage(r)
	if err == nil {
		t.Fatal("expected connection to be closed for a denied peer")
	}
}

func TestPairingFlow(t *testing.T) {
	addr, endpointID, gate := newTestServer(t)
	gate.EnablePairingWithCode(5*time.Minute, "TESTCODE")

	conn, clientPub := dialClient(t, addr)
	defer conn.Close()

	clientEndpointID := identity.EncodePublicKey(clientPub)

	resp := exchange(t, conn, "r1", wire.PairRequest{Token: "testcode"})
	pairResp, ok := resp.(wire.PairResponse)
	if !ok {
		t.Fatalf("response type = %T, want PairResponse", resp)
	}
	if !pairResp.Success {
		t.Fatalf("pairing failed: %s", pairResp.Message)
	}
	if pairResp.EndpointID == nil || *pairResp.EndpointID != endpointID {
		t.Errorf("EndpointID = %v, want %q", pairResp.EndpointID, endpointID)
	}

	if gate.Check(clientEndpointID) != authz.Allowed {
		t.Error("peer should be allowed after successful pairing")
	}

	status := exchange(t, conn, "r2", wire.GetStatus{})
	if _, ok := status.(wire.StatusSnapshot); !ok {
		t.Fatalf("response type = %T, want StatusSnapshot", status)
	}
}

func TestSessionRequestAndClose(t *testing.T) {
	addr, _, gate := newTestServer(t)

	conn, clientPub := dialClient(t, addr)
	defer conn.Close()
	gate.AddPeer(identity.EncodePublicKey(clientPub))

	resp := exchange(t, conn, "r1", wire.SessionRequest{
		TestType: wire.TestTypeUDPEcho,
		Params:   wire.TestParams{DurationSec: 5},
	})
	grant, ok := resp.(wire.SessionGrant)
	if !ok {
		t.Fatalf("response type = %T, want SessionGrant", resp)
	}
	if grant.TestID == "" {
		t.Fatal("expected non-empty test ID")
	}
	if grant.Port == 0 {
		t.Fatal("expected udp_echo grant to carry a bound port")
	}

	closeResp := exchange(t, conn, "r2", wire.SessionClose{TestID: grant.TestID})
	if _, ok := closeResp.(wire.Ok); !ok {
		t.Fatalf("close response type = %T, want Ok", closeResp)
	}
}

func TestGetPathMeta(t *testing.T) {
	addr, _, gate := newTestServer(t)
	conn, clientPub := dialClient(t, addr)
	defer conn.Close()
	gate.AddPeer(identity.EncodePublicKey(clientPub))

	resp := exchange(t, conn, "r1", wire.GetPathMeta{})
	if _, ok := resp.(wire.PathMeta); !ok {
		t.Fatalf("response type = %T, want PathMeta", resp)
	}
}

func TestPairingOnlyRejectsOtherMessages(t *testing.T) {
	addr, _, gate := newTestServer(t)
	gate.EnablePairingWithCode(5*time.Minute, "OTHERCODE")

	conn, _ := dialClient(t, addr)
	defer conn.Close()

	resp := exchange(t, conn, "r1", wire.GetStatus{})
	errResp, ok := resp.(wire.ErrorResponse)
	if !ok {
		t.Fatalf("response type = %T, want ErrorResponse", resp)
	}
	if errResp.Code != 403 {
		t.Errorf("Code = %d, want 403", errResp.Code)
	}
}
