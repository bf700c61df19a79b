package tlsconfig

import (
	"crypto/tls"
	"net"
	"testing"
	"time"

	"github.com/ParkWardRR/PacketParamedic-sub000/pkg/certbind"
	"github.com/ParkWardRR/PacketParamedic-sub000/pkg/identity"
)

func generateCert(t *testing.T) (certDER, keyDER []byte) {
	t.Helper()
	id, err := identity.Generate()
	if err != nil {
		t.Fatalf("identity.Generate: %v", err)
	}
	certDER, keyDER, err = certbind.Generate(id.EndpointID(), id.PublicKey(), id.SigningKey())
	if err != nil {
		t.Fatalf("certbind.Generate: %v", err)
	}
	return certDER, keyDER
}

func TestMutualHandshakeAcceptsUnrelatedCerts(t *testing.T) {
	serverCert, serverKey := generateCert(t)
	clientCert, clientKey := generateCert(t)

	serverCfg, err := BuildServerConfig(serverCert, serverKey)
	if err != nil {
		t.Fatalf("BuildServerConfig: %v", err)
	}
	clientCfg, err := BuildClientConfig(clientCert, clientKey)
	if err != nil {
		t.Fatalf("BuildClientConfig: %v", err)
	}

	ln, err := tls.Listen("tcp", "127.0.0.1:0", serverCfg)
	if err != nil {
		t.Fatalf("tls.Listen: %v", err)
	}
	defer ln.Close()

	serverDone := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			serverDone <- err
			return
		}
		defer conn.Close()
		tlsConn := conn.(*tls.Conn)
		serverDone <- tlsConn.Handshake()
	}()

	clientConn, err := tls.DialWithDialer(&net.Dialer{Timeout: 5 * time.Second}, "tcp", ln.Addr().String(), clientCfg)
	if err != nil {
		t.Fatalf("tls.Dial: %v", err)
	}
	defer clientConn.Close()

	if err := <-serverDone; err != nil {
		t.Fatalf("server handshake: %v", err)
	}

	state := clientConn.ConnectionState()
	if state.Version != tls.VersionTLS13 {
		t.Errorf("negotiated version = %x, want TLS 1.3", state.Version)
	}
	if state.NegotiatedProtocol != ALPNProtocol {
		t.Errorf("negotiated ALPN = %q, want %q", state.NegotiatedProtocol, ALPNProtocol)
	}
}

func TestServerRejectsMissingClientCert(t *testing.T) {
	serverCert, serverKey := generateCert(t)
	serverCfg, err := BuildServerConfig(serverCert, serverKey)
	if err != nil {
		t.Fatalf("BuildServerConfig: %v", err)
	}

	ln, err := tls.Listen("tcp", "127.0.0.1:0", serverCfg)
	if err != nil {
		t.Fatalf("tls.Listen: %v", err)
	}
	defer ln.Close()

	serverDone := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			serverDone <- err
			return
		}
		defer conn.Close()
		serverDone <- conn.(*tls.Conn).Handshake()
	}()

	// No client certificate presented.
	noCertCfg := &tls.Config{
		MinVersion:         tls.VersionTLS13,
		InsecureSkipVerify: true,
		NextProtos:         []string{ALPNProtocol},
	}
	clientConn, err := tls.DialWithDialer(&net.Dialer{Timeout: 5 * time.Second}, "tcp", ln.Addr().String(), noCertCfg)
	if err == nil {
		defer clientConn.Close()
		_ = clientConn.Handshake()
	}

	if err := <-serverDone; err == nil {
		t.Fatal("server handshake without client cert: want error, got nil")
	}
}
