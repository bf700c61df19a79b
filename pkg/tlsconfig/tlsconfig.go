// Package tlsconfig builds the reflector's TLS 1.3-only, mutually
// authenticated configuration. Certificate-chain trust is deliberately not
// enforced here — peer identity is established at the application layer
// from the pp-id- SAN (see pkg/certbind) — but the TLS 1.3 handshake itself
// still requires the peer to prove possession of the private key matching
// its presented leaf certificate; that proof-of-possession signature check
// is intrinsic to the protocol and is never skipped.
package tlsconfig

import (
	"crypto/tls"
	"encoding/pem"
	"fmt"
)

// ALPNProtocol is the application-layer protocol identifier negotiated on
// every reflector connection.
const ALPNProtocol = "pp-link/1"

// BuildServerConfig returns a TLS 1.3-only server configuration that
// requires the peer to present a client certificate but does not validate
// it against any certificate authority.
func BuildServerConfig(certDER, keyDER []byte) (*tls.Config, error) {
	cert, err := certFromDER(certDER, keyDER)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS13,
		MaxVersion:   tls.VersionTLS13,
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAnyClientCert,
		NextProtos:   []string{ALPNProtocol},
	}, nil
}

// BuildClientConfig returns a TLS 1.3-only client configuration that
// presents the given certificate and accepts any server certificate
// without chain validation.
func BuildClientConfig(certDER, keyDER []byte) (*tls.Config, error) {
	cert, err := certFromDER(certDER, keyDER)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		MinVersion:         tls.VersionTLS13,
		MaxVersion:         tls.VersionTLS13,
		Certificates:       []tls.Certificate{cert},
		InsecureSkipVerify: true, //nolint:gosec // identity is verified via pp-id- SAN, not the CA chain
		NextProtos:         []string{ALPNProtocol},
	}, nil
}

func certFromDER(certDER, keyDER []byte) (tls.Certificate, error) {
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("tlsconfig: build key pair: %w", err)
	}
	return cert, nil
}
