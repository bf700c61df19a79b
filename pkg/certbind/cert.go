// Package certbind generates self-signed certificates that bind a
// reflector's endpoint-ID into a Subject Alternative Name, and extracts
// that binding back out of a peer's presented certificate.
package certbind

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// sanPrefix is the literal prefix identifying a PacketParamedic endpoint-ID
// SAN entry, as both a DNS name and an RFC822 name so it survives whichever
// SAN type a given TLS stack prefers to inspect.
const sanPrefix = "pp-id-"

// validity is how long a generated self-signed certificate remains valid:
// ten years from issuance.
const validity = 10 * 365 * 24 * time.Hour

// ErrNoEndpointSAN is returned by ExtractPeerID when no SAN entry begins
// with the pp-id- prefix.
var ErrNoEndpointSAN = errors.New("certbind: no pp-id- subject alternative name present")

// Generate builds a self-signed X.509 certificate for the given endpoint-ID
// and Ed25519 keypair. The certificate's Common Name is the endpoint-ID and
// its Subject Alternative Name carries "pp-id-<endpointID>" as both a DNS
// name and an RFC822 name, lower-cased to match the wire convention. It
// returns the DER-encoded certificate and the DER-encoded PKCS#8 private
// key.
func Generate(endpointID string, pub ed25519.PublicKey, priv ed25519.PrivateKey) (certDER, keyDER []byte, err error) {
	sanValue := sanPrefix + strings.ToLower(endpointID)

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("generate certificate serial: %w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName: endpointID,
		},
		NotBefore:             now,
		NotAfter:              now.Add(validity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		DNSNames:              []string{sanValue},
		EmailAddresses:        []string{sanValue},
	}

	certDER, err = x509.CreateCertificate(rand.Reader, template, template, pub, priv)
	if err != nil {
		return nil, nil, fmt.Errorf("create self-signed certificate: %w", err)
	}

	keyDER, err = x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal PKCS8 private key: %w", err)
	}

	return certDER, keyDER, nil
}

// ExtractPeerID parses a DER-encoded X.509 certificate and returns the
// endpoint-ID carried in its pp-id- Subject Alternative Name, checking both
// DNS-name and RFC822-name entries.
func ExtractPeerID(certDER []byte) (string, error) {
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return "", fmt.Errorf("parse certificate: %w", err)
	}

	for _, name := range cert.DNSNames {
		if id, ok := strings.CutPrefix(name, sanPrefix); ok {
			return id, nil
		}
	}
	for _, name := range cert.EmailAddresses {
		if id, ok := strings.CutPrefix(name, sanPrefix); ok {
			return id, nil
		}
	}
	return "", ErrNoEndpointSAN
}
