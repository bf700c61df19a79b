package certbind

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/ParkWardRR/PacketParamedic-sub000/pkg/identity"
)

func TestGenerateExtractRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	endpointID := identity.EncodePublicKey(pub)

	certDER, keyDER, err := Generate(endpointID, pub, priv)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(certDER) == 0 || len(keyDER) == 0 {
		t.Fatal("Generate returned empty DER output")
	}

	got, err := ExtractPeerID(certDER)
	if err != nil {
		t.Fatalf("ExtractPeerID: %v", err)
	}
	if got == "" {
		t.Fatal("ExtractPeerID returned empty peer ID")
	}
	if !identity.Validate(got) {
		t.Fatalf("extracted peer ID %q does not validate as an endpoint-ID", got)
	}
}

func TestExtractPeerIDFailsOnGarbageDER(t *testing.T) {
	if _, err := ExtractPeerID([]byte{0x00, 0x01, 0x02}); err == nil {
		t.Fatal("ExtractPeerID with garbage DER: want error, got nil")
	}
}
