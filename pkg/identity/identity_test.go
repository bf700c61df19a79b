package identity

import (
	"crypto/ed25519"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestEndpointIDRoundTrip(t *testing.T) {
	for i := 0; i < 20; i++ {
		id, err := Generate()
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}
		eid := id.EndpointID()
		if !strings.HasPrefix(eid, "PP-") {
			t.Fatalf("endpoint ID %q missing PP- prefix", eid)
		}
		if !Validate(eid) {
			t.Fatalf("endpoint ID %q did not validate", eid)
		}
	}
}

func TestEndpointIDAmbiguousSubstitution(t *testing.T) {
	id, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	eid := id.EndpointID()
	// Swap case and rely on Validate's case-folding.
	lower := strings.ToLower(eid)
	if !Validate(lower) {
		t.Fatalf("lower-cased endpoint ID %q did not validate", lower)
	}
	// Replace 0 with O and 1 with I, relying on the ambiguous-character map.
	substituted := strings.NewReplacer("0", "o", "1", "i").Replace(lower)
	if !Validate(substituted) {
		t.Fatalf("substituted endpoint ID %q did not validate", substituted)
	}
}

func TestEndpointIDCorruptionDetected(t *testing.T) {
	id, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	eid := id.EndpointID()
	body := []byte(eid)
	// Flip one alphanumeric character near the end (not a dash).
	for i := len(body) - 1; i >= 0; i-- {
		if body[i] == '-' {
			continue
		}
		orig := body[i]
		for _, c := range []byte(crockfordAlphabet) {
			if c == orig {
				continue
			}
			body[i] = c
			if Validate(string(body)) {
				t.Fatalf("corrupted endpoint ID %q unexpectedly validated", string(body))
			}
			body[i] = orig
			break
		}
		break
	}
}

func TestValidateRejectsMalformed(t *testing.T) {
	cases := []string{
		"",
		"PP-",
		"not-an-id",
		"PPXXXX",
	}
	for _, c := range cases {
		if Validate(c) {
			t.Errorf("Validate(%q) = true, want false", c)
		}
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "identity.key")

	id, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if err := id.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("identity file perm = %o, want 0600", perm)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.EndpointID() != id.EndpointID() {
		t.Errorf("loaded endpoint ID %q != original %q", loaded.EndpointID(), id.EndpointID())
	}
}

func TestLoadRejectsWrongLength(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "short.key")
	if err := os.WriteFile(path, []byte("too short"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("Load with wrong-length file: want error, got nil")
	}
}

func TestLoadOrGenerateCreatesOnce(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "identity.key")

	first, err := LoadOrGenerate(path)
	if err != nil {
		t.Fatalf("LoadOrGenerate: %v", err)
	}
	second, err := LoadOrGenerate(path)
	if err != nil {
		t.Fatalf("LoadOrGenerate (reload): %v", err)
	}
	if first.EndpointID() != second.EndpointID() {
		t.Error("LoadOrGenerate produced a different identity on reload")
	}
}

func TestEncodePublicKeyKnownLength(t *testing.T) {
	pub := make(ed25519.PublicKey, 32)
	for i := range pub {
		pub[i] = byte(i)
	}
	eid := EncodePublicKey(pub)
	if !Validate(eid) {
		t.Fatalf("EncodePublicKey output %q failed Validate", eid)
	}
}
