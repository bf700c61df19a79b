// Package identity manages a reflector's Ed25519 keypair and its printable
// endpoint-ID: a Crockford Base32 rendering of the public key with an
// appended Luhn mod-32 check character.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// rawKeyLen is the size in bytes of a raw Ed25519 public or private seed.
const rawKeyLen = ed25519.SeedSize // 32

// crockfordAlphabet excludes I, L, O, U to avoid visual ambiguity.
const crockfordAlphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

// groupSize is the number of Base32 symbols per dash-separated group in the
// formatted endpoint-ID.
const groupSize = 4

// Identity owns an Ed25519 signing key exclusively and derives the
// reflector's endpoint-ID from its public half.
type Identity struct {
	signingKey ed25519.PrivateKey
}

// Generate creates a new Identity from a CSPRNG-backed Ed25519 keypair.
func Generate() (*Identity, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return &Identity{signingKey: priv}, nil
}

// Load reads a raw 32-byte Ed25519 seed from path and expands it into the
// full private key. It fails if the file is not exactly rawKeyLen bytes.
func Load(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read identity file %q: %w", path, err)
	}
	if len(data) != rawKeyLen {
		return nil, fmt.Errorf("identity file %q: want %d bytes, got %d", path, rawKeyLen, len(data))
	}
	priv := ed25519.NewKeyFromSeed(data)
	return &Identity{signingKey: priv}, nil
}

// Save writes the raw 32-byte seed to path, creating parent directories as
// needed and restricting permissions to owner read/write on POSIX systems.
func (id *Identity) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create identity directory for %q: %w", path, err)
	}
	seed := id.signingKey.Seed()
	if err := os.WriteFile(path, seed, 0o600); err != nil {
		return fmt.Errorf("write identity file %q: %w", path, err)
	}
	return nil
}

// LoadOrGenerate loads the identity at path, generating and persisting a
// fresh one if the file does not exist.
func LoadOrGenerate(path string) (*Identity, error) {
	if _, err := os.Stat(path); err == nil {
		return Load(path)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("stat identity file %q: %w", path, err)
	}
	id, err := Generate()
	if err != nil {
		return nil, err
	}
	if err := id.Save(path); err != nil {
		return nil, err
	}
	return id, nil
}

// PublicKey returns the identity's Ed25519 verifying key.
func (id *Identity) PublicKey() ed25519.PublicKey {
	return id.signingKey.Public().(ed25519.PublicKey)
}

// SigningKey returns the identity's private key for use in certificate
// generation and TLS handshakes.
func (id *Identity) SigningKey() ed25519.PrivateKey {
	return id.signingKey
}

// EndpointID returns the printable, check-summed identifier derived from
// the identity's public key.
func (id *Identity) EndpointID() string {
	return EncodePublicKey(id.PublicKey())
}

// EncodePublicKey renders a 32-byte Ed25519 public key as a
// "PP-XXXX-XXXX-...-C" endpoint-ID.
func EncodePublicKey(pub ed25519.PublicKey) string {
	values := bytesToSymbolValues(pub)
	check := luhnCheckChar(values)
	symbols := symbolValuesToChars(values)
	var groups []string
	for i := 0; i < len(symbols); i += groupSize {
		end := i + groupSize
		if end > len(symbols) {
			end = len(symbols)
		}
		groups = append(groups, string(symbols[i:end]))
	}
	return "PP-" + strings.Join(groups, "-") + "-" + string(crockfordAlphabet[check])
}

// Validate checks that id is a well-formed endpoint-ID: the "PP-" prefix is
// present, the remaining dash-joined Base32 symbols decode cleanly, and the
// trailing character is the correct Luhn mod-32 check digit.
func Validate(id string) bool {
	stripped, ok := stripPrefix(id)
	if !ok {
		return false
	}
	symbols, ok := decodeGroups(stripped)
	if !ok || len(symbols) < 2 {
		return false
	}
	body, check := symbols[:len(symbols)-1], symbols[len(symbols)-1]
	return luhnCheckChar(body) == check
}

func stripPrefix(id string) (string, bool) {
	upper := strings.ToUpper(id)
	if !strings.HasPrefix(upper, "PP-") {
		return "", false
	}
	return upper[len("PP-"):], true
}

func decodeGroups(rest string) ([]byte, bool) {
	joined := strings.ReplaceAll(rest, "-", "")
	return base32Decode(joined)
}

// bytesToSymbolValues renders raw bytes as a sequence of Base32 symbol
// values (0-31), bit-aligned with zero-padding on the final partial group.
func bytesToSymbolValues(data []byte) []byte {
	var bits uint64
	var nbits uint
	out := make([]byte, 0, (len(data)*8+4)/5)

	for _, b := range data {
		bits = (bits << 8) | uint64(b)
		nbits += 8
		for nbits >= 5 {
			nbits -= 5
			out = append(out, byte((bits>>nbits)&0x1f))
		}
	}
	if nbits > 0 {
		out = append(out, byte((bits<<(5-nbits))&0x1f))
	}
	return out
}

// symbolValuesToChars maps symbol values (0-31) to their Crockford alphabet
// characters.
func symbolValuesToChars(values []byte) []byte {
	out := make([]byte, len(values))
	for i, v := range values {
		out[i] = crockfordAlphabet[v]
	}
	return out
}

// ambiguousMap folds commonly-confused characters onto their canonical
// Crockford symbol before decode: 0/O -> 0, 1/I/L -> 1.
var ambiguousMap = map[byte]byte{
	'O': '0',
	'I': '1',
	'L': '1',
}

func symbolValue(c byte) (byte, bool) {
	if mapped, ok := ambiguousMap[c]; ok {
		c = mapped
	}
	idx := strings.IndexByte(crockfordAlphabet, c)
	if idx < 0 {
		return 0, false
	}
	return byte(idx), true
}

// base32Decode reverses symbolValuesToChars, returning the decoded symbol values
// (0-31), not raw bytes — the caller's Luhn check operates on symbol values.
func base32Decode(s string) ([]byte, bool) {
	s = strings.ToUpper(s)
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		v, ok := symbolValue(s[i])
		if !ok {
			return nil, false
		}
		out = append(out, v)
	}
	return out, true
}

// luhnCheckChar computes the Luhn mod-32 check *value* (0-31) over a
// sequence of Base32 symbol values, iterating from the rightmost symbol
// with an alternating doubling factor.
func luhnCheckChar(symbols []byte) byte {
	const n = 32
	sum := 0
	factor := 2
	for i := len(symbols) - 1; i >= 0; i-- {
		addend := factor * int(symbols[i])
		addend = addend/n + addend%n
		sum += addend
		if factor == 2 {
			factor = 1
		} else {
			factor = 2
		}
	}
	remainder := sum % n
	return byte((n - remainder) % n)
}
