// Package authz implements the reflector's authorization gate: an
// in-memory allow-list of peer identities plus a single time-bounded,
// one-time pairing token that can admit a new peer.
package authz

import (
	"crypto/rand"
	"math/big"
	"strings"
	"sync"
	"time"
)

// pairingCharset excludes visually ambiguous characters, distinct from the
// Crockford alphabet used for endpoint-IDs.
const pairingCharset = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

// pairingTokenLen is the length, in characters, of a generated pairing
// token.
const pairingTokenLen = 8

// Decision is the outcome of a Gate.Check call.
type Decision int

const (
	Denied Decision = iota
	Allowed
	PairingRequired
)

// Gate holds the authorized peer set behind a multi-reader lock and the
// pairing state behind its own single-mutator lock, so a busy pairing
// window never blocks ordinary authorization checks.
type Gate struct {
	peersMu sync.RWMutex
	peers   map[string]struct{}

	pairingMu         sync.Mutex
	pairingToken      string
	pairingExpiry     time.Time
	pairingConfigured bool
}

// NewGate returns a Gate with an empty allow-list.
func NewGate() *Gate {
	return &Gate{peers: make(map[string]struct{})}
}

// Check decides whether peer may proceed: Allowed if already on the
// allow-list, PairingRequired if an unexpired pairing token is currently
// active, otherwise Denied.
func (g *Gate) Check(peer string) Decision {
	g.peersMu.RLock()
	_, allowed := g.peers[normalize(peer)]
	g.peersMu.RUnlock()
	if allowed {
		return Allowed
	}

	if g.pairingActive() {
		return PairingRequired
	}
	return Denied
}

func (g *Gate) pairingActive() bool {
	g.pairingMu.Lock()
	defer g.pairingMu.Unlock()
	return g.pairingToken != "" && time.Now().Before(g.pairingExpiry)
}

// EnablePairing generates a fresh random token with the given TTL,
// replacing any token currently active, and returns it.
func (g *Gate) EnablePairing(ttl time.Duration) (string, error) {
	token, err := generateToken()
	if err != nil {
		return "", err
	}
	g.EnablePairingWithCode(ttl, token)
	return token, nil
}

// EnablePairingWithCode installs a caller-supplied token verbatim
// (upper-cased), replacing any token currently active.
func (g *Gate) EnablePairingWithCode(ttl time.Duration, code string) {
	g.pairingMu.Lock()
	defer g.pairingMu.Unlock()
	g.pairingToken = strings.ToUpper(code)
	g.pairingExpiry = time.Now().Add(ttl)
	g.pairingConfigured = true
}

// TryPair validates token against the active pairing entry. On success the
// token is consumed (cleared) and peer is added to the allow-list; on
// failure no state changes.
func (g *Gate) TryPair(peer, token string) bool {
	g.pairingMu.Lock()
	valid := g.pairingToken != "" &&
		time.Now().Before(g.pairingExpiry) &&
		strings.EqualFold(g.pairingToken, token)
	if valid {
		g.pairingToken = ""
		g.pairingExpiry = time.Time{}
	}
	g.pairingMu.Unlock()

	if !valid {
		return false
	}

	g.AddPeer(peer)
	return true
}

// AddPeer adds peer to the allow-list.
func (g *Gate) AddPeer(peer string) {
	g.peersMu.Lock()
	defer g.peersMu.Unlock()
	g.peers[normalize(peer)] = struct{}{}
}

// RemovePeer removes peer from the allow-list. Returns true if it was
// present.
func (g *Gate) RemovePeer(peer string) bool {
	g.peersMu.Lock()
	defer g.peersMu.Unlock()
	key := normalize(peer)
	if _, ok := g.peers[key]; !ok {
		return false
	}
	delete(g.peers, key)
	return true
}

// PeerCount returns the number of authorized peers.
func (g *Gate) PeerCount() int {
	g.peersMu.RLock()
	defer g.peersMu.RUnlock()
	return len(g.peers)
}

// normalize folds a peer identifier to a canonical case so that
// certificate-extracted (lower-cased SAN) and administratively-entered
// (upper-cased endpoint-ID) spellings compare equal.
func normalize(peer string) string {
	return strings.ToUpper(peer)
}

func generateToken() (string, error) {
	var sb strings.Builder
	for i := 0; i < pairingTokenLen; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(pairingCharset))))
		if err != nil {
			return "", err
		}
		sb.WriteByte(pairingCharset[n.Int64()])
	}
	return sb.String(), nil
}
