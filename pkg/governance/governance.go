// Package governance enforces per-peer rate limits, cooldowns, and daily
// byte quotas, plus a process-wide UTC day boundary that resets daily
// counters on rollover.
package governance

import (
	"sync"
	"time"

	"github.com/ParkWardRR/PacketParamedic-sub000/pkg/wire"
)

// DenyReason mirrors the wire schema's deny reasons that governance may
// produce.
type DenyReason = wire.DenyReason

// Policy is the subset of the policy snapshot governance needs.
type Policy struct {
	CooldownSec             uint32
	MaxTestsPerHourPerPeer  uint32
	MaxBytesPerDayPerPeer   uint64
	AllowedTestTypes        map[wire.TestType]bool
}

type peerState struct {
	testStarts []time.Time
	bytesToday uint64
	lastTest   time.Time
}

// Engine tracks per-peer rate-limit and quota state behind a single
// multi-reader / single-writer lock.
type Engine struct {
	mu       sync.RWMutex
	policy   Policy
	peers    map[string]*peerState
	dayStart time.Time
}

// New returns an Engine configured with policy, with the day boundary set
// to the current UTC midnight.
func New(policy Policy) *Engine {
	return &Engine{
		policy:   policy,
		peers:    make(map[string]*peerState),
		dayStart: utcMidnight(time.Now()),
	}
}

func utcMidnight(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// CheckAllowed evaluates whether peer may start a test of testType, in the
// precedence order: test-type allow flag, cooldown, rolling-hour count,
// daily byte quota. The first failing check wins.
func (e *Engine) CheckAllowed(peer string, testType wire.TestType) (bool, DenyReason) {
	if allowed, ok := e.policy.AllowedTestTypes[testType]; ok && !allowed {
		return false, wire.DenyInvalidParams
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	state, ok := e.peers[peer]
	if !ok {
		return true, ""
	}

	now := time.Now()

	if e.policy.CooldownSec > 0 && !state.lastTest.IsZero() {
		if now.Sub(state.lastTest) < time.Duration(e.policy.CooldownSec)*time.Second {
			return false, wire.DenyRateLimited
		}
	}

	count := 0
	cutoff := now.Add(-time.Hour)
	for _, ts := range state.testStarts {
		if ts.After(cutoff) {
			count++
		}
	}
	if uint32(count) >= e.policy.MaxTestsPerHourPerPeer {
		return false, wire.DenyRateLimited
	}

	if state.bytesToday >= e.policy.MaxBytesPerDayPerPeer {
		return false, wire.DenyQuotaExceeded
	}

	return true, ""
}

// RecordTestStart pushes now onto peer's start-timestamp history, prunes
// entries older than one hour, and updates its last-test timestamp.
func (e *Engine) RecordTestStart(peer string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	state := e.stateFor(peer)
	now := time.Now()
	cutoff := now.Add(-time.Hour)

	pruned := state.testStarts[:0]
	for _, ts := range state.testStarts {
		if ts.After(cutoff) {
			pruned = append(pruned, ts)
		}
	}
	state.testStarts = append(pruned, now)
	state.lastTest = now
}

// RecordBytes adds delta to peer's daily byte counter.
func (e *Engine) RecordBytes(peer string, delta uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stateFor(peer).bytesToday += delta
}

// ResetDailyIfNeeded clears every peer's daily byte counter and advances
// the day boundary if the current UTC day has moved past the stored
// boundary.
func (e *Engine) ResetDailyIfNeeded() {
	e.mu.Lock()
	defer e.mu.Unlock()

	today := utcMidnight(time.Now())
	if !today.After(e.dayStart) {
		return
	}
	for _, state := range e.peers {
		state.bytesToday = 0
	}
	e.dayStart = today
}

// stateFor returns (creating if needed) the peerState for peer. Callers
// must already hold e.mu for writing.
func (e *Engine) stateFor(peer string) *peerState {
	state, ok := e.peers[peer]
	if !ok {
		state = &peerState{}
		e.peers[peer] = state
	}
	return state
}
