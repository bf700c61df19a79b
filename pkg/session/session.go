// Package session tracks active test sessions: concurrency caps, grants,
// closes, and expiry sweeps.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ParkWardRR/PacketParamedic-sub000/pkg/engine"
	"github.com/ParkWardRR/PacketParamedic-sub000/pkg/governance"
	"github.com/ParkWardRR/PacketParamedic-sub000/pkg/wire"
)

// expiryGrace is added to a session's requested duration when computing its
// hard expiry, so a naturally-completing test is never raced by the sweep.
const expiryGrace = 5 * time.Second

// busyRetryAfterSec is advertised to a caller denied due to the
// concurrency cap.
const busyRetryAfterSec = 10

// Session is one granted, in-progress test.
type Session struct {
	TestID     string
	PeerID     string
	TestType   wire.TestType
	Token      string
	Port       uint16
	StartedAt  time.Time
	ExpiresAt  time.Time
	BytesCount uint64

	// Handle is the running engine's shutdown/result channel pair, set once
	// the engine has actually started. Nil until SetHandle is called.
	Handle *engine.Handle
}

// Policy bounds what Manager will grant.
type Policy struct {
	MaxConcurrentTests uint32
	MaxTestDurationSec uint32
}

// Manager holds the active-session table behind a single multi-reader
// lock; per-session byte counters are updated in place under the same
// lock (the table is small and short-lived enough that a coarse lock is
// simpler than per-entry atomics).
type Manager struct {
	mu         sync.RWMutex
	policy     Policy
	sessions   map[string]*Session
	governance *governance.Engine
	startedAt  time.Time
	endpointID string
}

// NewManager returns an empty Manager.
func NewManager(endpointID string, policy Policy, gov *governance.Engine) *Manager {
	return &Manager{
		policy:     policy,
		sessions:   make(map[string]*Session),
		governance: gov,
		startedAt:  time.Now(),
		endpointID: endpointID,
	}
}

// RequestResult is the outcome of RequestSession.
type RequestResult struct {
	Granted *Session
	Denied  *wire.SessionDeny
}

// RequestSession evaluates the concurrency cap, then governance, then
// grants a session with a clamped duration. The concurrency cap is
// checked before governance, matching the priority order a capacity
// failure takes over a policy failure.
func (m *Manager) RequestSession(peerID string, testType wire.TestType, requestedDurationSec uint32) RequestResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	if uint32(len(m.sessions)) >= m.policy.MaxConcurrentTests {
		retry := uint32(busyRetryAfterSec)
		return RequestResult{Denied: &wire.SessionDeny{
			Reason:        wire.DenyBusy,
			Message:       "maximum concurrent tests reached",
			RetryAfterSec: &retry,
		}}
	}

	if allowed, reason := m.governance.CheckAllowed(peerID, testType); !allowed {
		return RequestResult{Denied: &wire.SessionDeny{
			Reason:  reason,
			Message: "request denied by governance policy",
		}}
	}

	duration := requestedDurationSec
	if duration > m.policy.MaxTestDurationSec {
		duration = m.policy.MaxTestDurationSec
	}
	if duration == 0 {
		duration = m.policy.MaxTestDurationSec
	}

	now := time.Now()
	sess := &Session{
		TestID:    uuid.NewString(),
		PeerID:    peerID,
		TestType:  testType,
		Token:     uuid.NewString(),
		Port:      0,
		StartedAt: now,
		ExpiresAt: now.Add(time.Duration(duration)*time.Second + expiryGrace),
	}

	m.governance.RecordTestStart(peerID)
	m.sessions[sess.TestID] = sess

	return RequestResult{Granted: sess}
}

// SetPort records the allocated port for an in-progress session.
func (m *Manager) SetPort(testID string, port uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sess, ok := m.sessions[testID]; ok {
		sess.Port = port
	}
}

// SetHandle attaches a running engine's handle to a session so a later
// CloseSession or expiry sweep can request its early shutdown.
func (m *Manager) SetHandle(testID string, handle *engine.Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sess, ok := m.sessions[testID]; ok {
		sess.Handle = handle
	}
}

// RecordBytes adds delta to a session's byte counter and flushes it
// through to governance's daily quota tracking.
func (m *Manager) RecordBytes(testID string, delta uint64) {
	m.mu.Lock()
	sess, ok := m.sessions[testID]
	if ok {
		sess.BytesCount += delta
	}
	m.mu.Unlock()

	if ok {
		m.governance.RecordBytes(sess.PeerID, delta)
	}
}

// CloseSession removes a session from the active table and requests early
// shutdown of its engine, if one was attached. Returns false if no such
// session was active.
func (m *Manager) CloseSession(testID string) bool {
	m.mu.Lock()
	sess, ok := m.sessions[testID]
	if ok {
		delete(m.sessions, testID)
	}
	m.mu.Unlock()

	if ok && sess.Handle != nil {
		sess.Handle.RequestShutdown()
	}
	return ok
}

// Get returns the session for testID, if active.
func (m *Manager) Get(testID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[testID]
	return sess, ok
}

// CleanupExpired removes every session whose ExpiresAt has passed, requests
// early shutdown of each one's attached engine, and returns their test IDs.
func (m *Manager) CleanupExpired() []string {
	m.mu.Lock()
	var expired []string
	var handles []*engine.Handle
	now := time.Now()
	for id, sess := range m.sessions {
		if now.After(sess.ExpiresAt) {
			expired = append(expired, id)
			if sess.Handle != nil {
				handles = append(handles, sess.Handle)
			}
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, h := range handles {
		h.RequestShutdown()
	}
	return expired
}

// Status builds a global, aggregate snapshot across every active session
// in the table — not scoped to any one peer. tests_today is a documented
// zero placeholder; there is no completed-test counter to report here.
func (m *Manager) Status(networkPosition *string) wire.StatusSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := wire.StatusSnapshot{
		EndpointID:      m.endpointID,
		UptimeSec:       uint64(time.Since(m.startedAt).Seconds()),
		TestsToday:      0,
		NetworkPosition: networkPosition,
	}

	var bytesToday uint64
	for _, sess := range m.sessions {
		bytesToday += sess.BytesCount
		if snap.ActiveTest == nil {
			snap.ActiveTest = &wire.ActiveTestInfo{
				TestID:       sess.TestID,
				TestType:     sess.TestType,
				PeerID:       sess.PeerID,
				StartedAt:    sess.StartedAt.UTC().Format(time.RFC3339),
				RemainingSec: remainingSec(sess.ExpiresAt),
			}
		}
	}
	snap.BytesToday = bytesToday
	return snap
}

func remainingSec(expiresAt time.Time) uint32 {
	remaining := time.Until(expiresAt)
	if remaining < 0 {
		return 0
	}
	return uint32(remaining.Seconds())
}

// Count returns the number of currently active sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
