package wire

import (
	"encoding/json"
	"fmt"
)

// TestType identifies which measurement engine a session_request targets.
type TestType string

const (
	TestTypeThroughput TestType = "throughput"
	TestTypeUDPEcho    TestType = "udp_echo"
)

// DenyReason is the machine-readable reason carried on a session_deny
// response. The wire schema defines exactly these five values.
type DenyReason string

const (
	DenyUnauthorized  DenyReason = "unauthorized"
	DenyRateLimited   DenyReason = "rate_limited"
	DenyBusy          DenyReason = "busy"
	DenyInvalidParams DenyReason = "invalid_params"
	DenyQuotaExceeded DenyReason = "quota_exceeded"
)

// LinkMessage is the top-level envelope carried in every wire frame.
// RequestID is echoed verbatim by the server; Payload is dispatched on its
// internally-tagged "type" discriminator.
type LinkMessage struct {
	RequestID string  `json:"request_id"`
	Payload   Payload `json:"payload"`
}

// Payload is implemented by every request and response variant. MessageType
// returns the snake_case wire discriminator written to the "type" field.
type Payload interface {
	MessageType() string
}

// --- Request payloads -------------------------------------------------

type Hello struct {
	Version  string   `json:"version"`
	Features []string `json:"features"`
}

func (Hello) MessageType() string { return "hello" }

type PairRequest struct {
	Token string `json:"token"`
}

func (PairRequest) MessageType() string { return "pair_request" }

type TestParams struct {
	DurationSec uint32  `json:"duration_sec"`
	Protocol    *string `json:"protocol,omitempty"`
	Streams     *uint32 `json:"streams,omitempty"`
	Reverse     *bool   `json:"reverse,omitempty"`
}

type SessionRequest struct {
	TestType TestType   `json:"test_type"`
	Params   TestParams `json:"params"`
}

func (SessionRequest) MessageType() string { return "session_request" }

type SessionClose struct {
	TestID string `json:"test_id"`
}

func (SessionClose) MessageType() string { return "session_close" }

type GetStatus struct{}

func (GetStatus) MessageType() string { return "get_status" }

type GetPathMeta struct{}

func (GetPathMeta) MessageType() string { return "get_path_meta" }

// --- Response payloads --------------------------------------------------

type PolicySummary struct {
	MaxTestDurationSec uint32   `json:"max_test_duration_sec"`
	MaxConcurrentTests uint32   `json:"max_concurrent_tests"`
	MaxTestsPerHour    uint32   `json:"max_tests_per_hour"`
	AllowedTestTypes   []string `json:"allowed_test_types"`
}

type ServerHello struct {
	Version         string        `json:"version"`
	Features        []string      `json:"features"`
	PolicySummary   PolicySummary `json:"policy_summary"`
	NetworkPosition *string       `json:"network_position,omitempty"`
}

func (ServerHello) MessageType() string { return "server_hello" }

type PairResponse struct {
	Success    bool    `json:"success"`
	Message    string  `json:"message"`
	EndpointID *string `json:"endpoint_id,omitempty"`
}

func (PairResponse) MessageType() string { return "pair_response" }

type SessionGrant struct {
	TestID    string `json:"test_id"`
	Mode      string `json:"mode"`
	Port      uint16 `json:"port"`
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at"`
}

func (SessionGrant) MessageType() string { return "session_grant" }

type SessionDeny struct {
	Reason        DenyReason `json:"reason"`
	Message       string     `json:"message"`
	RetryAfterSec *uint32    `json:"retry_after_sec,omitempty"`
}

func (SessionDeny) MessageType() string { return "session_deny" }

type ActiveTestInfo struct {
	TestID       string   `json:"test_id"`
	TestType     TestType `json:"test_type"`
	PeerID       string   `json:"peer_id"`
	StartedAt    string   `json:"started_at"`
	RemainingSec uint32   `json:"remaining_sec"`
}

type StatusSnapshot struct {
	EndpointID      string          `json:"endpoint_id"`
	UptimeSec       uint64          `json:"uptime_sec"`
	ActiveTest      *ActiveTestInfo `json:"active_test,omitempty"`
	TestsToday      uint32          `json:"tests_today"`
	BytesToday      uint64          `json:"bytes_today"`
	NetworkPosition *string         `json:"network_position,omitempty"`
}

func (StatusSnapshot) MessageType() string { return "status_snapshot" }

type PathMeta struct {
	CPULoad       float64    `json:"cpu_load"`
	MemoryUsedMB  uint64     `json:"memory_used_mb"`
	MemoryTotalMB uint64     `json:"memory_total_mb"`
	LoadAvg       [3]float64 `json:"load_avg"`
	MTU           *uint32    `json:"mtu,omitempty"`
	TimeSynced    bool       `json:"time_synced"`
	BuildVersion  string     `json:"build_version"`
	BuildHash     string     `json:"build_hash"`
}

func (PathMeta) MessageType() string { return "path_meta" }

type Ok struct{}

func (Ok) MessageType() string { return "ok" }

type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (ErrorResponse) MessageType() string { return "error" }

// --- Envelope (de)serialization ------------------------------------------

// envelopeWire is the on-the-wire shape of LinkMessage before the payload's
// concrete type has been resolved.
type envelopeWire struct {
	RequestID string          `json:"request_id"`
	Payload   json.RawMessage `json:"payload"`
}

type taggedType struct {
	Type string `json:"type"`
}

// MarshalJSON flattens Payload's own fields together with its "type"
// discriminator into a single JSON object for the "payload" key, matching
// an internally-tagged enum.
func (m LinkMessage) MarshalJSON() ([]byte, error) {
	payloadFields, err := json.Marshal(m.Payload)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal payload: %w", err)
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(payloadFields, &merged); err != nil {
		return nil, fmt.Errorf("wire: flatten payload: %w", err)
	}
	if merged == nil {
		merged = make(map[string]json.RawMessage)
	}
	typeJSON, err := json.Marshal(m.Payload.MessageType())
	if err != nil {
		return nil, err
	}
	merged["type"] = typeJSON

	mergedJSON, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal merged payload: %w", err)
	}

	return json.Marshal(envelopeWire{RequestID: m.RequestID, Payload: mergedJSON})
}

// UnmarshalJSON dispatches on the payload's "type" discriminator to decode
// into the matching concrete Payload implementation.
func (m *LinkMessage) UnmarshalJSON(data []byte) error {
	var env envelopeWire
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("wire: decode envelope: %w", err)
	}

	var tag taggedType
	if err := json.Unmarshal(env.Payload, &tag); err != nil {
		return fmt.Errorf("wire: decode payload tag: %w", err)
	}

	payload, err := decodePayload(tag.Type, env.Payload)
	if err != nil {
		return err
	}

	m.RequestID = env.RequestID
	m.Payload = payload
	return nil
}

func decodePayload(msgType string, raw json.RawMessage) (Payload, error) {
	var err error
	switch msgType {
	case "hello":
		var p Hello
		err = json.Unmarshal(raw, &p)
		return p, err
	case "server_hello":
		var p ServerHello
		err = json.Unmarshal(raw, &p)
		return p, err
	case "pair_request":
		var p PairRequest
		err = json.Unmarshal(raw, &p)
		return p, err
	case "pair_response":
		var p PairResponse
		err = json.Unmarshal(raw, &p)
		return p, err
	case "session_request":
		var p SessionRequest
		err = json.Unmarshal(raw, &p)
		return p, err
	case "session_grant":
		var p SessionGrant
		err = json.Unmarshal(raw, &p)
		return p, err
	case "session_deny":
		var p SessionDeny
		err = json.Unmarshal(raw, &p)
		return p, err
	case "session_close":
		var p SessionClose
		err = json.Unmarshal(raw, &p)
		return p, err
	case "get_status":
		var p GetStatus
		err = json.Unmarshal(raw, &p)
		return p, err
	case "status_snapshot":
		var p StatusSnapshot
		err = json.Unmarshal(raw, &p)
		return p, err
	case "get_path_meta":
		var p GetPathMeta
		err = json.Unmarshal(raw, &p)
		return p, err
	case "path_meta":
		var p PathMeta
		err = json.Unmarshal(raw, &p)
		return p, err
	case "ok":
		var p Ok
		err = json.Unmarshal(raw, &p)
		return p, err
	case "error":
		var p ErrorResponse
		err = json.Unmarshal(raw, &p)
		return p, err
	default:
		return nil, fmt.Errorf("wire: unknown payload type %q", msgType)
	}
}
