package signal

import (
	"bytes"
	"encoding/json"
	"errors"
)

const (
	msgInvalidJSON   = "Invalid JSON format"
	msgInternalError = "internal error"
	msgRateLimited   = "rate limited"
)

var errNotObject = errors.New("frame is not a json object")

// ProtocolError is answered with an error frame. Auth marks handshake
// failures; Close ends the connection after the frame is flushed.
type ProtocolError struct {
	Message string
	Auth    bool
	Close   bool
}

func (e *ProtocolError) Error() string { return e.Message }

func authError(msg string) *ProtocolError {
	return &ProtocolError{Message: msg, Auth: true, Close: true}
}

// Inbound is one decoded client text frame.
type Inbound struct {
	Type   string
	fields map[string]json.RawMessage
}

// ParseInbound accepts `type` and the legacy `typeof` key.
func ParseInbound(data []byte) (Inbound, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return Inbound{}, err
	}
	if fields == nil {
		return Inbound{}, errNotObject
	}
	m := Inbound{fields: fields}
	m.Type = m.String("type")
	if m.Type == "" {
		m.Type = m.String("typeof")
	}
	return m, nil
}

// String returns a string field, or "" when absent or not a string.
func (m Inbound) String(key string) string {
	raw, ok := m.fields[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// Field returns the raw value of key, nil when absent.
func (m Inbound) Field(key string) json.RawMessage {
	return m.fields[key]
}

// FirstTruthy returns the first of keys holding a non-empty value.
func (m Inbound) FirstTruthy(keys ...string) json.RawMessage {
	for _, k := range keys {
		if v := m.fields[k]; truthy(v) {
			return v
		}
	}
	return nil
}

// Forward copies the frame with its type normalized and extra fields set.
func (m Inbound) Forward(extra map[string]any) map[string]any {
	out := make(map[string]any, len(m.fields)+len(extra))
	for k, v := range m.fields {
		out[k] = v
	}
	delete(out, "typeof")
	out["type"] = m.Type
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func truthy(v json.RawMessage) bool {
	v = bytes.TrimSpace(v)
	switch string(v) {
	case "", "null", "false", "0", `""`, "[]", "{}":
		return false
	}
	return true
}

// errorFrame is the generic error shape.
type errorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type authErrorFrame struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}
