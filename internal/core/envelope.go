package core

import "encoding/json"

type EnvelopeKind string

const (
	// KindDirect carries a ready client frame in Body.
	KindDirect EnvelopeKind = "direct"
	// KindSetPartner installs a partner link on the receiving session. Never written to a client.
	KindSetPartner EnvelopeKind = "set_partner"
	KindUserList   EnvelopeKind = "user_list"
	KindCopy       EnvelopeKind = "copy"
	KindGeneric    EnvelopeKind = "generic"
	KindBinary     EnvelopeKind = "binary"
)

// Envelope is the unit carried by the Fabric.
type Envelope struct {
	Kind   EnvelopeKind    `json:"kind"`
	Sender Handle          `json:"sender,omitempty"`
	Type   string          `json:"type,omitempty"`
	Body   json.RawMessage `json:"body,omitempty"`
	Binary []byte          `json:"binary,omitempty"`
}

// Internal reports whether env must be consumed by the receiving handler.
func (env Envelope) Internal() bool { return env.Kind == KindSetPartner }

// DirectEnvelope marshals v as a client frame of the given type.
func DirectEnvelope(sender Handle, typ string, v any) (Envelope, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Kind: KindDirect, Sender: sender, Type: typ, Body: body}, nil
}
