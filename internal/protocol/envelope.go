package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrMalformedEnvelope = errors.New("malformed envelope")
	ErrUnknownPayload    = errors.New("unknown payload shape")
)

// Envelope is the only unit that travels over the relay. Data is kept raw so
// the relay can forward it without understanding it.
type Envelope struct {
	From Fingerprint     `json:"from"`
	To   Fingerprint     `json:"to"`
	Data json.RawMessage `json:"data"`
}

type wireEnvelope struct {
	From *string         `json:"from"`
	To   *string         `json:"to"`
	Data json.RawMessage `json:"data"`
}

// ParseEnvelope decodes raw JSON and checks the routing fields. Both
// fingerprints are normalized to lowercase; data must be present and not null.
// Unknown top level members are ignored.
func ParseEnvelope(raw []byte) (Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(raw, &w); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if w.From == nil || w.To == nil {
		return Envelope{}, fmt.Errorf("%w: missing from/to", ErrMalformedEnvelope)
	}
	from, err := ParseFingerprint(*w.From)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: from: %v", ErrMalformedEnvelope, err)
	}
	to, err := ParseFingerprint(*w.To)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: to: %v", ErrMalformedEnvelope, err)
	}
	data := bytes.TrimSpace(w.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return Envelope{}, fmt.Errorf("%w: missing data", ErrMalformedEnvelope)
	}
	return Envelope{From: from, To: to, Data: data}, nil
}

// NewEnvelope wraps a payload value (SDP, ICECandidate or Encrypted).
func NewEnvelope(from, to Fingerprint, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode payload: %w", err)
	}
	return Envelope{From: from, To: to, Data: data}, nil
}

func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// PayloadKind tags the variant held by a decoded Payload.
type PayloadKind int

const (
	PayloadEncrypted PayloadKind = iota + 1
	PayloadSDP
	PayloadICE
)

func (k PayloadKind) String() string {
	switch k {
	case PayloadEncrypted:
		return "encrypted"
	case PayloadSDP:
		return "sdp"
	case PayloadICE:
		return "ice"
	default:
		return "unknown"
	}
}

// Payload is a decoded envelope body. Exactly one of the pointers matching
// Kind is set.
type Payload struct {
	Kind      PayloadKind
	Encrypted *Encrypted
	SDP       *SDP
	ICE       *ICECandidate
}

// DecodePayload tries each known shape in a fixed order: Encrypted, SDP, ICE.
// Encrypted must come first because its inner shape is only known after
// decryption.
func DecodePayload(data json.RawMessage) (Payload, error) {
	if enc, ok := decodeEncrypted(data); ok {
		return Payload{Kind: PayloadEncrypted, Encrypted: &enc}, nil
	}
	if s, ok := decodeSDP(data); ok {
		return Payload{Kind: PayloadSDP, SDP: &s}, nil
	}
	if c, ok := decodeICE(data); ok {
		return Payload{Kind: PayloadICE, ICE: &c}, nil
	}
	return Payload{}, ErrUnknownPayload
}

// DecodeSignal is DecodePayload for decrypted content: Encrypted is not an
// accepted inner shape.
func DecodeSignal(data []byte) (Payload, error) {
	p, err := DecodePayload(data)
	if err != nil {
		return Payload{}, err
	}
	if p.Kind == PayloadEncrypted {
		return Payload{}, fmt.Errorf("%w: nested encrypted payload", ErrUnknownPayload)
	}
	return p, nil
}

func decodeEncrypted(data []byte) (Encrypted, bool) {
	var fields struct {
		IV        *ByteArray `json:"iv"`
		Encrypted *ByteArray `json:"encrypted"`
	}
	if err := json.Unmarshal(data, &fields); err != nil {
		return Encrypted{}, false
	}
	if fields.IV == nil || fields.Encrypted == nil {
		return Encrypted{}, false
	}
	return Encrypted{IV: *fields.IV, Encrypted: *fields.Encrypted}, true
}

func decodeSDP(data []byte) (SDP, bool) {
	var fields struct {
		Type *string `json:"type"`
		SDP  *string `json:"sdp"`
	}
	if err := json.Unmarshal(data, &fields); err != nil {
		return SDP{}, false
	}
	if fields.Type == nil || !isSDPType(*fields.Type) {
		return SDP{}, false
	}
	out := SDP{Type: *fields.Type}
	if fields.SDP != nil {
		out.SDP = *fields.SDP
	}
	return out, true
}

func decodeICE(data []byte) (ICECandidate, bool) {
	var fields struct {
		Type             *json.RawMessage `json:"type"`
		Candidate        *string          `json:"candidate"`
		SDPMid           *string          `json:"sdpMid"`
		SDPMLineIndex    *uint16          `json:"sdpMLineIndex"`
		UsernameFragment *string          `json:"usernameFragment"`
	}
	if err := json.Unmarshal(data, &fields); err != nil {
		return ICECandidate{}, false
	}
	if fields.Type != nil {
		return ICECandidate{}, false
	}
	if fields.Candidate == nil && fields.SDPMid == nil && fields.SDPMLineIndex == nil && fields.UsernameFragment == nil {
		return ICECandidate{}, false
	}
	out := ICECandidate{
		SDPMid:           fields.SDPMid,
		SDPMLineIndex:    fields.SDPMLineIndex,
		UsernameFragment: fields.UsernameFragment,
	}
	if fields.Candidate != nil {
		out.Candidate = *fields.Candidate
	}
	return out, true
}
