package message

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aosedge/aos_communicationmanager/internal/errkind"
)

// Encode produces the canonical wire bytes for env: a `{header, data}`
// object with header fields in schemaVersion/systemId/createdAt/txn order
// and data.messageType first, followed by the payload's own fields in the
// order they were marshaled.
func Encode(env Envelope) ([]byte, error) {
	if env.Header.SystemID == "" {
		return nil, errkind.New(errkind.BadMessage, "message: missing systemId")
	}

	if env.Header.Txn == uuid.Nil {
		return nil, errkind.New(errkind.BadMessage, "message: missing txn")
	}

	if !KnownType(env.Data.MessageType) {
		return nil, errkind.New(errkind.BadMessage, fmt.Sprintf("message: unknown messageType %q", env.Data.MessageType))
	}

	var buf bytes.Buffer

	buf.WriteString(`{"header":{"schemaVersion":`)

	headerVersion, err := json.Marshal(env.Header.SchemaVersion)
	if err != nil {
		return nil, err
	}

	buf.Write(headerVersion)
	buf.WriteString(`,"systemId":`)

	systemID, err := json.Marshal(env.Header.SystemID)
	if err != nil {
		return nil, err
	}

	buf.Write(systemID)
	buf.WriteString(`,"createdAt":"`)
	buf.WriteString(env.Header.CreatedAt.UTC().Format(time.RFC3339Nano))
	buf.WriteString(`","txn":"`)
	buf.WriteString(env.Header.Txn.String())
	buf.WriteString(`"},"data":`)

	data, err := mergeMessageType(env.Data.MessageType, env.Data.Raw)
	if err != nil {
		return nil, err
	}

	buf.Write(data)
	buf.WriteString("}")

	return buf.Bytes(), nil
}

// mergeMessageType returns raw (a JSON object, possibly "null" or empty)
// with `"messageType":"<t>"` spliced in as its first key.
func mergeMessageType(t Type, raw []byte) ([]byte, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		trimmed = []byte("{}")
	}

	if trimmed[0] != '{' || trimmed[len(trimmed)-1] != '}' {
		return nil, errkind.New(errkind.BadMessage, "message: data payload is not a JSON object")
	}

	typeField, err := json.Marshal(t)
	if err != nil {
		return nil, err
	}

	var out bytes.Buffer

	out.WriteString(`{"messageType":`)
	out.Write(typeField)

	inner := bytes.TrimSpace(trimmed[1 : len(trimmed)-1])
	if len(inner) > 0 {
		out.WriteString(",")
		out.Write(inner)
	}

	out.WriteString("}")

	return out.Bytes(), nil
}

func marshalOrdered(v interface{}) ([]byte, error) {
	if v == nil {
		return []byte("{}"), nil
	}

	return json.Marshal(v)
}

// wireEnvelope mirrors Encode's shape for Decode's use of encoding/json.
type wireEnvelope struct {
	Header wireHeader      `json:"header"`
	Data   json.RawMessage `json:"data"`
}

type wireHeader struct {
	SchemaVersion *int       `json:"schemaVersion"`
	SystemID      *string    `json:"systemId"`
	CreatedAt     *time.Time `json:"createdAt"`
	Txn           *uuid.UUID `json:"txn"`
}

type wireData struct {
	MessageType Type `json:"messageType"`
}

// Decode parses raw wire bytes into an Envelope. Missing required header
// fields produce ErrorKind.BadMessage. An unrecognized messageType is
// reported via ErrUnknownMessageType rather than BadMessage, so callers can
// log-and-drop without acking a negative response (spec.md §9).
func Decode(raw []byte) (Envelope, error) {
	var wire wireEnvelope
	if err := json.Unmarshal(raw, &wire); err != nil {
		return Envelope{}, errkind.Wrap(errkind.BadMessage, fmt.Errorf("message: decode envelope: %w", err))
	}

	if wire.Header.SystemID == nil {
		return Envelope{}, errkind.New(errkind.BadMessage, "message: missing header.systemId")
	}

	if wire.Header.CreatedAt == nil {
		return Envelope{}, errkind.New(errkind.BadMessage, "message: missing header.createdAt")
	}

	if wire.Header.Txn == nil {
		return Envelope{}, errkind.New(errkind.BadMessage, "message: missing header.txn")
	}

	var data wireData
	if err := json.Unmarshal(wire.Data, &data); err != nil {
		return Envelope{}, errkind.Wrap(errkind.BadMessage, fmt.Errorf("message: decode data: %w", err))
	}

	if data.MessageType == "" {
		return Envelope{}, errkind.New(errkind.BadMessage, "message: missing data.messageType")
	}

	schemaVersion := 0
	if wire.Header.SchemaVersion != nil {
		schemaVersion = *wire.Header.SchemaVersion
	}

	env := Envelope{
		Header: Header{
			SchemaVersion: schemaVersion,
			SystemID:      *wire.Header.SystemID,
			CreatedAt:     *wire.Header.CreatedAt,
			Txn:           *wire.Header.Txn,
		},
		Data: Payload{MessageType: data.MessageType, Raw: wire.Data},
	}

	if !KnownType(data.MessageType) {
		return env, ErrUnknownMessageType{Type: data.MessageType}
	}

	return env, nil
}

// ErrUnknownMessageType is returned by Decode alongside a valid Envelope
// when data.messageType is not one of the closed set of variants. Its Envelope
// is still populated so a caller that wants to log the txn for diagnostics can.
type ErrUnknownMessageType struct {
	Type Type
}

func (e ErrUnknownMessageType) Error() string {
	return fmt.Sprintf("message: unknown messageType %q", e.Type)
}

// Unmarshal decodes the payload-specific fields of env.Data into v.
func Unmarshal(env Envelope, v interface{}) error {
	if err := json.Unmarshal(env.Data.Raw, v); err != nil {
		return errkind.Wrap(errkind.BadMessage, fmt.Errorf("message: unmarshal %q payload: %w", env.Data.MessageType, err))
	}

	return nil
}
