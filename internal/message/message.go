// Package message implements the cloud wire codec (C1): a canonical
// `{header, data}` JSON envelope with a closed set of messageType variants.
package message

import (
	"time"

	"github.com/google/uuid"
)

// Type discriminates the payload carried in an envelope's data field.
type Type string

// The closed set of variants the cloud protocol carries. Encode/Decode
// reject anything outside this set on the way out; Decode tolerates and
// drops unknown types on the way in (see spec.md §3/§9).
const (
	TypeAlerts                               Type = "alerts"
	TypeMonitoringData                       Type = "monitoringData"
	TypePushLog                              Type = "pushLog"
	TypeNewState                             Type = "newState"
	TypeStateRequest                         Type = "stateRequest"
	TypeOverrideEnvVarsStatus                Type = "overrideEnvVarsStatus"
	TypeRequestBlobURLs                      Type = "requestBlobUrls"
	TypeBlobURLs                             Type = "blobUrls"
	TypeAck                                  Type = "ack"
	TypeIssueUnitCertificates                Type = "issueUnitCertificates"
	TypeInstallUnitCertificatesConfirmation  Type = "installUnitCertificatesConfirmation"
	TypeRenewCertificatesNotification        Type = "renewCertificatesNotification"
	TypeIssuedUnitCertificates               Type = "issuedUnitCertificates"
	TypeUpdateState                          Type = "updateState"
	TypeStateAcceptance                      Type = "stateAcceptance"
	TypeRequestLog                           Type = "requestLog"
	TypeDesiredStatus                        Type = "desiredStatus"
)

var knownTypes = map[Type]bool{
	TypeAlerts: true, TypeMonitoringData: true, TypePushLog: true,
	TypeNewState: true, TypeStateRequest: true, TypeOverrideEnvVarsStatus: true,
	TypeRequestBlobURLs: true, TypeBlobURLs: true, TypeAck: true,
	TypeIssueUnitCertificates: true, TypeInstallUnitCertificatesConfirmation: true,
	TypeRenewCertificatesNotification: true, TypeIssuedUnitCertificates: true,
	TypeUpdateState: true, TypeStateAcceptance: true, TypeRequestLog: true,
	TypeDesiredStatus: true,
}

// KnownType reports whether t is one of the closed set of protocol variants.
func KnownType(t Type) bool {
	return knownTypes[t]
}

// Header carries envelope metadata common to every message.
type Header struct {
	SchemaVersion int       `json:"schemaVersion"`
	SystemID      string    `json:"systemId"`
	CreatedAt     time.Time `json:"createdAt"`
	Txn           uuid.UUID `json:"txn"`
}

// Envelope is the canonical `{header, data}` shape sent and received over
// the cloud transport. Data is kept as a typed payload plus its raw bytes
// so callers that only need the messageType don't pay for a full unmarshal.
type Envelope struct {
	Header Header
	Data   Payload
}

// Payload is the decoded `data` object: its messageType discriminator plus
// the remaining fields, still as raw JSON, for the caller to unmarshal into
// a concrete type.
type Payload struct {
	MessageType Type
	Raw         []byte
}

// New builds an outgoing envelope with a fresh txn and the given system
// identity, ready for Encode.
func New(schemaVersion int, systemID string, msgType Type, data interface{}) (Envelope, error) {
	raw, err := marshalOrdered(data)
	if err != nil {
		return Envelope{}, err
	}

	return Envelope{
		Header: Header{
			SchemaVersion: schemaVersion,
			SystemID:      systemID,
			CreatedAt:     time.Now().UTC(),
			Txn:           uuid.New(),
		},
		Data: Payload{MessageType: msgType, Raw: raw},
	}, nil
}

// Resend returns env unchanged, ready to be encoded again with its
// original Txn and CreatedAt (spec.md: "Resends reuse the original txn and
// createdAt"). It exists to make that invariant explicit at call sites
// instead of relying on callers not to mutate env.Header.
func Resend(env Envelope) Envelope {
	return env
}
