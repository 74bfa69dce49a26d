package message_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aosedge/aos_communicationmanager/internal/errkind"
	"github.com/aosedge/aos_communicationmanager/internal/message"
)

type ackPayload struct {
	Txn string `json:"ackedTxn"`
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	env, err := message.New(7, "cm-1234", message.TypeAck, ackPayload{Txn: "abc"})
	require.NoError(t, err)

	wire, err := message.Encode(env)
	require.NoError(t, err)

	decoded, err := message.Decode(wire)
	require.NoError(t, err)

	require.Equal(t, env.Header.SystemID, decoded.Header.SystemID)
	require.Equal(t, env.Header.Txn, decoded.Header.Txn)
	require.Equal(t, env.Header.SchemaVersion, decoded.Header.SchemaVersion)
	require.Equal(t, env.Data.MessageType, decoded.Data.MessageType)
	require.WithinDuration(t, env.Header.CreatedAt, decoded.Header.CreatedAt, 0)

	var payload ackPayload
	require.NoError(t, message.Unmarshal(decoded, &payload))
	require.Equal(t, "abc", payload.Txn)
}

func TestEncodeKeyOrderAndTrailingZ(t *testing.T) {
	env, err := message.New(1, "cm-1", message.TypeAck, ackPayload{Txn: "x"})
	require.NoError(t, err)

	wire, err := message.Encode(env)
	require.NoError(t, err)

	var generic map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(wire, &generic))
	require.Contains(t, string(wire), `"schemaVersion":1,"systemId":"cm-1","createdAt":"`)
	require.Contains(t, string(wire), `Z","txn":"`)
	require.Contains(t, string(wire), `"data":{"messageType":"ack","ackedTxn":"x"}`)
}

func TestEncodeRejectsUnknownMessageType(t *testing.T) {
	env, err := message.New(1, "cm-1", message.Type("bogus"), ackPayload{})
	require.NoError(t, err)

	_, err = message.Encode(env)
	require.Error(t, err)
	require.Equal(t, errkind.BadMessage, errkind.Of(err))
}

func TestDecodeMissingSystemIDIsBadMessage(t *testing.T) {
	_, err := message.Decode([]byte(`{"header":{"schemaVersion":1,"createdAt":"2026-01-01T00:00:00Z","txn":"6ba7b810-9dad-11d1-80b4-00c04fd430c8"},"data":{"messageType":"ack"}}`))
	require.Error(t, err)
	require.Equal(t, errkind.BadMessage, errkind.Of(err))
}

func TestDecodeUnknownMessageTypeIsLoggedNotBadMessage(t *testing.T) {
	env, err := message.Decode([]byte(`{"header":{"schemaVersion":1,"systemId":"cm-1","createdAt":"2026-01-01T00:00:00Z","txn":"6ba7b810-9dad-11d1-80b4-00c04fd430c8"},"data":{"messageType":"somethingNew","x":1}}`))

	var unknown message.ErrUnknownMessageType
	require.ErrorAs(t, err, &unknown)
	require.Equal(t, message.Type("somethingNew"), unknown.Type)
	require.Equal(t, "cm-1", env.Header.SystemID)
}

func TestResendPreservesTxnAndCreatedAt(t *testing.T) {
	env, err := message.New(1, "cm-1", message.TypeAck, ackPayload{})
	require.NoError(t, err)

	resent := message.Resend(env)

	require.Equal(t, env.Header.Txn, resent.Header.Txn)
	require.Equal(t, env.Header.CreatedAt, resent.Header.CreatedAt)
}
