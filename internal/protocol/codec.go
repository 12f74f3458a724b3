package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Format selects the frame encoding. JSON travels as websocket text frames,
// MessagePack as binary frames; both use the json field names.
type Format string

const (
	FormatJSON    Format = "json"
	FormatMsgPack Format = "msgpack"
)

func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatJSON, "":
		return FormatJSON, nil
	case FormatMsgPack:
		return FormatMsgPack, nil
	}
	return "", fmt.Errorf("unknown wire format %q", s)
}

func Encode(f Format, m Message) ([]byte, error) {
	if f == FormatMsgPack {
		var buf bytes.Buffer
		enc := msgpack.NewEncoder(&buf)
		enc.SetCustomStructTag("json")
		if err := enc.Encode(m); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	return json.Marshal(m)
}

func unmarshalMsgPack(b []byte, v any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(b))
	dec.SetCustomStructTag("json")
	return dec.Decode(v)
}

func decodeAs[T Message](unmarshal func([]byte, any) error, b []byte) (Message, error) {
	var v T
	if err := unmarshal(b, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// Decode parses and validates one frame. Errors wrap ErrMalformed, ErrVersion
// or ErrUnknownMessage; callers drop the frame and keep draining.
func Decode(f Format, b []byte) (Message, error) {
	unmarshal := json.Unmarshal
	if f == FormatMsgPack {
		unmarshal = unmarshalMsgPack
	}
	var base BaseMessage
	if err := unmarshal(b, &base); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var (
		m   Message
		err error
	)
	switch base.Type {
	case TypeHello:
		m, err = decodeAs[HelloMsg](unmarshal, b)
	case TypePeers:
		m, err = decodeAs[PeersMsg](unmarshal, b)
	case TypePeerPos:
		m, err = decodeAs[PeerPosMsg](unmarshal, b)
	case TypeSpawn:
		m, err = decodeAs[SpawnMsg](unmarshal, b)
	case TypeState:
		m, err = decodeAs[StateMsg](unmarshal, b)
	case TypeDeath:
		m, err = decodeAs[DeathMsg](unmarshal, b)
	case TypeHarvest:
		m, err = decodeAs[HarvestMsg](unmarshal, b)
	case TypeDespawn:
		m, err = decodeAs[DespawnMsg](unmarshal, b)
	case TypeSync:
		m, err = decodeAs[SyncMsg](unmarshal, b)
	case TypeSyncReq:
		m, err = decodeAs[SyncReqMsg](unmarshal, b)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, base.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, base.Type, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// CodeFor maps a decode error to a protocol error code.
func CodeFor(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrVersion):
		return ErrProtoVersion
	case errors.Is(err, ErrUnknownMessage):
		return ErrUnknownType
	case errors.Is(err, ErrMalformed):
		return ErrProtoBadRequest
	}
	return ErrInternal
}
