package protocol

import (
	"encoding/json"
	"time"
)

const Version = "1.0"

// Message types.
const (
	TypeHello   = "HELLO"
	TypePeers   = "PEERS"
	TypePeerPos = "PEER_POS"
	TypeSpawn   = "SPAWN"
	TypeState   = "STATE"
	TypeDeath   = "DEATH"
	TypeHarvest = "HARVEST"
	TypeDespawn = "DESPAWN"
	TypeSync    = "SYNC"
	TypeSyncReq = "SYNC_REQ"
)

// BaseMessage lets us route unknown JSON messages by type.
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}

// Message is any wire message.
type Message interface {
	MsgType() string
	Validate() error
}

// Envelope is a decoded message plus the peer it arrived from. From is the
// session identity established by the transport handshake, not a message field.
type Envelope struct {
	From string
	At   time.Time
	Msg  Message
}
