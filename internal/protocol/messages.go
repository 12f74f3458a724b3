package protocol

import "github.com/go-gl/mathgl/mgl64"

// HELLO (peer -> peer), first frame on every mesh connection.
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	PeerID          string `json:"peer_id"`
	ListenAddr      string `json:"listen_addr,omitempty"`
	WireFormat      string `json:"wire_format,omitempty"`
}

type PeerAddr struct {
	PeerID string `json:"peer_id"`
	Addr   string `json:"addr"`
}

// PEERS (peer -> peer): known mesh members, for gossip membership.
type PeersMsg struct {
	Type            string     `json:"type"`
	ProtocolVersion string     `json:"protocol_version"`
	Peers           []PeerAddr `json:"peers"`
}

// PEER_POS (peer -> all): presence heartbeat carrying the peer's own position.
type PeerPosMsg struct {
	Type            string     `json:"type"`
	ProtocolVersion string     `json:"protocol_version"`
	PeerID          string     `json:"peer_id"`
	Pos             mgl64.Vec3 `json:"pos"`
}

// SPAWN (authority -> all).
type SpawnMsg struct {
	Type            string     `json:"type"`
	ProtocolVersion string     `json:"protocol_version"`
	EntityID        string     `json:"entity_id"`
	EntityType      string     `json:"entity_type"`
	AnchorID        string     `json:"anchor_id"`
	Anchor          mgl64.Vec3 `json:"anchor"`
	Generation      uint32     `json:"generation"`
	Pos             mgl64.Vec3 `json:"pos"`
	Rot             float64    `json:"rot"`
	State           string     `json:"state"`
	AuthorityID     string     `json:"authority_id"`
	AuthorityTerm   uint64     `json:"authority_term"`
	SpawnedBy       string     `json:"spawned_by"`
	HP              int        `json:"hp,omitempty"`
	TargetID        string     `json:"target_id,omitempty"`

	// Set when replayed through a full sync of an entity that already died.
	Dead      bool   `json:"dead,omitempty"`
	DeathTick uint64 `json:"death_tick,omitempty"`
	KilledBy  string `json:"killed_by,omitempty"`
}

// STATE (authority -> all), periodic.
type StateMsg struct {
	Type            string     `json:"type"`
	ProtocolVersion string     `json:"protocol_version"`
	EntityID        string     `json:"entity_id"`
	EntityType      string     `json:"entity_type,omitempty"`
	AuthorityID     string     `json:"authority_id"`
	AuthorityTerm   uint64     `json:"authority_term"`
	Pos             mgl64.Vec3 `json:"pos"`
	Rot             float64    `json:"rot"`
	State           string     `json:"state"`
	TargetID        string     `json:"target_id,omitempty"`
	HP              int        `json:"hp,omitempty"`
}

// DEATH (any -> all).
type DeathMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	EntityID        string `json:"entity_id"`
	KilledBy        string `json:"killed_by"`
	DeathTick       uint64 `json:"death_tick"`
}

// HARVEST (any -> all).
type HarvestMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	EntityID        string `json:"entity_id"`
	By              string `json:"by,omitempty"`
}

// DESPAWN (authority -> all).
type DespawnMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	EntityID        string `json:"entity_id"`
	Reason          string `json:"reason,omitempty"`
}

// SYNC (peer -> late joiner): the sender's authoritative entities and the
// lives it has seen end, so the joiner neither revives nor respawns them
// early.
type SyncMsg struct {
	Type            string     `json:"type"`
	ProtocolVersion string     `json:"protocol_version"`
	Entities        []SpawnMsg `json:"entities"`
	Graves          []GraveMsg `json:"graves,omitempty"`
}

// GraveMsg describes a tombstoned entity. Ages are relative to the send time
// so peers need not agree on wall clocks.
type GraveMsg struct {
	EntityID string     `json:"entity_id"`
	Anchor   mgl64.Vec3 `json:"anchor"`
	Reason   string     `json:"reason"`
	AgeMS    int64      `json:"age_ms"`
	// DiedAgeMS is set when the anchor's respawn cooldown is still running.
	Died      bool  `json:"died,omitempty"`
	DiedAgeMS int64 `json:"died_age_ms,omitempty"`
}

// SYNC_REQ (peer -> peers): ask holders for their entities anchored in the
// listed regions, sent after the requester loads new regions.
type SyncReqMsg struct {
	Type            string   `json:"type"`
	ProtocolVersion string   `json:"protocol_version"`
	PeerID          string   `json:"peer_id"`
	Regions         [][2]int `json:"regions"`
}

func (HelloMsg) MsgType() string   { return TypeHello }
func (PeersMsg) MsgType() string   { return TypePeers }
func (PeerPosMsg) MsgType() string { return TypePeerPos }
func (SpawnMsg) MsgType() string   { return TypeSpawn }
func (StateMsg) MsgType() string   { return TypeState }
func (DeathMsg) MsgType() string   { return TypeDeath }
func (HarvestMsg) MsgType() string { return TypeHarvest }
func (DespawnMsg) MsgType() string { return TypeDespawn }
func (SyncMsg) MsgType() string    { return TypeSync }
func (SyncReqMsg) MsgType() string { return TypeSyncReq }
