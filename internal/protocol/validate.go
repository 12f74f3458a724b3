package protocol

import (
	"errors"
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

var (
	// ErrMalformed marks a message missing required fields or carrying unusable values.
	ErrMalformed = errors.New("malformed message")
	// ErrVersion marks a message from an incompatible protocol version.
	ErrVersion = errors.New("unsupported protocol version")
	// ErrUnknownMessage marks a frame whose type is not part of the protocol.
	ErrUnknownMessage = errors.New("unknown message type")
)

func malformed(typ, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrMalformed, typ, fmt.Sprintf(format, args...))
}

func finiteVec(v mgl64.Vec3) bool {
	for _, c := range v {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return false
		}
	}
	return true
}

func finite(f float64) bool { return !math.IsNaN(f) && !math.IsInf(f, 0) }

func checkHeader(want, typ, version string) error {
	if typ != want {
		return malformed(want, "type %q", typ)
	}
	if version != Version {
		return fmt.Errorf("%w: %s: %q", ErrVersion, want, version)
	}
	return nil
}

func (m HelloMsg) Validate() error {
	if err := checkHeader(TypeHello, m.Type, m.ProtocolVersion); err != nil {
		return err
	}
	if m.PeerID == "" {
		return malformed(TypeHello, "missing peer_id")
	}
	return nil
}

func (m PeersMsg) Validate() error {
	if err := checkHeader(TypePeers, m.Type, m.ProtocolVersion); err != nil {
		return err
	}
	for i, p := range m.Peers {
		if p.PeerID == "" || p.Addr == "" {
			return malformed(TypePeers, "peers[%d] incomplete", i)
		}
	}
	return nil
}

func (m PeerPosMsg) Validate() error {
	if err := checkHeader(TypePeerPos, m.Type, m.ProtocolVersion); err != nil {
		return err
	}
	if m.PeerID == "" {
		return malformed(TypePeerPos, "missing peer_id")
	}
	if !finiteVec(m.Pos) {
		return malformed(TypePeerPos, "non-finite pos")
	}
	return nil
}

func (m SpawnMsg) Validate() error {
	if err := checkHeader(TypeSpawn, m.Type, m.ProtocolVersion); err != nil {
		return err
	}
	switch {
	case m.EntityID == "":
		return malformed(TypeSpawn, "missing entity_id")
	case m.EntityType == "":
		return malformed(TypeSpawn, "missing entity_type")
	case m.AnchorID == "":
		return malformed(TypeSpawn, "missing anchor_id")
	case m.Generation == 0:
		return malformed(TypeSpawn, "generation must be >= 1")
	case m.AuthorityID == "":
		return malformed(TypeSpawn, "missing authority_id")
	case m.AuthorityTerm == 0:
		return malformed(TypeSpawn, "authority_term must be >= 1")
	case m.SpawnedBy == "":
		return malformed(TypeSpawn, "missing spawned_by")
	case !finiteVec(m.Anchor) || !finiteVec(m.Pos) || !finite(m.Rot):
		return malformed(TypeSpawn, "non-finite pose")
	}
	return nil
}

func (m StateMsg) Validate() error {
	if err := checkHeader(TypeState, m.Type, m.ProtocolVersion); err != nil {
		return err
	}
	switch {
	case m.EntityID == "":
		return malformed(TypeState, "missing entity_id")
	case m.AuthorityID == "":
		return malformed(TypeState, "missing authority_id")
	case m.AuthorityTerm == 0:
		return malformed(TypeState, "authority_term must be >= 1")
	case !finiteVec(m.Pos) || !finite(m.Rot):
		return malformed(TypeState, "non-finite pose")
	}
	return nil
}

func (m DeathMsg) Validate() error {
	if err := checkHeader(TypeDeath, m.Type, m.ProtocolVersion); err != nil {
		return err
	}
	if m.EntityID == "" {
		return malformed(TypeDeath, "missing entity_id")
	}
	if m.KilledBy == "" {
		return malformed(TypeDeath, "missing killed_by")
	}
	return nil
}

func (m HarvestMsg) Validate() error {
	if err := checkHeader(TypeHarvest, m.Type, m.ProtocolVersion); err != nil {
		return err
	}
	if m.EntityID == "" {
		return malformed(TypeHarvest, "missing entity_id")
	}
	return nil
}

func (m DespawnMsg) Validate() error {
	if err := checkHeader(TypeDespawn, m.Type, m.ProtocolVersion); err != nil {
		return err
	}
	if m.EntityID == "" {
		return malformed(TypeDespawn, "missing entity_id")
	}
	return nil
}

func (m SyncMsg) Validate() error {
	if err := checkHeader(TypeSync, m.Type, m.ProtocolVersion); err != nil {
		return err
	}
	for i, e := range m.Entities {
		if err := e.Validate(); err != nil {
			return fmt.Errorf("entities[%d]: %w", i, err)
		}
	}
	for i, g := range m.Graves {
		switch {
		case g.EntityID == "":
			return malformed(TypeSync, "graves[%d]: missing entity_id", i)
		case g.AgeMS < 0 || g.DiedAgeMS < 0:
			return malformed(TypeSync, "graves[%d]: negative age", i)
		case !finiteVec(g.Anchor):
			return malformed(TypeSync, "graves[%d]: non-finite anchor", i)
		}
	}
	return nil
}

func (m SyncReqMsg) Validate() error {
	if err := checkHeader(TypeSyncReq, m.Type, m.ProtocolVersion); err != nil {
		return err
	}
	if m.PeerID == "" {
		return malformed(TypeSyncReq, "missing peer_id")
	}
	if len(m.Regions) == 0 {
		return malformed(TypeSyncReq, "no regions")
	}
	return nil
}
