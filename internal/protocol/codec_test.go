package protocol_test

import (
	"errors"
	"math"
	"testing"

	"github.com/go-gl/mathgl/mgl64"

	"wildmesh.ai/internal/protocol"
)

func sampleSpawn() protocol.SpawnMsg {
	return protocol.SpawnMsg{
		Type:            protocol.TypeSpawn,
		ProtocolVersion: protocol.Version,
		EntityID:        "wolf:den-3#2",
		EntityType:      "wolf",
		AnchorID:        "den-3",
		Anchor:          mgl64.Vec3{10, 0, -4},
		Generation:      2,
		Pos:             mgl64.Vec3{11.5, 0.25, -3},
		Rot:             1.25,
		State:           "wandering",
		AuthorityID:     "peer-b",
		AuthorityTerm:   3,
		SpawnedBy:       "peer-a",
		HP:              20,
	}
}

func TestCodec_RoundTrip(t *testing.T) {
	msgs := []protocol.Message{
		protocol.HelloMsg{Type: protocol.TypeHello, ProtocolVersion: protocol.Version, PeerID: "peer-a", WireFormat: "msgpack"},
		protocol.PeerPosMsg{Type: protocol.TypePeerPos, ProtocolVersion: protocol.Version, PeerID: "peer-a", Pos: mgl64.Vec3{1, 2, 3}},
		sampleSpawn(),
		protocol.StateMsg{Type: protocol.TypeState, ProtocolVersion: protocol.Version, EntityID: "wolf:den-3#2",
			AuthorityID: "peer-b", AuthorityTerm: 3, Pos: mgl64.Vec3{1, 0, 1}, Rot: 0.5, State: "chasing", TargetID: "peer-c"},
		protocol.DeathMsg{Type: protocol.TypeDeath, ProtocolVersion: protocol.Version, EntityID: "wolf:den-3#2", KilledBy: "peer-c", DeathTick: 77},
		protocol.SyncMsg{Type: protocol.TypeSync, ProtocolVersion: protocol.Version, Entities: []protocol.SpawnMsg{sampleSpawn()},
			Graves: []protocol.GraveMsg{{EntityID: "deer:s0#1", Anchor: mgl64.Vec3{1, 0, 2}, Reason: "harvested", AgeMS: 1500, Died: true, DiedAgeMS: 9000}}},
	}
	for _, f := range []protocol.Format{protocol.FormatJSON, protocol.FormatMsgPack} {
		for _, m := range msgs {
			b, err := protocol.Encode(f, m)
			if err != nil {
				t.Fatalf("%s encode %s: %v", f, m.MsgType(), err)
			}
			got, err := protocol.Decode(f, b)
			if err != nil {
				t.Fatalf("%s decode %s: %v", f, m.MsgType(), err)
			}
			if got.MsgType() != m.MsgType() {
				t.Fatalf("%s: type %s != %s", f, got.MsgType(), m.MsgType())
			}
		}
	}

	b, _ := protocol.Encode(protocol.FormatMsgPack, sampleSpawn())
	got, err := protocol.Decode(protocol.FormatMsgPack, b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	sp := got.(protocol.SpawnMsg)
	if sp.Pos != (mgl64.Vec3{11.5, 0.25, -3}) || sp.AuthorityTerm != 3 || sp.Generation != 2 {
		t.Fatalf("msgpack spawn fields lost: %+v", sp)
	}
}

func TestCodec_Rejects(t *testing.T) {
	if _, err := protocol.Decode(protocol.FormatJSON, []byte(`{"type":"BOGUS"}`)); !errors.Is(err, protocol.ErrUnknownMessage) {
		t.Fatalf("want unknown message, got %v", err)
	}
	if _, err := protocol.Decode(protocol.FormatJSON, []byte(`garbage`)); !errors.Is(err, protocol.ErrMalformed) {
		t.Fatalf("want malformed, got %v", err)
	}

	old := sampleSpawn()
	old.ProtocolVersion = "0.1"
	b, _ := protocol.Encode(protocol.FormatJSON, old)
	_, err := protocol.Decode(protocol.FormatJSON, b)
	if !errors.Is(err, protocol.ErrVersion) {
		t.Fatalf("want version error, got %v", err)
	}
	if protocol.CodeFor(err) != protocol.ErrProtoVersion {
		t.Fatalf("code: %s", protocol.CodeFor(err))
	}

	st := protocol.StateMsg{Type: protocol.TypeState, ProtocolVersion: protocol.Version, EntityID: "e",
		AuthorityID: "p", AuthorityTerm: 1, Pos: mgl64.Vec3{math.NaN(), 0, 0}}
	if err := st.Validate(); !errors.Is(err, protocol.ErrMalformed) {
		t.Fatalf("want malformed for NaN pos, got %v", err)
	}
	st.Pos = mgl64.Vec3{}
	st.AuthorityTerm = 0
	if err := st.Validate(); !errors.Is(err, protocol.ErrMalformed) {
		t.Fatalf("want malformed for zero term, got %v", err)
	}

	sync := protocol.SyncMsg{Type: protocol.TypeSync, ProtocolVersion: protocol.Version,
		Entities: []protocol.SpawnMsg{sampleSpawn(), {Type: protocol.TypeSpawn, ProtocolVersion: protocol.Version}}}
	if err := sync.Validate(); !errors.Is(err, protocol.ErrMalformed) {
		t.Fatalf("want malformed sync entry, got %v", err)
	}
	sync = protocol.SyncMsg{Type: protocol.TypeSync, ProtocolVersion: protocol.Version,
		Graves: []protocol.GraveMsg{{Reason: "harvested"}}}
	if err := sync.Validate(); !errors.Is(err, protocol.ErrMalformed) {
		t.Fatalf("want malformed grave without id, got %v", err)
	}
}

func TestParseFormat(t *testing.T) {
	if f, err := protocol.ParseFormat(""); err != nil || f != protocol.FormatJSON {
		t.Fatalf("default: %v %v", f, err)
	}
	if f, err := protocol.ParseFormat("msgpack"); err != nil || f != protocol.FormatMsgPack {
		t.Fatalf("msgpack: %v %v", f, err)
	}
	if _, err := protocol.ParseFormat("xml"); err == nil {
		t.Fatalf("expected error")
	}
}
