package entity

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-gl/mathgl/mgl64"
)

// StateDead is the behavior state every type enters on death.
const StateDead = "dead"

// AnchorSpec describes a spawn structure: the fixed origin an entity belongs to.
type AnchorSpec struct {
	ID   string     `json:"id" yaml:"id"`
	Type string     `json:"type" yaml:"type"`
	Pos  mgl64.Vec3 `json:"pos" yaml:"pos"`
}

// Record is one simulated actor. Position and Rotation are the authoritative
// pose; mirrors move them toward TargetPosition/TargetRotation.
type Record struct {
	ID         string
	Type       string
	AnchorID   string
	Anchor     mgl64.Vec3
	Generation uint32

	Position       mgl64.Vec3
	Rotation       float64
	TargetPosition mgl64.Vec3
	TargetRotation float64
	HasTarget      bool

	State         string
	AuthorityID   string
	AuthorityTerm uint64
	SpawnedBy     string

	IsDead      bool
	IsHarvested bool
	DeathTick   uint64
	KilledBy    string
	DiedAt      time.Time
	TeardownAt  time.Time

	// Type-specific replicated fields.
	TargetID string
	HP       int

	// Paused is set while the holder has no resolver candidate.
	Paused bool
	// HandedOffAt is set on the previous holder until the new one is heard from.
	HandedOffAt time.Time

	SpawnedAt       time.Time
	LastStateAt     time.Time
	LastBroadcastAt time.Time

	Brain  Brain
	Smooth Smoothing
}

// Brain is per-entity scratch state for behavior strategies. It is local to
// the holder and not replicated.
type Brain struct {
	Goal       mgl64.Vec3
	HasGoal    bool
	Until      time.Time
	LastAttack time.Time
}

// Smoothing is the mirror-side vertical interpolation state.
type Smoothing struct {
	Frame    int
	GroundY  float64
	Grounded bool
}

func (r *Record) HeldBy(peer string) bool { return r.AuthorityID == peer }

// View is the read-only projection handed to other entity types.
type View struct {
	ID          string
	Type        string
	Position    mgl64.Vec3
	State       string
	IsDead      bool
	HP          int
	AuthorityID string
}

func (r *Record) View() View {
	return View{
		ID:          r.ID,
		Type:        r.Type,
		Position:    r.Position,
		State:       r.State,
		IsDead:      r.IsDead,
		HP:          r.HP,
		AuthorityID: r.AuthorityID,
	}
}

// FormatID derives the entity ID for one life of an anchor. Every peer
// derives the same ID for the same life, which makes spawns dedupable.
func FormatID(typ, anchorID string, generation uint32) string {
	return fmt.Sprintf("%s:%s#%d", typ, anchorID, generation)
}

// ParseID splits an ID made by FormatID.
func ParseID(id string) (typ, anchorID string, generation uint32, ok bool) {
	i := strings.IndexByte(id, ':')
	j := strings.LastIndexByte(id, '#')
	if i <= 0 || j <= i+1 || j == len(id)-1 {
		return "", "", 0, false
	}
	g, err := strconv.ParseUint(id[j+1:], 10, 32)
	if err != nil || g == 0 {
		return "", "", 0, false
	}
	return id[:i], id[i+1 : j], uint32(g), true
}

// TypeOf returns the type prefix of an entity ID.
func TypeOf(id string) string {
	typ, _, _, ok := ParseID(id)
	if !ok {
		return ""
	}
	return typ
}
