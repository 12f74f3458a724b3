package tuning

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Tuning struct {
	ProtocolVersion string `yaml:"protocol_version"`

	StepHz     int    `yaml:"step_hz"`
	WireFormat string `yaml:"wire_format"` // "json" or "msgpack"

	StalenessMs      int     `yaml:"staleness_ms"`
	PeerUpdateMs     int     `yaml:"peer_update_ms"`
	AuthorityCheckMs int     `yaml:"authority_check_ms"`
	AuthorityRadius  float64 `yaml:"authority_radius"`
	PendingTTLMs     int     `yaml:"pending_ttl_ms"`

	RespawnCooldownMs int `yaml:"respawn_cooldown_ms"`
	CorpseLifetimeMs  int `yaml:"corpse_lifetime_ms"`

	RegionSize   int `yaml:"region_size"`
	RegionRadius int `yaml:"region_radius"`

	SnapshotEveryMs int `yaml:"snapshot_every_ms"`

	SpawnQueue SpawnQueue `yaml:"spawn_queue"`
	Interp     Interp     `yaml:"interp"`
	Transport  Transport  `yaml:"transport"`

	Species map[string]Species `yaml:"species"`
}

type SpawnQueue struct {
	MaxPerTick int `yaml:"max_per_tick"`
}

type Interp struct {
	TeleportDist       float64 `yaml:"teleport_dist"`
	SnapDist           float64 `yaml:"snap_dist"`
	CatchUpDist        float64 `yaml:"catch_up_dist"`
	CatchUpFactor      float64 `yaml:"catch_up_factor"`
	HeightSampleFrames int     `yaml:"height_sample_frames"`
	HeightBlendRate    float64 `yaml:"height_blend_rate"`
}

type Transport struct {
	OutboxSize    int     `yaml:"outbox_size"`
	InboundRate   float64 `yaml:"inbound_rate"` // frames per second per connection
	InboundBurst  int     `yaml:"inbound_burst"`
	ReadTimeoutMs int     `yaml:"read_timeout_ms"`
	ValidateJSON  bool    `yaml:"validate_json"`
}

// Species tunes one entity type: replication cadence, spawn priority and movement content.
type Species struct {
	Priority        int                `yaml:"priority"`
	StateIntervalMs int                `yaml:"state_interval_ms"`
	TurnRate        float64            `yaml:"turn_rate"` // radians per second
	MaxHP           int                `yaml:"max_hp"`
	WanderRadius    float64            `yaml:"wander_radius"`
	SenseRadius     float64            `yaml:"sense_radius"`
	AttackRange     float64            `yaml:"attack_range"`
	Speeds          map[string]float64 `yaml:"speeds"`
}

func Load(path string) (Tuning, error) {
	var t Tuning
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	t.applyDefaults()
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

func Defaults() Tuning {
	var t Tuning
	t.applyDefaults()
	return t
}

func (t Tuning) Validate() error {
	switch t.WireFormat {
	case "json", "msgpack":
	default:
		return fmt.Errorf("wire_format must be json or msgpack, got %q", t.WireFormat)
	}
	if t.Interp.SnapDist >= t.Interp.TeleportDist {
		return fmt.Errorf("interp.snap_dist (%v) must be below interp.teleport_dist (%v)", t.Interp.SnapDist, t.Interp.TeleportDist)
	}
	for name, sp := range t.Species {
		if sp.StateIntervalMs < 50 {
			return fmt.Errorf("species %s: state_interval_ms %d below 50", name, sp.StateIntervalMs)
		}
	}
	return nil
}

func (t *Tuning) applyDefaults() {
	if t.ProtocolVersion == "" {
		t.ProtocolVersion = "1.0"
	}
	if t.StepHz <= 0 {
		t.StepHz = 10
	}
	if t.WireFormat == "" {
		t.WireFormat = "json"
	}
	if t.StalenessMs <= 0 {
		t.StalenessMs = 3000
	}
	if t.PeerUpdateMs <= 0 {
		t.PeerUpdateMs = 1000
	}
	if t.AuthorityCheckMs <= 0 {
		t.AuthorityCheckMs = 1000
	}
	if t.AuthorityRadius <= 0 {
		t.AuthorityRadius = 96
	}
	if t.PendingTTLMs <= 0 {
		t.PendingTTLMs = 10000
	}
	if t.RespawnCooldownMs <= 0 {
		t.RespawnCooldownMs = 20 * 60 * 1000
	}
	if t.CorpseLifetimeMs <= 0 {
		t.CorpseLifetimeMs = 2 * 60 * 1000
	}
	if t.RegionSize <= 0 {
		t.RegionSize = 32
	}
	if t.RegionRadius <= 0 {
		t.RegionRadius = 3
	}
	if t.SnapshotEveryMs <= 0 {
		t.SnapshotEveryMs = 5 * 60 * 1000
	}
	if t.SpawnQueue.MaxPerTick <= 0 {
		t.SpawnQueue.MaxPerTick = 1
	}

	in := &t.Interp
	if in.TeleportDist <= 0 {
		in.TeleportDist = 10
	}
	if in.SnapDist <= 0 {
		in.SnapDist = 0.05
	}
	if in.CatchUpDist <= 0 {
		in.CatchUpDist = 1
	}
	if in.CatchUpFactor <= 0 {
		in.CatchUpFactor = 1.5
	}
	if in.HeightSampleFrames <= 0 {
		in.HeightSampleFrames = 5
	}
	if in.HeightBlendRate <= 0 {
		in.HeightBlendRate = 8
	}

	tr := &t.Transport
	if tr.OutboxSize <= 0 {
		tr.OutboxSize = 256
	}
	if tr.InboundRate <= 0 {
		tr.InboundRate = 400
	}
	if tr.InboundBurst <= 0 {
		tr.InboundBurst = 800
	}
	if tr.ReadTimeoutMs <= 0 {
		tr.ReadTimeoutMs = 60000
	}

	if t.Species == nil {
		t.Species = map[string]Species{}
	}
	for name, def := range defaultSpecies() {
		sp, ok := t.Species[name]
		if !ok {
			t.Species[name] = def
			continue
		}
		sp.fillFrom(def)
		t.Species[name] = sp
	}
	for name, sp := range t.Species {
		sp.fillFrom(Species{Priority: 0, StateIntervalMs: 500, TurnRate: 3, MaxHP: 10, WanderRadius: 12, SenseRadius: 16, AttackRange: 1.5})
		t.Species[name] = sp
	}
}

func (s *Species) fillFrom(def Species) {
	if s.Priority == 0 {
		s.Priority = def.Priority
	}
	if s.StateIntervalMs <= 0 {
		s.StateIntervalMs = def.StateIntervalMs
	}
	if s.TurnRate <= 0 {
		s.TurnRate = def.TurnRate
	}
	if s.MaxHP <= 0 {
		s.MaxHP = def.MaxHP
	}
	if s.WanderRadius <= 0 {
		s.WanderRadius = def.WanderRadius
	}
	if s.SenseRadius <= 0 {
		s.SenseRadius = def.SenseRadius
	}
	if s.AttackRange <= 0 {
		s.AttackRange = def.AttackRange
	}
	if s.Speeds == nil {
		s.Speeds = map[string]float64{}
	}
	for k, v := range def.Speeds {
		if _, ok := s.Speeds[k]; !ok {
			s.Speeds[k] = v
		}
	}
}

func defaultSpecies() map[string]Species {
	return map[string]Species{
		"deer": {
			Priority:        10,
			StateIntervalMs: 500,
			TurnRate:        4,
			MaxHP:           8,
			WanderRadius:    14,
			SenseRadius:     12,
			AttackRange:     0,
			Speeds:          map[string]float64{"wandering": 1.2, "fleeing": 6.5},
		},
		"wolf": {
			Priority:        30,
			StateIntervalMs: 200,
			TurnRate:        5,
			MaxHP:           14,
			WanderRadius:    20,
			SenseRadius:     18,
			AttackRange:     1.6,
			Speeds:          map[string]float64{"wandering": 1.6, "chasing": 5.5, "attacking": 1.0},
		},
		"worker": {
			Priority:        20,
			StateIntervalMs: 1000,
			TurnRate:        3,
			MaxHP:           12,
			WanderRadius:    10,
			SenseRadius:     8,
			AttackRange:     0,
			Speeds:          map[string]float64{"walking": 1.4, "returning": 1.4},
		},
	}
}

func (t Tuning) Staleness() time.Duration      { return ms(t.StalenessMs) }
func (t Tuning) PeerUpdate() time.Duration     { return ms(t.PeerUpdateMs) }
func (t Tuning) AuthorityCheck() time.Duration { return ms(t.AuthorityCheckMs) }
func (t Tuning) PendingTTL() time.Duration     { return ms(t.PendingTTLMs) }
func (t Tuning) RespawnCooldown() time.Duration {
	return ms(t.RespawnCooldownMs)
}
func (t Tuning) CorpseLifetime() time.Duration { return ms(t.CorpseLifetimeMs) }
func (t Tuning) SnapshotEvery() time.Duration  { return ms(t.SnapshotEveryMs) }

func (s Species) StateInterval() time.Duration { return ms(s.StateIntervalMs) }

// Speed returns the movement speed for a behavior state; unknown states are stationary.
func (s Species) Speed(state string) float64 { return s.Speeds[state] }

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }
