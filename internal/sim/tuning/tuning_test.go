package tuning

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	d := Defaults()
	if d.Staleness() != 3*time.Second {
		t.Fatalf("staleness=%v", d.Staleness())
	}
	if d.PendingTTL() != 10*time.Second {
		t.Fatalf("pending ttl=%v", d.PendingTTL())
	}
	if d.Interp.TeleportDist != 10 || d.Interp.SnapDist != 0.05 || d.Interp.CatchUpFactor != 1.5 {
		t.Fatalf("interp=%+v", d.Interp)
	}
	if d.Species["wolf"].Priority <= d.Species["deer"].Priority {
		t.Fatalf("threats must outrank wildlife: %+v", d.Species)
	}
	if err := d.Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
}

func TestLoad_MergesSpeciesDefaults(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "tuning.yaml")
	raw := []byte(`
step_hz: 20
wire_format: msgpack
species:
  deer:
    speeds:
      fleeing: 9
  boar:
    priority: 25
`)
	if err := os.WriteFile(p, raw, 0o644); err != nil {
		t.Fatal(err)
	}
	tu, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if tu.StepHz != 20 || tu.WireFormat != "msgpack" {
		t.Fatalf("top-level not applied: %+v", tu)
	}
	deer := tu.Species["deer"]
	if deer.Speed("fleeing") != 9 || deer.Speed("wandering") != 1.2 {
		t.Fatalf("deer speeds=%v", deer.Speeds)
	}
	if deer.StateIntervalMs != 500 {
		t.Fatalf("deer interval=%d", deer.StateIntervalMs)
	}
	boar := tu.Species["boar"]
	if boar.Priority != 25 || boar.StateIntervalMs != 500 {
		t.Fatalf("boar=%+v", boar)
	}
}

func TestLoad_RejectsBadWireFormat(t *testing.T) {
	p := filepath.Join(t.TempDir(), "tuning.yaml")
	if err := os.WriteFile(p, []byte("wire_format: xml\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(p); err == nil {
		t.Fatalf("expected error")
	}
}

func TestLoad_RepoConfig(t *testing.T) {
	tun, err := Load(filepath.Join("..", "..", "..", "configs", "tuning.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if tun.Staleness() != Defaults().Staleness() || tun.RegionSize != 32 {
		t.Fatalf("repo tuning drifted from defaults: staleness=%v region=%d", tun.Staleness(), tun.RegionSize)
	}
	if !tun.Transport.ValidateJSON {
		t.Fatalf("repo tuning should validate json ingress")
	}
	if tun.Species["worker"].TurnRate != Defaults().Species["worker"].TurnRate {
		t.Fatalf("worker turn rate not merged: %+v", tun.Species["worker"])
	}
}
