package interp

import (
	"math"
	"testing"

	"github.com/go-gl/mathgl/mgl64"

	"wildmesh.ai/internal/sim/entity"
	"wildmesh.ai/internal/sim/terrain"
	"wildmesh.ai/internal/sim/tuning"
)

func engine(t terrain.Sampler) *Engine {
	return New(tuning.Defaults().Interp, t)
}

func mirror(pos, target mgl64.Vec3) *entity.Record {
	return &entity.Record{Position: pos, TargetPosition: target, HasTarget: true}
}

func TestStep_TeleportsOnLargeDesync(t *testing.T) {
	e := engine(terrain.Flat{})
	r := mirror(mgl64.Vec3{}, mgl64.Vec3{10, 0, 0})
	r.TargetRotation = 1
	if got := e.Step(r, 1, 3, 0.1); got != Teleported {
		t.Fatalf("result: %v", got)
	}
	if r.Position != r.TargetPosition || r.Rotation != 1 {
		t.Fatalf("pose after teleport: %v %v", r.Position, r.Rotation)
	}
}

func TestStep_SnapsWhenClose(t *testing.T) {
	e := engine(terrain.Flat{})
	r := mirror(mgl64.Vec3{}, mgl64.Vec3{0.03, 0, 0.03})
	if got := e.Step(r, 1, 3, 0.1); got != Snapped {
		t.Fatalf("result: %v", got)
	}
	if r.Position.X() != 0.03 || r.Position.Z() != 0.03 {
		t.Fatalf("not snapped: %v", r.Position)
	}
}

func TestStep_MovesAtStateSpeed(t *testing.T) {
	e := engine(terrain.Flat{})
	r := mirror(mgl64.Vec3{}, mgl64.Vec3{0, 0, 0.9})
	if got := e.Step(r, 2, 100, 0.1); got != Moving {
		t.Fatalf("result: %v", got)
	}
	if math.Abs(r.Position.Z()-0.2) > 1e-9 {
		t.Fatalf("expected 0.2 step, got %v", r.Position.Z())
	}
}

func TestStep_CatchUpBeyondThreshold(t *testing.T) {
	e := engine(terrain.Flat{})
	r := mirror(mgl64.Vec3{}, mgl64.Vec3{0, 0, 5})
	e.Step(r, 2, 100, 0.1)
	if math.Abs(r.Position.Z()-0.3) > 1e-9 {
		t.Fatalf("expected 1.5x catch-up step 0.3, got %v", r.Position.Z())
	}
}

func TestStep_StationaryStateStillConverges(t *testing.T) {
	e := engine(terrain.Flat{})
	r := mirror(mgl64.Vec3{}, mgl64.Vec3{0.5, 0, 0})
	for i := 0; i < 20; i++ {
		e.Step(r, 0, 3, 0.1)
	}
	if r.Position.X() != 0.5 {
		t.Fatalf("did not converge: %v", r.Position)
	}
}

func TestStep_RotationSlewsAtTurnRate(t *testing.T) {
	e := engine(terrain.Flat{})
	r := mirror(mgl64.Vec3{}, mgl64.Vec3{5, 0, 0}) // facing +X is yaw pi/2
	e.Step(r, 1, 1, 0.1)
	if math.Abs(r.Rotation-0.1) > 1e-9 {
		t.Fatalf("rotation should be clamped to 0.1 rad, got %v", r.Rotation)
	}

	r = mirror(mgl64.Vec3{}, mgl64.Vec3{})
	r.TargetRotation = -0.05
	e.Step(r, 1, 1, 0.1)
	if math.Abs(r.Rotation+0.05) > 1e-9 {
		t.Fatalf("stationary mirror should face the transmitted rotation, got %v", r.Rotation)
	}
}

type countingTerrain struct {
	calls int
	y     float64
}

func (c *countingTerrain) HeightAt(_, _ float64) float64 {
	c.calls++
	return c.y
}

func TestStep_HeightSampledEveryFewFrames(t *testing.T) {
	ct := &countingTerrain{y: 4}
	e := engine(ct)
	r := &entity.Record{}
	for i := 0; i < 10; i++ {
		e.Step(r, 0, 0, 0.1)
	}
	if ct.calls != 2 {
		t.Fatalf("terrain sampled %d times over 10 frames, want 2", ct.calls)
	}
	if r.Position.Y() != 4 {
		t.Fatalf("first sample should ground the mirror, y=%v", r.Position.Y())
	}

	ct.y = 6
	for i := 0; i < 5; i++ {
		e.Step(r, 0, 0, 0.1)
	}
	y := r.Position.Y()
	if y <= 4 || y >= 6 {
		t.Fatalf("height should blend toward 6, got %v", y)
	}
}
