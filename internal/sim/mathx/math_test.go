package mathx

import (
	"math"
	"testing"

	"github.com/go-gl/mathgl/mgl64"
)

func TestFloorDivAndRegionOf(t *testing.T) {
	if got := FloorDiv(-1, 16); got != -1 {
		t.Fatalf("FloorDiv(-1,16)=%d want -1", got)
	}
	if got := Mod(-1, 16); got != 15 {
		t.Fatalf("Mod(-1,16)=%d want 15", got)
	}
	k := RegionOf(mgl64.Vec3{-0.5, 3, 31.9}, 32)
	if k != (RegionKey{X: -1, Z: 0}) {
		t.Fatalf("RegionOf=%v", k)
	}
	if k.String() != "-1,0" {
		t.Fatalf("String=%q", k.String())
	}
}

func TestSlewAngle_ShortArcAndClamp(t *testing.T) {
	// From just below +pi to just above -pi is a tiny turn across the seam.
	got := SlewAngle(math.Pi-0.1, -math.Pi+0.1, 1)
	if math.Abs(WrapAngle(got-(-math.Pi+0.1))) > 1e-9 {
		t.Fatalf("seam slew=%v", got)
	}
	got = SlewAngle(0, 2, 0.5)
	if math.Abs(got-0.5) > 1e-9 {
		t.Fatalf("clamped slew=%v want 0.5", got)
	}
	got = SlewAngle(0, -2, 0.5)
	if math.Abs(got+0.5) > 1e-9 {
		t.Fatalf("clamped slew=%v want -0.5", got)
	}
}

func TestMoveTowardsXZ(t *testing.T) {
	next, arrived := MoveTowardsXZ(mgl64.Vec3{0, 5, 0}, mgl64.Vec3{3, 0, 4}, 1)
	if arrived {
		t.Fatalf("arrived too early")
	}
	if math.Abs(next.X()-0.6) > 1e-9 || math.Abs(next.Z()-0.8) > 1e-9 || next.Y() != 5 {
		t.Fatalf("next=%v", next)
	}
	next, arrived = MoveTowardsXZ(next, mgl64.Vec3{3, 0, 4}, 10)
	if !arrived || next.X() != 3 || next.Z() != 4 {
		t.Fatalf("next=%v arrived=%v", next, arrived)
	}
}

func TestRegionsAround(t *testing.T) {
	rs := RegionsAround(RegionKey{}, 1)
	if len(rs) != 9 {
		t.Fatalf("len=%d", len(rs))
	}
	for _, r := range rs {
		if ChebyshevRegions(r, RegionKey{}) > 1 {
			t.Fatalf("region %v out of ring", r)
		}
	}
}

func TestParseVec3(t *testing.T) {
	v, err := ParseVec3(" 1.5, -2 ,3")
	if err != nil {
		t.Fatalf("ParseVec3: %v", err)
	}
	if v != (mgl64.Vec3{1.5, -2, 3}) {
		t.Fatalf("ParseVec3=%v", v)
	}
	for _, bad := range []string{"", "1,2", "1,2,3,4", "a,b,c"} {
		if _, err := ParseVec3(bad); err == nil {
			t.Fatalf("ParseVec3(%q) want error", bad)
		}
	}
}
