package mathx

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/go-gl/mathgl/mgl64"
)

func FloorDiv(a, b int) int {
	// b > 0
	q := a / b
	r := a % b
	if r < 0 {
		q--
	}
	return q
}

func Mod(a, b int) int {
	// b > 0
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}

func AbsInt(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

func mix64(z uint64) uint64 {
	z += 0x9e3779b97f4a7c15
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

func Hash2(seed int64, x, z int) uint64 {
	ux := uint64(uint32(int32(x)))
	uz := uint64(uint32(int32(z)))
	v := uint64(seed) ^ (ux * 0x9e3779b97f4a7c15) ^ (uz * 0xbf58476d1ce4e5b9)
	return mix64(v)
}

// HashString folds s into a seed usable with Hash2 (FNV-1a, then mixed).
func HashString(s string) int64 {
	h := uint64(14695981039346656037)
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= 1099511628211
	}
	return int64(mix64(h))
}

// Unit maps a hash to [0,1).
func Unit(h uint64) float64 {
	return float64(h>>11) / float64(1<<53)
}

// DistSqXZ is the squared horizontal distance; Y is terrain-driven and ignored.
func DistSqXZ(a, b mgl64.Vec3) float64 {
	dx := a.X() - b.X()
	dz := a.Z() - b.Z()
	return dx*dx + dz*dz
}

// WrapAngle normalizes a to (-pi, pi].
func WrapAngle(a float64) float64 {
	a = math.Mod(a+math.Pi, 2*math.Pi)
	if a < 0 {
		a += 2 * math.Pi
	}
	return a - math.Pi
}

// YawTowards returns the yaw facing from -> to on the XZ plane (0 faces +Z).
func YawTowards(from, to mgl64.Vec3) float64 {
	return math.Atan2(to.X()-from.X(), to.Z()-from.Z())
}

// SlewAngle turns cur toward target by at most maxDelta radians along the short arc.
func SlewAngle(cur, target, maxDelta float64) float64 {
	d := WrapAngle(target - cur)
	if math.Abs(d) <= maxDelta {
		return WrapAngle(target)
	}
	if d < 0 {
		return WrapAngle(cur - maxDelta)
	}
	return WrapAngle(cur + maxDelta)
}

// MoveTowardsXZ steps cur toward target by at most step units on the XZ plane, keeping cur's Y.
func MoveTowardsXZ(cur, target mgl64.Vec3, step float64) (next mgl64.Vec3, arrived bool) {
	dx := target.X() - cur.X()
	dz := target.Z() - cur.Z()
	d := math.Sqrt(dx*dx + dz*dz)
	if d <= step || d == 0 {
		return mgl64.Vec3{target.X(), cur.Y(), target.Z()}, true
	}
	k := step / d
	return mgl64.Vec3{cur.X() + dx*k, cur.Y(), cur.Z() + dz*k}, false
}

// RegionKey identifies a square spatial region (chunk) on the XZ plane.
type RegionKey struct {
	X int `json:"x"`
	Z int `json:"z"`
}

func (k RegionKey) String() string { return fmt.Sprintf("%d,%d", k.X, k.Z) }

// RegionOf returns the region containing p for regions of the given edge size.
func RegionOf(p mgl64.Vec3, size int) RegionKey {
	if size <= 0 {
		size = 1
	}
	return RegionKey{
		X: FloorDiv(int(math.Floor(p.X())), size),
		Z: FloorDiv(int(math.Floor(p.Z())), size),
	}
}

// RegionsAround lists the (2r+1)^2 regions centered on c, row-major by Z then X.
func RegionsAround(c RegionKey, r int) []RegionKey {
	if r < 0 {
		r = 0
	}
	out := make([]RegionKey, 0, (2*r+1)*(2*r+1))
	for dz := -r; dz <= r; dz++ {
		for dx := -r; dx <= r; dx++ {
			out = append(out, RegionKey{X: c.X + dx, Z: c.Z + dz})
		}
	}
	return out
}

// ChebyshevRegions is the ring distance between two regions.
func ChebyshevRegions(a, b RegionKey) int {
	dx := AbsInt(a.X - b.X)
	dz := AbsInt(a.Z - b.Z)
	if dx > dz {
		return dx
	}
	return dz
}

// ParseVec3 reads "x,y,z".
func ParseVec3(s string) (mgl64.Vec3, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return mgl64.Vec3{}, fmt.Errorf("want x,y,z, got %q", s)
	}
	var v mgl64.Vec3
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return mgl64.Vec3{}, fmt.Errorf("component %d: %w", i, err)
		}
		v[i] = f
	}
	return v, nil
}
