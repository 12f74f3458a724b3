package authority

import (
	"testing"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePresence map[string]mgl64.Vec3

func (f fakePresence) PeersNear(p mgl64.Vec3, radius float64) []string {
	var out []string
	for id, pos := range f {
		if pos.Sub(p).Len() <= radius {
			out = append(out, id)
		}
	}
	return out
}

type fakeLive map[string]bool

func (f fakeLive) IsActive(id string) bool {
	v, ok := f[id]
	return !ok || v
}

func TestWins(t *testing.T) {
	cases := []struct {
		name string
		rt   uint64
		rid  string
		lt   uint64
		lid  string
		want bool
	}{
		{"higher term beats lower id", 2, "b", 1, "a", true},
		{"lower term loses", 1, "a", 2, "b", false},
		{"equal term lower id wins", 3, "a", 3, "b", true},
		{"equal term higher id loses", 3, "b", 3, "a", false},
		{"same claim is not a win", 3, "a", 3, "a", false},
		{"anything beats empty", 1, "z", 1, "", true},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Wins(tc.rt, tc.rid, tc.lt, tc.lid), tc.name)
	}
}

// Applying Wins pairwise must pick the same final claim regardless of order.
func TestWins_OrderIndependent(t *testing.T) {
	type claim struct {
		term uint64
		id   string
	}
	claims := []claim{{1, "c"}, {2, "d"}, {2, "b"}, {1, "a"}, {2, "c"}}
	perms := [][]int{{0, 1, 2, 3, 4}, {4, 3, 2, 1, 0}, {2, 0, 4, 1, 3}, {3, 4, 0, 2, 1}}
	for _, perm := range perms {
		cur := claim{}
		for _, i := range perm {
			c := claims[i]
			if Wins(c.term, c.id, cur.term, cur.id) {
				cur = c
			}
		}
		require.Equal(t, claim{2, "b"}, cur)
	}
}

func TestShouldClaim(t *testing.T) {
	assert.True(t, ShouldClaim("a", "a", "", true), "no holder")
	assert.True(t, ShouldClaim("a", "a", "c", false), "inactive holder")
	assert.True(t, ShouldClaim("a", "a", "c", true), "active but higher holder")
	assert.False(t, ShouldClaim("b", "b", "a", true), "active lower holder")
	assert.False(t, ShouldClaim("a", "b", "c", false), "resolver names someone else")
	assert.False(t, ShouldClaim("", "b", "c", false), "no candidate")
	assert.False(t, ShouldClaim("a", "a", "a", true), "already held")
}

func TestShouldHandOff(t *testing.T) {
	assert.True(t, ShouldHandOff("b", "a"))
	assert.False(t, ShouldHandOff("a", "b"), "a lower winner claims on its own")
	assert.False(t, ShouldHandOff("a", "a"))
	assert.False(t, ShouldHandOff("", "a"))
}

func TestResolver_LowestActiveInRange(t *testing.T) {
	pres := fakePresence{
		"a": {500, 0, 500},
		"b": {1, 0, 1},
		"c": {2, 0, 0},
		"d": {0, 0, 3},
	}
	live := fakeLive{"b": false}
	r := NewResolver(pres, live, 10)

	require.Equal(t, "c", r.Resolve(mgl64.Vec3{}))

	live["b"] = true
	require.Equal(t, "b", r.Resolve(mgl64.Vec3{}))
}

func TestResolver_NoCandidate(t *testing.T) {
	r := NewResolver(fakePresence{"a": {100, 0, 0}}, fakeLive{}, 10)
	require.Equal(t, "", r.Resolve(mgl64.Vec3{}))
}

func TestResolver_Deterministic(t *testing.T) {
	pres := fakePresence{"p3": {}, "p1": {}, "p2": {}, "p10": {}}
	r := NewResolver(pres, fakeLive{}, 1)
	for i := 0; i < 20; i++ {
		require.Equal(t, "p1", r.Resolve(mgl64.Vec3{}))
	}
}
