package presence

import (
	"testing"

	"github.com/go-gl/mathgl/mgl64"
)

func TestDirectory_PeersNear(t *testing.T) {
	d := NewDirectory("a")
	if got := d.PeersNear(mgl64.Vec3{}, 10); len(got) != 0 {
		t.Fatalf("local without position must not be in range: %v", got)
	}

	d.SetLocal(mgl64.Vec3{1, 0, 1})
	if !d.Update("c", mgl64.Vec3{0, 50, 5}) {
		t.Fatalf("expected first update")
	}
	if d.Update("c", mgl64.Vec3{0, 50, 6}) {
		t.Fatalf("second update reported as first")
	}
	d.Update("b", mgl64.Vec3{40, 0, 0})

	got := d.PeersNear(mgl64.Vec3{}, 10)
	if len(got) != 2 || got[0] != "a" || got[1] != "c" {
		t.Fatalf("near: %v (height must be ignored)", got)
	}

	d.Remove("c")
	if _, ok := d.PeerPosition("c"); ok {
		t.Fatalf("removed peer still has a position")
	}
	if p, ok := d.PeerPosition("a"); !ok || p != (mgl64.Vec3{1, 0, 1}) {
		t.Fatalf("local position: %v %v", p, ok)
	}
	if ps := d.Peers(); len(ps) != 1 || ps[0] != "b" {
		t.Fatalf("peers: %v", ps)
	}
}

func TestDirectory_UpdateLocalByID(t *testing.T) {
	d := NewDirectory("a")
	if d.Update("a", mgl64.Vec3{3, 0, 3}) {
		t.Fatalf("local update must not count as a join")
	}
	if _, ok := d.Local(); !ok {
		t.Fatalf("local position not stored")
	}
}
