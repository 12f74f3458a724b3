// Package terrain provides height samplers consumed by interpolation and
// behavior. The real game supplies its own; these cover tools and tests.
package terrain

import (
	"math"

	"wildmesh.ai/internal/sim/mathx"
)

// Sampler returns the ground height at a world XZ position.
type Sampler interface {
	HeightAt(x, z float64) float64
}

type Flat struct{ Y float64 }

func (f Flat) HeightAt(_, _ float64) float64 { return f.Y }

// Noise is smooth value noise over a lattice of Scale world units.
type Noise struct {
	Seed      int64
	Base      float64
	Amplitude float64
	Scale     float64
}

func (n Noise) HeightAt(x, z float64) float64 {
	scale := n.Scale
	if scale <= 0 {
		scale = 16
	}
	fx, fz := x/scale, z/scale
	x0, z0 := math.Floor(fx), math.Floor(fz)
	tx, tz := smooth(fx-x0), smooth(fz-z0)
	ix, iz := int(x0), int(z0)

	v00 := n.lattice(ix, iz)
	v10 := n.lattice(ix+1, iz)
	v01 := n.lattice(ix, iz+1)
	v11 := n.lattice(ix+1, iz+1)
	a := v00 + (v10-v00)*tx
	b := v01 + (v11-v01)*tx
	return n.Base + (a+(b-a)*tz)*n.Amplitude
}

func (n Noise) lattice(x, z int) float64 {
	return mathx.Unit(mathx.Hash2(n.Seed, x, z))*2 - 1
}

func smooth(t float64) float64 { return t * t * (3 - 2*t) }
