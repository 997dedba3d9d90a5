// Package features turns ship and asteroid state into the fixed feature
// vector the controller heads are trained on.
package features

import (
	"errors"
	"fmt"
	"math"
)

// Feature indices into a Vector.
const (
	Dist = iota
	TTC
	HeadingErr
	ApproachSpeed
	Ammo
	Mines
	ThreatDensity
	ThreatAngle

	NumFeatures
)

// Names lists the feature columns in Vector order.
var Names = [NumFeatures]string{
	"dist",
	"ttc",
	"heading_err",
	"approach_speed",
	"ammo",
	"mines",
	"threat_density",
	"threat_angle",
}

const (
	// MaxTTC caps time-to-collision, and is used when nothing is closing.
	MaxTTC = 500.0
	// minApproach is the closing speed below which ttc is MaxTTC.
	minApproach = 0.01
	// densityScale converts an asteroid count to threat_density.
	densityScale = 10.0
)

// ErrUnknownFeature is returned by NewLayout for a column it cannot supply.
var ErrUnknownFeature = errors.New("features: unknown column")

// Ship is the state the controller reads from the player ship.
type Ship interface {
	Position() (x, y float64)
	Velocity() (vx, vy float64)
	Heading() float64 // radians
	Ammo() int
	Mines() int
}

// Asteroid is the state the controller reads from one asteroid.
type Asteroid interface {
	Position() (x, y float64)
	Velocity() (vx, vy float64)
}

// Vector is one frame of features in Names order.
type Vector [NumFeatures]float64

// Get returns the named feature.
func (v Vector) Get(name string) (float64, bool) {
	i := indexOf(name)
	if i < 0 {
		return 0, false
	}
	return v[i], true
}

// Compute builds the feature vector for ship against the nearest asteroid.
// With no asteroids, dist, approach_speed and threat_angle are 0 and ttc is
// MaxTTC.
func Compute(ship Ship, asteroids []Asteroid) Vector {
	sx, sy := ship.Position()
	svx, svy := ship.Velocity()

	var dist, approach, threatAngle float64
	if nearest := nearestAsteroid(sx, sy, asteroids); nearest != nil {
		ax, ay := nearest.Position()
		avx, avy := nearest.Velocity()
		dx, dy := ax-sx, ay-sy
		dist = math.Hypot(dx, dy)

		if dist > 1e-6 {
			// Relative velocity along the line of sight; negative is closing
			along := ((avx-svx)*dx + (avy-svy)*dy) / dist
			approach = math.Max(0, -along)
		}
		threatAngle = math.Atan2(dy, dx)
	}

	ttc := MaxTTC
	if approach > minApproach {
		ttc = math.Min(dist/approach, MaxTTC)
	}

	var v Vector
	v[Dist] = dist
	v[TTC] = ttc
	v[HeadingErr] = degrees(normalizeAngle(threatAngle - ship.Heading()))
	v[ApproachSpeed] = approach
	v[Ammo] = float64(ship.Ammo())
	v[Mines] = float64(ship.Mines())
	v[ThreatDensity] = float64(len(asteroids)) / densityScale
	v[ThreatAngle] = degrees(threatAngle)
	return v
}

func nearestAsteroid(sx, sy float64, asteroids []Asteroid) Asteroid {
	var best Asteroid
	bestSq := math.Inf(1)
	for _, a := range asteroids {
		ax, ay := a.Position()
		dx, dy := ax-sx, ay-sy
		if d := dx*dx + dy*dy; d < bestSq {
			bestSq = d
			best = a
		}
	}
	return best
}

// normalizeAngle wraps an angle to [-Pi, Pi].
func normalizeAngle(a float64) float64 {
	return math.Remainder(a, 2*math.Pi)
}

func degrees(rad float64) float64 {
	return rad * 180 / math.Pi
}

// Layout maps a bundle's recorded column order onto Vector indices.
type Layout struct {
	idx []int
}

// NewLayout resolves cols once so Fill does no lookups per frame.
func NewLayout(cols []string) (Layout, error) {
	idx := make([]int, len(cols))
	for i, c := range cols {
		j := indexOf(c)
		if j < 0 {
			return Layout{}, fmt.Errorf("%w: %q", ErrUnknownFeature, c)
		}
		idx[i] = j
	}
	return Layout{idx: idx}, nil
}

// DefaultLayout is the identity layout over Names.
func DefaultLayout() Layout {
	idx := make([]int, NumFeatures)
	for i := range idx {
		idx[i] = i
	}
	return Layout{idx: idx}
}

// Len returns the number of columns.
func (l Layout) Len() int { return len(l.idx) }

// Fill writes v into dst in layout order. dst must have Len elements.
func (l Layout) Fill(dst []float64, v *Vector) {
	for i, j := range l.idx {
		dst[i] = v[j]
	}
}

func indexOf(name string) int {
	for i, n := range Names {
		if n == name {
			return i
		}
	}
	return -1
}
