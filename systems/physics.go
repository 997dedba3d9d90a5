// Package systems contains ECS systems for the fleet sandbox.
package systems

import (
	"math"

	"github.com/mlange-42/ark/ecs"

	"github.com/pthm-cable/sugeno/components"
)

// Bounds represents the toroidal world.
type Bounds struct {
	Width, Height float64
}

// Wrap maps a point back into the world.
func (b Bounds) Wrap(x, y float64) (float64, float64) {
	return wrap(x, b.Width), wrap(y, b.Height)
}

// Integrator advances ship kinematics under a control command.
type Integrator struct {
	Bounds   Bounds
	MaxSpeed float64
}

// Steer applies c to k for dt seconds: turn, accelerate along the new
// heading, limit speed, move and wrap.
func (in Integrator) Steer(k *components.Kinematics, c components.Controls, dt float64) {
	k.Heading = normalizeHeading(k.Heading + c.TurnRate*math.Pi/180*dt)

	sin, cos := math.Sincos(k.Heading)
	k.VX += cos * c.Thrust * dt
	k.VY += sin * c.Thrust * dt

	if in.MaxSpeed > 0 {
		if speed := math.Hypot(k.VX, k.VY); speed > in.MaxSpeed {
			scale := in.MaxSpeed / speed
			k.VX *= scale
			k.VY *= scale
		}
	}

	k.X, k.Y = in.Bounds.Wrap(k.X+k.VX*dt, k.Y+k.VY*dt)
}

// Spend consumes ordnance for the fire and drop commands in c. Commands that
// cannot be honoured are cleared so c reflects what was applied.
func Spend(a *components.Armament, s *components.Ship, c *components.Controls) {
	if c.Fire {
		if a.Ammo > 0 {
			a.Ammo--
			s.Shots++
		} else {
			c.Fire = false
		}
	}
	if c.DropMine {
		if a.Mines > 0 {
			a.Mines--
			s.MinesDropped++
		} else {
			c.DropMine = false
		}
	}
}

// DriftSystem moves asteroids along their velocity.
type DriftSystem struct {
	filter *ecs.Filter1[components.Rock]
	bounds Bounds
}

// NewDriftSystem creates a drift system over every Rock in w.
func NewDriftSystem(w *ecs.World, bounds Bounds) *DriftSystem {
	return &DriftSystem{
		filter: ecs.NewFilter1[components.Rock](w),
		bounds: bounds,
	}
}

// Update runs the drift system.
func (s *DriftSystem) Update(dt float64) {
	query := s.filter.Query()
	for query.Next() {
		r := query.Get()
		r.X, r.Y = s.bounds.Wrap(r.X+r.VX*dt, r.Y+r.VY*dt)
	}
}
