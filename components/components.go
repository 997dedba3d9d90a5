// Package components defines ECS components for the fleet sandbox.
package components

// Kinematics is a ship's motion state. Heading is in radians.
type Kinematics struct {
	X, Y    float64
	VX, VY  float64
	Heading float64
}

// Armament holds a ship's remaining ordnance.
type Armament struct {
	Ammo  int
	Mines int
}

// Controls is the last command applied to a ship.
type Controls struct {
	Thrust   float64 // acceleration along heading
	TurnRate float64 // deg/s
	Fire     bool
	DropMine bool
}

// Ship identifies a controlled ship and accumulates its usage counters.
type Ship struct {
	ID           uint32
	Shots        int
	MinesDropped int
}

// Rock is a drifting asteroid.
type Rock struct {
	X, Y   float64
	VX, VY float64
}

// Position implements features.Asteroid.
func (r *Rock) Position() (float64, float64) { return r.X, r.Y }

// Velocity implements features.Asteroid.
func (r *Rock) Velocity() (float64, float64) { return r.VX, r.VY }
