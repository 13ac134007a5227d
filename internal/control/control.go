// Package control carries the operator inputs the engine samples at the top
// of every tick. The upstream control plane (pairing, messaging,
// entitlements) lives outside this repo; it reaches the engine only as these
// capability values.
package control

import "sync/atomic"

// PanicFunc reports whether the operator panic flag is raised.
type PanicFunc func() bool

// ProfileFunc returns the operator's current risk profile name. Blank or
// unknown names fall back to the default profile at lookup time.
type ProfileFunc func() string

// EmergencyStop is the process-local kill switch, toggled through the status
// API and OR-ed with the upstream panic flag each tick.
type EmergencyStop struct {
	engaged atomic.Bool
}

// Set engages or releases the switch.
func (e *EmergencyStop) Set(v bool) { e.engaged.Store(v) }

// Engaged reports the current switch position.
func (e *EmergencyStop) Engaged() bool { return e.engaged.Load() }

// StaticPanic returns a PanicFunc pinned to v, for deployments without an
// upstream control plane.
func StaticPanic(v bool) PanicFunc { return func() bool { return v } }

// StaticProfile returns a ProfileFunc pinned to name.
func StaticProfile(name string) ProfileFunc { return func() string { return name } }
