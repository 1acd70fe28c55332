// Package state defines the telemetry payload shared by the physics
// engine, the history ring, and the protocol codec.
package state

// StatePayload is the atomic unit of telemetry produced once per tick.
// It is copy-trivial and fixed-width so that it can be published with a
// single assignment under a sequence lock (see internal/physics).
type StatePayload struct {
	RPM               float64
	AngleRad          float64
	StressPa          float64
	StressFactor      float64
	PistonForceN      float64
	RodForceN         float64
	TangentialForceN  float64
	TorqueNm          float64
	SideThrustN       float64
	TimestampMs       uint64
}
