// Package physics implements the fixed-timestep crank-slider integrator
// that drives the digital twin.
package physics

import (
	"math"
	"sync/atomic"
	"time"

	"digitaltwin-server/internal/ring"
	"digitaltwin-server/internal/state"
)

const (
	// DT is the fixed integration timestep in seconds (100 Hz).
	DT = 0.01

	// Tau is the first-order RPM lag time constant in seconds.
	Tau = 0.35

	// RPMMin and RPMMax bound the rpm target and the integrated rpm.
	RPMMin = 0.0
	RPMMax = 8000.0

	// DefaultRPMTarget is the target an engine starts with.
	DefaultRPMTarget = 1200.0

	// Centrifugal stress constants.
	crankMassKg    = 2.5
	crankThrowM    = 0.08 // r, used for stress, distinct from the slider throw R below
	stressAreaM2   = 4e-4

	// Crank-slider geometry.
	throwM      = 0.04  // R
	rodLengthM  = 0.128 // L
	lambda      = throwM / rodLengthM
	pistonMassKg = 0.4

	cosPhiEpsilon = 1e-4
)

// Engine is the sole mutator of physics state. SetRPMTarget is the only
// mutator safe to call from other goroutines; Step must be called only by
// the tick driver, while RPMTarget, Snapshot and History may be read from
// any goroutine.
type Engine struct {
	rpmTargetBits atomic.Uint64 // float64 bits, clamped to [RPMMin, RPMMax]

	// Published snapshot, protected by a sequence lock: writer (step)
	// increments seq to odd, writes payload, increments seq to even;
	// readers (snapshot) retry while seq is odd or changes mid-read. This
	// is the emulation spec.md §9 calls for on platforms without a
	// single-instruction wide atomic for a ~72 byte payload.
	seq     atomic.Uint32
	current state.StatePayload

	rpm   float64 // revolutions per minute, mutated only by Step()
	angle float64 // radians in [0, 2pi), mutated only by Step()

	stressMaxPa float64

	epoch time.Time

	history *ring.History
}

// Config configures engine construction.
type Config struct {
	HistoryCapacity int
}

// New constructs an Engine with the default RPM target and a history ring
// of the configured capacity.
func New(cfg Config) *Engine {
	capacity := cfg.HistoryCapacity
	if capacity <= 0 {
		capacity = 1000
	}

	e := &Engine{
		history: ring.NewHistory(capacity),
		epoch:   time.Now(),
	}
	e.rpmTargetBits.Store(math.Float64bits(DefaultRPMTarget))
	e.rpm = DefaultRPMTarget

	omegaMax := RPMMax * 2 * math.Pi / 60
	e.stressMaxPa = crankMassKg * crankThrowM * omegaMax * omegaMax / stressAreaM2

	// Publish an initial snapshot so Snapshot() never returns the zero
	// value before the first Step().
	e.publish(e.compute(0))
	return e
}

// SetRPMTarget clamps x to [RPMMin, RPMMax] and publishes it atomically.
// Safe to call from any goroutine; never blocks.
func (e *Engine) SetRPMTarget(x float64) {
	if x < RPMMin {
		x = RPMMin
	} else if x > RPMMax {
		x = RPMMax
	}
	e.rpmTargetBits.Store(math.Float64bits(x))
}

// RPMTarget reads the published target atomically.
func (e *Engine) RPMTarget() float64 {
	return math.Float64frombits(e.rpmTargetBits.Load())
}

// Step advances the simulation by one fixed timestep. It must be called
// only by the tick driver.
func (e *Engine) Step() state.StatePayload {
	target := e.RPMTarget()

	alpha := 1 - math.Exp(-DT/Tau)
	e.rpm += (target - e.rpm) * alpha
	if e.rpm < RPMMin {
		e.rpm = RPMMin
	} else if e.rpm > RPMMax {
		e.rpm = RPMMax
	}

	omega := e.rpm * 2 * math.Pi / 60
	e.angle = math.Mod(e.angle+omega*DT, 2*math.Pi)
	if e.angle < 0 {
		e.angle += 2 * math.Pi
	}

	payload := e.compute(omega)
	e.history.Push(payload)
	e.publish(payload)
	return payload
}

// compute derives the full StatePayload for the current rpm/angle state.
func (e *Engine) compute(omega float64) state.StatePayload {
	theta := e.angle

	stressPa := crankMassKg * crankThrowM * omega * omega / stressAreaM2
	stressFactor := stressPa / e.stressMaxPa
	if stressFactor < 0 {
		stressFactor = 0
	} else if stressFactor > 1 {
		stressFactor = 1
	}

	cosTheta := math.Cos(theta)
	sinTheta := math.Sin(theta)

	pistonAccel := -throwM * omega * omega * (cosTheta + lambda*math.Cos(2*theta))
	fPiston := pistonMassKg * pistonAccel

	sinPhi := lambda * sinTheta
	if sinPhi < -1 {
		sinPhi = -1
	} else if sinPhi > 1 {
		sinPhi = 1
	}
	phi := math.Asin(sinPhi)
	cosPhi := math.Cos(phi)

	var fRod, fSide float64
	if cosPhi > cosPhiEpsilon {
		fRod = fPiston / cosPhi
		fSide = fPiston * math.Tan(phi)
	}

	fTangential := fRod * math.Sin(theta+phi)
	torque := fTangential * throwM

	return state.StatePayload{
		RPM:              e.rpm,
		AngleRad:         theta,
		StressPa:         stressPa,
		StressFactor:     stressFactor,
		PistonForceN:     fPiston,
		RodForceN:        fRod,
		TangentialForceN: fTangential,
		TorqueNm:         torque,
		SideThrustN:      fSide,
		TimestampMs:      uint64(time.Since(e.epoch).Milliseconds()),
	}
}

// publish stores payload under the sequence lock.
func (e *Engine) publish(payload state.StatePayload) {
	seq := e.seq.Load()
	e.seq.Store(seq + 1) // now odd: a write is in flight
	e.current = payload
	e.seq.Store(seq + 2) // back to even: write complete
}

// Snapshot returns the most recently published StatePayload. Safe to call
// from any goroutine.
func (e *Engine) Snapshot() state.StatePayload {
	for {
		seq1 := e.seq.Load()
		if seq1&1 != 0 {
			continue // writer in flight, retry
		}
		payload := e.current
		seq2 := e.seq.Load()
		if seq1 == seq2 {
			return payload
		}
	}
}

// History returns the retained ring of past ticks. The tick driver is
// its sole writer; the ring guards its own state so sessions may read it
// concurrently for replay seeks.
func (e *Engine) History() *ring.History {
	return e.history
}

// RodAngle returns the connecting-rod obliquity phi for a given crank
// angle theta, used by the invariant checks in tests.
func RodAngle(theta float64) float64 {
	sinPhi := lambda * math.Sin(theta)
	if sinPhi < -1 {
		sinPhi = -1
	} else if sinPhi > 1 {
		sinPhi = 1
	}
	return math.Asin(sinPhi)
}

// Lambda is the crank-throw-to-rod-length ratio R/L used by the
// crank-slider formulas in this package.
const Lambda = lambda
