package physics

import (
	"math"
	"testing"
)

func TestStepInvariants(t *testing.T) {
	e := New(Config{HistoryCapacity: 100})
	e.SetRPMTarget(6000)

	lastTs := uint64(0)
	for i := 0; i < 2000; i++ {
		p := e.Step()

		if p.AngleRad < 0 || p.AngleRad >= 2*math.Pi {
			t.Fatalf("tick %d: angle_rad=%v out of [0, 2pi)", i, p.AngleRad)
		}
		if p.StressFactor < 0 || p.StressFactor > 1 {
			t.Fatalf("tick %d: stress_factor=%v out of [0,1]", i, p.StressFactor)
		}
		if p.RPM < RPMMin || p.RPM > RPMMax {
			t.Fatalf("tick %d: rpm=%v out of [0,8000]", i, p.RPM)
		}
		if got, want := p.TorqueNm, p.TangentialForceN*throwM; math.Abs(got-want) > 1e-6 {
			t.Fatalf("tick %d: torque_nm=%v, want tangential_force_n*R=%v", i, got, want)
		}

		phi := RodAngle(p.AngleRad)
		lhs := p.SideThrustN * math.Cos(phi)
		rhs := p.PistonForceN * math.Sin(phi)
		if math.Abs(lhs-rhs) > 1e-6 {
			t.Fatalf("tick %d: side_thrust*cos(phi)=%v != piston_force*sin(phi)=%v", i, lhs, rhs)
		}

		if p.TimestampMs < lastTs {
			t.Fatalf("tick %d: timestamp_ms went backwards: %d < %d", i, p.TimestampMs, lastTs)
		}
		lastTs = p.TimestampMs
	}
}

func TestRPMConvergence(t *testing.T) {
	e := New(Config{})
	// Force a known starting rpm of 0 by driving the target to 0 long enough
	// to settle, then step the target change from 0 to T at "t=0".
	e.SetRPMTarget(0)
	for i := 0; i < 10000; i++ {
		e.Step()
	}

	const target = 4000.0
	e.SetRPMTarget(target)

	for k := 1; k <= 500; k++ {
		p := e.Step()
		expected := target * (1 - math.Exp(-float64(k)*DT/Tau))
		tolerance := 1e-3 * target
		if math.Abs(p.RPM-expected) > tolerance {
			t.Fatalf("tick %d: rpm=%v, want %v within %v", k, p.RPM, expected, tolerance)
		}
	}
}

func TestStressFactorAtMaxRPM(t *testing.T) {
	e := New(Config{})
	e.SetRPMTarget(RPMMax)
	var last float64
	for i := 0; i < 20000; i++ {
		last = e.Step().StressFactor
	}
	if math.Abs(last-1.0) > 1e-6 {
		t.Fatalf("stress_factor at steady-state 8000rpm = %v, want 1.0 within 1e-6", last)
	}
}

func TestRPMTargetClampedAtIngress(t *testing.T) {
	e := New(Config{})
	e.SetRPMTarget(1e9)
	if got := e.RPMTarget(); got != RPMMax {
		t.Fatalf("RPMTarget() = %v, want %v", got, RPMMax)
	}

	e.SetRPMTarget(-500)
	if got := e.RPMTarget(); got != RPMMin {
		t.Fatalf("RPMTarget() = %v, want %v", got, RPMMin)
	}
}

func TestRPMNeverExceedsMaxWhileApproachingClampedTarget(t *testing.T) {
	e := New(Config{})
	e.SetRPMTarget(1e9) // clamped internally to RPMMax
	prev := e.Snapshot().RPM
	for i := 0; i < 5000; i++ {
		p := e.Step()
		if p.RPM > RPMMax {
			t.Fatalf("tick %d: rpm=%v exceeded RPMMax=%v", i, p.RPM, RPMMax)
		}
		if p.RPM < prev {
			t.Fatalf("tick %d: rpm decreased from %v to %v while approaching a higher target", i, prev, p.RPM)
		}
		prev = p.RPM
	}
}

func TestSnapshotReflectsLatestStep(t *testing.T) {
	e := New(Config{})
	p := e.Step()
	snap := e.Snapshot()
	if snap != p {
		t.Fatalf("Snapshot() = %+v, want %+v", snap, p)
	}
}

func TestHistoryPopulatedByStep(t *testing.T) {
	e := New(Config{HistoryCapacity: 50})
	for i := 0; i < 30; i++ {
		e.Step()
	}
	if got := e.History().Size(); got != 30 {
		t.Fatalf("History().Size() = %d, want 30", got)
	}
}
