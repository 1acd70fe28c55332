// Package protocol implements the WebSocket wire codec: a fixed-precision
// JSON encoder for outbound StatePayload frames that writes directly into
// a caller-supplied byte region, and a tolerant decoder for inbound
// control frames.
package protocol

import (
	"encoding/json"
	"strconv"

	"digitaltwin-server/internal/state"
)

// writer appends into a fixed-capacity byte region without ever growing
// it; once a write would overflow, it latches ok=false and every
// subsequent write becomes a no-op.
type writer struct {
	buf []byte
	pos int
	ok  bool
}

func (w *writer) raw(s string) {
	if !w.ok {
		return
	}
	if w.pos+len(s) > len(w.buf) {
		w.ok = false
		return
	}
	w.pos += copy(w.buf[w.pos:], s)
}

func (w *writer) bytes(b []byte) {
	if !w.ok {
		return
	}
	if w.pos+len(b) > len(w.buf) {
		w.ok = false
		return
	}
	w.pos += copy(w.buf[w.pos:], b)
}

func (w *writer) float(v float64, prec int) {
	if !w.ok {
		return
	}
	var scratch [32]byte
	w.bytes(strconv.AppendFloat(scratch[:0], v, 'f', prec, 64))
}

func (w *writer) uint(v uint64) {
	if !w.ok {
		return
	}
	var scratch [20]byte
	w.bytes(strconv.AppendUint(scratch[:0], v, 10))
}

// EncodeState renders payload as a `{"type":"state","payload":{...}}`
// frame directly into dst, in the field order and precision mandated by
// spec.md §4.B. It returns the number of bytes written, or 0 if dst is
// too small to hold the frame — the caller must skip that tick's
// broadcast in that case.
func EncodeState(dst []byte, payload state.StatePayload) int {
	w := writer{buf: dst, ok: true}

	w.raw(`{"type":"state","payload":{"rpm":`)
	w.float(payload.RPM, 2)
	w.raw(`,"angle_rad":`)
	w.float(payload.AngleRad, 6)
	w.raw(`,"stress_pa":`)
	w.float(payload.StressPa, 2)
	w.raw(`,"stress_factor":`)
	w.float(payload.StressFactor, 6)
	w.raw(`,"piston_force_n":`)
	w.float(payload.PistonForceN, 2)
	w.raw(`,"rod_force_n":`)
	w.float(payload.RodForceN, 2)
	w.raw(`,"tangential_force_n":`)
	w.float(payload.TangentialForceN, 2)
	w.raw(`,"torque_nm":`)
	w.float(payload.TorqueNm, 4)
	w.raw(`,"side_thrust_n":`)
	w.float(payload.SideThrustN, 2)
	w.raw(`,"timestamp_ms":`)
	w.uint(payload.TimestampMs)
	w.raw(`}}`)

	if !w.ok {
		return 0
	}
	return w.pos
}

// InboundKind discriminates a decoded control frame.
type InboundKind int

const (
	// KindUnknown covers malformed JSON, a missing required field, or an
	// unrecognized type — all silently dropped by the caller.
	KindUnknown InboundKind = iota
	KindSetRPM
	KindReplay
)

// ReplayMode enumerates the recognized values of a replay frame's mode.
type ReplayMode string

const (
	ReplayLive   ReplayMode = "live"
	ReplayFreeze ReplayMode = "freeze"
	ReplaySeek   ReplayMode = "seek"
)

// Inbound is the decoded result of a client->server control frame.
type Inbound struct {
	Kind InboundKind

	RPMTarget float64 // valid when Kind == KindSetRPM

	ReplayMode ReplayMode // valid when Kind == KindReplay
	HasTMs     bool
	TMs        uint64
}

type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Decode parses an inbound text frame. Malformed JSON, a missing required
// field, a non-numeric rpm_target, or an unrecognized type all produce
// {Kind: KindUnknown}; the caller drops these silently.
func Decode(msg []byte) Inbound {
	var env envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		return Inbound{Kind: KindUnknown}
	}

	switch env.Type {
	case "set_rpm":
		return decodeSetRPM(env.Payload)
	case "replay":
		return decodeReplay(env.Payload)
	default:
		return Inbound{Kind: KindUnknown}
	}
}

func decodeSetRPM(payload json.RawMessage) Inbound {
	var body struct {
		RPMTarget *float64 `json:"rpm_target"`
	}
	if err := json.Unmarshal(payload, &body); err != nil || body.RPMTarget == nil {
		return Inbound{Kind: KindUnknown}
	}
	return Inbound{Kind: KindSetRPM, RPMTarget: *body.RPMTarget}
}

func decodeReplay(payload json.RawMessage) Inbound {
	var body struct {
		Mode string  `json:"mode"`
		TMs  *uint64 `json:"t_ms"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return Inbound{Kind: KindUnknown}
	}

	mode := ReplayMode(body.Mode)
	switch mode {
	case ReplayLive, ReplayFreeze, ReplaySeek:
	default:
		return Inbound{Kind: KindUnknown}
	}

	in := Inbound{Kind: KindReplay, ReplayMode: mode}
	if body.TMs != nil {
		in.HasTMs = true
		in.TMs = *body.TMs
	}
	return in
}
