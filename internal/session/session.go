// Package session manages one connected client end to end: the gobwas/ws
// upgrade, its read and write goroutines, inbound control-frame handling,
// and its optional replay playback mode.
package session

import (
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"digitaltwin-server/internal/broadcast"
	"digitaltwin-server/internal/metrics"
	"digitaltwin-server/internal/physics"
	"digitaltwin-server/internal/protocol"
)

// Config bounds a session's inbound rate and outbound queue depth.
type Config struct {
	OutboundQueue int
	InboundRateHz float64
	InboundBurst  int
	WriteTimeout  time.Duration
}

// Session owns one WebSocket connection's lifetime. Exactly one read
// goroutine and one write goroutine run per session; neither ever
// touches the other's state without going through the channels below,
// standing in for the single-threaded-strand model of a dedicated I/O
// reactor.
type Session struct {
	id     uint64
	conn   net.Conn
	engine *physics.Engine
	logger zerolog.Logger
	mx     *metrics.Metrics
	cfg    Config

	limiter *rate.Limiter

	outbound chan *broadcast.Slot
	seek     chan []byte

	modeMu sync.Mutex
	mode   protocol.ReplayMode

	closing   atomic.Bool
	closeOnce sync.Once
	stop      chan struct{}
	closed    chan struct{}
}

// New constructs a session bound to an already-upgraded connection.
func New(id uint64, conn net.Conn, engine *physics.Engine, logger zerolog.Logger, mx *metrics.Metrics, cfg Config) *Session {
	if cfg.OutboundQueue < 1 {
		cfg.OutboundQueue = 1
	}
	return &Session{
		id:       id,
		conn:     conn,
		engine:   engine,
		logger:   logger.With().Uint64("session_id", id).Logger(),
		mx:       mx,
		cfg:      cfg,
		limiter:  rate.NewLimiter(rate.Limit(cfg.InboundRateHz), cfg.InboundBurst),
		outbound: make(chan *broadcast.Slot, cfg.OutboundQueue),
		seek:     make(chan []byte, 1),
		mode:     protocol.ReplayLive,
		stop:     make(chan struct{}),
		closed:   make(chan struct{}),
	}
}

// ID returns the session's connection identifier.
func (s *Session) ID() uint64 { return s.id }

// Enqueue hands a broadcast slot to the session's outbound queue,
// acquiring a reference on the caller's behalf. If the queue is already
// full the session is considered backpressured and is closed; the slot
// reference is released immediately without being written.
func (s *Session) Enqueue(slot *broadcast.Slot) {
	if s.closing.Load() {
		return
	}
	slot.Acquire()
	select {
	case s.outbound <- slot:
	default:
		slot.Release()
		s.logger.Warn().Msg("outbound queue full, closing session")
		if s.mx != nil {
			s.mx.SessionsClosedBackp.Inc()
		}
		s.Close()
	}
}

// Close begins an orderly shutdown of both the read and write loops by
// closing the underlying connection. Safe to call more than once.
func (s *Session) Close() {
	if s.closing.CompareAndSwap(false, true) {
		_ = s.conn.Close()
		s.closeOnce.Do(func() { close(s.stop) })
	}
}

// Done reports when both loops have exited.
func (s *Session) Done() <-chan struct{} {
	return s.closed
}

// IsClosing reports whether the session has begun shutting down.
func (s *Session) IsClosing() bool {
	return s.closing.Load()
}

// Run drives the session to completion: it starts the write loop, runs
// the read loop on the calling goroutine, and waits for both to finish
// before returning. Intended to be invoked as `go session.Run()` from the
// server's accept loop.
func (s *Session) Run() {
	defer close(s.closed)

	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		s.writeLoop()
	}()

	s.readLoop()
	s.Close()
	<-writeDone
}

func (s *Session) readLoop() {
	reader := wsutil.NewReader(s.conn, ws.StateServerSide)
	for {
		head, err := reader.NextFrame()
		if err != nil {
			if !isClosedErr(err) {
				s.logger.Debug().Err(err).Msg("read frame error")
			}
			return
		}

		switch head.OpCode {
		case ws.OpClose:
			return
		case ws.OpPing:
			if err := wsutil.WriteServerMessage(s.conn, ws.OpPong, nil); err != nil {
				return
			}
		case ws.OpText:
			payload := make([]byte, head.Length)
			if _, err := io.ReadFull(reader, payload); err != nil {
				return
			}
			s.handleInbound(payload)
		default:
			if _, err := io.CopyN(io.Discard, reader, int64(head.Length)); err != nil {
				return
			}
		}
	}
}

func (s *Session) handleInbound(raw []byte) {
	if !s.limiter.Allow() {
		if s.mx != nil {
			s.mx.InboundFramesDropped.Inc()
		}
		return
	}
	if s.mx != nil {
		s.mx.InboundFramesTotal.Inc()
	}

	in := protocol.Decode(raw)
	switch in.Kind {
	case protocol.KindSetRPM:
		s.engine.SetRPMTarget(in.RPMTarget)
	case protocol.KindReplay:
		s.handleReplay(in)
	default:
		if s.mx != nil {
			s.mx.InboundFramesDropped.Inc()
		}
	}
}

func (s *Session) handleReplay(in protocol.Inbound) {
	s.modeMu.Lock()
	s.mode = in.ReplayMode
	s.modeMu.Unlock()

	if in.ReplayMode == protocol.ReplaySeek && in.HasTMs {
		s.sendHistorical(in.TMs)
	}
}

// sendHistorical encodes a single frame from the engine's history ring and
// hands it to the write loop, bypassing the live broadcast pool entirely.
// It never mutates engine state. The read loop never writes s.conn
// directly — the write loop is the sole writer, preserving the
// single-writer/FIFO invariant shared with live broadcast frames. If a
// seek is already pending, the new one replaces it rather than blocking.
func (s *Session) sendHistorical(targetMs uint64) {
	history := s.engine.History()
	idx, ok := history.NearestIndex(targetMs)
	if !ok {
		return
	}
	payload := history.At(idx)

	buf := make([]byte, 512)
	n := protocol.EncodeState(buf, payload)
	if n == 0 {
		return
	}

	select {
	case s.seek <- buf[:n]:
	default:
		select {
		case <-s.seek:
		default:
		}
		select {
		case s.seek <- buf[:n]:
		default:
		}
	}
}

func (s *Session) writeLoop() {
	for {
		select {
		case <-s.stop:
			return
		case b := <-s.seek:
			if err := s.writeFrame(b); err != nil {
				return
			}
		case slot := <-s.outbound:
			s.modeMu.Lock()
			live := s.mode == protocol.ReplayLive
			s.modeMu.Unlock()

			if !live {
				slot.Release()
				continue
			}

			err := s.writeFrame(slot.Bytes())
			slot.Release()
			if err != nil {
				return
			}
		}
	}
}

func (s *Session) writeFrame(b []byte) error {
	if s.cfg.WriteTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	}
	return wsutil.WriteServerMessage(s.conn, ws.OpText, b)
}

func isClosedErr(err error) bool {
	return err == io.EOF || err == net.ErrClosed
}
