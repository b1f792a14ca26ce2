// Package session owns the single synthesis slot. The daemon serves
// one speech request at a time; a new arrival always wins, and the
// superseded request is torn down through its context.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// State tracks where a session is in its lifecycle.
type State int

const (
	StateInitializing State = iota
	StateSynthesizing
	StateStreaming
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateSynthesizing:
		return "synthesizing"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is one speech request's occupancy of the slot. Epoch
// identifies it against stale callbacks: epochs only grow, so two
// sessions never compare equal.
type Session struct {
	ID      string
	Epoch   uint64
	Started time.Time

	cancel context.CancelFunc

	mu    sync.Mutex
	state State
}

// Advance moves the session's state forward. Backward transitions are
// ignored: a late callback from a torn-down stage must not resurrect
// the session.
func (s *Session) Advance(next State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if next > s.state {
		s.state = next
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Supervisor guards the slot.
type Supervisor struct {
	mu      sync.Mutex
	current *Session
	epoch   uint64

	log        *slog.Logger
	started    metric.Int64Counter
	superseded metric.Int64Counter
}

func NewSupervisor(log *slog.Logger) *Supervisor {
	s := &Supervisor{log: log.With(slog.String("component", "session"))}

	meter := otel.Meter("github.com/oratelabs/orate/session")
	var err error
	if s.started, err = meter.Int64Counter("orate.sessions.started",
		metric.WithDescription("Speech sessions accepted")); err != nil {
		s.log.Warn("failed to initialize session metrics", slog.String("error", err.Error()))
	}
	if s.superseded, err = meter.Int64Counter("orate.sessions.superseded",
		metric.WithDescription("Speech sessions cancelled by a newer request")); err != nil {
		s.log.Warn("failed to initialize session metrics", slog.String("error", err.Error()))
	}
	return s
}

// Install makes a new session current, cancelling the previous
// occupant without waiting for its teardown. The returned context
// derives from ctx, so both a client disconnect and a later Install
// cancel the session's work.
func (s *Supervisor) Install(ctx context.Context) (*Session, context.Context) {
	sessCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	prev := s.current
	s.epoch++
	sess := &Session{
		ID:      uuid.NewString(),
		Epoch:   s.epoch,
		Started: time.Now().UTC(),
		cancel:  cancel,
	}
	s.current = sess
	s.mu.Unlock()

	if prev != nil {
		prev.cancel()
		s.log.Info("session superseded",
			slog.String("session_id", prev.ID),
			slog.Uint64("epoch", prev.Epoch),
			slog.Uint64("by_epoch", sess.Epoch))
		if s.superseded != nil {
			s.superseded.Add(ctx, 1)
		}
	}
	if s.started != nil {
		s.started.Add(ctx, 1)
	}

	s.log.Debug("session installed",
		slog.String("session_id", sess.ID),
		slog.Uint64("epoch", sess.Epoch))
	return sess, sessCtx
}

// Release closes sess and clears the slot only if sess still holds
// it. A superseded session releasing late must not evict its
// successor.
func (s *Supervisor) Release(sess *Session) {
	if sess == nil {
		return
	}
	sess.cancel()
	sess.Advance(StateClosed)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil && s.current.Epoch == sess.Epoch {
		s.current = nil
	}
}

// IsCurrent reports whether sess still occupies the slot.
func (s *Supervisor) IsCurrent(sess *Session) bool {
	if sess == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil && s.current.Epoch == sess.Epoch
}
