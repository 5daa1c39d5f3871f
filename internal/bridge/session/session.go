package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MediaConn is the telephony media relay attached to a session.
type MediaConn interface {
	// SendAudio enqueues one PCM16 frame at the telephony rate. It is called
	// with the session lock held and must not block on network I/O.
	SendAudio(pcm []byte) error
	Close() error
}

// AILeg is the AI voice connection owned by a session.
type AILeg interface {
	// AppendAudio forwards PCM16 at the AI rate.
	AppendAudio(pcm []byte) error
	Close() error
}

// AnswerOutcome tells the caller of MarkAnswered what to do next.
type AnswerOutcome int

const (
	// AnswerIgnored means the answer was a duplicate or the session is gone
	AnswerIgnored AnswerOutcome = iota
	// AnswerStartStream means the AI leg is ready and the stream must start now
	AnswerStartStream
	// AnswerDeferred means the stream start waits for the AI leg
	AnswerDeferred
)

// Stats counts audio frames moving through a session.
type Stats struct {
	InboundFrames   uint64 `json:"inbound_frames"`
	InboundDropped  uint64 `json:"inbound_dropped"`
	OutboundFrames  uint64 `json:"outbound_frames"`
	OutboundQueued  uint64 `json:"outbound_queued"`
	OutboundDropped uint64 `json:"outbound_dropped"`
	Turns           uint64 `json:"turns"`
}

// Session is the per-call state shared by the controller, the AI client and
// the media relay. Every mutation is serialized by the session mutex.
type Session struct {
	ID            string
	CallID        string
	ControlHandle string
	CreatedAt     time.Time

	mu                 sync.Mutex
	phase              Phase
	aiReady            bool
	activeTurn         bool
	pendingStreamStart bool
	deferredHandle     string
	media              MediaConn
	ai                 AILeg
	queue              [][]byte
	queueLimit         int
	graceTimer         *time.Timer
	readyTimer         *time.Timer
	answeredAt         time.Time
	streamingAt        time.Time
	closedAt           time.Time
	closeReason        CloseReason
	stats              Stats
}

func newSession(callID, handle string, queueLimit int) *Session {
	return &Session{
		ID:            uuid.NewString(),
		CallID:        callID,
		ControlHandle: handle,
		CreatedAt:     time.Now(),
		phase:         PhaseInitiated,
		queueLimit:    queueLimit,
	}
}

// Phase returns the current lifecycle phase
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// AIReady reports whether the AI leg finished configuration
func (s *Session) AIReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aiReady
}

// HasActiveTurn reports whether an AI response is in flight
func (s *Session) HasActiveTurn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeTurn
}

// MediaAttached reports whether a media relay is attached
func (s *Session) MediaAttached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.media != nil
}

// Closed reports whether the session was torn down
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase == PhaseClosed
}

// TransitionTo moves the session to next if the move is forward and valid.
func (s *Session) TransitionTo(next Phase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(next)
}

func (s *Session) transitionLocked(next Phase) error {
	if !s.phase.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.phase, next)
	}
	s.phase = next
	now := time.Now()
	switch next {
	case PhaseStreamPending:
		s.answeredAt = now
	case PhaseStreaming:
		if s.answeredAt.IsZero() {
			s.answeredAt = now
		}
		s.streamingAt = now
	case PhaseClosed:
		s.closedAt = now
	}
	return nil
}

// MarkAnswered records the telephony answer. When the AI leg is already ready
// the session moves to Streaming and the caller must start the media stream
// with the returned handle; otherwise the start is deferred until MarkAIReady
// or ForceStreamStart.
func (s *Session) MarkAnswered(handle string) (AnswerOutcome, string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if handle == "" {
		handle = s.ControlHandle
	}
	if s.phase == PhaseInitiated {
		_ = s.transitionLocked(PhaseAnswering)
	}
	if s.phase != PhaseAnswering {
		return AnswerIgnored, ""
	}

	if s.aiReady {
		_ = s.transitionLocked(PhaseStreaming)
		return AnswerStartStream, handle
	}

	s.pendingStreamStart = true
	s.deferredHandle = handle
	_ = s.transitionLocked(PhaseStreamPending)
	return AnswerDeferred, ""
}

// MarkAIReady records that the AI leg is configured. If a stream start was
// deferred it is consumed here and the handle returned with start=true.
func (s *Session) MarkAIReady() (handle string, start bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase == PhaseClosed {
		return "", false
	}
	s.aiReady = true
	return s.consumePendingLocked()
}

// ForceStreamStart consumes a deferred stream start without waiting for the
// AI leg. It is the readiness timeout fallback.
func (s *Session) ForceStreamStart() (handle string, start bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consumePendingLocked()
}

func (s *Session) consumePendingLocked() (string, bool) {
	if s.phase != PhaseStreamPending || !s.pendingStreamStart {
		return "", false
	}
	handle := s.deferredHandle
	s.pendingStreamStart = false
	s.deferredHandle = ""
	if s.readyTimer != nil {
		s.readyTimer.Stop()
		s.readyTimer = nil
	}
	_ = s.transitionLocked(PhaseStreaming)
	return handle, true
}

// SetAI stores the AI leg. It fails if the session is already closed, in
// which case the caller owns the leg and must close it.
func (s *Session) SetAI(ai AILeg) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == PhaseClosed {
		return ErrSessionClosed
	}
	s.ai = ai
	return nil
}

// AI returns the AI leg, or nil.
func (s *Session) AI() AILeg {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ai
}

// InboundTarget returns the AI leg caller audio should be forwarded to. Audio
// arriving before the AI leg is ready is dropped and counted.
func (s *Session) InboundTarget() (AILeg, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase == PhaseClosed || !s.aiReady || s.ai == nil {
		s.stats.InboundDropped++
		return nil, false
	}
	s.stats.InboundFrames++
	return s.ai, true
}

// AttachMedia binds a media relay and flushes queued outbound audio to it in
// arrival order. It returns the number of flushed frames.
func (s *Session) AttachMedia(m MediaConn) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase == PhaseClosed {
		return 0, ErrSessionClosed
	}
	if s.media != nil {
		return 0, ErrMediaAttached
	}
	s.media = m
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}

	flushed := len(s.queue)
	for _, frame := range s.queue {
		if err := m.SendAudio(frame); err != nil {
			s.stats.OutboundDropped++
			continue
		}
		s.stats.OutboundFrames++
	}
	s.queue = nil
	return flushed, nil
}

// DetachMedia unbinds m if it is the attached relay.
func (s *Session) DetachMedia(m MediaConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.media == nil || s.media != m {
		return false
	}
	s.media = nil
	return true
}

// DeliverOutbound sends AI audio to the attached relay, or queues it while no
// relay is attached. A full queue drops its oldest frame.
func (s *Session) DeliverOutbound(pcm []byte) (queued bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase == PhaseClosed {
		return false, ErrSessionClosed
	}
	if s.media != nil {
		if err := s.media.SendAudio(pcm); err != nil {
			s.stats.OutboundDropped++
			return false, err
		}
		s.stats.OutboundFrames++
		return false, nil
	}

	if s.queueLimit > 0 && len(s.queue) >= s.queueLimit {
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.stats.OutboundDropped++
	}
	s.queue = append(s.queue, pcm)
	s.stats.OutboundQueued++
	return true, nil
}

// QueueLen returns the number of outbound frames waiting for a relay.
func (s *Session) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// BeginTurn claims the single in-flight AI response slot.
func (s *Session) BeginTurn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase == PhaseClosed || s.activeTurn {
		return false
	}
	s.activeTurn = true
	s.stats.Turns++
	return true
}

// EndTurn releases the response slot.
func (s *Session) EndTurn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeTurn = false
}

// StartGraceTimer arms fn to run after d unless a relay attaches or the
// session closes first.
func (s *Session) StartGraceTimer(d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase == PhaseClosed {
		return
	}
	if s.graceTimer != nil {
		s.graceTimer.Stop()
	}
	s.graceTimer = time.AfterFunc(d, fn)
}

// StartReadyTimer arms fn to run after d unless the deferred stream start is
// consumed or the session closes first.
func (s *Session) StartReadyTimer(d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != PhaseStreamPending {
		return
	}
	if s.readyTimer != nil {
		s.readyTimer.Stop()
	}
	s.readyTimer = time.AfterFunc(d, fn)
}

// Released holds the transports detached from a session by Close. The
// caller closes them outside the session lock.
type Released struct {
	Media MediaConn
	AI    AILeg
}

// Close moves the session to Closed exactly once. Only the first call
// returns ok=true together with the transports to close.
func (s *Session) Close(reason CloseReason) (Released, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase == PhaseClosed {
		return Released{}, false
	}
	_ = s.transitionLocked(PhaseClosed)
	s.closeReason = reason

	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}
	if s.readyTimer != nil {
		s.readyTimer.Stop()
		s.readyTimer = nil
	}

	rel := Released{Media: s.media, AI: s.ai}
	s.media = nil
	s.ai = nil
	s.queue = nil
	s.activeTurn = false
	s.pendingStreamStart = false
	s.deferredHandle = ""
	return rel, true
}

// Snapshot is a point-in-time copy of a session for reporting.
type Snapshot struct {
	ID            string      `json:"id"`
	CallID        string      `json:"call_id"`
	ControlHandle string      `json:"control_handle"`
	Phase         Phase       `json:"phase"`
	AIReady       bool        `json:"ai_ready"`
	MediaAttached bool        `json:"media_attached"`
	ActiveTurn    bool        `json:"active_turn"`
	StreamPending bool        `json:"stream_pending"`
	QueuedFrames  int         `json:"queued_frames"`
	CreatedAt     time.Time   `json:"created_at"`
	AnsweredAt    time.Time   `json:"answered_at,omitzero"`
	StreamingAt   time.Time   `json:"streaming_at,omitzero"`
	ClosedAt      time.Time   `json:"closed_at,omitzero"`
	CloseReason   CloseReason `json:"close_reason,omitempty"`
	Stats         Stats       `json:"stats"`
}

// Snapshot returns a copy of the session state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Snapshot{
		ID:            s.ID,
		CallID:        s.CallID,
		ControlHandle: s.ControlHandle,
		Phase:         s.phase,
		AIReady:       s.aiReady,
		MediaAttached: s.media != nil,
		ActiveTurn:    s.activeTurn,
		StreamPending: s.pendingStreamStart,
		QueuedFrames:  len(s.queue),
		CreatedAt:     s.CreatedAt,
		AnsweredAt:    s.answeredAt,
		StreamingAt:   s.streamingAt,
		ClosedAt:      s.closedAt,
		CloseReason:   s.closeReason,
		Stats:         s.stats,
	}
}
