package call

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/mossy-p/webrtc-call/internal/media"
	"github.com/mossy-p/webrtc-call/internal/models"
	"github.com/mossy-p/webrtc-call/internal/signal"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

type role uint8

const (
	roleCaller role = iota
	roleCallee
)

func (r role) String() string {
	if r == roleCaller {
		return "caller"
	}
	return "callee"
}

// session is one call attempt. It is only touched from the event loop and
// exclusively owns its streams, link and outbox.
type session struct {
	id             string
	conversationID string
	remoteID       string
	role           role
	state          State
	mode           Mode
	log            zerolog.Logger

	// ctx is cancelled on teardown and bounds the off-loop work
	ctx    context.Context
	cancel context.CancelFunc

	offer      *models.Offer
	local      *media.Stream
	remote     *media.RemoteStream
	link       Link
	candidates []webrtc.ICECandidateInit

	offering      bool
	offerSent     bool
	answering     bool
	answerSDP     string
	answerApplied bool
	answerSent    bool
	connected     bool

	muted      bool
	cameraOff  bool
	speakerOff bool

	startedAt time.Time
	endedAt   time.Time
	stopTimer chan struct{}
	deadline  *time.Timer

	outbox        chan models.Message
	outboxStarted bool
	torn          bool
}

func (c *Coordinator) newSession(conversationID, remoteID string, r role, mode Mode) *session {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.New().String()
	return &session{
		id:             id,
		conversationID: conversationID,
		remoteID:       remoteID,
		role:           r,
		mode:           mode,
		ctx:            ctx,
		cancel:         cancel,
		outbox:         make(chan models.Message, outboxSize),
		log: c.log.With().
			Str("session_id", id).
			Str("conversation_id", conversationID).
			Str("remote_id", remoteID).
			Str("role", r.String()).
			Logger(),
	}
}

// current reports whether s is still the live session
func (c *Coordinator) current(s *session) bool {
	return s != nil && c.sess == s && !s.torn
}

func (s *session) elapsed(now time.Time) time.Duration {
	if s.startedAt.IsZero() {
		return 0
	}
	if !s.endedAt.IsZero() {
		now = s.endedAt
	}
	return now.Sub(s.startedAt)
}

func (s *session) snapshot(now time.Time) Snapshot {
	elapsed := s.elapsed(now)
	return Snapshot{
		State:          s.state,
		Mode:           s.mode,
		ConversationID: s.conversationID,
		RemoteUserID:   s.remoteID,
		Elapsed:        elapsed,
		ElapsedText:    FormatDuration(elapsed),
		Local:          s.local,
		Remote:         s.remote,
		Muted:          s.muted,
		CameraOff:      s.cameraOff,
		SpeakerOff:     s.speakerOff,
	}
}

// enter moves s to st and publishes it
func (c *Coordinator) enter(s *session, st State) {
	if s.state == st {
		return
	}
	s.log.Info().Str("from", s.state.String()).Str("to", st.String()).Msg("Call state changed")
	s.state = st
	if st == StateOutgoing || st == StateConnecting {
		c.armDeadline(s)
	}
	c.emit()
}

func (c *Coordinator) armDeadline(s *session) {
	if c.negotiationTimeout <= 0 || s.deadline != nil {
		return
	}
	s.deadline = time.AfterFunc(c.negotiationTimeout, func() {
		c.post(func() {
			if c.current(s) && s.state != StateActive && s.state != StateIncoming {
				s.log.Warn().Dur("timeout", c.negotiationTimeout).Msg("Call not established in time")
				c.abort(s, NoticeEnded, ErrNegotiationTimeout)
			}
		})
	})
}

// activate enters Active and starts the duration timer on first entry
func (c *Coordinator) activate(s *session) {
	if s.deadline != nil {
		s.deadline.Stop()
	}
	if s.startedAt.IsZero() {
		s.startedAt = c.clock.Now()
		c.startTimer(s)
	}
	c.enter(s, StateActive)
}

func (c *Coordinator) startTimer(s *session) {
	stop := make(chan struct{})
	s.stopTimer = stop
	tick := c.tick
	go func() {
		ticker := time.NewTicker(tick)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				c.post(func() {
					if c.current(s) && s.state == StateActive {
						c.emit()
					}
				})
			}
		}
	}()
}

// teardown ends s in the terminal state final, then returns the
// coordinator to Idle. Calling it again for the same session does nothing.
func (c *Coordinator) teardown(s *session, final State, notice string, err error) {
	if !c.dispose(s) {
		return
	}

	ev := s.log.Info()
	if err != nil {
		ev = s.log.Warn().Err(err)
	}
	ev.Str("state", final.String()).Str("notice", notice).Msg("Call finished")

	elapsed := s.elapsed(s.endedAt)
	c.publish(Snapshot{
		State:          final,
		Mode:           s.mode,
		ConversationID: s.conversationID,
		RemoteUserID:   s.remoteID,
		Elapsed:        elapsed,
		ElapsedText:    FormatDuration(elapsed),
		Notice:         notice,
		Err:            err,
	})
	c.emit()
}

// abort ends s after a local failure. A remote that already knows about the
// call is told first, so it does not keep ringing or waiting.
func (c *Coordinator) abort(s *session, notice string, err error) {
	if c.current(s) && (s.role == roleCallee || s.offerSent) {
		if s.state == StateIncoming {
			c.send(s, c.route(s).decline())
		} else {
			c.send(s, c.route(s).hangup())
		}
	}
	c.teardown(s, StateEnded, notice, err)
}

// dispose releases everything s owns without publishing. It reports false
// when s was already disposed.
func (c *Coordinator) dispose(s *session) bool {
	if s == nil || s.torn {
		return false
	}
	s.torn = true
	s.endedAt = c.clock.Now()
	s.cancel()

	if s.stopTimer != nil {
		close(s.stopTimer)
	}
	if s.deadline != nil {
		s.deadline.Stop()
	}
	if s.link != nil {
		if err := s.link.Close(); err != nil {
			s.log.Warn().Err(err).Msg("Failed to close peer link")
		}
	}
	if s.remote != nil {
		s.remote.Close()
	}
	if s.local != nil {
		s.local.Release()
	}
	s.candidates = nil

	if c.sess == s {
		c.sess = nil
	}
	close(s.outbox)
	if !s.outboxStarted {
		c.releaseChannel(s.conversationID)
	}
	return true
}

// startOutbox starts the goroutine sending the session's messages over ch.
// When the outbox is closed it drains, then releases the channel.
func (c *Coordinator) startOutbox(s *session, ch signal.Channel) {
	if s.outboxStarted {
		return
	}
	s.outboxStarted = true
	c.outboxes.Add(1)
	go func() {
		defer c.outboxes.Done()
		for msg := range s.outbox {
			ctx, cancel := context.WithTimeout(context.Background(), c.sendTimeout)
			if err := ch.Send(ctx, msg); err != nil {
				s.log.Warn().Err(err).Str("event", string(msg.Kind())).Msg("Failed to send signaling message")
			}
			cancel()
		}
		conv := s.conversationID
		c.post(func() { c.releaseChannel(conv) })
	}()
}

// send queues msg on the session's outbox. Messages are dropped once the
// session is torn down or when the outbox is full.
func (c *Coordinator) send(s *session, msg models.Message) {
	if s.torn || !s.outboxStarted {
		s.log.Debug().Str("event", string(msg.Kind())).Msg("Not sending, outbox unavailable")
		return
	}
	select {
	case s.outbox <- msg:
	default:
		s.log.Warn().Str("event", string(msg.Kind())).Msg("Signaling outbox full, dropping message")
	}
}

// outbound builds the messages a session sends to its remote
type outbound models.Route

func (c *Coordinator) route(s *session) outbound {
	return outbound{SenderID: c.localID, RecipientID: s.remoteID}
}

func (o outbound) offer(sdp string, mode Mode) models.Offer {
	return models.Offer{Route: models.Route(o), SDP: sdp, Mode: mode}
}

func (o outbound) answer(sdp string) models.Answer {
	return models.Answer{Route: models.Route(o), SDP: sdp}
}

func (o outbound) candidate(ci webrtc.ICECandidateInit) models.ICECandidate {
	return models.ICECandidate{Route: models.Route(o), Candidate: ci}
}

func (o outbound) hangup() models.Hangup   { return models.Hangup{Route: models.Route(o)} }
func (o outbound) decline() models.Decline { return models.Decline{Route: models.Route(o)} }
