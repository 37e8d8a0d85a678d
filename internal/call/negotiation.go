package call

import (
	"context"
	"errors"
	"fmt"

	"github.com/mossy-p/webrtc-call/internal/media"
	"github.com/mossy-p/webrtc-call/internal/models"
	"github.com/mossy-p/webrtc-call/internal/peer"
	"github.com/pion/webrtc/v4"
)

// spawn runs work off the event loop and applies its result on the loop if
// s is still the live session. Otherwise discard gets the successful result
// so whatever it holds can be released.
func spawn[T any](c *Coordinator, s *session, work func(ctx context.Context) (T, error), apply func(T, error), discard func(T)) {
	go func() {
		v, err := work(s.ctx)
		posted := c.post(func() {
			if !c.current(s) {
				s.log.Debug().Err(err).Msg("Discarding result for finished session")
				if discard != nil && err == nil {
					discard(v)
				}
				return
			}
			apply(v, err)
		})
		if !posted && discard != nil && err == nil {
			discard(v)
		}
	}()
}

// acquire captures the local stream, then builds the peer link
func (c *Coordinator) acquire(s *session) {
	mode := s.mode
	spawn(c, s,
		func(ctx context.Context) (*media.Stream, error) {
			return c.deps.Capturer.Acquire(ctx, mode)
		},
		func(stream *media.Stream, err error) {
			if err != nil {
				if !errors.Is(err, media.ErrDevice) {
					err = fmt.Errorf("%w: %v", media.ErrDevice, err)
				}
				c.abort(s, NoticeDevice, err)
				return
			}
			s.local = stream
			s.log.Debug().Str("stream_id", stream.ID()).Msg("Local stream acquired")
			c.emit()
			c.buildLink(s)
		},
		func(stream *media.Stream) {
			stream.Release()
		},
	)
}

func (c *Coordinator) buildLink(s *session) {
	link, err := c.deps.Links(c.linkHandlers(s))
	if err != nil {
		c.abort(s, NoticeEnded, fmt.Errorf("%w: %v", peer.ErrNegotiation, err))
		return
	}
	s.link = link

	// Candidates that arrived before the link existed, in arrival order.
	// The link holds them until its remote description is set.
	for _, ci := range s.candidates {
		if err := link.AddRemoteCandidate(ci); err != nil {
			s.log.Debug().Err(err).Msg("Dropping early remote candidate")
		}
	}
	s.candidates = nil

	if s.role == roleCaller {
		// The offer follows on negotiation-needed.
		if err := link.AddTracks(s.local.Locals()...); err != nil {
			c.abort(s, NoticeEnded, err)
		}
		return
	}
	c.answer(s)
}

// answer applies the pending offer, attaches the local tracks and sends the
// single answer of the session
func (c *Coordinator) answer(s *session) {
	link, offer, locals := s.link, s.offer.SDP, s.local.Locals()
	spawn(c, s,
		func(context.Context) (string, error) {
			if err := link.SetRemoteOffer(offer); err != nil {
				return "", err
			}
			if err := link.AddTracks(locals...); err != nil {
				return "", err
			}
			return link.CreateAnswer()
		},
		func(sdp string, err error) {
			if err != nil {
				c.abort(s, NoticeEnded, err)
				return
			}
			if s.answerSent {
				return
			}
			s.answerSent = true
			c.send(s, c.route(s).answer(sdp))
		},
		nil,
	)
}

func (c *Coordinator) onNegotiationNeeded(s *session) {
	if s.role != roleCaller || s.state != StateOutgoing || s.offering || s.offerSent {
		s.log.Debug().Str("state", s.state.String()).Msg("Ignoring negotiation-needed")
		return
	}
	s.offering = true
	link, mode := s.link, s.mode
	spawn(c, s,
		func(context.Context) (string, error) {
			return link.CreateOffer()
		},
		func(sdp string, err error) {
			s.offering = false
			if err != nil {
				c.abort(s, NoticeEnded, err)
				return
			}
			s.offerSent = true
			c.send(s, c.route(s).offer(sdp, mode))
		},
		nil,
	)
}

func (c *Coordinator) onAnswer(s *session, a models.Answer) {
	if s.role != roleCaller || !s.offerSent || s.link == nil {
		s.log.Debug().Str("state", s.state.String()).Msg("Ignoring unexpected answer")
		return
	}
	if s.answering || s.answerApplied {
		s.log.Debug().Bool("same_sdp", a.SDP == s.answerSDP).Msg("Ignoring repeated answer")
		return
	}

	s.answering = true
	link := s.link
	spawn(c, s,
		func(context.Context) (struct{}, error) {
			return struct{}{}, link.SetRemoteAnswer(a.SDP)
		},
		func(_ struct{}, err error) {
			s.answering = false
			if err != nil {
				c.abort(s, NoticeEnded, err)
				return
			}
			s.answerApplied = true
			s.answerSDP = a.SDP
			if s.state == StateOutgoing {
				c.enter(s, StateConnecting)
			}
			// The link may report connected before this completion runs.
			if s.connected && s.state == StateConnecting {
				c.activate(s)
			}
		},
		nil,
	)
}

func (c *Coordinator) onRemoteCandidate(s *session, m models.ICECandidate) {
	if s.link == nil {
		s.candidates = append(s.candidates, m.Candidate)
		return
	}
	if err := s.link.AddRemoteCandidate(m.Candidate); err != nil {
		s.log.Debug().Err(err).Msg("Dropping remote candidate")
	}
}

// linkHandlers bind the link callbacks of s to the event loop
func (c *Coordinator) linkHandlers(s *session) peer.Handlers {
	return peer.Handlers{
		OnLocalCandidate: func(ci webrtc.ICECandidateInit) {
			c.post(func() {
				if c.current(s) {
					c.send(s, c.route(s).candidate(ci))
				}
			})
		},
		OnRemoteTrack: func(t media.RemoteTrack) {
			c.post(func() { c.onRemoteTrack(s, t) })
		},
		OnState: func(st peer.State) {
			c.post(func() { c.onLinkState(s, st) })
		},
		OnNegotiationNeeded: func() {
			c.post(func() {
				if c.current(s) {
					c.onNegotiationNeeded(s)
				}
			})
		},
	}
}

func (c *Coordinator) onRemoteTrack(s *session, t media.RemoteTrack) {
	if !c.current(s) {
		return
	}
	if s.remote == nil {
		s.remote = media.NewRemoteStream(c.deps.Sink)
		s.remote.SetMuted(s.speakerOff)
	}
	s.remote.AddTrack(t)
	s.log.Debug().Str("track_id", t.ID()).Str("kind", t.Kind().String()).Msg("Remote track attached")
	c.emit()
}

func (c *Coordinator) onLinkState(s *session, st peer.State) {
	if !c.current(s) {
		return
	}
	switch st {
	case peer.StateConnected:
		s.connected = true
		if s.state == StateConnecting {
			c.activate(s)
		}
	case peer.StateDisconnected, peer.StateFailed, peer.StateClosed:
		c.abort(s, NoticeConnectionLost, fmt.Errorf("%w: %s", ErrConnectionLost, st))
	}
}
