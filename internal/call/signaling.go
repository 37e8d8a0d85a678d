package call

import (
	"context"
	"fmt"

	"github.com/mossy-p/webrtc-call/internal/models"
	"github.com/mossy-p/webrtc-call/internal/signal"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// maxEarlyCandidates bounds the candidates held per sender while its offer
// has not arrived
const maxEarlyCandidates = 32

// subscription is the coordinator's channel for one conversation. It lives
// as long as a session uses the conversation or it is watched.
type subscription struct {
	conversationID string
	ch             signal.Channel
	ready          bool
	watched        bool
	// expect restricts offers to one remote user when set
	expect  string
	waiters []func(error)
	// early holds messages delivered before the subscription was confirmed
	early []models.Message
	// candidates holds remote candidates that overtook their sender's offer
	candidates map[string][]webrtc.ICECandidateInit
}

func (sub *subscription) holdCandidate(from string, ci webrtc.ICECandidateInit) bool {
	if len(sub.candidates[from]) >= maxEarlyCandidates {
		return false
	}
	if sub.candidates == nil {
		sub.candidates = make(map[string][]webrtc.ICECandidateInit)
	}
	sub.candidates[from] = append(sub.candidates[from], ci)
	return true
}

// takeCandidates returns and forgets the candidates held for from
func (sub *subscription) takeCandidates(from string) []webrtc.ICECandidateInit {
	held := sub.candidates[from]
	delete(sub.candidates, from)
	return held
}

// Watch keeps the channel of conversationID subscribed while no call is
// live on it, so offers are detected and busy replies can be sent. When
// remoteUserID is set, offers from anyone else are ignored.
func (c *Coordinator) Watch(ctx context.Context, conversationID, remoteUserID string) error {
	if conversationID == "" {
		return fmt.Errorf("%w: conversation id is required", ErrInvalidRequest)
	}

	res := make(chan error, 1)
	err := c.do(func() error {
		c.subscribe(conversationID, func(err error) {
			if err == nil {
				sub := c.subs[conversationID]
				sub.watched = true
				sub.expect = remoteUserID
			}
			res <- err
		})
		return nil
	})
	if err != nil {
		return err
	}

	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
}

// Unwatch stops watching conversationID. A call live on it keeps the
// channel until the call ends.
func (c *Coordinator) Unwatch(conversationID string) error {
	return c.do(func() error {
		sub := c.subs[conversationID]
		if sub == nil {
			return nil
		}
		sub.watched = false
		sub.expect = ""
		if c.focus == conversationID {
			c.focus = ""
		}
		c.releaseChannel(conversationID)
		return nil
	})
}

// subscribe makes sure the channel of conversationID is subscribed and calls
// done on the event loop once it is, or once subscribing failed.
func (c *Coordinator) subscribe(conversationID string, done func(error)) {
	if sub, ok := c.subs[conversationID]; ok {
		if sub.ready {
			done(nil)
		} else {
			sub.waiters = append(sub.waiters, done)
		}
		return
	}

	ch, err := c.deps.Channels(conversationID)
	if err != nil {
		done(fmt.Errorf("%w: %v", signal.ErrSubscribe, err))
		return
	}
	sub := &subscription{conversationID: conversationID, ch: ch, waiters: []func(error){done}}
	c.subs[conversationID] = sub
	c.bind(sub)

	timeout := c.subscribeTimeout
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		st, err := ch.Subscribe(ctx)
		if !c.post(func() { c.subscribed(sub, st, err) }) {
			unsubscribe(ch, conversationID)
		}
	}()
}

func (c *Coordinator) subscribed(sub *subscription, st signal.Status, err error) {
	if err == nil && st != signal.StatusSubscribed {
		err = fmt.Errorf("%w: %s", signal.ErrSubscribe, st)
	}
	waiters := sub.waiters
	sub.waiters = nil

	if c.subs[sub.conversationID] != sub {
		go unsubscribe(sub.ch, sub.conversationID)
		for _, w := range waiters {
			w(signal.ErrClosed)
		}
		return
	}
	if err != nil {
		c.log.Warn().Err(err).Str("conversation_id", sub.conversationID).Str("status", string(st)).Msg("Signaling subscribe failed")
		delete(c.subs, sub.conversationID)
		go unsubscribe(sub.ch, sub.conversationID)
		for _, w := range waiters {
			w(err)
		}
		return
	}

	c.log.Debug().Str("conversation_id", sub.conversationID).Msg("Signaling channel subscribed")
	sub.ready = true
	for _, w := range waiters {
		w(nil)
	}
	early := sub.early
	sub.early = nil
	for _, m := range early {
		c.receive(sub, m)
	}
	c.releaseChannel(sub.conversationID)
}

// bind routes the channel's messages and status changes into the event loop
func (c *Coordinator) bind(sub *subscription) {
	for _, kind := range models.Kinds {
		sub.ch.OnMessage(kind, func(m models.Message) {
			c.post(func() { c.receive(sub, m) })
		})
	}
	sub.ch.OnStatus(func(st signal.Status) {
		c.post(func() { c.channelFailed(sub, st) })
	})
}

// releaseChannel unsubscribes from conversationID unless it is watched or a
// live session uses it
func (c *Coordinator) releaseChannel(conversationID string) {
	sub := c.subs[conversationID]
	if sub == nil || sub.watched {
		return
	}
	if s := c.sess; s != nil && s.conversationID == conversationID {
		return
	}
	delete(c.subs, conversationID)
	go unsubscribe(sub.ch, conversationID)
}

func unsubscribe(ch signal.Channel, conversationID string) {
	if err := ch.Unsubscribe(); err != nil {
		log.Warn().Err(err).Str("conversation_id", conversationID).Msg("Signaling unsubscribe failed")
	}
}

func (c *Coordinator) channelFailed(sub *subscription, st signal.Status) {
	if c.subs[sub.conversationID] != sub {
		return
	}
	c.log.Warn().Str("conversation_id", sub.conversationID).Str("status", string(st)).Msg("Signaling channel lost")
	delete(c.subs, sub.conversationID)
	go unsubscribe(sub.ch, sub.conversationID)

	if s := c.sess; s != nil && s.conversationID == sub.conversationID {
		c.teardown(s, StateEnded, NoticeEnded, fmt.Errorf("%w: %s", signal.ErrClosed, st))
	}
}

// dial starts an outgoing call. Runs on the event loop.
func (c *Coordinator) dial(req OpenRequest) {
	s := c.newSession(req.ConversationID, req.RemoteUserID, roleCaller, req.Mode)
	c.sess = s
	c.focus = req.ConversationID
	s.log.Info().Str("mode", string(req.Mode)).Msg("Placing call")
	c.enter(s, StateOutgoing)

	c.subscribe(s.conversationID, func(err error) {
		if !c.current(s) {
			return
		}
		if err != nil {
			c.teardown(s, StateEnded, NoticeEnded, err)
			return
		}
		c.startOutbox(s, c.subs[s.conversationID].ch)
		c.acquire(s)
	})
}

// receive filters one inbound message and dispatches it
func (c *Coordinator) receive(sub *subscription, m models.Message) {
	if c.subs[sub.conversationID] != sub {
		return
	}
	if !sub.ready {
		sub.early = append(sub.early, m)
		return
	}

	r := m.Addressing()
	l := c.log.With().Str("conversation_id", sub.conversationID).Str("event", string(m.Kind())).Str("sender_id", r.SenderID).Logger()
	if r.SenderID == c.localID {
		return
	}
	if r.RecipientID != c.localID {
		l.Debug().Str("recipient_id", r.RecipientID).Msg("Dropping message addressed to someone else")
		return
	}

	if offer, ok := m.(models.Offer); ok {
		c.onOffer(sub, offer)
		return
	}

	s := c.sess
	if s == nil || s.conversationID != sub.conversationID || s.remoteID != r.SenderID {
		switch msg := m.(type) {
		case models.ICECandidate:
			// Kinds may be reordered in transit, the offer can still follow.
			if sub.holdCandidate(r.SenderID, msg.Candidate) {
				l.Debug().Msg("Holding candidate until its offer arrives")
				return
			}
		case models.Hangup, models.Decline:
			sub.takeCandidates(r.SenderID)
		}
		l.Debug().Msg("Dropping stray signaling message")
		return
	}

	switch msg := m.(type) {
	case models.Answer:
		c.onAnswer(s, msg)
	case models.ICECandidate:
		c.onRemoteCandidate(s, msg)
	case models.Hangup:
		s.log.Info().Msg("Remote hung up")
		c.teardown(s, StateEnded, NoticeEnded, nil)
	case models.Decline:
		if s.role != roleCaller || s.state != StateOutgoing {
			s.log.Debug().Str("state", s.state.String()).Msg("Ignoring decline")
			return
		}
		c.teardown(s, StateDeclined, NoticeDeclined, nil)
	case models.Busy:
		if s.role != roleCaller || s.state != StateOutgoing {
			s.log.Debug().Str("state", s.state.String()).Msg("Ignoring busy")
			return
		}
		c.teardown(s, StateBusy, NoticeBusy, nil)
	}
}

func (c *Coordinator) onOffer(sub *subscription, offer models.Offer) {
	from := offer.SenderID
	s := c.sess
	if s != nil && (s.conversationID != sub.conversationID || s.remoteID != from) {
		s.log.Info().Str("from", from).Str("from_conversation", sub.conversationID).Msg("Replying busy to offer")
		sub.takeCandidates(from)
		c.replyBusy(sub, from)
		return
	}
	if sub.expect != "" && from != sub.expect {
		c.log.Debug().Str("sender_id", from).Str("conversation_id", sub.conversationID).Msg("Ignoring offer from unexpected user")
		sub.takeCandidates(from)
		return
	}

	if s != nil {
		// Both sides dialed each other. The lower user id keeps its
		// offer, the other side drops its own attempt and answers.
		if s.role != roleCaller || s.state != StateOutgoing || s.answerApplied || s.answering {
			s.log.Debug().Str("state", s.state.String()).Msg("Ignoring repeated offer")
			return
		}
		if c.localID < from {
			s.log.Info().Msg("Simultaneous offers, keeping ours")
			return
		}
		s.log.Info().Msg("Simultaneous offers, answering theirs")
		c.dispose(s)
	}

	s = c.newSession(sub.conversationID, from, roleCallee, offer.Mode)
	s.offer = &offer
	s.candidates = sub.takeCandidates(from)
	c.sess = s
	c.startOutbox(s, sub.ch)
	s.log.Info().Str("mode", string(offer.Mode)).Msg("Incoming call")
	c.enter(s, StateIncoming)
}

func (c *Coordinator) replyBusy(sub *subscription, to string) {
	msg := models.Busy{Route: models.Route{SenderID: c.localID, RecipientID: to}}
	ch, timeout := sub.ch, c.sendTimeout
	l := c.log
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := ch.Send(ctx, msg); err != nil {
			l.Warn().Err(err).Str("recipient_id", to).Msg("Failed to send busy")
		}
	}()
}
