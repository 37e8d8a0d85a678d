// Package call coordinates a one-to-one audio/video call between the local
// user and a remote peer.
//
// A Coordinator owns at most one call session. Every state change happens on
// a single event loop goroutine: user intents, signaling messages and peer
// connection callbacks are posted to it as events, while media acquisition
// and SDP negotiation run off the loop and re-enter it when they complete.
// Observers receive a Snapshot after every change.
package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mossy-p/webrtc-call/internal/media"
	"github.com/mossy-p/webrtc-call/internal/peer"
	"github.com/mossy-p/webrtc-call/internal/signal"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	defaultTickInterval       = time.Second
	defaultSubscribeTimeout   = 10 * time.Second
	defaultSendTimeout        = 5 * time.Second
	defaultNegotiationTimeout = 60 * time.Second
	outboxSize                = 64
	outboxDrainTimeout        = 5 * time.Second
)

// Link is the peer connection of one call attempt
type Link interface {
	AddTracks(tracks ...webrtc.TrackLocal) error
	CreateOffer() (string, error)
	SetRemoteOffer(sdp string) error
	CreateAnswer() (string, error)
	SetRemoteAnswer(sdp string) error
	AddRemoteCandidate(c webrtc.ICECandidateInit) error
	Close() error
}

// LinkFactory builds a Link reporting to h
type LinkFactory func(h peer.Handlers) (Link, error)

// PeerLinks returns a LinkFactory creating pion peer connections
func PeerLinks(cfg peer.Config, l zerolog.Logger) LinkFactory {
	return func(h peer.Handlers) (Link, error) {
		return peer.New(cfg, h, l)
	}
}

// Deps are the collaborators a Coordinator drives
type Deps struct {
	Channels signal.Factory
	Capturer media.Capturer
	Links    LinkFactory
	// Sink renders remote media. Optional.
	Sink media.Sink
}

// OpenRequest activates the coordinator for a conversation. Incoming
// requests only listen for offers; outgoing requests start a call.
type OpenRequest struct {
	ConversationID string
	RemoteUserID   string
	Mode           Mode
	Incoming       bool
}

type Option func(*Coordinator)

func WithLogger(l zerolog.Logger) Option {
	return func(c *Coordinator) { c.log = l }
}

func WithTimeProvider(tp TimeProvider) Option {
	return func(c *Coordinator) { c.clock = tp }
}

// WithTickInterval sets how often an active call publishes its duration
func WithTickInterval(d time.Duration) Option {
	return func(c *Coordinator) { c.tick = d }
}

func WithSubscribeTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.subscribeTimeout = d }
}

func WithSendTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.sendTimeout = d }
}

// WithNegotiationTimeout bounds the time from dialing or accepting to an
// established connection. Zero disables the bound.
func WithNegotiationTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.negotiationTimeout = d }
}

type Coordinator struct {
	localID string
	deps    Deps
	log     zerolog.Logger
	clock   TimeProvider

	tick               time.Duration
	subscribeTimeout   time.Duration
	sendTimeout        time.Duration
	negotiationTimeout time.Duration

	events   chan func()
	done     chan struct{}
	stopping bool

	// owned by the event loop
	sess  *session
	subs  map[string]*subscription
	focus string

	outboxes sync.WaitGroup

	mu        sync.RWMutex
	snap      Snapshot
	observers map[int]*observer
	nextID    int
}

// New starts a coordinator acting as localUserID
func New(localUserID string, deps Deps, opts ...Option) (*Coordinator, error) {
	if localUserID == "" {
		return nil, fmt.Errorf("%w: local user id is required", ErrInvalidRequest)
	}
	if deps.Channels == nil || deps.Capturer == nil || deps.Links == nil {
		return nil, fmt.Errorf("%w: channels, capturer and links are required", ErrInvalidRequest)
	}

	c := &Coordinator{
		localID:            localUserID,
		deps:               deps,
		log:                log.Logger,
		clock:              DefaultTimeProvider{},
		tick:               defaultTickInterval,
		subscribeTimeout:   defaultSubscribeTimeout,
		sendTimeout:        defaultSendTimeout,
		negotiationTimeout: defaultNegotiationTimeout,
		events:             make(chan func()),
		done:               make(chan struct{}),
		subs:               make(map[string]*subscription),
		observers:          make(map[int]*observer),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With().Str("user_id", localUserID).Logger()
	c.snap = idleSnapshot()

	go c.run()
	return c, nil
}

func (c *Coordinator) LocalUserID() string { return c.localID }

func (c *Coordinator) run() {
	defer close(c.done)
	for !c.stopping {
		c.safely(<-c.events)
	}
	c.log.Debug().Msg("Call event loop stopped")
}

func (c *Coordinator) safely(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Interface("panic", r).Msg("Recovered from panic in call event loop")
			if s := c.sess; s != nil {
				c.teardown(s, StateEnded, NoticeEnded, fmt.Errorf("%w: %v", ErrInternal, r))
			}
		}
	}()
	fn()
}

// post hands fn to the event loop. It returns false once the loop has
// stopped, in which case fn never runs.
func (c *Coordinator) post(fn func()) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.events <- fn:
		return true
	case <-c.done:
		return false
	}
}

// do runs fn on the event loop and waits for its result
func (c *Coordinator) do(fn func() error) error {
	err := ErrInternal
	ran := make(chan struct{})
	if !c.post(func() {
		defer close(ran)
		err = fn()
	}) {
		return ErrClosed
	}
	<-ran
	return err
}

// Open activates the coordinator for a conversation. An outgoing request
// dials RemoteUserID; an incoming one keeps the conversation's channel
// subscribed so offers are detected.
func (c *Coordinator) Open(ctx context.Context, req OpenRequest) error {
	if req.ConversationID == "" {
		return fmt.Errorf("%w: conversation id is required", ErrInvalidRequest)
	}
	if req.Incoming {
		if err := c.Watch(ctx, req.ConversationID, req.RemoteUserID); err != nil {
			return err
		}
		return c.do(func() error {
			c.focus = req.ConversationID
			return nil
		})
	}

	if req.RemoteUserID == "" || req.RemoteUserID == c.localID {
		return fmt.Errorf("%w: remote user id %q", ErrInvalidRequest, req.RemoteUserID)
	}
	if !req.Mode.Valid() {
		return fmt.Errorf("%w: mode %q", ErrInvalidRequest, req.Mode)
	}
	return c.do(func() error {
		if c.sess != nil {
			return ErrInvalidState
		}
		c.dial(req)
		return nil
	})
}

// Focus returns the conversation the coordinator was last opened for
func (c *Coordinator) Focus() string {
	var focus string
	_ = c.do(func() error {
		focus = c.focus
		return nil
	})
	return focus
}

// Accept answers the ringing call. The local stream is captured in mode,
// which cannot add video to an audio offer. An empty mode uses the offer's.
func (c *Coordinator) Accept(mode Mode) error {
	if mode != "" && !mode.Valid() {
		return fmt.Errorf("%w: mode %q", ErrInvalidRequest, mode)
	}
	return c.do(func() error {
		s := c.sess
		if s == nil || s.state != StateIncoming {
			return ErrInvalidState
		}
		if mode == "" || s.offer.Mode == ModeAudio {
			mode = s.offer.Mode
		}
		s.mode = mode
		s.log.Info().Str("mode", string(mode)).Msg("Accepting call")
		c.enter(s, StateConnecting)
		c.acquire(s)
		return nil
	})
}

// Decline rejects the ringing call
func (c *Coordinator) Decline() error {
	return c.do(func() error {
		s := c.sess
		if s == nil {
			return ErrNoActiveCall
		}
		if s.state != StateIncoming {
			return ErrInvalidState
		}
		c.send(s, c.route(s).decline())
		c.teardown(s, StateDeclined, NoticeDeclined, nil)
		return nil
	})
}

// HangUp ends a call that is dialing, connecting or active
func (c *Coordinator) HangUp() error {
	return c.do(func() error {
		s := c.sess
		if s == nil {
			return ErrNoActiveCall
		}
		switch s.state {
		case StateOutgoing, StateConnecting, StateActive:
		default:
			return ErrInvalidState
		}
		c.send(s, c.route(s).hangup())
		c.teardown(s, StateEnded, NoticeEnded, nil)
		return nil
	})
}

// controlled returns the session the in-call controls act on. They need a
// local stream and are only offered while connecting or active.
func (c *Coordinator) controlled() (*session, error) {
	s := c.sess
	if s == nil || s.local == nil {
		return nil, ErrNoActiveCall
	}
	if s.state != StateConnecting && s.state != StateActive {
		return nil, ErrInvalidState
	}
	return s, nil
}

// ToggleMute flips the microphone and reports whether it is now muted
func (c *Coordinator) ToggleMute() (bool, error) {
	var muted bool
	err := c.do(func() error {
		s, err := c.controlled()
		if err != nil {
			return err
		}
		s.muted = !s.muted
		s.local.SetAudioEnabled(!s.muted)
		muted = s.muted
		c.emit()
		return nil
	})
	return muted, err
}

// ToggleCamera flips the camera of a video call and reports whether it is
// now off
func (c *Coordinator) ToggleCamera() (bool, error) {
	var off bool
	err := c.do(func() error {
		s, err := c.controlled()
		if err != nil {
			return err
		}
		if s.mode != ModeVideo || !s.local.HasVideo() {
			return ErrAudioOnly
		}
		s.cameraOff = !s.cameraOff
		s.local.SetVideoEnabled(!s.cameraOff)
		off = s.cameraOff
		c.emit()
		return nil
	})
	return off, err
}

// ToggleSpeaker flips local playback of the remote audio and reports
// whether it is now off
func (c *Coordinator) ToggleSpeaker() (bool, error) {
	var off bool
	err := c.do(func() error {
		s, err := c.controlled()
		if err != nil {
			return err
		}
		s.speakerOff = !s.speakerOff
		if s.remote != nil {
			s.remote.SetMuted(s.speakerOff)
		}
		off = s.speakerOff
		c.emit()
		return nil
	})
	return off, err
}

// Close ends any live call, drops every subscription and stops the event
// loop. Closing twice is a no-op.
func (c *Coordinator) Close() error {
	err := c.do(func() error {
		if s := c.sess; s != nil {
			switch s.state {
			case StateIncoming:
				c.send(s, c.route(s).decline())
			case StateOutgoing, StateConnecting, StateActive:
				c.send(s, c.route(s).hangup())
			}
			c.teardown(s, StateEnded, NoticeEnded, nil)
		}
		c.stopping = true
		return nil
	})
	if errors.Is(err, ErrClosed) {
		return nil
	}
	<-c.done

	drained := make(chan struct{})
	go func() {
		c.outboxes.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(outboxDrainTimeout):
		c.log.Warn().Msg("Timed out draining signaling outboxes")
	}

	for conv, sub := range c.subs {
		delete(c.subs, conv)
		unsubscribe(sub.ch, conv)
	}

	c.mu.Lock()
	for id, o := range c.observers {
		delete(c.observers, id)
		o.stop()
	}
	c.mu.Unlock()
	c.log.Info().Msg("Call coordinator closed")
	return err
}

// Snapshot returns the latest published snapshot
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap
}

// Subscribe registers fn for every snapshot, starting with the current one.
// fn runs on its own goroutine, in publication order. The returned function
// unregisters it. Once the coordinator is closed nothing is delivered.
func (c *Coordinator) Subscribe(fn func(Snapshot)) (cancel func()) {
	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		return func() {}
	default:
	}
	o := newObserver(fn)
	id := c.nextID
	c.nextID++
	c.observers[id] = o
	o.push(c.snap)
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.observers, id)
			c.mu.Unlock()
			o.cancel()
		})
	}
}

func idleSnapshot() Snapshot {
	return Snapshot{State: StateIdle, ElapsedText: FormatDuration(0)}
}

// emit publishes the snapshot of the current session, or Idle
func (c *Coordinator) emit() {
	if s := c.sess; s != nil {
		c.publish(s.snapshot(c.clock.Now()))
		return
	}
	c.publish(idleSnapshot())
}

func (c *Coordinator) publish(snap Snapshot) {
	c.mu.Lock()
	c.snap = snap
	for _, o := range c.observers {
		o.push(snap)
	}
	c.mu.Unlock()
}

// observer delivers snapshots to one subscriber without ever blocking the
// event loop
type observer struct {
	fn func(Snapshot)

	mu      sync.Mutex
	queue   []Snapshot
	closing bool
	wake    chan struct{}
	quit    chan struct{}
}

func newObserver(fn func(Snapshot)) *observer {
	o := &observer{
		fn:   fn,
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
	}
	go o.run()
	return o
}

func (o *observer) push(s Snapshot) {
	o.mu.Lock()
	o.queue = append(o.queue, s)
	o.mu.Unlock()
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func (o *observer) run() {
	for {
		select {
		case <-o.quit:
			return
		case <-o.wake:
		}
		for {
			o.mu.Lock()
			if len(o.queue) == 0 {
				closing := o.closing
				o.mu.Unlock()
				if closing {
					return
				}
				break
			}
			s := o.queue[0]
			o.queue = o.queue[1:]
			o.mu.Unlock()
			o.fn(s)
		}
	}
}

// stop lets the observer deliver what is queued, then exit
func (o *observer) stop() {
	o.mu.Lock()
	o.closing = true
	o.mu.Unlock()
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// cancel drops anything still queued
func (o *observer) cancel() {
	close(o.quit)
}
