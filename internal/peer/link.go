// Package peer manages the single WebRTC peer connection of a call attempt.
package peer

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mossy-p/webrtc-call/internal/media"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// State is the normalized connection state a Link reports
type State string

const (
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateFailed       State = "failed"
	StateClosed       State = "closed"
)

var (
	ErrNegotiation = errors.New("negotiation failed")
	ErrClosed      = errors.New("peer link closed")
)

type Config struct {
	ICEServers []string
	// Codecs registers the codecs of the media engine. Nil registers the
	// pion defaults.
	Codecs func(m *webrtc.MediaEngine) error

	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration

	// IncludeLoopback gathers candidates on loopback interfaces
	IncludeLoopback bool
}

// Handlers receive the events of a Link. They are called from pion's
// goroutines and must not block.
type Handlers struct {
	OnLocalCandidate    func(webrtc.ICECandidateInit)
	OnRemoteTrack       func(media.RemoteTrack)
	OnState             func(State)
	OnNegotiationNeeded func()
}

// Link wraps one pion PeerConnection. Remote candidates that arrive before
// the remote description are held back and applied in arrival order once
// it is set.
type Link struct {
	pc  *webrtc.PeerConnection
	log zerolog.Logger

	closed atomic.Bool

	mu          sync.Mutex
	remoteSDP   string
	pending     []webrtc.ICECandidateInit
	addICE      func(webrtc.ICECandidateInit) error
	closeResult error
}

func New(cfg Config, h Handlers, l zerolog.Logger) (*Link, error) {
	mediaEngine := &webrtc.MediaEngine{}
	register := cfg.Codecs
	if register == nil {
		register = func(m *webrtc.MediaEngine) error { return m.RegisterDefaultCodecs() }
	}
	if err := register(mediaEngine); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	if cfg.DisconnectedTimeout > 0 && cfg.FailedTimeout > 0 && cfg.KeepAliveInterval > 0 {
		se.SetICETimeouts(cfg.DisconnectedTimeout, cfg.FailedTimeout, cfg.KeepAliveInterval)
	}
	if cfg.IncludeLoopback {
		se.SetIncludeLoopbackCandidate(true)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	var servers []webrtc.ICEServer
	if len(cfg.ICEServers) > 0 {
		servers = []webrtc.ICEServer{{URLs: cfg.ICEServers}}
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	link := &Link{pc: pc, log: l}
	link.addICE = pc.AddICECandidate
	link.bind(h)
	return link, nil
}

func (l *Link) bind(h Handlers) {
	l.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering
		if c == nil || l.closed.Load() || h.OnLocalCandidate == nil {
			return
		}
		h.OnLocalCandidate(c.ToJSON())
	})

	l.pc.OnTrack(func(t *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if l.closed.Load() || h.OnRemoteTrack == nil {
			return
		}
		l.log.Debug().Str("track_id", t.ID()).Str("kind", t.Kind().String()).Msg("Remote track received")
		h.OnRemoteTrack(t)
	})

	l.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		l.log.Debug().Str("state", s.String()).Msg("Peer connection state changed")
		st, ok := normalize(s)
		if !ok || l.closed.Load() || h.OnState == nil {
			return
		}
		h.OnState(st)
	})

	// pion fires this from its operations queue, which Close may wait on
	l.pc.OnNegotiationNeeded(func() {
		if l.closed.Load() || h.OnNegotiationNeeded == nil {
			return
		}
		go h.OnNegotiationNeeded()
	})
}

func normalize(s webrtc.PeerConnectionState) (State, bool) {
	switch s {
	case webrtc.PeerConnectionStateConnected:
		return StateConnected, true
	case webrtc.PeerConnectionStateDisconnected:
		return StateDisconnected, true
	case webrtc.PeerConnectionStateFailed:
		return StateFailed, true
	case webrtc.PeerConnectionStateClosed:
		return StateClosed, true
	default:
		return "", false
	}
}

// AddTracks attaches local tracks. On the offering side this triggers
// OnNegotiationNeeded.
func (l *Link) AddTracks(tracks ...webrtc.TrackLocal) error {
	if l.closed.Load() {
		return ErrClosed
	}
	for _, t := range tracks {
		if _, err := l.pc.AddTrack(t); err != nil {
			return fmt.Errorf("%w: add %s track: %v", ErrNegotiation, t.Kind(), err)
		}
	}
	return nil
}

// CreateOffer creates the offer and applies it as the local description.
// Candidates trickle through OnLocalCandidate afterwards.
func (l *Link) CreateOffer() (string, error) {
	if l.closed.Load() {
		return "", ErrClosed
	}
	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("%w: create offer: %v", ErrNegotiation, err)
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("%w: set local offer: %v", ErrNegotiation, err)
	}
	return offer.SDP, nil
}

func (l *Link) SetRemoteOffer(sdp string) error {
	return l.setRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp})
}

// CreateAnswer answers the remote offer and applies the answer locally
func (l *Link) CreateAnswer() (string, error) {
	if l.closed.Load() {
		return "", ErrClosed
	}
	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("%w: create answer: %v", ErrNegotiation, err)
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("%w: set local answer: %v", ErrNegotiation, err)
	}
	return answer.SDP, nil
}

// SetRemoteAnswer applies the answer to our offer. Applying the same answer
// again is a no-op; a different one is a negotiation error.
func (l *Link) SetRemoteAnswer(sdp string) error {
	return l.setRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp})
}

func (l *Link) setRemote(desc webrtc.SessionDescription) error {
	if l.closed.Load() {
		return ErrClosed
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.remoteSDP != "" {
		if l.remoteSDP == desc.SDP {
			l.log.Debug().Str("type", desc.Type.String()).Msg("Ignoring duplicate remote description")
			return nil
		}
		return fmt.Errorf("%w: remote %s already applied", ErrNegotiation, desc.Type)
	}
	if err := l.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("%w: set remote %s: %v", ErrNegotiation, desc.Type, err)
	}
	l.remoteSDP = desc.SDP
	l.flush()
	return nil
}

// flush applies the held back candidates. Must be called with l.mu held.
func (l *Link) flush() {
	pending := l.pending
	l.pending = nil
	for _, c := range pending {
		l.apply(c)
	}
	if len(pending) > 0 {
		l.log.Debug().Int("count", len(pending)).Msg("Applied buffered remote candidates")
	}
}

func (l *Link) apply(c webrtc.ICECandidateInit) {
	if err := l.addICE(c); err != nil {
		l.log.Warn().Err(err).Str("candidate", c.Candidate).Msg("Dropping remote candidate")
	}
}

// AddRemoteCandidate applies c, or holds it back until the remote
// description is set. Candidates that fail to apply are logged and dropped.
func (l *Link) AddRemoteCandidate(c webrtc.ICECandidateInit) error {
	if l.closed.Load() {
		return ErrClosed
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.remoteSDP == "" {
		l.pending = append(l.pending, c)
		return nil
	}
	l.apply(c)
	return nil
}

// Pending reports how many remote candidates are held back
func (l *Link) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// Close tears the connection down. No handler fires after Close returns.
// Calls after the first return the first result.
func (l *Link) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		l.mu.Lock()
		defer l.mu.Unlock()
		return l.closeResult
	}

	err := l.pc.Close()
	l.mu.Lock()
	l.closeResult = err
	l.pending = nil
	l.mu.Unlock()
	if err != nil {
		l.log.Warn().Err(err).Msg("Peer connection close failed")
	}
	return err
}
