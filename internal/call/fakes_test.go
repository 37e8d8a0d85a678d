package call

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mossy-p/webrtc-call/internal/media"
	"github.com/mossy-p/webrtc-call/internal/models"
	"github.com/mossy-p/webrtc-call/internal/peer"
	"github.com/mossy-p/webrtc-call/internal/signal"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

type fakeTrack struct {
	kind    webrtc.RTPCodecType
	enabled atomic.Bool
	stops   atomic.Int32
}

func newFakeTrack(kind webrtc.RTPCodecType) *fakeTrack {
	t := &fakeTrack{kind: kind}
	t.enabled.Store(true)
	return t
}

func (t *fakeTrack) Kind() webrtc.RTPCodecType { return t.kind }
func (t *fakeTrack) Local() webrtc.TrackLocal  { return nil }
func (t *fakeTrack) SetEnabled(enabled bool)   { t.enabled.Store(enabled) }
func (t *fakeTrack) Enabled() bool             { return t.enabled.Load() }
func (t *fakeTrack) Stop() error               { t.stops.Add(1); return nil }

type fakeCapturer struct {
	mu      sync.Mutex
	tracks  []*fakeTrack
	calls   int
	err     error
	gate    chan struct{}
	started chan struct{}
}

func newFakeCapturer() *fakeCapturer {
	return &fakeCapturer{started: make(chan struct{}, 8)}
}

// hold makes Acquire block until release is called
func (f *fakeCapturer) hold() {
	f.mu.Lock()
	f.gate = make(chan struct{})
	f.mu.Unlock()
}

func (f *fakeCapturer) release() {
	f.mu.Lock()
	gate := f.gate
	f.gate = nil
	f.mu.Unlock()
	if gate != nil {
		close(gate)
	}
}

func (f *fakeCapturer) Acquire(_ context.Context, mode models.Mode) (*media.Stream, error) {
	f.mu.Lock()
	f.calls++
	gate, err := f.gate, f.err
	f.mu.Unlock()

	select {
	case f.started <- struct{}{}:
	default:
	}
	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}

	tracks := []*fakeTrack{newFakeTrack(webrtc.RTPCodecTypeAudio)}
	if mode == models.ModeVideo {
		tracks = append(tracks, newFakeTrack(webrtc.RTPCodecTypeVideo))
	}
	f.mu.Lock()
	f.tracks = append(f.tracks, tracks...)
	f.mu.Unlock()

	mt := make([]media.Track, len(tracks))
	for i, t := range tracks {
		mt[i] = t
	}
	return media.NewStream(mode, mt...), nil
}

func (f *fakeCapturer) acquired() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeCapturer) allTracks() []*fakeTrack {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeTrack(nil), f.tracks...)
}

type fakeLink struct {
	h peer.Handlers

	mu           sync.Mutex
	tracks       int
	offers       int
	answers      int
	remoteOffer  string
	remoteAnswer string
	candidates   []string
	closes       int
}

func (l *fakeLink) AddTracks(tracks ...webrtc.TrackLocal) error {
	l.mu.Lock()
	l.tracks += len(tracks)
	l.mu.Unlock()
	if l.h.OnNegotiationNeeded != nil {
		go l.h.OnNegotiationNeeded()
	}
	return nil
}

func (l *fakeLink) CreateOffer() (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.offers++
	return fmt.Sprintf("offer-sdp-%d", l.offers), nil
}

func (l *fakeLink) SetRemoteOffer(sdp string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.remoteOffer = sdp
	return nil
}

func (l *fakeLink) CreateAnswer() (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.answers++
	return "answer-sdp", nil
}

func (l *fakeLink) SetRemoteAnswer(sdp string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.remoteAnswer != "" && l.remoteAnswer != sdp {
		return peer.ErrNegotiation
	}
	l.remoteAnswer = sdp
	return nil
}

func (l *fakeLink) AddRemoteCandidate(c webrtc.ICECandidateInit) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.candidates = append(l.candidates, c.Candidate)
	return nil
}

func (l *fakeLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closes++
	return nil
}

func (l *fakeLink) state(st peer.State) {
	go l.h.OnState(st)
}

func (l *fakeLink) localCandidate(c string) {
	l.h.OnLocalCandidate(webrtc.ICECandidateInit{Candidate: c})
}

type linkState struct {
	tracks       int
	offers       int
	answers      int
	remoteOffer  string
	remoteAnswer string
	candidates   []string
	closes       int
}

func (l *fakeLink) snapshot() linkState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return linkState{
		tracks:       l.tracks,
		offers:       l.offers,
		answers:      l.answers,
		remoteOffer:  l.remoteOffer,
		remoteAnswer: l.remoteAnswer,
		candidates:   append([]string(nil), l.candidates...),
		closes:       l.closes,
	}
}

type fakeLinks struct {
	mu    sync.Mutex
	links []*fakeLink
}

func (f *fakeLinks) factory(h peer.Handlers) (Link, error) {
	l := &fakeLink{h: h}
	f.mu.Lock()
	f.links = append(f.links, l)
	f.mu.Unlock()
	return l, nil
}

func (f *fakeLinks) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.links)
}

func (f *fakeLinks) last() *fakeLink {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.links) == 0 {
		return nil
	}
	return f.links[len(f.links)-1]
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (r *recorder) add(s Snapshot) {
	r.mu.Lock()
	r.snaps = append(r.snaps, s)
	r.mu.Unlock()
}

func (r *recorder) all() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Snapshot(nil), r.snaps...)
}

// transitions returns the published states with repeats collapsed
func (r *recorder) transitions() []State {
	var out []State
	for _, s := range r.all() {
		if len(out) == 0 || out[len(out)-1] != s.State {
			out = append(out, s.State)
		}
	}
	return out
}

// waitState waits until a snapshot in st was published and returns the
// first one
func (r *recorder) waitState(t *testing.T, st State) Snapshot {
	t.Helper()
	var found Snapshot
	require.Eventually(t, func() bool {
		for _, s := range r.all() {
			if s.State == st {
				found = s
				return true
			}
		}
		return false
	}, waitFor, 5*time.Millisecond, "never reached %s, saw %v", st, r.transitions())
	return found
}

// assertTransitions waits until the recorded transitions equal want
func assertTransitions(t *testing.T, r *recorder, want ...State) {
	t.Helper()
	require.Eventually(t, func() bool {
		got := r.transitions()
		if len(got) != len(want) {
			return false
		}
		for i := range got {
			if got[i] != want[i] {
				return false
			}
		}
		return true
	}, waitFor, 5*time.Millisecond, "want %v", want)
}

type party struct {
	id       string
	c        *Coordinator
	capturer *fakeCapturer
	links    *fakeLinks
	rec      *recorder
	clock    *fakeClock
}

func newParty(t *testing.T, bus *signal.Bus, id string, opts ...Option) *party {
	t.Helper()
	p := &party{
		id:       id,
		capturer: newFakeCapturer(),
		links:    &fakeLinks{},
		rec:      &recorder{},
		clock:    newFakeClock(),
	}
	all := append([]Option{
		WithLogger(zerolog.Nop()),
		WithTimeProvider(p.clock),
		WithTickInterval(10 * time.Millisecond),
		WithNegotiationTimeout(0),
		WithSendTimeout(time.Second),
	}, opts...)

	c, err := New(id, Deps{
		Channels: bus.Factory(),
		Capturer: p.capturer,
		Links:    p.links.factory,
	}, all...)
	require.NoError(t, err)
	p.c = c
	cancel := c.Subscribe(p.rec.add)
	t.Cleanup(func() {
		_ = c.Close()
		cancel()
	})
	return p
}

func (p *party) waitLinks(t *testing.T, n int) *fakeLink {
	t.Helper()
	require.Eventually(t, func() bool { return p.links.count() >= n }, waitFor, 5*time.Millisecond)
	return p.links.last()
}

// establish runs a call from caller to callee on conv up to Active
func establish(t *testing.T, caller, callee *party, conv string, mode Mode) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, callee.c.Watch(ctx, conv, ""))
	require.NoError(t, caller.c.Open(ctx, OpenRequest{ConversationID: conv, RemoteUserID: callee.id, Mode: mode}))

	callee.rec.waitState(t, StateIncoming)
	require.NoError(t, callee.c.Accept(""))

	caller.rec.waitState(t, StateConnecting)
	callerLink := caller.waitLinks(t, 1)
	calleeLink := callee.waitLinks(t, 1)

	callerLink.state(peer.StateConnected)
	calleeLink.state(peer.StateConnected)
	caller.rec.waitState(t, StateActive)
	callee.rec.waitState(t, StateActive)
}
