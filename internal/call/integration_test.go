package call

import (
	"context"
	"testing"
	"time"

	"github.com/mossy-p/webrtc-call/internal/media"
	"github.com/mossy-p/webrtc-call/internal/peer"
	"github.com/mossy-p/webrtc-call/internal/signal"
	"github.com/pion/rtp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeerCallOverLoopback(t *testing.T) {
	if testing.Short() {
		t.Skip("opens real peer connections")
	}

	bus := signal.NewBus()
	links := PeerLinks(peer.Config{IncludeLoopback: true}, zerolog.Nop())
	received := make(chan struct{}, 1)

	newCoordinator := func(id string, sink media.Sink) (*Coordinator, *media.SampleCapturer, *recorder) {
		capturer := media.NewSampleCapturer()
		c, err := New(id, Deps{
			Channels: bus.Factory(),
			Capturer: capturer,
			Links:    links,
			Sink:     sink,
		}, WithLogger(zerolog.Nop()), WithNegotiationTimeout(30*time.Second))
		require.NoError(t, err)
		rec := &recorder{}
		cancel := c.Subscribe(rec.add)
		t.Cleanup(func() {
			_ = c.Close()
			cancel()
		})
		return c, capturer, rec
	}

	alice, aliceMedia, aliceRec := newCoordinator("alice", nil)
	bob, bobMedia, bobRec := newCoordinator("bob", func(media.RemoteTrack, *rtp.Packet) {
		select {
		case received <- struct{}{}:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, bob.Watch(ctx, conv, "alice"))
	require.NoError(t, alice.Open(ctx, OpenRequest{ConversationID: conv, RemoteUserID: "bob", Mode: ModeAudio}))

	reached := func(r *recorder, st State) func() bool {
		return func() bool {
			for _, s := range r.all() {
				if s.State == st {
					return true
				}
			}
			return false
		}
	}
	require.Eventually(t, reached(bobRec, StateIncoming), 5*time.Second, 10*time.Millisecond)
	require.NoError(t, bob.Accept(""))

	require.Eventually(t, reached(aliceRec, StateActive), 20*time.Second, 20*time.Millisecond)
	require.Eventually(t, reached(bobRec, StateActive), 20*time.Second, 20*time.Millisecond)

	for _, s := range aliceMedia.Streams() {
		go media.PumpSilence(ctx, s)
	}
	select {
	case <-received:
	case <-time.After(10 * time.Second):
		t.Fatal("bob never received alice's audio")
	}

	require.NoError(t, alice.HangUp())
	require.Eventually(t, reached(bobRec, StateEnded), 5*time.Second, 10*time.Millisecond)
	for _, s := range append(aliceMedia.Streams(), bobMedia.Streams()...) {
		assert.True(t, s.Released())
	}
}
