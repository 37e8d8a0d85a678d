package media

import (
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// RemoteTrack is the receiving side of a remote media track.
// *webrtc.TrackRemote satisfies it.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// Sink renders the packets of a remote track locally
type Sink func(track RemoteTrack, pkt *rtp.Packet)

// RemoteStream collects the tracks received from the remote peer and
// forwards their packets to a Sink. Muting only affects local playback.
type RemoteStream struct {
	sink Sink

	mu     sync.RWMutex
	tracks []RemoteTrack
	muted  bool
	closed bool
	wg     sync.WaitGroup
}

// NewRemoteStream forwards to sink; a nil sink discards packets after reading
// them so the receive buffers keep draining.
func NewRemoteStream(sink Sink) *RemoteStream {
	return &RemoteStream{sink: sink}
}

// AddTrack starts forwarding t until its reads fail or the stream is closed
func (r *RemoteStream) AddTrack(t RemoteTrack) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.tracks = append(r.tracks, t)
	r.wg.Add(1)
	r.mu.Unlock()

	go r.forward(t)
}

func (r *RemoteStream) forward(t RemoteTrack) {
	defer r.wg.Done()
	l := log.With().Str("track_id", t.ID()).Str("kind", t.Kind().String()).Logger()
	l.Debug().Msg("Forwarding remote track")

	for {
		pkt, _, err := t.ReadRTP()
		if err != nil {
			l.Debug().Err(err).Msg("Remote track ended")
			return
		}

		r.mu.RLock()
		drop := r.closed || (r.muted && t.Kind() == webrtc.RTPCodecTypeAudio)
		r.mu.RUnlock()
		if drop || r.sink == nil {
			continue
		}
		r.sink(t, pkt)
	}
}

// SetMuted silences local playback of the remote audio
func (r *RemoteStream) SetMuted(muted bool) {
	r.mu.Lock()
	r.muted = muted
	r.mu.Unlock()
}

func (r *RemoteStream) Muted() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.muted
}

func (r *RemoteStream) Tracks() []RemoteTrack {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]RemoteTrack(nil), r.tracks...)
}

// HasVideo reports whether a remote video track has arrived
func (r *RemoteStream) HasVideo() bool {
	for _, t := range r.Tracks() {
		if t.Kind() == webrtc.RTPCodecTypeVideo {
			return true
		}
	}
	return false
}

// Close stops delivering packets to the sink. The forwarding goroutines exit
// once their tracks stop yielding packets, which happens when the owning peer
// connection closes.
func (r *RemoteStream) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

// Wait blocks until every forwarding goroutine has exited
func (r *RemoteStream) Wait() {
	r.wg.Wait()
}
