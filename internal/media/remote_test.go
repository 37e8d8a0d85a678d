package media

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chanTrack struct {
	id      string
	kind    webrtc.RTPCodecType
	packets chan *rtp.Packet
}

func newChanTrack(id string, kind webrtc.RTPCodecType) *chanTrack {
	return &chanTrack{id: id, kind: kind, packets: make(chan *rtp.Packet)}
}

func (t *chanTrack) ID() string                { return t.id }
func (t *chanTrack) StreamID() string          { return "remote" }
func (t *chanTrack) Kind() webrtc.RTPCodecType { return t.kind }

func (t *chanTrack) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	pkt, ok := <-t.packets
	if !ok {
		return nil, nil, io.EOF
	}
	return pkt, nil, nil
}

type recordingSink struct {
	mu        sync.Mutex
	seq       map[string][]uint16
	delivered chan uint16
}

func newRecordingSink() *recordingSink {
	return &recordingSink{delivered: make(chan uint16, 16)}
}

func (s *recordingSink) sink(track RemoteTrack, pkt *rtp.Packet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seq == nil {
		s.seq = make(map[string][]uint16)
	}
	s.seq[track.ID()] = append(s.seq[track.ID()], pkt.SequenceNumber)
	s.delivered <- pkt.SequenceNumber
}

func (s *recordingSink) got(id string) []uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint16(nil), s.seq[id]...)
}

func packet(seq uint16) *rtp.Packet {
	return &rtp.Packet{Header: rtp.Header{SequenceNumber: seq}}
}

func TestRemoteStreamForwardsPackets(t *testing.T) {
	rec := newRecordingSink()
	r := NewRemoteStream(rec.sink)
	audio := newChanTrack("a", webrtc.RTPCodecTypeAudio)
	r.AddTrack(audio)

	audio.packets <- packet(1)
	audio.packets <- packet(2)
	close(audio.packets)
	r.Wait()

	assert.Equal(t, []uint16{1, 2}, rec.got("a"))
	assert.Len(t, r.Tracks(), 1)
	assert.False(t, r.HasVideo())
}

func TestRemoteStreamMuteGatesAudioOnly(t *testing.T) {
	rec := newRecordingSink()
	r := NewRemoteStream(rec.sink)
	audio := newChanTrack("a", webrtc.RTPCodecTypeAudio)
	video := newChanTrack("v", webrtc.RTPCodecTypeVideo)
	r.AddTrack(audio)
	r.AddTrack(video)
	assert.True(t, r.HasVideo())

	r.SetMuted(true)
	assert.True(t, r.Muted())
	// The second send only completes once the first packet was handled.
	audio.packets <- packet(1)
	audio.packets <- packet(2)
	video.packets <- packet(10)

	r.SetMuted(false)
	audio.packets <- packet(3)
	audio.packets <- packet(4)
	video.packets <- packet(11)

	close(audio.packets)
	close(video.packets)
	r.Wait()

	got := rec.got("a")
	assert.NotContains(t, got, uint16(1))
	assert.Contains(t, got, uint16(3))
	assert.Contains(t, got, uint16(4))
	assert.Equal(t, []uint16{10, 11}, rec.got("v"))
}

func TestRemoteStreamCloseStopsDelivery(t *testing.T) {
	rec := newRecordingSink()
	r := NewRemoteStream(rec.sink)
	audio := newChanTrack("a", webrtc.RTPCodecTypeAudio)
	r.AddTrack(audio)

	audio.packets <- packet(1)
	select {
	case <-rec.delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("packet was not delivered")
	}
	r.Close()
	audio.packets <- packet(2)
	close(audio.packets)

	done := make(chan struct{})
	go func() {
		r.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("forwarding goroutine did not exit")
	}

	assert.Equal(t, []uint16{1}, rec.got("a"))

	late := newChanTrack("late", webrtc.RTPCodecTypeVideo)
	r.AddTrack(late)
	require.Len(t, r.Tracks(), 1)
}
