package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	appconfig "github.com/mossy-p/webrtc-call/config"
	"github.com/mossy-p/webrtc-call/internal/call"
	"github.com/mossy-p/webrtc-call/internal/media"
	"github.com/mossy-p/webrtc-call/internal/models"
	"github.com/mossy-p/webrtc-call/internal/peer"
	"github.com/mossy-p/webrtc-call/internal/redis"
	"github.com/mossy-p/webrtc-call/internal/signal"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// packetCounter is the remote media sink of the headless client
type packetCounter struct {
	audio atomic.Int64
	video atomic.Int64
}

func (p *packetCounter) sink(t media.RemoteTrack, _ *rtp.Packet) {
	if t.Kind() == webrtc.RTPCodecTypeVideo {
		p.video.Add(1)
		return
	}
	p.audio.Add(1)
}

// session bundles a coordinator with everything it was built from
type session struct {
	coord   *call.Coordinator
	packets *packetCounter
	closers []func()
}

func (s *session) Close() {
	if err := s.coord.Close(); err != nil {
		log.Warn().Err(err).Msg("Coordinator close failed")
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	log.Info().
		Int64("audio_packets", s.packets.audio.Load()).
		Int64("video_packets", s.packets.video.Load()).
		Msg("Remote media received")
}

// newSession builds a coordinator from cfg
func newSession(ctx context.Context, cfg *CLIConfig) (*session, error) {
	s := &session{packets: &packetCounter{}}
	fail := func(err error) (*session, error) {
		for i := len(s.closers) - 1; i >= 0; i-- {
			s.closers[i]()
		}
		return nil, err
	}

	channels, err := s.channels(ctx, cfg)
	if err != nil {
		return fail(err)
	}

	linkCfg := peer.Config{ICEServers: cfg.ICEServers}
	var capturer media.Capturer
	switch cfg.Capture {
	case captureDevice:
		dev, err := media.NewDeviceCapturer()
		if err != nil {
			return fail(fmt.Errorf("%w: %v", media.ErrDevice, err))
		}
		linkCfg.Codecs = func(m *webrtc.MediaEngine) error {
			dev.PopulateMediaEngine(m)
			return nil
		}
		capturer = dev
	default:
		capturer = media.NewSampleCapturer()
	}

	coord, err := call.New(cfg.User, call.Deps{
		Channels: channels,
		Capturer: capturer,
		Links:    call.PeerLinks(linkCfg, log.Logger),
		Sink:     s.packets.sink,
	},
		call.WithLogger(log.Logger),
		call.WithSubscribeTimeout(cfg.SubscribeTimeout),
	)
	if err != nil {
		return fail(err)
	}
	s.coord = coord
	log.Info().Str("user", coord.LocalUserID()).Str("transport", cfg.Transport).Msg("Call client ready")

	if cfg.Capture == captureSample {
		s.closers = append(s.closers, pumpSilence(ctx, coord))
	}
	return s, nil
}

func (s *session) channels(ctx context.Context, cfg *CLIConfig) (signal.Factory, error) {
	if cfg.Transport == transportRedis {
		host, port, err := net.SplitHostPort(cfg.RedisAddr)
		if err != nil {
			return nil, fmt.Errorf("invalid redis address %q: %w", cfg.RedisAddr, err)
		}
		client, err := redis.Connect(ctx, appconfig.RedisConfig{Host: host, Port: port, Password: cfg.RedisPassword})
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, func() { client.Close() })
		return signal.RedisFactory(client, cfg.SubscribeTimeout), nil
	}

	token := cfg.Token
	if token == "" {
		var err error
		if token, err = login(ctx, cfg.Relay, cfg.User); err != nil {
			return nil, err
		}
	}
	return signal.WSFactory(cfg.Relay, token, cfg.SubscribeTimeout), nil
}

// login fetches a token for user from the relay at relayURL
func login(ctx context.Context, relayURL, user string) (string, error) {
	base := "http" + strings.TrimPrefix(strings.TrimSuffix(relayURL, "/"), "ws")
	body, err := json.Marshal(models.LoginRequest{Username: user, Password: user})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/api/auth/login", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("relay login failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("relay login failed: status %d", resp.StatusCode)
	}

	var out models.LoginResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("relay login failed: %w", err)
	}
	return out.Token, nil
}

// pumpSilence feeds every local sample stream the coordinator acquires
func pumpSilence(ctx context.Context, coord *call.Coordinator) func() {
	ctx, cancel := context.WithCancel(ctx)
	var mu sync.Mutex
	pumped := make(map[string]bool)

	unsubscribe := coord.Subscribe(func(snap call.Snapshot) {
		if snap.Local == nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if pumped[snap.Local.ID()] {
			return
		}
		pumped[snap.Local.ID()] = true
		go media.PumpSilence(ctx, snap.Local)
	})
	return func() {
		unsubscribe()
		cancel()
	}
}
