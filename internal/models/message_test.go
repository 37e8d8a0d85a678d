package models

import (
	"encoding/json"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeOfferWireShape(t *testing.T) {
	data, err := Encode(Offer{SDP: "v=0", Mode: ModeAudio, Route: Route{SenderID: "alice", RecipientID: "bob"}})
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "offer", raw["event"])

	payload, ok := raw["payload"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "v=0", payload["sdp"])
	assert.Equal(t, "audio", payload["mode"])
	assert.Equal(t, "alice", payload["senderId"])
	assert.Equal(t, "bob", payload["recipientId"])
}

func TestDecodeCandidate(t *testing.T) {
	mid := "0"
	in := ICECandidate{
		Candidate: webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 2130706431 10.0.0.1 5000 typ host", SDPMid: &mid},
		Route:     Route{SenderID: "bob", RecipientID: "alice"},
	}
	data, err := Encode(in)
	require.NoError(t, err)

	out, err := Decode(data)
	require.NoError(t, err)
	c, ok := out.(ICECandidate)
	require.True(t, ok)
	assert.Equal(t, KindCandidate, c.Kind())
	assert.Equal(t, in.Candidate.Candidate, c.Candidate.Candidate)
	assert.Equal(t, "bob", c.Addressing().SenderID)
}

func TestDecodeRejectsUnknownEvent(t *testing.T) {
	_, err := Decode([]byte(`{"event":"renegotiate","payload":{"senderId":"a","recipientId":"b"}}`))
	assert.ErrorIs(t, err, ErrUnknownEvent)
}

func TestDecodeRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":         `{`,
		"missing payload":  `{"event":"hangup"}`,
		"missing sender":   `{"event":"hangup","payload":{"recipientId":"b"}}`,
		"offer bad mode":   `{"event":"offer","payload":{"sdp":"v=0","mode":"hologram","senderId":"a","recipientId":"b"}}`,
		"answer empty sdp": `{"event":"answer","payload":{"senderId":"a","recipientId":"b"}}`,
		"empty candidate":  `{"event":"ice","payload":{"candidate":{},"senderId":"a","recipientId":"b"}}`,
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(in))
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestEncodeValidates(t *testing.T) {
	_, err := Encode(Busy{})
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = Encode(nil)
	assert.ErrorIs(t, err, ErrMalformed)
}
