package models

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// Kind is the event tag of a signaling message on the wire
type Kind string

const (
	KindOffer     Kind = "offer"
	KindAnswer    Kind = "answer"
	KindCandidate Kind = "ice"
	KindHangup    Kind = "hangup"
	KindDecline   Kind = "decline"
	KindBusy      Kind = "busy"
)

// Kinds lists every event tag the protocol knows about
var Kinds = []Kind{KindOffer, KindAnswer, KindCandidate, KindHangup, KindDecline, KindBusy}

// Mode is the media mode of one call attempt
type Mode string

const (
	ModeAudio Mode = "audio"
	ModeVideo Mode = "video"
)

// Valid reports whether m is a known mode
func (m Mode) Valid() bool {
	return m == ModeAudio || m == ModeVideo
}

var (
	ErrUnknownEvent = errors.New("unknown signaling event")
	ErrMalformed    = errors.New("malformed signaling message")
)

// Route carries the identities every message is addressed with, so that a
// party can drop messages meant for someone else and its own echoes.
type Route struct {
	SenderID    string `json:"senderId"`
	RecipientID string `json:"recipientId"`
}

// Addressing returns the route of the message
func (r Route) Addressing() Route { return r }

// Message is one signaling message. The set of implementations is closed to
// the types in this file.
type Message interface {
	Kind() Kind
	Addressing() Route
	validate() error
}

// Offer opens a call and carries the caller's session description
type Offer struct {
	SDP  string `json:"sdp"`
	Mode Mode   `json:"mode"`
	Route
}

// Answer carries the callee's session description
type Answer struct {
	SDP string `json:"sdp"`
	Route
}

// ICECandidate carries one trickled network path
type ICECandidate struct {
	Candidate webrtc.ICECandidateInit `json:"candidate"`
	Route
}

type Hangup struct{ Route }

type Decline struct{ Route }

type Busy struct{ Route }

func (Offer) Kind() Kind        { return KindOffer }
func (Answer) Kind() Kind       { return KindAnswer }
func (ICECandidate) Kind() Kind { return KindCandidate }
func (Hangup) Kind() Kind       { return KindHangup }
func (Decline) Kind() Kind      { return KindDecline }
func (Busy) Kind() Kind         { return KindBusy }

func (r Route) validate() error {
	if r.SenderID == "" || r.RecipientID == "" {
		return fmt.Errorf("%w: sender and recipient are required", ErrMalformed)
	}
	return nil
}

func (m Offer) validate() error {
	if m.SDP == "" {
		return fmt.Errorf("%w: offer without sdp", ErrMalformed)
	}
	if !m.Mode.Valid() {
		return fmt.Errorf("%w: offer mode %q", ErrMalformed, m.Mode)
	}
	return m.Route.validate()
}

func (m Answer) validate() error {
	if m.SDP == "" {
		return fmt.Errorf("%w: answer without sdp", ErrMalformed)
	}
	return m.Route.validate()
}

func (m ICECandidate) validate() error {
	if m.Candidate.Candidate == "" {
		return fmt.Errorf("%w: empty candidate", ErrMalformed)
	}
	return m.Route.validate()
}

// Envelope is the wire form of a message: {"event": ..., "payload": {...}}
type Envelope struct {
	Event   Kind            `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// Encode serializes msg into its envelope form
func Encode(msg Message) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("%w: nil message", ErrMalformed)
	}
	if err := msg.validate(); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: msg.Kind(), Payload: payload})
}

// Decode parses an envelope and returns the typed message. Unknown events are
// rejected with ErrUnknownEvent rather than coerced.
func Decode(data []byte) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(env.Payload) == 0 {
		return nil, fmt.Errorf("%w: missing payload", ErrMalformed)
	}

	var msg Message
	var err error
	switch env.Event {
	case KindOffer:
		var m Offer
		err = json.Unmarshal(env.Payload, &m)
		msg = m
	case KindAnswer:
		var m Answer
		err = json.Unmarshal(env.Payload, &m)
		msg = m
	case KindCandidate:
		var m ICECandidate
		err = json.Unmarshal(env.Payload, &m)
		msg = m
	case KindHangup:
		var m Hangup
		err = json.Unmarshal(env.Payload, &m)
		msg = m
	case KindDecline:
		var m Decline
		err = json.Unmarshal(env.Payload, &m)
		msg = m
	case KindBusy:
		var m Busy
		err = json.Unmarshal(env.Payload, &m)
		msg = m
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := msg.validate(); err != nil {
		return nil, err
	}
	return msg, nil
}
