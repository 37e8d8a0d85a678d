package call

import (
	"fmt"
	"time"

	"github.com/mossy-p/webrtc-call/internal/media"
	"github.com/mossy-p/webrtc-call/internal/models"
)

// State is the lifecycle state of the coordinator's call
type State uint8

const (
	StateIdle State = iota
	StateOutgoing
	StateIncoming
	StateConnecting
	StateActive
	StateEnded
	StateDeclined
	StateBusy
)

var stateNames = map[State]string{
	StateIdle:       "idle",
	StateOutgoing:   "outgoing",
	StateIncoming:   "incoming",
	StateConnecting: "connecting",
	StateActive:     "active",
	StateEnded:      "ended",
	StateDeclined:   "declined",
	StateBusy:       "busy",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Live reports whether a session exists in state s
func (s State) Live() bool {
	switch s {
	case StateOutgoing, StateIncoming, StateConnecting, StateActive:
		return true
	default:
		return false
	}
}

// Terminal reports whether s is one of the states a session ends in
func (s State) Terminal() bool {
	return s == StateEnded || s == StateDeclined || s == StateBusy
}

type Mode = models.Mode

const (
	ModeAudio = models.ModeAudio
	ModeVideo = models.ModeVideo
)

// Notices carried by terminal snapshots
const (
	NoticeEnded          = "call ended"
	NoticeDevice         = "could not access camera/microphone"
	NoticeDeclined       = "call declined"
	NoticeBusy           = "user is busy"
	NoticeConnectionLost = "connection lost"
)

// Snapshot is the observable state of the coordinator. Stream pointers are
// only set while the session owning them is live.
type Snapshot struct {
	State          State
	Mode           Mode
	ConversationID string
	RemoteUserID   string

	Elapsed     time.Duration
	ElapsedText string

	Local  *media.Stream
	Remote *media.RemoteStream

	Muted      bool
	CameraOff  bool
	SpeakerOff bool

	Notice string
	Err    error
}

// FormatDuration renders d as MM:SS. Minutes keep counting past the hour.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int(d / time.Second)
	return fmt.Sprintf("%02d:%02d", total/60, total%60)
}

// TimeProvider abstracts the clock for the call duration
type TimeProvider interface {
	Now() time.Time
}

// DefaultTimeProvider reads the system clock
type DefaultTimeProvider struct{}

func (DefaultTimeProvider) Now() time.Time { return time.Now() }
