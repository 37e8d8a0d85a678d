// Package signal implements the conversation-scoped signaling channel the call
// coordinator exchanges offers, answers and candidates over.
//
// A Channel is a best-effort broadcast: messages may be lost, arrive out of
// order across kinds, or be echoed back to their sender. Receivers filter on
// the sender and recipient identity carried by every message.
package signal

import (
	"context"
	"errors"
	"sync"

	"github.com/mossy-p/webrtc-call/internal/models"
	"github.com/rs/zerolog"
)

// Status is the connection status reported by a channel subscription
type Status string

const (
	StatusSubscribed   Status = "subscribed"
	StatusChannelError Status = "channel-error"
	StatusTimedOut     Status = "timed-out"
	StatusClosed       Status = "closed"
)

var (
	ErrSubscribe     = errors.New("signaling subscribe failed")
	ErrClosed        = errors.New("signaling channel closed")
	ErrNotSubscribed = errors.New("signaling channel not subscribed")
	ErrBufferFull    = errors.New("signaling send buffer full")
)

// Channel is a per-conversation publish/subscribe transport
type Channel interface {
	// Subscribe joins the conversation. A status other than StatusSubscribed
	// comes with a non-nil error wrapping ErrSubscribe.
	Subscribe(ctx context.Context) (Status, error)
	Send(ctx context.Context, msg models.Message) error
	OnMessage(kind models.Kind, handler func(models.Message))
	// OnStatus registers a handler for failures after a successful subscribe
	OnStatus(handler func(Status))
	// Unsubscribe leaves the conversation. Safe to call more than once.
	Unsubscribe() error
}

// Factory opens the channel for one conversation
type Factory func(conversationID string) (Channel, error)

// registry holds the handlers shared by every Channel implementation
type registry struct {
	mu     sync.RWMutex
	byKind map[models.Kind][]func(models.Message)
	status []func(Status)
}

func (r *registry) OnMessage(kind models.Kind, handler func(models.Message)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byKind == nil {
		r.byKind = make(map[models.Kind][]func(models.Message))
	}
	r.byKind[kind] = append(r.byKind[kind], handler)
}

func (r *registry) OnStatus(handler func(Status)) {
	r.mu.Lock()
	r.status = append(r.status, handler)
	r.mu.Unlock()
}

// deliver decodes one frame and hands it to the handlers of its kind.
// Frames that do not decode are dropped.
func (r *registry) deliver(data []byte, l zerolog.Logger) {
	msg, err := models.Decode(data)
	if err != nil {
		l.Warn().Err(err).Msg("Dropping undecodable signaling frame")
		return
	}
	r.dispatch(msg)
}

func (r *registry) dispatch(msg models.Message) {
	r.mu.RLock()
	hs := append([]func(models.Message){}, r.byKind[msg.Kind()]...)
	r.mu.RUnlock()
	for _, h := range hs {
		h(msg)
	}
}

func (r *registry) notify(st Status) {
	r.mu.RLock()
	hs := append([]func(Status){}, r.status...)
	r.mu.RUnlock()
	for _, h := range hs {
		h(st)
	}
}
