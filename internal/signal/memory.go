package signal

import (
	"context"
	"fmt"
	"sync"

	"github.com/mossy-p/webrtc-call/internal/models"
	"github.com/rs/zerolog/log"
)

// Bus is an in-process broadcast transport. Every subscribed channel of a
// conversation receives each message, the sender included.
type Bus struct {
	mu       sync.RWMutex
	topics   map[string]map[*MemoryChannel]struct{}
	failures map[string]Status
	drop     func(conversationID string, msg models.Message) bool
}

func NewBus() *Bus {
	return &Bus{
		topics:   make(map[string]map[*MemoryChannel]struct{}),
		failures: make(map[string]Status),
	}
}

// Factory returns a Factory opening channels on this bus
func (b *Bus) Factory() Factory {
	return func(conversationID string) (Channel, error) {
		return b.Channel(conversationID), nil
	}
}

// Channel creates an unsubscribed channel for conversationID
func (b *Bus) Channel(conversationID string) *MemoryChannel {
	return &MemoryChannel{bus: b, topic: conversationID}
}

// SetDropFilter installs fn to decide which messages are lost in transit
func (b *Bus) SetDropFilter(fn func(conversationID string, msg models.Message) bool) {
	b.mu.Lock()
	b.drop = fn
	b.mu.Unlock()
}

// FailSubscribe makes future subscriptions to conversationID fail with st.
// Passing StatusSubscribed clears the failure.
func (b *Bus) FailSubscribe(conversationID string, st Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st == StatusSubscribed {
		delete(b.failures, conversationID)
		return
	}
	b.failures[conversationID] = st
}

// Break reports st to every live channel of conversationID and detaches them
func (b *Bus) Break(conversationID string, st Status) {
	b.mu.Lock()
	members := b.topics[conversationID]
	delete(b.topics, conversationID)
	b.mu.Unlock()

	for ch := range members {
		ch.mu.Lock()
		ch.subscribed = false
		ch.mu.Unlock()
		ch.notify(st)
	}
}

// Subscribers reports how many channels are joined to conversationID
func (b *Bus) Subscribers(conversationID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[conversationID])
}

func (b *Bus) publish(conversationID string, data []byte) error {
	msg, err := models.Decode(data)
	if err != nil {
		return err
	}

	b.mu.RLock()
	drop := b.drop
	members := make([]*MemoryChannel, 0, len(b.topics[conversationID]))
	for ch := range b.topics[conversationID] {
		members = append(members, ch)
	}
	b.mu.RUnlock()

	if drop != nil && drop(conversationID, msg) {
		log.Debug().Str("conversation_id", conversationID).Str("event", string(msg.Kind())).Msg("Bus dropped message")
		return nil
	}
	for _, ch := range members {
		ch.dispatch(msg)
	}
	return nil
}

// MemoryChannel is one party's view of a Bus conversation
type MemoryChannel struct {
	registry
	bus   *Bus
	topic string

	mu         sync.Mutex
	subscribed bool
}

func (c *MemoryChannel) Subscribe(ctx context.Context) (Status, error) {
	if err := ctx.Err(); err != nil {
		return StatusTimedOut, fmt.Errorf("%w: %v", ErrSubscribe, err)
	}

	c.bus.mu.Lock()
	defer c.bus.mu.Unlock()
	if st, ok := c.bus.failures[c.topic]; ok {
		return st, fmt.Errorf("%w: %s", ErrSubscribe, st)
	}
	if c.bus.topics[c.topic] == nil {
		c.bus.topics[c.topic] = make(map[*MemoryChannel]struct{})
	}
	c.bus.topics[c.topic][c] = struct{}{}

	c.mu.Lock()
	c.subscribed = true
	c.mu.Unlock()
	return StatusSubscribed, nil
}

func (c *MemoryChannel) Send(ctx context.Context, msg models.Message) error {
	c.mu.Lock()
	subscribed := c.subscribed
	c.mu.Unlock()
	if !subscribed {
		return ErrNotSubscribed
	}

	data, err := models.Encode(msg)
	if err != nil {
		return err
	}
	return c.bus.publish(c.topic, data)
}

func (c *MemoryChannel) Unsubscribe() error {
	c.bus.mu.Lock()
	delete(c.bus.topics[c.topic], c)
	if len(c.bus.topics[c.topic]) == 0 {
		delete(c.bus.topics, c.topic)
	}
	c.bus.mu.Unlock()

	c.mu.Lock()
	c.subscribed = false
	c.mu.Unlock()
	return nil
}
