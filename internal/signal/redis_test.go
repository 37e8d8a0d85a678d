package signal

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/mossy-p/webrtc-call/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisChannelRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	factory := RedisFactory(client, time.Second)
	ctx := context.Background()

	a, err := factory("conv")
	require.NoError(t, err)
	b, err := factory("conv")
	require.NoError(t, err)

	got := make(chan models.Message, 4)
	b.OnMessage(models.KindOffer, func(m models.Message) { got <- m })

	for _, ch := range []Channel{a, b} {
		st, err := ch.Subscribe(ctx)
		require.NoError(t, err)
		require.Equal(t, StatusSubscribed, st)
	}

	offer := models.Offer{SDP: "v=0", Mode: models.ModeVideo, Route: route("alice", "bob")}
	require.NoError(t, a.Send(ctx, offer))

	select {
	case m := <-got:
		assert.Equal(t, offer, m)
	case <-time.After(2 * time.Second):
		t.Fatal("offer not delivered")
	}

	require.NoError(t, a.Unsubscribe())
	require.NoError(t, a.Unsubscribe())
	assert.ErrorIs(t, a.Send(ctx, offer), ErrNotSubscribed)
	require.NoError(t, b.Unsubscribe())
}

func TestRedisChannelSubscribeFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	client := redis.NewClient(&redis.Options{Addr: addr, MaxRetries: -1})
	t.Cleanup(func() { client.Close() })

	st, err := NewRedisChannel(client, "conv", 500*time.Millisecond).Subscribe(context.Background())
	assert.ErrorIs(t, err, ErrSubscribe)
	assert.NotEqual(t, StatusSubscribed, st)
}
