package redis

import (
	"context"
	"sort"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/mossy-p/webrtc-call/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func connectMini(t *testing.T) (*miniredis.Miniredis, *Presence) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := Connect(context.Background(), config.RedisConfig{Host: mr.Host(), Port: mr.Port()})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return mr, NewPresence(client)
}

func TestPresenceJoinLeave(t *testing.T) {
	mr, p := connectMini(t)
	ctx := context.Background()

	require.NoError(t, p.Join(ctx, "conv1", "alice"))
	require.NoError(t, p.Join(ctx, "conv1", "bob"))
	require.NoError(t, p.Join(ctx, "conv2", "carol"))

	members, err := p.Members(ctx, "conv1")
	require.NoError(t, err)
	sort.Strings(members)
	assert.Equal(t, []string{"alice", "bob"}, members)
	assert.Equal(t, PresenceTTL, mr.TTL("conversation:conv1:peers"))

	require.NoError(t, p.Leave(ctx, "conv1", "alice"))
	members, err = p.Members(ctx, "conv1")
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, members)
}

func TestConnectFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	host, port := mr.Host(), mr.Port()
	mr.Close()

	_, err := Connect(context.Background(), config.RedisConfig{Host: host, Port: port})
	assert.Error(t, err)
}
