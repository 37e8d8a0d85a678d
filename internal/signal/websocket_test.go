package signal

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mossy-p/webrtc-call/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoRelay sends every frame back to its sender and records the auth header
func echoRelay(t *testing.T, auth chan<- string) *httptest.Server {
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/ws/signal/") {
			http.NotFound(w, r)
			return
		}
		auth <- r.Header.Get("Authorization")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
}

func TestWSChannelSendReceive(t *testing.T) {
	auth := make(chan string, 1)
	srv := echoRelay(t, auth)
	defer srv.Close()

	base := "ws" + strings.TrimPrefix(srv.URL, "http")
	ch, err := NewWSChannel(base, "conv 1", "tok", time.Second)
	require.NoError(t, err)

	got := make(chan models.Message, 1)
	ch.OnMessage(models.KindDecline, func(m models.Message) { got <- m })

	st, err := ch.Subscribe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusSubscribed, st)
	assert.Equal(t, "Bearer tok", <-auth)

	require.NoError(t, ch.Send(context.Background(), models.Decline{Route: route("bob", "alice")}))
	select {
	case m := <-got:
		assert.Equal(t, models.KindDecline, m.Kind())
	case <-time.After(2 * time.Second):
		t.Fatal("echo not received")
	}

	require.NoError(t, ch.Unsubscribe())
	require.NoError(t, ch.Unsubscribe())
}

func TestWSChannelDialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	ch, err := NewWSChannel("ws"+strings.TrimPrefix(srv.URL, "http"), "conv", "", time.Second)
	require.NoError(t, err)

	st, err := ch.Subscribe(context.Background())
	assert.ErrorIs(t, err, ErrSubscribe)
	assert.Equal(t, StatusChannelError, st)
}

func TestWSChannelReportsLostConnection(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.Close()
	}))
	defer srv.Close()

	ch, err := NewWSChannel("ws"+strings.TrimPrefix(srv.URL, "http"), "conv", "", time.Second)
	require.NoError(t, err)
	status := make(chan Status, 1)
	ch.OnStatus(func(s Status) { status <- s })

	_, err = ch.Subscribe(context.Background())
	require.NoError(t, err)

	select {
	case s := <-status:
		assert.Equal(t, StatusChannelError, s)
	case <-time.After(2 * time.Second):
		t.Fatal("lost connection not reported")
	}
	assert.ErrorIs(t, ch.Send(context.Background(), models.Busy{Route: route("a", "b")}), ErrNotSubscribed)
}
