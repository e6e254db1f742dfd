package websocket

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	gojwt "github.com/golang-jwt/jwt/v5"
	gorillaws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"keyauth/backend/internal/auth/jwt"
	"keyauth/backend/internal/domain"
)

type fakeAuth struct{}

func (fakeAuth) Authenticate(_ context.Context, token string) (*jwt.Claims, error) {
	if token != "good" {
		return nil, errors.New("bad token")
	}
	return &jwt.Claims{Role: "admin", RegisteredClaims: gojwt.RegisteredClaims{Subject: "admin"}}, nil
}

type fakeRelay struct {
	ch chan []byte
}

func (r *fakeRelay) PublishEvent(_ context.Context, payload []byte) error {
	r.ch <- payload
	return nil
}

func (r *fakeRelay) SubscribeEvents(ctx context.Context, handle func([]byte)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case p := <-r.ch:
			handle(p)
		}
	}
}

func startHub(t *testing.T, hub *Hub) (*httptest.Server, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)

	r := gin.New()
	r.GET("/ws", HandleWebSocket(hub))
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return srv, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func dial(t *testing.T, hub *Hub, url string) *gorillaws.Conn {
	t.Helper()
	conn, _, err := gorillaws.DefaultDialer.Dial(url+"?token=good", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *gorillaws.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestHub_RejectsUnauthenticated(t *testing.T) {
	hub := NewHub(nil, fakeAuth{}, zap.NewNop())
	_, url := startHub(t, hub)

	_, resp, err := gorillaws.DefaultDialer.Dial(url+"?token=bad", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, 0, hub.ClientCount())
}

func TestHub_BroadcastsEvents(t *testing.T) {
	hub := NewHub(nil, fakeAuth{}, zap.NewNop())
	_, url := startHub(t, hub)

	conn := dial(t, hub, url)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	hub.Publish(domain.Event{Type: domain.EventKeyBanned, Key: "ABC", Time: time.Now()})

	msg := readEvent(t, conn)
	assert.Equal(t, MessageTypeEvent, msg.Type)
	require.NotNil(t, msg.Event)
	assert.Equal(t, domain.EventKeyBanned, msg.Event.Type)
	assert.Equal(t, "ABC", msg.Event.Key)
}

func TestHub_SubscribeFilter(t *testing.T) {
	hub := NewHub(nil, fakeAuth{}, zap.NewNop())
	_, url := startHub(t, hub)

	conn := dial(t, hub, url)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteJSON(Message{Type: MessageTypeSubscribe, Events: []string{domain.EventKeyDeleted}}))
	ack := readEvent(t, conn)
	assert.Equal(t, MessageTypeSubscribed, ack.Type)

	hub.Publish(domain.Event{Type: domain.EventKeyBanned, Key: "SKIPPED"})
	hub.Publish(domain.Event{Type: domain.EventKeyDeleted, Key: "WANTED"})

	msg := readEvent(t, conn)
	require.NotNil(t, msg.Event)
	assert.Equal(t, "WANTED", msg.Event.Key)
}

func TestHub_Relay(t *testing.T) {
	hub := NewHub(nil, fakeAuth{}, zap.NewNop())
	hub.SetRelay(&fakeRelay{ch: make(chan []byte, 8)})
	_, url := startHub(t, hub)

	conn := dial(t, hub, url)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	hub.Publish(domain.Event{Type: domain.EventKeyGenerated, Key: "RELAYED"})

	msg := readEvent(t, conn)
	require.NotNil(t, msg.Event)
	assert.Equal(t, "RELAYED", msg.Event.Key)
}

func TestHub_Unregister(t *testing.T) {
	hub := NewHub(nil, fakeAuth{}, zap.NewNop())
	_, url := startHub(t, hub)

	conn := dial(t, hub, url)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	conn.Close()
	assert.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestUpgraderOrigin(t *testing.T) {
	up := upgraderFactory([]string{"https://admin.example.com"})

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.True(t, up.CheckOrigin(req), "无 Origin 头时放行")

	req.Header.Set("Origin", "https://admin.example.com")
	assert.True(t, up.CheckOrigin(req))

	req.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, up.CheckOrigin(req))
}
