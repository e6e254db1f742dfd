package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"keyauth/backend/internal/auth/jwt"
	"keyauth/backend/internal/domain"
	"keyauth/backend/internal/monitoring"
)

// Authenticator 校验管理员访问令牌
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*jwt.Claims, error)
}

// Relay 跨实例转发事件（例如 Redis pub/sub）
type Relay interface {
	PublishEvent(ctx context.Context, payload []byte) error
	SubscribeEvents(ctx context.Context, handle func([]byte)) error
}

// upgraderFactory 创建带有 Origin 验证的 WebSocket 升级器
func upgraderFactory(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			requestOrigin := r.Header.Get("Origin")
			if requestOrigin == "" {
				return true
			}
			for _, origin := range allowedOrigins {
				if origin == "*" || origin == requestOrigin {
					return true
				}
			}
			return false
		},
	}
}

// MessageType 定义WebSocket消息类型
type MessageType string

const (
	MessageTypeEvent      MessageType = "event"
	MessageTypePing       MessageType = "ping"
	MessageTypePong       MessageType = "pong"
	MessageTypeSubscribe  MessageType = "subscribe"
	MessageTypeSubscribed MessageType = "subscribed"
	MessageTypeError      MessageType = "error"
)

// Message 定义WebSocket消息结构
type Message struct {
	Type      MessageType   `json:"type"`
	Event     *domain.Event `json:"event,omitempty"`
	Events    []string      `json:"events,omitempty"` // subscribe 时指定关注的事件类型，空表示全部
	Error     string        `json:"error,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// Client 代表一个管理端连接
type Client struct {
	ID      string
	AdminID string
	conn    *websocket.Conn
	send    chan []byte
	hub     *Hub
	filter  map[string]bool
	mu      sync.RWMutex
	log     *zap.Logger
}

// wants 判断客户端是否订阅了该事件类型
func (c *Client) wants(eventType string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.filter) == 0 || c.filter[eventType]
}

// Hub 管理所有WebSocket连接并广播密钥事件
type Hub struct {
	clients        map[string]*Client
	register       chan *Client
	unregister     chan *Client
	broadcast      chan domain.Event
	done           chan struct{}
	mu             sync.RWMutex
	log            *zap.Logger
	allowedOrigins []string
	auth           Authenticator
	relay          Relay
	metrics        *monitoring.Metrics
}

// NewHub 创建WebSocket Hub
//
// 参数:
//   - allowedOrigins: 允许的 Origin 列表，为空时允许所有来源
//   - auth: 管理员令牌校验
//   - log: 日志记录器
func NewHub(allowedOrigins []string, auth Authenticator, log *zap.Logger) *Hub {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		clients:        make(map[string]*Client),
		register:       make(chan *Client),
		unregister:     make(chan *Client),
		broadcast:      make(chan domain.Event, 256),
		done:           make(chan struct{}),
		log:            log,
		allowedOrigins: allowedOrigins,
		auth:           auth,
	}
}

// SetRelay 设置跨实例转发，设置后事件经由 relay 回到每个实例再广播
func (h *Hub) SetRelay(relay Relay) { h.relay = relay }

// SetMetrics 设置监控指标
func (h *Hub) SetMetrics(m *monitoring.Metrics) { h.metrics = m }

// ClientCount 当前连接数
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish 发布事件，不阻塞调用方
func (h *Hub) Publish(event domain.Event) {
	if h.relay != nil {
		payload, err := json.Marshal(event)
		if err != nil {
			h.log.Error("failed to marshal event", zap.Error(err))
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := h.relay.PublishEvent(ctx, payload); err != nil {
			h.log.Warn("relay publish failed, broadcasting locally", zap.Error(err))
		} else {
			return
		}
	}
	h.enqueue(event)
}

func (h *Hub) enqueue(event domain.Event) {
	select {
	case h.broadcast <- event:
	default:
		h.log.Warn("event queue full, dropping event", zap.String("type", event.Type))
	}
}

// Run 启动Hub，直到 ctx 取消
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	if h.relay != nil {
		go func() {
			err := h.relay.SubscribeEvents(ctx, func(payload []byte) {
				var event domain.Event
				if err := json.Unmarshal(payload, &event); err != nil {
					h.log.Warn("invalid relayed event", zap.Error(err))
					return
				}
				h.enqueue(event)
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				h.log.Error("relay subscription ended", zap.Error(err))
			}
		}()
	}

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.log.Info("websocket hub stopped")
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.ID] = client
			h.mu.Unlock()
			h.updateGauge()
			h.log.Info("client registered", zap.String("id", client.ID), zap.String("admin", client.AdminID))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.ID]; ok {
				delete(h.clients, client.ID)
				close(client.send)
			}
			h.mu.Unlock()
			h.updateGauge()
			h.log.Info("client unregistered", zap.String("id", client.ID))

		case event := <-h.broadcast:
			h.broadcastEvent(event)

		case <-ticker.C:
			h.pingAllClients()
		}
	}
}

func (h *Hub) updateGauge() {
	if h.metrics != nil {
		h.metrics.UpdateWSClients(h.ClientCount())
	}
}

// broadcastEvent 向订阅该事件类型的客户端广播
func (h *Hub) broadcastEvent(event domain.Event) {
	data, err := json.Marshal(&Message{Type: MessageTypeEvent, Event: &event, Timestamp: time.Now()})
	if err != nil {
		h.log.Error("failed to marshal message", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		if !client.wants(event.Type) {
			continue
		}
		select {
		case client.send <- data:
		default:
			// 客户端阻塞，跳过
			h.log.Warn("client channel blocked, skipping", zap.String("clientID", client.ID))
		}
	}
}

// pingAllClients 向所有客户端发送ping
func (h *Hub) pingAllClients() {
	data, err := json.Marshal(&Message{Type: MessageTypePing, Timestamp: time.Now()})
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		select {
		case client.send <- data:
		default:
		}
	}
}

// closeAllClients 关闭所有客户端连接
func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, client := range h.clients {
		close(client.send)
	}
	h.clients = make(map[string]*Client)
}

// authenticateClient 认证客户端，令牌来自 ?token= 或 Authorization 头
func (h *Hub) authenticateClient(c *gin.Context) (*Client, error) {
	token := c.Query("token")
	if token == "" {
		parts := strings.SplitN(c.GetHeader("Authorization"), " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			token = parts[1]
		}
	}
	if token == "" {
		return nil, errors.New("missing authentication token")
	}

	claims, err := h.auth.Authenticate(c.Request.Context(), token)
	if err != nil {
		return nil, err
	}

	return &Client{
		ID:      uuid.NewString(),
		AdminID: claims.Subject,
		filter:  make(map[string]bool),
		log:     h.log,
	}, nil
}

// HandleWebSocket 处理WebSocket连接
func HandleWebSocket(hub *Hub) gin.HandlerFunc {
	upgrader := upgraderFactory(hub.allowedOrigins)

	return func(c *gin.Context) {
		client, err := hub.authenticateClient(c)
		if err != nil {
			hub.log.Warn("websocket authentication failed",
				zap.Error(err),
				zap.String("remote_addr", c.ClientIP()))
			c.JSON(http.StatusUnauthorized, gin.H{"success": false, "code": "UNAUTHORIZED", "msg": "需要登录"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			hub.log.Error("failed to upgrade connection",
				zap.Error(err),
				zap.String("origin", c.Request.Header.Get("Origin")),
				zap.String("remote_addr", c.ClientIP()))
			return
		}

		client.conn = conn
		client.hub = hub
		client.send = make(chan []byte, 256)

		select {
		case hub.register <- client:
		case <-hub.done:
			conn.Close()
			return
		}

		go client.writePump()
		go client.readPump()
	}
}

// readPump 处理客户端消息
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Error("websocket error", zap.Error(err))
			}
			break
		}
		c.handleMessage(&msg)
	}
}

// writePump 发送消息给客户端
func (c *Client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage 处理接收到的消息
func (c *Client) handleMessage(msg *Message) {
	switch msg.Type {
	case MessageTypeSubscribe:
		c.mu.Lock()
		c.filter = make(map[string]bool, len(msg.Events))
		for _, e := range msg.Events {
			c.filter[e] = true
		}
		c.mu.Unlock()
		c.sendMessage(&Message{Type: MessageTypeSubscribed, Events: msg.Events, Timestamp: time.Now()})
	case MessageTypePong:
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	default:
		c.sendMessage(&Message{Type: MessageTypeError, Error: "unknown message type", Timestamp: time.Now()})
	}
}

// sendMessage 发送消息给客户端
func (c *Client) sendMessage(msg *Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.log.Error("failed to marshal message", zap.Error(err))
		return
	}

	// send 可能已被 hub 关闭
	defer func() { recover() }()
	select {
	case c.send <- data:
	default:
		c.log.Warn("client channel blocked", zap.String("clientID", c.ID))
	}
}
