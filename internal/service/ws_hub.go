package service

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"tradeloop/engine/internal/model"
	"tradeloop/engine/internal/util"
	"tradeloop/engine/pkg/logger"

	redisHelper "tradeloop/engine/pkg/redis"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// Client represents a connected user over WebSocket
type Client struct {
	Hub    *WSHub
	Conn   *websocket.Conn
	UserID string
	Send   chan []byte
}

// WSHub tracks WebSocket connections and routes engine events to the
// right users.
type WSHub struct {
	clients    map[*Client]bool
	userConns  map[string][]*Client
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex

	redisClient *redisHelper.Client
	log         *logger.Logger
}

func NewWSHub(redisClient *redisHelper.Client) *WSHub {
	return &WSHub{
		clients:     make(map[*Client]bool),
		userConns:   make(map[string][]*Client),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		redisClient: redisClient,
		log:         logger.GetLogger(),
	}
}

func (h *WSHub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.userConns[client.UserID] = append(h.userConns[client.UserID], client)
			h.mu.Unlock()
			h.log.Infof("WS client registered: UserID=%s", client.UserID)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.Send)
				conns := h.userConns[client.UserID]
				for i, c := range conns {
					if c == client {
						h.userConns[client.UserID] = append(conns[:i], conns[i+1:]...)
						break
					}
				}
				if len(h.userConns[client.UserID]) == 0 {
					delete(h.userConns, client.UserID)
				}
			}
			h.mu.Unlock()
			h.log.Infof("WS client unregistered: UserID=%s", client.UserID)
		}
	}
}

// SendToUser sends a message to all active connections for one user
func (h *WSHub) SendToUser(userID string, msg model.WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Errorf("Failed to marshal WS message: %v", err)
		return
	}

	h.mu.RLock()
	conns, ok := h.userConns[userID]
	h.mu.RUnlock()

	if !ok {
		return
	}

	for _, client := range conns {
		select {
		case client.Send <- data:
		default:
			// Buffer full, connection is cleaned up on its next read error
		}
	}
}

// ReadPump drains client messages; only control frames matter here
func (c *Client) ReadPump() {
	defer func() {
		c.Hub.unregister <- c
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(512)
	c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, _, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.Hub.log.Errorf("WS error: %v", err)
			}
			break
		}
	}
}

// WritePump pushes queued messages and keepalive pings to the client
func (c *Client) WritePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.Conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			n := len(c.Send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.Send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// StartPubSubListener bridges Redis-published engine events to the
// connected WebSocket clients.
func (h *WSHub) StartPubSubListener(ctx context.Context) {
	prefix := redisHelper.UserChannelPrefix()

	pubsub := h.redisClient.PSubscribe(ctx, redisHelper.UserChannelPattern())
	defer pubsub.Close()

	for msg := range pubsub.Channel() {
		if !strings.HasPrefix(msg.Channel, prefix) {
			continue
		}
		userID := msg.Channel[len(prefix):]
		var wsMsg model.WSMessage
		if err := json.Unmarshal([]byte(msg.Payload), &wsMsg); err == nil {
			h.SendToUser(userID, wsMsg)
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // In production, check origin
	},
}

// ServeWS handles WebSocket upgrade requests
func (h *WSHub) ServeWS(c *gin.Context) {
	u, exists := c.Get("user_id")
	if !exists {
		util.SendError(c, util.ErrUnauthorized("User not authenticated"))
		return
	}
	userID := u.(string)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Errorf("Failed to upgrade websocket: %v", err)
		return
	}

	client := &Client{
		Hub:    h,
		Conn:   conn,
		UserID: userID,
		Send:   make(chan []byte, 256),
	}

	h.register <- client

	go client.WritePump()
	go client.ReadPump()
}
