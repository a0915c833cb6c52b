package services

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	feedWriteWait  = 10 * time.Second
	feedPongWait   = 60 * time.Second
	feedPingPeriod = 54 * time.Second
)

// FeedMessage is what subscribers receive.
type FeedMessage struct {
	Type      string      `json:"type"`
	ProjectID uint        `json:"project_id"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

type feedClient struct {
	id        string
	projectID uint
	conn      *websocket.Conn
	send      chan FeedMessage
	hub       *RunFeed
}

// RunFeed fans run results out to websocket subscribers of each project.
// Delivery is best effort: slow clients are dropped and a full broadcast
// buffer discards the message.
type RunFeed struct {
	clients    map[string]*feedClient
	broadcast  chan FeedMessage
	register   chan *feedClient
	unregister chan *feedClient
	done       chan struct{}
	mutex      sync.RWMutex
	upgrader   websocket.Upgrader
	logger     *logrus.Logger
}

func NewRunFeed(logger *logrus.Logger) *RunFeed {
	if logger == nil {
		logger = logrus.New()
	}
	return &RunFeed{
		clients:    make(map[string]*feedClient),
		broadcast:  make(chan FeedMessage, 64),
		register:   make(chan *feedClient),
		unregister: make(chan *feedClient),
		done:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

// Run serves register/unregister/broadcast until ctx is done.
func (h *RunFeed) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mutex.Lock()
			for id, c := range h.clients {
				close(c.send)
				delete(h.clients, id)
			}
			h.mutex.Unlock()
			return

		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client.id] = client
			h.mutex.Unlock()
			h.logger.WithFields(logrus.Fields{"client": client.id, "project_id": client.projectID}).Debug("feed client connected")

		case client := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.send)
			}
			h.mutex.Unlock()

		case message := <-h.broadcast:
			h.mutex.Lock()
			for id, client := range h.clients {
				if client.projectID != message.ProjectID {
					continue
				}
				select {
				case client.send <- message:
				default:
					close(client.send)
					delete(h.clients, id)
				}
			}
			h.mutex.Unlock()
		}
	}
}

// Publish implements RunPublisher.
func (h *RunFeed) Publish(projectID uint, res *RunResult) {
	msg := FeedMessage{Type: "automation.run", ProjectID: projectID, Data: res, Timestamp: time.Now()}
	select {
	case h.broadcast <- msg:
	default:
		h.logger.WithField("project_id", projectID).Debug("run feed buffer full, dropping message")
	}
}

// Subscribers returns the number of connected clients for a project.
func (h *RunFeed) Subscribers(projectID uint) int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	n := 0
	for _, c := range h.clients {
		if c.projectID == projectID {
			n++
		}
	}
	return n
}

// HandleWebSocket upgrades the request and subscribes it to projectID.
func (h *RunFeed) HandleWebSocket(c *gin.Context, projectID uint) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.WithError(err).Warn("feed websocket upgrade failed")
		return
	}
	client := &feedClient{
		id:        "client_" + uuid.NewString(),
		projectID: projectID,
		conn:      conn,
		send:      make(chan FeedMessage, 64),
		hub:       h,
	}
	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump only services control frames; subscribers do not send data.
func (c *feedClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(feedPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(feedPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.WithError(err).Debug("feed websocket closed")
			}
			return
		}
	}
}

func (c *feedClient) writePump() {
	ticker := time.NewTicker(feedPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
