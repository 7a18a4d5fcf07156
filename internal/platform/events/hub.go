package events

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/clinicpos/clinicpos/internal/platform/auth"
)

const sendBuffer = 64

// ClientMessage is an inbound subscription change from a POS session.
type ClientMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

// Conn abstracts a websocket connection for testability.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Client is one open POS session.
type Client struct {
	ID       string
	Terminal string
	Topics   []string
	Send     chan []byte
}

func NewClient(terminal string, topics ...string) *Client {
	return &Client{
		ID:       uuid.New().String(),
		Terminal: terminal,
		Topics:   topics,
		Send:     make(chan []byte, sendBuffer),
	}
}

// Hub tracks open sessions and their topic subscriptions.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}
	all     map[*Client]struct{}
	logger  zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
		all:     make(map[*Client]struct{}),
		logger:  logger.With().Str("component", "events-hub").Logger(),
	}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.all[client] = struct{}{}
	for _, topic := range client.Topics {
		h.addLocked(topic, client)
	}
}

// Unregister drops the client from every topic and closes its Send channel.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	for _, topic := range client.Topics {
		h.removeLocked(topic, client)
	}
	delete(h.all, client)
	close(client.Send)
}

func (h *Hub) Subscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, topic := range topics {
		h.addLocked(topic, client)
	}
	client.Topics = append(client.Topics, topics...)
}

func (h *Hub) Unsubscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	drop := make(map[string]bool, len(topics))
	for _, topic := range topics {
		drop[topic] = true
		h.removeLocked(topic, client)
	}
	remaining := client.Topics[:0]
	for _, t := range client.Topics {
		if !drop[t] {
			remaining = append(remaining, t)
		}
	}
	client.Topics = remaining
}

func (h *Hub) addLocked(topic string, client *Client) {
	if h.clients[topic] == nil {
		h.clients[topic] = make(map[*Client]struct{})
	}
	h.clients[topic][client] = struct{}{}
}

func (h *Hub) removeLocked(topic string, client *Client) {
	if subscribers, ok := h.clients[topic]; ok {
		delete(subscribers, client)
		if len(subscribers) == 0 {
			delete(h.clients, topic)
		}
	}
}

func (h *Hub) ProcessMessage(client *Client, msg ClientMessage) {
	switch msg.Action {
	case "subscribe":
		h.Subscribe(client, msg.Topics)
	case "unsubscribe":
		h.Unsubscribe(client, msg.Topics)
	}
}

// Publish delivers ev once to every client subscribed to any of its topics.
// Slow clients with a full buffer miss the event.
func (h *Hub) Publish(_ context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	seen := make(map[*Client]bool)
	for _, topic := range ev.Topics() {
		for client := range h.clients[topic] {
			if seen[client] {
				continue
			}
			seen[client] = true
			select {
			case client.Send <- data:
			default:
				h.logger.Warn().Str("client_id", client.ID).Str("type", string(ev.Type)).Msg("client buffer full, event dropped")
			}
		}
	}
	return nil
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

func (h *Hub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topic])
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Handler upgrades POS sessions to websockets and pumps hub events to them.
type Handler struct {
	hub *Hub
}

func NewHandler(hub *Hub) *Handler {
	return &Handler{hub: hub}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/ws", h.Connect)
}

// Connect accepts an optional comma separated topics query parameter, for
// example ?topics=partner:<uuid>,encounter:<uuid>.
func (h *Handler) Connect(c echo.Context) error {
	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	client := NewClient(auth.TerminalFromContext(c.Request().Context()), splitTopics(c.QueryParam("topics"))...)
	h.hub.Register(client)

	go h.writePump(client, ws)
	go h.readPump(client, ws)
	return nil
}

func splitTopics(raw string) []string {
	var topics []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			topics = append(topics, t)
		}
	}
	return topics
}

func (h *Handler) readPump(client *Client, conn Conn) {
	defer func() {
		h.hub.Unregister(client)
		conn.Close()
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		h.hub.ProcessMessage(client, msg)
	}
}

func (h *Handler) writePump(client *Client, conn Conn) {
	defer conn.Close()

	for message := range client.Send {
		if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
}
