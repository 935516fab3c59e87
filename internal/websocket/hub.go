package chatws

import (
	"context"
	"encoding/json"
	"log"
	"strconv"
	"time"

	"github.com/NijasTp/trainup-sub005/internal/models"
	"github.com/NijasTp/trainup-sub005/internal/services"
	websocket "github.com/gofiber/contrib/websocket"
)

const (
	EventMessageCreated = "message.created"
	EventThreadRead     = "thread.read"

	broadcastBuffer  = 64
	clientSendBuffer = 32
)

// Event is the wire payload pushed to live clients. Delivery is at-least-once
// and best-effort: clients dedupe by message id / transition type and
// reconcile anything missed through the HTTP endpoints.
type Event struct {
	Type           string          `json:"type"`
	Message        *models.Message `json:"message,omitempty"`
	CounterpartyID int64           `json:"counterparty_id,omitempty"`
	MarkedCount    int64           `json:"marked_count,omitempty"`
	Error          string          `json:"error,omitempty"`
	Timestamp      string          `json:"timestamp"`
}

type envelope struct {
	targets []string
	payload []byte
}

type Hub struct {
	clients    map[string]map[*Client]struct{}
	register   chan *Client
	unregister chan *Client
	broadcast  chan envelope
}

type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	identity models.Identity
	send     chan []byte
}

type sender interface {
	Send(
		ctx context.Context,
		actor models.Identity,
		receiverID int64,
		input services.SendMessageInput,
	) (*models.Message, error)
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan envelope, broadcastBuffer),
	}
}

func NewClient(hub *Hub, conn *websocket.Conn, identity models.Identity) *Client {
	return &Client{
		hub:      hub,
		conn:     conn,
		identity: identity,
		send:     make(chan []byte, clientSendBuffer),
	}
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			key := identityKey(client.identity)
			set, ok := h.clients[key]
			if !ok {
				set = make(map[*Client]struct{})
				h.clients[key] = set
			}
			set[client] = struct{}{}
		case client := <-h.unregister:
			key := identityKey(client.identity)
			set, ok := h.clients[key]
			if !ok {
				continue
			}
			if _, exists := set[client]; exists {
				delete(set, client)
				close(client.send)
			}
			if len(set) == 0 {
				delete(h.clients, key)
			}
		case env := <-h.broadcast:
			for _, target := range env.targets {
				h.sendToIdentity(target, env.payload)
			}
		}
	}
}

func (h *Hub) Register(client *Client) {
	h.register <- client
}

func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// PublishMessage pushes a message.created event to both parties of the pair.
// It never blocks: if the hub cannot keep up, the event is dropped and clients
// reconcile via polling.
func (h *Hub) PublishMessage(message *models.Message) {
	h.publish(Event{
		Type:      EventMessageCreated,
		Message:   message,
		Timestamp: formatTimestamp(time.Now()),
	}, message.Sender(), message.Receiver())
}

// PublishThreadRead pushes a thread.read event to the reading identity and the
// counterparty whose messages were read. Each side receives the OTHER party's
// id in counterparty_id, so a client always sees which of its threads changed.
func (h *Hub) PublishThreadRead(receiver models.Identity, counterpartyID int64, markedCount int64) {
	counterparty := models.Identity{ID: counterpartyID, Role: receiver.Role.Counterpart()}
	now := formatTimestamp(time.Now())
	h.publish(Event{
		Type:           EventThreadRead,
		CounterpartyID: counterpartyID,
		MarkedCount:    markedCount,
		Timestamp:      now,
	}, receiver)
	h.publish(Event{
		Type:           EventThreadRead,
		CounterpartyID: receiver.ID,
		MarkedCount:    markedCount,
		Timestamp:      now,
	}, counterparty)
}

func (h *Hub) publish(event Event, targets ...models.Identity) {
	payload, err := json.Marshal(event)
	if err != nil {
		log.Printf("chat hub encode event: %v", err)
		return
	}

	keys := make([]string, 0, len(targets))
	for _, target := range targets {
		keys = append(keys, identityKey(target))
	}

	select {
	case h.broadcast <- envelope{targets: keys, payload: payload}:
	default:
	}
}

func (h *Hub) sendToIdentity(key string, payload []byte) {
	set, ok := h.clients[key]
	if !ok {
		return
	}

	for client := range set {
		client.enqueue(payload)
	}
}

// enqueue appends to the client's outbound buffer, evicting the oldest
// buffered event when full. A slow reader loses its oldest notifications
// instead of slowing anyone else down.
func (c *Client) enqueue(payload []byte) {
	for {
		select {
		case c.send <- payload:
			return
		default:
			select {
			case <-c.send:
			default:
			}
		}
	}
}

func (c *Client) ReadPump(service sender) {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var incoming struct {
			Type        string `json:"type"`
			ReceiverID  string `json:"receiver_id"`
			MessageType string `json:"message_type"`
			Body        string `json:"body"`
			MediaRef    string `json:"media_ref"`
		}
		if err := json.Unmarshal(payload, &incoming); err != nil {
			c.writeError("invalid message payload")
			continue
		}
		if incoming.Type != "message" {
			c.writeError("unsupported message type")
			continue
		}

		receiverID, err := strconv.ParseInt(incoming.ReceiverID, 10, 64)
		if err != nil || receiverID <= 0 {
			c.writeError("invalid receiver id")
			continue
		}

		messageType := models.MessageType(incoming.MessageType)
		if incoming.MessageType == "" {
			messageType = models.MessageTypeText
		}

		if _, err := service.Send(context.Background(), c.identity, receiverID, services.SendMessageInput{
			MessageType: messageType,
			Body:        incoming.Body,
			MediaRef:    incoming.MediaRef,
		}); err != nil {
			c.writeError("failed to send message")
			continue
		}
		// Delivery to both parties, this client included, happens through
		// the service's publish path.
	}
}

func (c *Client) WritePump() {
	defer func() {
		_ = c.conn.Close()
	}()

	for payload := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
	}
}

func (c *Client) writeError(message string) {
	payload, err := json.Marshal(Event{
		Type:      "error",
		Error:     message,
		Timestamp: formatTimestamp(time.Now()),
	})
	if err != nil {
		return
	}
	c.enqueue(payload)
}

func identityKey(identity models.Identity) string {
	return string(identity.Role) + ":" + strconv.FormatInt(identity.ID, 10)
}

func formatTimestamp(ts time.Time) string {
	return ts.UTC().Format(time.RFC3339)
}
