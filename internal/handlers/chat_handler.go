package handlers

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/NijasTp/trainup-sub005/internal/models"
	"github.com/NijasTp/trainup-sub005/internal/services"
	chatws "github.com/NijasTp/trainup-sub005/internal/websocket"
	"github.com/NijasTp/trainup-sub005/pkg/utils"
	websocket "github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
)

type chatApplicationService interface {
	Send(ctx context.Context, actor models.Identity, receiverID int64, input services.SendMessageInput) (*models.Message, error)
	GetThread(ctx context.Context, actor models.Identity, counterpartyID int64, page services.ThreadPage) ([]models.Message, error)
	MarkRead(ctx context.Context, actor models.Identity, messageID int64) error
	MarkThreadRead(ctx context.Context, actor models.Identity, counterpartyID int64) (int64, error)
	MarkAllRead(ctx context.Context, actor models.Identity) (int64, error)
	ListConversations(ctx context.Context, actor models.Identity) ([]models.ConversationSummary, error)
	GetUnreadSummary(ctx context.Context, actor models.Identity) (*models.UnreadSummary, error)
}

type ChatHandler struct {
	service   chatApplicationService
	hub       *chatws.Hub
	jwtSecret string
}

type sendMessageRequest struct {
	MessageType string `json:"message_type"`
	Body        string `json:"body"`
	MediaRef    string `json:"media_ref"`
}

func NewChatHandler(service chatApplicationService, hub *chatws.Hub, jwtSecret string) *ChatHandler {
	return &ChatHandler{
		service:   service,
		hub:       hub,
		jwtSecret: jwtSecret,
	}
}

func (h *ChatHandler) SendMessage(c *fiber.Ctx) error {
	actor, err := actorIdentity(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}

	counterpartyID, err := strconv.ParseInt(c.Params("counterpartyId"), 10, 64)
	if err != nil || counterpartyID <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid counterparty id"})
	}

	var req sendMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}

	messageType := models.MessageType(req.MessageType)
	if req.MessageType == "" {
		messageType = models.MessageTypeText
	}

	message, err := h.service.Send(c.Context(), actor, counterpartyID, services.SendMessageInput{
		MessageType: messageType,
		Body:        req.Body,
		MediaRef:    req.MediaRef,
	})
	if err != nil {
		return mapChatError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"message": message})
}

func (h *ChatHandler) GetMessages(c *fiber.Ctx) error {
	actor, err := actorIdentity(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}

	counterpartyID, err := strconv.ParseInt(c.Params("counterpartyId"), 10, 64)
	if err != nil || counterpartyID <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid counterparty id"})
	}

	before, err := parseCursor(c.Query("before"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid cursor"})
	}

	limit := parsePositiveInt(c.Query("limit"), defaultPageLimit)
	if limit > maxPageLimit {
		limit = maxPageLimit
	}

	messages, err := h.service.GetThread(c.Context(), actor, counterpartyID, services.ThreadPage{
		Before: before,
		Limit:  limit,
	})
	if err != nil {
		return mapChatError(c, err)
	}

	response := fiber.Map{"messages": messages}
	// Paged loads walk backwards in time; hand the client the position of the
	// oldest message on the page as the next cursor.
	if before != nil && len(messages) == limit {
		response["next_cursor"] = formatCursor(&messages[len(messages)-1])
	}

	return c.JSON(response)
}

func (h *ChatHandler) MarkThreadRead(c *fiber.Ctx) error {
	actor, err := actorIdentity(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}

	counterpartyID, err := strconv.ParseInt(c.Params("counterpartyId"), 10, 64)
	if err != nil || counterpartyID <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid counterparty id"})
	}

	marked, err := h.service.MarkThreadRead(c.Context(), actor, counterpartyID)
	if err != nil {
		return mapChatError(c, err)
	}

	return c.JSON(fiber.Map{"marked_count": marked})
}

func (h *ChatHandler) MarkAllRead(c *fiber.Ctx) error {
	actor, err := actorIdentity(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}

	marked, err := h.service.MarkAllRead(c.Context(), actor)
	if err != nil {
		return mapChatError(c, err)
	}

	return c.JSON(fiber.Map{"marked_count": marked})
}

func (h *ChatHandler) MarkMessageRead(c *fiber.Ctx) error {
	actor, err := actorIdentity(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}

	messageID, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil || messageID <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid message id"})
	}

	if err := h.service.MarkRead(c.Context(), actor, messageID); err != nil {
		return mapChatError(c, err)
	}

	return c.JSON(fiber.Map{"status": "ok"})
}

func (h *ChatHandler) ListConversations(c *fiber.Ctx) error {
	actor, err := actorIdentity(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}

	conversations, err := h.service.ListConversations(c.Context(), actor)
	if err != nil {
		return mapChatError(c, err)
	}

	return c.JSON(fiber.Map{"conversations": conversations})
}

func (h *ChatHandler) GetUnreadSummary(c *fiber.Ctx) error {
	actor, err := actorIdentity(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}

	summary, err := h.service.GetUnreadSummary(c.Context(), actor)
	if err != nil {
		return mapChatError(c, err)
	}

	return c.JSON(summary)
}

func (h *ChatHandler) WebSocketAuth(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return c.Status(fiber.StatusUpgradeRequired).JSON(fiber.Map{"error": "WebSocket upgrade required"})
	}

	claims, err := h.parseWSClaims(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid or expired token"})
	}

	c.Locals("user_id", claims.UserID)
	c.Locals("role", claims.Role)
	return c.Next()
}

func (h *ChatHandler) HandleWebSocket(conn *websocket.Conn) {
	rawID, _ := conn.Locals("user_id").(string)
	rawRole, _ := conn.Locals("role").(string)

	actorID, err := strconv.ParseInt(rawID, 10, 64)
	role := models.Role(rawRole)
	if err != nil || actorID <= 0 || !role.Valid() {
		_ = conn.Close()
		return
	}

	client := chatws.NewClient(h.hub, conn, models.Identity{ID: actorID, Role: role})
	h.hub.Register(client)
	go client.WritePump()
	client.ReadPump(h.service)
}

func (h *ChatHandler) parseWSClaims(c *fiber.Ctx) (*utils.Claims, error) {
	tokenString := strings.TrimSpace(c.Query("token"))
	if tokenString == "" {
		authHeader := strings.TrimSpace(c.Get("Authorization"))
		if authHeader != "" {
			parts := strings.Split(authHeader, " ")
			if len(parts) == 2 && parts[0] == "Bearer" {
				tokenString = parts[1]
			}
		}
	}

	if tokenString == "" {
		return nil, errors.New("missing token")
	}

	return utils.ValidateToken(tokenString, h.jwtSecret)
}

func actorIdentity(c *fiber.Ctx) (models.Identity, error) {
	rawID, _ := c.Locals("user_id").(string)
	rawRole, _ := c.Locals("role").(string)

	actorID, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil || actorID <= 0 {
		return models.Identity{}, errors.New("invalid actor id")
	}

	role := models.Role(rawRole)
	if !role.Valid() {
		return models.Identity{}, errors.New("invalid actor role")
	}

	return models.Identity{ID: actorID, Role: role}, nil
}

func mapChatError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, services.ErrForbidden):
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "Forbidden"})
	case errors.Is(err, services.ErrInvalidMessage):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid message"})
	case errors.Is(err, services.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Not found"})
	case errors.Is(err, services.ErrStorageUnavailable):
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "Temporarily unavailable"})
	default:
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to process chat request"})
	}
}
