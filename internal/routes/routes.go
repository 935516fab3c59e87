package routes

import (
	"context"
	"log"

	"github.com/NijasTp/trainup-sub005/internal/cache"
	"github.com/NijasTp/trainup-sub005/internal/config"
	"github.com/NijasTp/trainup-sub005/internal/handlers"
	"github.com/NijasTp/trainup-sub005/internal/middleware"
	"github.com/NijasTp/trainup-sub005/internal/models"
	"github.com/NijasTp/trainup-sub005/internal/repository"
	"github.com/NijasTp/trainup-sub005/internal/services"
	chatws "github.com/NijasTp/trainup-sub005/internal/websocket"
	websocket "github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5/pgxpool"
)

func RegisterRoutes(app *fiber.App, cfg *config.Config, db *pgxpool.Pool) {
	messageRepo := repository.NewMessageRepository(db)
	conversationRepo := repository.NewConversationRepository(db)

	var unreadCache services.UnreadCache
	if cfg.RedisURL != "" {
		client, err := cache.NewClient(cfg.RedisURL)
		if err != nil {
			log.Printf("Unread cache disabled: %v", err)
		} else {
			unreadCache = cache.NewUnreadCache(client)
		}
	}

	chatHub := chatws.NewHub()
	go chatHub.Run()

	chatService := services.NewChatService(
		messageRepo,
		conversationRepo,
		chatHub,
		unreadCache,
		allowAllMessaging,
	)
	chatHandler := handlers.NewChatHandler(chatService, chatHub, cfg.JWTSecret)

	api := app.Group("/api")
	v1 := api.Group("/v1", middleware.AuthRequired(cfg.JWTSecret))

	conversations := v1.Group("/conversations")
	conversations.Get("", chatHandler.ListConversations)
	conversations.Patch("/read-all", chatHandler.MarkAllRead)
	conversations.Post("/:counterpartyId/messages", chatHandler.SendMessage)
	conversations.Get("/:counterpartyId/messages", chatHandler.GetMessages)
	conversations.Patch("/:counterpartyId/read", chatHandler.MarkThreadRead)

	v1.Post("/messages/:id/read", chatHandler.MarkMessageRead)
	v1.Get("/unread-summary", chatHandler.GetUnreadSummary)

	api.Use("/v1/ws", chatHandler.WebSocketAuth)
	api.Get("/v1/ws", websocket.New(chatHandler.HandleWebSocket))
}

// allowAllMessaging is the default authorization check. Platforms enforcing
// subscription quotas swap in their own CanMessageFunc here.
func allowAllMessaging(_ context.Context, _ models.Identity, _ int64) (bool, error) {
	return true, nil
}
