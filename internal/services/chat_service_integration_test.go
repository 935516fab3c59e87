package services

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/NijasTp/trainup-sub005/internal/models"
	"github.com/NijasTp/trainup-sub005/internal/repository"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
)

var (
	testDBOnce sync.Once
	testDBPool *pgxpool.Pool
	testDBErr  error
)

func TestChatScenarioUnreadAccounting(t *testing.T) {
	ctx := context.Background()
	pool := integrationTestPool(t)
	service := newIntegrationChatService(pool)

	userA, trainerB := integrationIdentities(t, ctx, pool)

	for i := 0; i < 3; i++ {
		if _, err := service.Send(ctx, userA, trainerB.ID, SendMessageInput{
			MessageType: models.MessageTypeText,
			Body:        fmt.Sprintf("message %d", i+1),
		}); err != nil {
			t.Fatalf("Send from user: %v", err)
		}
	}
	reply, err := service.Send(ctx, trainerB, userA.ID, SendMessageInput{
		MessageType: models.MessageTypeText,
		Body:        "got it",
	})
	if err != nil {
		t.Fatalf("Send from trainer: %v", err)
	}

	userConversations, err := service.ListConversations(ctx, userA)
	if err != nil {
		t.Fatalf("ListConversations user: %v", err)
	}
	if len(userConversations) != 1 || userConversations[0].PartnerID != trainerB.ID {
		t.Fatalf("expected one conversation with trainer, got %+v", userConversations)
	}
	if userConversations[0].LastMessage == nil || userConversations[0].LastMessage.ID != reply.ID {
		t.Fatalf("expected reply as last message, got %+v", userConversations[0].LastMessage)
	}
	if userConversations[0].UnreadCount != 1 {
		t.Fatalf("expected user unread 1, got %d", userConversations[0].UnreadCount)
	}

	trainerConversations, err := service.ListConversations(ctx, trainerB)
	if err != nil {
		t.Fatalf("ListConversations trainer: %v", err)
	}
	if len(trainerConversations) != 1 || trainerConversations[0].UnreadCount != 3 {
		t.Fatalf("expected trainer unread 3, got %+v", trainerConversations)
	}

	trainerSummary, err := service.GetUnreadSummary(ctx, trainerB)
	if err != nil {
		t.Fatalf("GetUnreadSummary before marking: %v", err)
	}
	if trainerSummary.Total != 3 || trainerSummary.PerCounterparty[userA.ID] != 3 {
		t.Fatalf("expected trainer summary of 3 from user, got %+v", trainerSummary)
	}

	// The global count and the per-sender breakdown run as separate queries;
	// they must agree.
	globalUnread, err := repository.NewMessageRepository(pool).UnreadCountFor(ctx, trainerB)
	if err != nil {
		t.Fatalf("UnreadCountFor: %v", err)
	}
	sum := 0
	for _, count := range trainerSummary.PerCounterparty {
		sum += count
	}
	if globalUnread != sum {
		t.Fatalf("global unread %d diverges from breakdown sum %d", globalUnread, sum)
	}

	marked, err := service.MarkThreadRead(ctx, trainerB, userA.ID)
	if err != nil {
		t.Fatalf("MarkThreadRead: %v", err)
	}
	if marked != 3 {
		t.Fatalf("expected 3 marked, got %d", marked)
	}

	summary, err := service.GetUnreadSummary(ctx, trainerB)
	if err != nil {
		t.Fatalf("GetUnreadSummary: %v", err)
	}
	if summary.Total != 0 {
		t.Fatalf("expected trainer total 0 after marking, got %d", summary.Total)
	}

	marked, err = service.MarkThreadRead(ctx, trainerB, userA.ID)
	if err != nil {
		t.Fatalf("repeat MarkThreadRead: %v", err)
	}
	if marked != 0 {
		t.Fatalf("expected 0 marked on repeat, got %d", marked)
	}
}

func TestCursorPaginationReconstructsThread(t *testing.T) {
	ctx := context.Background()
	pool := integrationTestPool(t)
	service := newIntegrationChatService(pool)

	userA, trainerB := integrationIdentities(t, ctx, pool)

	for i := 0; i < 7; i++ {
		actor, receiverID := userA, trainerB.ID
		if i%2 == 1 {
			actor, receiverID = trainerB, userA.ID
		}
		if _, err := service.Send(ctx, actor, receiverID, SendMessageInput{
			MessageType: models.MessageTypeText,
			Body:        fmt.Sprintf("message %d", i+1),
		}); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}

	full, err := service.GetThread(ctx, userA, trainerB.ID, ThreadPage{Limit: 100})
	if err != nil {
		t.Fatalf("full GetThread: %v", err)
	}
	if len(full) != 7 {
		t.Fatalf("expected 7 messages, got %d", len(full))
	}
	for i := 1; i < len(full); i++ {
		prev, curr := full[i-1], full[i]
		if curr.CreatedAt.Before(prev.CreatedAt) ||
			(curr.CreatedAt.Equal(prev.CreatedAt) && curr.ID < prev.ID) {
			t.Fatalf("full thread out of order at %d: %+v then %+v", i, prev, curr)
		}
	}

	// Page backwards from beyond the newest message; after the first page,
	// insert a concurrent message and check it never leaks into later pages.
	cursor := &repository.Cursor{
		CreatedAt: full[len(full)-1].CreatedAt.Add(time.Second),
		ID:        full[len(full)-1].ID + 1,
	}
	var paged []models.Message
	for pageIndex := 0; ; pageIndex++ {
		page, err := service.GetThread(ctx, userA, trainerB.ID, ThreadPage{Before: cursor, Limit: 3})
		if err != nil {
			t.Fatalf("paged GetThread: %v", err)
		}
		if len(page) == 0 {
			break
		}
		paged = append(paged, page...)
		oldest := page[len(page)-1]
		cursor = &repository.Cursor{CreatedAt: oldest.CreatedAt, ID: oldest.ID}

		if pageIndex == 0 {
			if _, err := service.Send(ctx, userA, trainerB.ID, SendMessageInput{
				MessageType: models.MessageTypeText,
				Body:        "inserted mid-pagination",
			}); err != nil {
				t.Fatalf("concurrent Send: %v", err)
			}
		}
	}

	if len(paged) != len(full) {
		t.Fatalf("pages lost or duplicated messages: %d vs %d", len(paged), len(full))
	}
	for i := range paged {
		if paged[i].ID != full[len(full)-1-i].ID {
			t.Fatalf("page order mismatch at %d: got %d, want %d", i, paged[i].ID, full[len(full)-1-i].ID)
		}
	}
}

func TestMarkReadIsMonotonicInStore(t *testing.T) {
	ctx := context.Background()
	pool := integrationTestPool(t)
	service := newIntegrationChatService(pool)
	messageRepo := repository.NewMessageRepository(pool)

	userA, trainerB := integrationIdentities(t, ctx, pool)

	sent, err := service.Send(ctx, userA, trainerB.ID, SendMessageInput{
		MessageType: models.MessageTypeText,
		Body:        "read me",
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	transitioned, err := messageRepo.MarkRead(ctx, sent.ID)
	if err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	if !transitioned {
		t.Fatal("expected first MarkRead to transition")
	}

	transitioned, err = messageRepo.MarkRead(ctx, sent.ID)
	if err != nil {
		t.Fatalf("repeat MarkRead: %v", err)
	}
	if transitioned {
		t.Fatal("expected repeat MarkRead to be a no-op")
	}

	stored, err := messageRepo.GetByID(ctx, sent.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if !stored.IsRead {
		t.Fatal("expected message to stay read")
	}

	var missingID int64
	if err := pool.QueryRow(ctx, `SELECT COALESCE(MAX(id), 0) + 1000000 FROM messages`).Scan(&missingID); err != nil {
		t.Fatalf("select missing id: %v", err)
	}
	if err := service.MarkRead(ctx, trainerB, missingID); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound for missing message, got %v", err)
	}
}

func integrationTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	testDBOnce.Do(func() {
		_ = godotenv.Load(".env")
		_ = godotenv.Load(filepath.Join("..", "..", ".env"))

		dbURL := os.Getenv("DB_URL")
		if dbURL == "" {
			testDBErr = fmt.Errorf("DB_URL is not set")
			return
		}

		cfg, err := pgxpool.ParseConfig(dbURL)
		if err != nil {
			testDBErr = err
			return
		}

		testDBPool, testDBErr = pgxpool.NewWithConfig(context.Background(), cfg)
		if testDBErr != nil {
			return
		}
		testDBErr = testDBPool.Ping(context.Background())
	})

	if testDBErr != nil {
		t.Skipf("skipping integration test: %v", testDBErr)
	}
	return testDBPool
}

func newIntegrationChatService(pool *pgxpool.Pool) *ChatService {
	return NewChatService(
		repository.NewMessageRepository(pool),
		repository.NewConversationRepository(pool),
		nil,
		nil,
		nil,
	)
}

// integrationIdentities hands out a unique (user, trainer) pair per test and
// removes the pair's messages afterwards.
func integrationIdentities(t *testing.T, ctx context.Context, pool *pgxpool.Pool) (models.Identity, models.Identity) {
	t.Helper()

	base := time.Now().UnixNano() % 1_000_000_000
	userA := models.Identity{ID: base, Role: models.RoleUser}
	trainerB := models.Identity{ID: base + 1, Role: models.RoleTrainer}

	t.Cleanup(func() {
		_, err := pool.Exec(ctx, `
			DELETE FROM messages
			WHERE (sender_role = 'user' AND sender_id = $1 AND receiver_id = $2)
			   OR (sender_role = 'trainer' AND sender_id = $2 AND receiver_id = $1)
		`, userA.ID, trainerB.ID)
		if err != nil {
			t.Errorf("cleanup messages: %v", err)
		}
	})

	return userA, trainerB
}
