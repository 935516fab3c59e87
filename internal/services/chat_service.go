package services

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/NijasTp/trainup-sub005/internal/models"
	"github.com/NijasTp/trainup-sub005/internal/repository"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrInvalidMessage     = errors.New("invalid message")
	ErrForbidden          = errors.New("forbidden")
	ErrNotFound           = errors.New("not found")
	ErrStorageUnavailable = errors.New("storage unavailable")
)

const (
	maxStorageRetries   = 2
	storageRetryBackoff = 50 * time.Millisecond
	maxBodyLength       = 4096
)

// CanMessageFunc is the externally-supplied authorization check deciding
// whether actor may message counterpartyID at all (subscription quotas and the
// like live outside the core).
type CanMessageFunc func(ctx context.Context, actor models.Identity, counterpartyID int64) (bool, error)

type messageStore interface {
	Create(ctx context.Context, input repository.CreateMessageInput) (*models.Message, error)
	GetByID(ctx context.Context, messageID int64) (*models.Message, error)
	FindThread(ctx context.Context, userID, trainerID int64, opts repository.ThreadPageOptions) ([]models.Message, error)
	MarkRead(ctx context.Context, messageID int64) (bool, error)
	MarkThreadRead(ctx context.Context, receiver models.Identity, senderID int64) (int64, error)
	UnreadCountFor(ctx context.Context, receiver models.Identity) (int, error)
	UnreadCountsBySender(ctx context.Context, receiver models.Identity) (map[int64]int, error)
}

type conversationLister interface {
	ListForOwner(ctx context.Context, owner models.Identity) ([]models.ConversationSummary, error)
}

// eventPublisher is the delivery channel seam. Implementations must not block:
// publishing is fire-and-forget relative to the storage write.
type eventPublisher interface {
	PublishMessage(message *models.Message)
	PublishThreadRead(receiver models.Identity, counterpartyID int64, markedCount int64)
}

// UnreadCache caches unread summaries per owner. Implementations treat every
// failure as a miss; the message store stays the source of truth. A nil cache
// disables caching entirely.
type UnreadCache interface {
	Get(ctx context.Context, owner models.Identity) (*models.UnreadSummary, bool)
	Set(ctx context.Context, owner models.Identity, summary *models.UnreadSummary)
	Invalidate(ctx context.Context, owner models.Identity)
}

type SendMessageInput struct {
	MessageType models.MessageType
	Body        string
	MediaRef    string
}

type ThreadPage struct {
	Before *repository.Cursor
	Limit  int
}

type ChatService struct {
	messageRepo      messageStore
	conversationRepo conversationLister
	publisher        eventPublisher
	cache            UnreadCache
	canMessage       CanMessageFunc
}

func NewChatService(
	messageRepo messageStore,
	conversationRepo conversationLister,
	publisher eventPublisher,
	cache UnreadCache,
	canMessage CanMessageFunc,
) *ChatService {
	return &ChatService{
		messageRepo:      messageRepo,
		conversationRepo: conversationRepo,
		publisher:        publisher,
		cache:            cache,
		canMessage:       canMessage,
	}
}

// Send durably records a message and returns it. The delivery-channel push
// and cache invalidation happen after the commit and never delay the caller's
// success path beyond the storage write.
func (s *ChatService) Send(
	ctx context.Context,
	actor models.Identity,
	receiverID int64,
	input SendMessageInput,
) (*models.Message, error) {
	if !actor.Role.Valid() || actor.ID <= 0 {
		return nil, ErrForbidden
	}
	if receiverID <= 0 {
		return nil, ErrInvalidMessage
	}
	if err := validateContent(&input); err != nil {
		return nil, err
	}

	if s.canMessage != nil {
		allowed, err := s.canMessage(ctx, actor, receiverID)
		if err != nil {
			return nil, err
		}
		if !allowed {
			return nil, ErrForbidden
		}
	}

	var message *models.Message
	err := s.withStorageRetry(ctx, func() error {
		var createErr error
		message, createErr = s.messageRepo.Create(ctx, repository.CreateMessageInput{
			SenderID:    actor.ID,
			ReceiverID:  receiverID,
			SenderRole:  actor.Role,
			MessageType: input.MessageType,
			Body:        input.Body,
			MediaRef:    input.MediaRef,
		})
		return createErr
	})
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		s.cache.Invalidate(ctx, message.Receiver())
	}
	if s.publisher != nil {
		s.publisher.PublishMessage(message)
	}

	return message, nil
}

// GetThread returns a page of the thread between actor and the opposite-role
// counterparty. The thread key is derived from the actor's own identity, so a
// third party cannot address someone else's thread at all.
func (s *ChatService) GetThread(
	ctx context.Context,
	actor models.Identity,
	counterpartyID int64,
	page ThreadPage,
) ([]models.Message, error) {
	if !actor.Role.Valid() || actor.ID <= 0 {
		return nil, ErrForbidden
	}
	if counterpartyID <= 0 || page.Limit <= 0 {
		return nil, ErrInvalidMessage
	}

	userID, trainerID := pairIDs(actor, counterpartyID)

	var messages []models.Message
	err := s.withStorageRetry(ctx, func() error {
		var findErr error
		messages, findErr = s.messageRepo.FindThread(ctx, userID, trainerID, repository.ThreadPageOptions{
			Before: page.Before,
			Limit:  page.Limit,
		})
		return findErr
	})
	if err != nil {
		return nil, err
	}

	return messages, nil
}

// MarkRead flips one message to read on behalf of its receiver. Only the
// receiving identity may do this, and repeating the call is a no-op.
func (s *ChatService) MarkRead(ctx context.Context, actor models.Identity, messageID int64) error {
	if !actor.Role.Valid() || actor.ID <= 0 {
		return ErrForbidden
	}

	var message *models.Message
	err := s.withStorageRetry(ctx, func() error {
		var getErr error
		message, getErr = s.messageRepo.GetByID(ctx, messageID)
		return getErr
	})
	if err != nil {
		return err
	}
	if message.Receiver() != actor {
		return ErrForbidden
	}

	var transitioned bool
	err = s.withStorageRetry(ctx, func() error {
		var markErr error
		transitioned, markErr = s.messageRepo.MarkRead(ctx, messageID)
		return markErr
	})
	if err != nil {
		return err
	}

	if transitioned {
		if s.cache != nil {
			s.cache.Invalidate(ctx, actor)
		}
		if s.publisher != nil {
			s.publisher.PublishThreadRead(actor, message.SenderID, 1)
		}
	}

	return nil
}

// MarkThreadRead marks every currently-unread message from counterpartyID to
// actor as read and returns how many transitioned. Calling it again returns 0.
func (s *ChatService) MarkThreadRead(
	ctx context.Context,
	actor models.Identity,
	counterpartyID int64,
) (int64, error) {
	if !actor.Role.Valid() || actor.ID <= 0 {
		return 0, ErrForbidden
	}
	if counterpartyID <= 0 {
		return 0, ErrInvalidMessage
	}

	var marked int64
	err := s.withStorageRetry(ctx, func() error {
		var markErr error
		marked, markErr = s.messageRepo.MarkThreadRead(ctx, actor, counterpartyID)
		return markErr
	})
	if err != nil {
		return 0, err
	}

	if marked > 0 {
		if s.cache != nil {
			s.cache.Invalidate(ctx, actor)
		}
		if s.publisher != nil {
			s.publisher.PublishThreadRead(actor, counterpartyID, marked)
		}
	}

	return marked, nil
}

// MarkAllRead is the bulk convenience over MarkThreadRead: one per-thread
// atomic transition per counterparty with unread messages. There is no
// cross-counterparty transaction; a partial failure is safe to re-run.
func (s *ChatService) MarkAllRead(ctx context.Context, actor models.Identity) (int64, error) {
	if !actor.Role.Valid() || actor.ID <= 0 {
		return 0, ErrForbidden
	}

	var counts map[int64]int
	err := s.withStorageRetry(ctx, func() error {
		var countErr error
		counts, countErr = s.messageRepo.UnreadCountsBySender(ctx, actor)
		return countErr
	})
	if err != nil {
		return 0, err
	}

	var total int64
	for senderID := range counts {
		marked, err := s.MarkThreadRead(ctx, actor, senderID)
		if err != nil {
			return total, err
		}
		total += marked
	}

	return total, nil
}

func (s *ChatService) ListConversations(
	ctx context.Context,
	actor models.Identity,
) ([]models.ConversationSummary, error) {
	if !actor.Role.Valid() || actor.ID <= 0 {
		return nil, ErrForbidden
	}

	var summaries []models.ConversationSummary
	err := s.withStorageRetry(ctx, func() error {
		var listErr error
		summaries, listErr = s.conversationRepo.ListForOwner(ctx, actor)
		return listErr
	})
	if err != nil {
		return nil, err
	}

	return summaries, nil
}

// GetUnreadSummary answers "how many unread does actor have" globally and per
// counterparty. The cached copy, when present, is only ever a shortcut for the
// recomputation below and is dropped on every write touching the actor.
func (s *ChatService) GetUnreadSummary(
	ctx context.Context,
	actor models.Identity,
) (*models.UnreadSummary, error) {
	if !actor.Role.Valid() || actor.ID <= 0 {
		return nil, ErrForbidden
	}

	if s.cache != nil {
		if summary, ok := s.cache.Get(ctx, actor); ok {
			return summary, nil
		}
	}

	var total int
	var counts map[int64]int
	err := s.withStorageRetry(ctx, func() error {
		var countErr error
		total, countErr = s.messageRepo.UnreadCountFor(ctx, actor)
		if countErr != nil {
			return countErr
		}
		counts, countErr = s.messageRepo.UnreadCountsBySender(ctx, actor)
		return countErr
	})
	if err != nil {
		return nil, err
	}

	summary := &models.UnreadSummary{Total: total, PerCounterparty: counts}

	if s.cache != nil {
		s.cache.Set(ctx, actor, summary)
	}

	return summary, nil
}

func validateContent(input *SendMessageInput) error {
	if !input.MessageType.Valid() {
		return ErrInvalidMessage
	}

	input.Body = strings.TrimSpace(input.Body)
	switch {
	case input.MessageType == models.MessageTypeText && input.Body == "":
		return ErrInvalidMessage
	case input.MessageType.RequiresMedia() && strings.TrimSpace(input.MediaRef) == "":
		return ErrInvalidMessage
	case len(input.Body) > maxBodyLength:
		return ErrInvalidMessage
	}

	return nil
}

// pairIDs resolves the (user, trainer) thread key from the actor's side.
func pairIDs(actor models.Identity, counterpartyID int64) (userID, trainerID int64) {
	if actor.Role == models.RoleUser {
		return actor.ID, counterpartyID
	}
	return counterpartyID, actor.ID
}

// withStorageRetry runs fn, retrying a bounded number of times when the
// failure looks transient. Everything it wraps is idempotent or naturally
// deduplicated, so a blind retry is safe.
func (s *ChatService) withStorageRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if !isTransientStorageErr(err) || attempt >= maxStorageRetries {
			break
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s", ErrStorageUnavailable, ctx.Err())
		case <-time.After(storageRetryBackoff << attempt):
		}
	}

	if isTransientStorageErr(err) {
		return fmt.Errorf("%w: %s", ErrStorageUnavailable, err)
	}
	return err
}

// isTransientStorageErr classifies infrastructure failures worth retrying:
// connection-level trouble, admin shutdowns and resource exhaustion.
func isTransientStorageErr(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"): // connection_exception
			return true
		case strings.HasPrefix(pgErr.Code, "53"): // insufficient_resources
			return true
		case strings.HasPrefix(pgErr.Code, "57"): // operator_intervention
			return true
		}
		return false
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}
