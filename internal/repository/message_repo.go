package repository

import (
	"context"
	"time"

	"github.com/NijasTp/trainup-sub005/internal/models"
	"github.com/jackc/pgx/v5"
)

const messageColumns = `id, sender_id, receiver_id, sender_role, message_type, body, media_ref, is_read, created_at`

// Cursor is a stable position inside a thread. Paging compares the composite
// (created_at, id) pair instead of using OFFSET, so pages stay correct while
// new messages are being inserted concurrently.
type Cursor struct {
	CreatedAt time.Time
	ID        int64
}

// ThreadPageOptions controls FindThread. With a nil Before the whole thread is
// returned oldest-first up to Limit; with a cursor, the page strictly older
// than the cursor is returned newest-first.
type ThreadPageOptions struct {
	Before *Cursor
	Limit  int
}

type CreateMessageInput struct {
	SenderID    int64
	ReceiverID  int64
	SenderRole  models.Role
	MessageType models.MessageType
	Body        string
	MediaRef    string
}

type MessageRepository struct {
	db DBTX
}

func NewMessageRepository(db DBTX) *MessageRepository {
	return &MessageRepository{db: db}
}

// Create inserts a message. id and created_at come from the database so the
// per-pair ordering never depends on client clocks.
func (r *MessageRepository) Create(ctx context.Context, input CreateMessageInput) (*models.Message, error) {
	query := `
		INSERT INTO messages (sender_id, receiver_id, sender_role, message_type, body, media_ref, is_read)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE)
		RETURNING ` + messageColumns

	var message models.Message
	err := r.db.QueryRow(
		ctx,
		query,
		input.SenderID,
		input.ReceiverID,
		input.SenderRole,
		input.MessageType,
		input.Body,
		input.MediaRef,
	).Scan(
		&message.ID,
		&message.SenderID,
		&message.ReceiverID,
		&message.SenderRole,
		&message.MessageType,
		&message.Body,
		&message.MediaRef,
		&message.IsRead,
		&message.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	return &message, nil
}

func (r *MessageRepository) GetByID(ctx context.Context, messageID int64) (*models.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE id = $1`

	var message models.Message
	err := r.db.QueryRow(ctx, query, messageID).Scan(
		&message.ID,
		&message.SenderID,
		&message.ReceiverID,
		&message.SenderRole,
		&message.MessageType,
		&message.Body,
		&message.MediaRef,
		&message.IsRead,
		&message.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	return &message, nil
}

// FindThread returns messages of the (user, trainer) pair. Both directions of
// the pair are matched by anchoring on the sender's role.
func (r *MessageRepository) FindThread(
	ctx context.Context,
	userID int64,
	trainerID int64,
	opts ThreadPageOptions,
) ([]models.Message, error) {
	const pairFilter = `
		((sender_role = 'user' AND sender_id = $1 AND receiver_id = $2)
		OR (sender_role = 'trainer' AND sender_id = $2 AND receiver_id = $1))
	`

	var (
		query string
		args  []any
	)
	if opts.Before == nil {
		query = `
			SELECT ` + messageColumns + `
			FROM messages
			WHERE ` + pairFilter + `
			ORDER BY created_at ASC, id ASC
			LIMIT $3
		`
		args = []any{userID, trainerID, opts.Limit}
	} else {
		query = `
			SELECT ` + messageColumns + `
			FROM messages
			WHERE ` + pairFilter + `
			  AND (created_at, id) < ($3, $4)
			ORDER BY created_at DESC, id DESC
			LIMIT $5
		`
		args = []any{userID, trainerID, opts.Before.CreatedAt, opts.Before.ID, opts.Limit}
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		var message models.Message
		if err := rows.Scan(
			&message.ID,
			&message.SenderID,
			&message.ReceiverID,
			&message.SenderRole,
			&message.MessageType,
			&message.Body,
			&message.MediaRef,
			&message.IsRead,
			&message.CreatedAt,
		); err != nil {
			return nil, err
		}

		messages = append(messages, message)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return messages, nil
}

// MarkRead flips a single message to read. It reports whether this call
// performed the transition; marking an already-read message is a no-op.
func (r *MessageRepository) MarkRead(ctx context.Context, messageID int64) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE messages
		SET is_read = TRUE
		WHERE id = $1
		  AND is_read = FALSE
	`, messageID)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}

	var exists bool
	if err := r.db.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM messages WHERE id = $1)
	`, messageID).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, pgx.ErrNoRows
	}
	return false, nil
}

// MarkThreadRead flips every currently-unread message addressed to receiver
// from senderID in one statement. Messages inserted concurrently are not
// affected; they stay unread for a later call.
func (r *MessageRepository) MarkThreadRead(
	ctx context.Context,
	receiver models.Identity,
	senderID int64,
) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE messages
		SET is_read = TRUE
		WHERE receiver_id = $1
		  AND sender_id = $2
		  AND sender_role = $3
		  AND is_read = FALSE
	`, receiver.ID, senderID, receiver.Role.Counterpart())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *MessageRepository) UnreadCountFor(ctx context.Context, receiver models.Identity) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM messages
		WHERE receiver_id = $1
		  AND sender_role = $2
		  AND is_read = FALSE
	`, receiver.ID, receiver.Role.Counterpart()).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (r *MessageRepository) UnreadCountsBySender(ctx context.Context, receiver models.Identity) (map[int64]int, error) {
	rows, err := r.db.Query(ctx, `
		SELECT sender_id, COUNT(*)
		FROM messages
		WHERE receiver_id = $1
		  AND sender_role = $2
		  AND is_read = FALSE
		GROUP BY sender_id
	`, receiver.ID, receiver.Role.Counterpart())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[int64]int)
	for rows.Next() {
		var senderID int64
		var count int
		if err := rows.Scan(&senderID, &count); err != nil {
			return nil, err
		}
		counts[senderID] = count
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return counts, nil
}
