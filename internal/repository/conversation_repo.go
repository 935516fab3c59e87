package repository

import (
	"context"

	"github.com/NijasTp/trainup-sub005/internal/models"
)

// ConversationRepository derives conversation summaries straight from the
// messages table. There is no conversations table: a conversation exists the
// moment the first message of a pair does, and the summaries can always be
// recomputed from message state.
type ConversationRepository struct {
	db DBTX
}

func NewConversationRepository(db DBTX) *ConversationRepository {
	return &ConversationRepository{db: db}
}

// ListForOwner returns one summary per counterparty that has ever exchanged a
// message with owner, newest activity first. Owners with no messages get an
// empty slice.
func (r *ConversationRepository) ListForOwner(
	ctx context.Context,
	owner models.Identity,
) ([]models.ConversationSummary, error) {
	query := `
		SELECT
			p.partner_id,
			lm.id,
			lm.sender_id,
			lm.receiver_id,
			lm.sender_role,
			lm.message_type,
			lm.body,
			lm.media_ref,
			lm.is_read,
			lm.created_at,
			COALESCE(uc.unread_count, 0)
		FROM (
			SELECT DISTINCT
				CASE WHEN sender_role = $2 THEN receiver_id ELSE sender_id END AS partner_id
			FROM messages
			WHERE (sender_role = $2 AND sender_id = $1)
			   OR (sender_role = $3 AND receiver_id = $1)
		) p
		JOIN LATERAL (
			SELECT id, sender_id, receiver_id, sender_role, message_type, body, media_ref, is_read, created_at
			FROM messages
			WHERE (sender_role = $2 AND sender_id = $1 AND receiver_id = p.partner_id)
			   OR (sender_role = $3 AND sender_id = p.partner_id AND receiver_id = $1)
			ORDER BY created_at DESC, id DESC
			LIMIT 1
		) lm ON TRUE
		LEFT JOIN LATERAL (
			SELECT COUNT(*) AS unread_count
			FROM messages
			WHERE sender_role = $3
			  AND sender_id = p.partner_id
			  AND receiver_id = $1
			  AND is_read = FALSE
		) uc ON TRUE
		ORDER BY lm.created_at DESC, lm.id DESC
	`

	partnerRole := owner.Role.Counterpart()
	rows, err := r.db.Query(ctx, query, owner.ID, owner.Role, partnerRole)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	summaries := make([]models.ConversationSummary, 0)
	for rows.Next() {
		var summary models.ConversationSummary
		var last models.Message

		if err := rows.Scan(
			&summary.PartnerID,
			&last.ID,
			&last.SenderID,
			&last.ReceiverID,
			&last.SenderRole,
			&last.MessageType,
			&last.Body,
			&last.MediaRef,
			&last.IsRead,
			&last.CreatedAt,
			&summary.UnreadCount,
		); err != nil {
			return nil, err
		}

		summary.PartnerRole = partnerRole
		summary.LastMessage = &last
		summaries = append(summaries, summary)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return summaries, nil
}
