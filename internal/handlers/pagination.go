package handlers

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/NijasTp/trainup-sub005/internal/models"
	"github.com/NijasTp/trainup-sub005/internal/repository"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 100
)

var errBadCursor = errors.New("bad cursor")

// parseCursor decodes the wire cursor "createdAtUnixMicro,id". An empty value
// means "no cursor" (full oldest-first load).
func parseCursor(raw string) (*repository.Cursor, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	parts := strings.SplitN(raw, ",", 2)
	if len(parts) != 2 {
		return nil, errBadCursor
	}

	micros, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return nil, errBadCursor
	}
	id, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || id <= 0 {
		return nil, errBadCursor
	}

	return &repository.Cursor{
		CreatedAt: time.UnixMicro(micros).UTC(),
		ID:        id,
	}, nil
}

// formatCursor encodes the position of a message for use as a `before` value.
func formatCursor(message *models.Message) string {
	return strconv.FormatInt(message.CreatedAt.UnixMicro(), 10) + "," + strconv.FormatInt(message.ID, 10)
}

func parsePositiveInt(raw string, fallback int) int {
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}
