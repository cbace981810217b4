package transcript

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/polychat/internal/apperr"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DefaultHistoryLimit bounds history reads.
const DefaultHistoryLimit = 100

var errMissingDatabase = errors.New("transcript: database handle is required")

// Message is an immutable transcript entry.
type Message struct {
	ID             string `gorm:"column:id;primaryKey;size:64;not null"`
	RoomID         string `gorm:"column:room_id;size:64;not null;index:idx_messages_room_time,priority:1"`
	AuthorID       string `gorm:"column:user_id;size:64;not null"`
	Content        string `gorm:"column:content;type:text;not null"`
	CreatedAtMilli int64  `gorm:"column:created_at_ms;not null;index:idx_messages_room_time,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Message) TableName() string {
	return "messages"
}

// CreatedAt exposes the creation instant.
func (m Message) CreatedAt() time.Time {
	return time.UnixMilli(m.CreatedAtMilli).UTC()
}

// Entry is a transcript message joined with its sender's username.
type Entry struct {
	ID             string `gorm:"column:id"`
	Content        string `gorm:"column:content"`
	CreatedAtMilli int64  `gorm:"column:created_at_ms"`
	SenderID       string `gorm:"column:sender_id"`
	SenderUsername string `gorm:"column:sender_username"`
}

// CreatedAt exposes the creation instant.
func (e Entry) CreatedAt() time.Time {
	return time.UnixMilli(e.CreatedAtMilli).UTC()
}

// StoreConfig describes the store dependencies.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store is the durable, time-ordered message log.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewStore constructs a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Append persists message. Callers normally supply the id and timestamp;
// missing ones are generated here.
func (s *Store) Append(ctx context.Context, message Message) (Message, error) {
	if strings.TrimSpace(message.RoomID) == "" || strings.TrimSpace(message.AuthorID) == "" {
		return Message{}, fmt.Errorf("%w: room and author are required", apperr.ErrInvalidInput)
	}
	if strings.TrimSpace(message.Content) == "" {
		return Message{}, fmt.Errorf("%w: content is required", apperr.ErrInvalidInput)
	}
	if message.ID == "" {
		identifier, err := uuid.NewV7()
		if err != nil {
			return Message{}, fmt.Errorf("%w: %v", apperr.ErrInternal, err)
		}
		message.ID = identifier.String()
	}
	if message.CreatedAtMilli == 0 {
		message.CreatedAtMilli = s.clock().UTC().UnixMilli()
	}

	if err := s.db.WithContext(ctx).Create(&message).Error; err != nil {
		s.logger.Error("transcript append failed",
			zap.String("room_id", message.RoomID),
			zap.String("message_id", message.ID),
			zap.Error(err))
		return Message{}, fmt.Errorf("%w: %v", apperr.ErrInternal, err)
	}
	return message, nil
}

// History returns the most recent limit messages of roomID, oldest first.
// A non-positive or oversized limit falls back to DefaultHistoryLimit.
func (s *Store) History(ctx context.Context, roomID string, limit int) ([]Entry, error) {
	if limit <= 0 || limit > DefaultHistoryLimit {
		limit = DefaultHistoryLimit
	}

	var newestFirst []Entry
	if err := s.db.WithContext(ctx).
		Table("messages AS m").
		Select("m.id AS id, m.content AS content, m.created_at_ms AS created_at_ms, u.id AS sender_id, u.username AS sender_username").
		Joins("JOIN users AS u ON u.id = m.user_id").
		Where("m.room_id = ?", roomID).
		Order("m.created_at_ms DESC").
		Order("m.id DESC").
		Limit(limit).
		Scan(&newestFirst).Error; err != nil {
		s.logger.Error("transcript history failed", zap.String("room_id", roomID), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", apperr.ErrInternal, err)
	}

	entries := make([]Entry, len(newestFirst))
	for index, entry := range newestFirst {
		entries[len(newestFirst)-1-index] = entry
	}
	return entries, nil
}
