package rooms

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
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew   = "rooms.service.new"
	opList         = "rooms.list"
	opCreate       = "rooms.create"
	opGet          = "rooms.get"
	opListOwned    = "rooms.list_owned"
	opJoin         = "rooms.join"
	opMembersOf    = "rooms.members_of"
	opIsMember     = "rooms.is_member"
	opEnsureGlobal = "rooms.ensure_global"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// Service is the room directory and membership ledger.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: idProvider,
		logger:     logger,
	}, nil
}

// List returns rooms matching the visibility filter in creation order.
func (s *Service) List(ctx context.Context, visibility Visibility) ([]Room, error) {
	query := s.db.WithContext(ctx).Model(&Room{})
	switch visibility {
	case VisibilityPublic:
		query = query.Where("is_public = ?", true)
	case VisibilityPrivate:
		query = query.Where("is_public = ?", false)
	}

	var rooms []Room
	if err := query.Order("created_at_ms ASC").Order("id ASC").Find(&rooms).Error; err != nil {
		s.logError(opList, "query_failed", err, zap.String("visibility", string(visibility)))
		return nil, newServiceError(opList, "query_failed", fmt.Errorf("%w: %v", apperr.ErrInternal, err))
	}
	return rooms, nil
}

// Create inserts a room owned by ownerID with a zero participant counter.
func (s *Service) Create(ctx context.Context, ownerID string, input CreateRoomInput) (Room, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return Room{}, newServiceError(opCreate, "missing_name", fmt.Errorf("%w: room name is required", apperr.ErrInvalidInput))
	}

	identifier, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreate, "id_generation_failed", err)
		return Room{}, newServiceError(opCreate, "id_generation_failed", fmt.Errorf("%w: %v", apperr.ErrInternal, err))
	}

	isPublic := true
	if input.IsPublic != nil {
		isPublic = *input.IsPublic
	}

	room := Room{
		ID:             identifier,
		Name:           name,
		Description:    strings.TrimSpace(input.Description),
		Topic:          strings.TrimSpace(input.Topic),
		IsPublic:       isPublic,
		Participants:   0,
		CreatedAtMilli: s.clock().UTC().UnixMilli(),
	}
	if owner := strings.TrimSpace(ownerID); owner != "" {
		room.CreatedBy = &owner
	}

	if err := s.db.WithContext(ctx).Create(&room).Error; err != nil {
		s.logError(opCreate, "insert_failed", err, zap.String("room_id", room.ID))
		return Room{}, newServiceError(opCreate, "insert_failed", fmt.Errorf("%w: %v", apperr.ErrInternal, err))
	}
	return room, nil
}

// Get loads a single room.
func (s *Service) Get(ctx context.Context, roomID RoomID) (Room, error) {
	var room Room
	err := s.db.WithContext(ctx).Where("id = ?", roomID.String()).Take(&room).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Room{}, newServiceError(opGet, "room_not_found", fmt.Errorf("%w: room %s", apperr.ErrNotFound, roomID))
	}
	if err != nil {
		s.logError(opGet, "query_failed", err, zap.String("room_id", roomID.String()))
		return Room{}, newServiceError(opGet, "query_failed", fmt.Errorf("%w: %v", apperr.ErrInternal, err))
	}
	return room, nil
}

// ListOwnedBy returns the rooms created by ownerID, newest first.
func (s *Service) ListOwnedBy(ctx context.Context, ownerID string) ([]Room, error) {
	var rooms []Room
	if err := s.db.WithContext(ctx).
		Where("created_by = ?", ownerID).
		Order("created_at_ms DESC").
		Order("id DESC").
		Find(&rooms).Error; err != nil {
		s.logError(opListOwned, "query_failed", err, zap.String("user_id", ownerID))
		return nil, newServiceError(opListOwned, "query_failed", fmt.Errorf("%w: %v", apperr.ErrInternal, err))
	}
	return rooms, nil
}

// Join records the membership idempotently. The participant counter is
// incremented on every call, including repeats.
func (s *Service) Join(ctx context.Context, userID string, roomID RoomID) (Membership, error) {
	if strings.TrimSpace(userID) == "" {
		return Membership{}, newServiceError(opJoin, "missing_user_id", fmt.Errorf("%w: user id required", apperr.ErrInvalidInput))
	}

	var membership Membership
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&Room{}).Where("id = ?", roomID.String()).Count(&count).Error; err != nil {
			s.logError(opJoin, "room_select_failed", err, zap.String("room_id", roomID.String()))
			return newServiceError(opJoin, "room_select_failed", fmt.Errorf("%w: %v", apperr.ErrInternal, err))
		}
		if count == 0 {
			return newServiceError(opJoin, "room_not_found", fmt.Errorf("%w: room %s", apperr.ErrNotFound, roomID))
		}

		candidate := Membership{
			UserID:        userID,
			RoomID:        roomID.String(),
			JoinedAtMilli: s.clock().UTC().UnixMilli(),
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&candidate).Error; err != nil {
			s.logError(opJoin, "membership_insert_failed", err,
				zap.String("user_id", userID),
				zap.String("room_id", roomID.String()))
			return newServiceError(opJoin, "membership_insert_failed", fmt.Errorf("%w: %v", apperr.ErrInternal, err))
		}

		if err := tx.Model(&Room{}).
			Where("id = ?", roomID.String()).
			UpdateColumn("participants", gorm.Expr("participants + ?", 1)).Error; err != nil {
			s.logError(opJoin, "counter_update_failed", err, zap.String("room_id", roomID.String()))
			return newServiceError(opJoin, "counter_update_failed", fmt.Errorf("%w: %v", apperr.ErrInternal, err))
		}

		if err := tx.Where("user_id = ? AND room_id = ?", userID, roomID.String()).Take(&membership).Error; err != nil {
			s.logError(opJoin, "membership_reload_failed", err,
				zap.String("user_id", userID),
				zap.String("room_id", roomID.String()))
			return newServiceError(opJoin, "membership_reload_failed", fmt.Errorf("%w: %v", apperr.ErrInternal, err))
		}
		return nil
	})
	if txErr != nil {
		return Membership{}, txErr
	}
	return membership, nil
}

// MembersOf returns the identities recorded in the ledger for roomID.
func (s *Service) MembersOf(ctx context.Context, roomID RoomID) ([]Member, error) {
	var members []Member
	if err := s.db.WithContext(ctx).
		Table("room_members AS rm").
		Select("u.id AS id, u.username AS username").
		Joins("JOIN users AS u ON u.id = rm.user_id").
		Where("rm.room_id = ?", roomID.String()).
		Order("rm.joined_at_ms ASC").
		Scan(&members).Error; err != nil {
		s.logError(opMembersOf, "query_failed", err, zap.String("room_id", roomID.String()))
		return nil, newServiceError(opMembersOf, "query_failed", fmt.Errorf("%w: %v", apperr.ErrInternal, err))
	}
	return members, nil
}

// IsMember reports whether the ledger holds a membership for the pair.
func (s *Service) IsMember(ctx context.Context, userID string, roomID RoomID) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&Membership{}).
		Where("user_id = ? AND room_id = ?", userID, roomID.String()).
		Count(&count).Error; err != nil {
		s.logError(opIsMember, "query_failed", err,
			zap.String("user_id", userID),
			zap.String("room_id", roomID.String()))
		return false, newServiceError(opIsMember, "query_failed", fmt.Errorf("%w: %v", apperr.ErrInternal, err))
	}
	return count > 0, nil
}

// EnsureGlobalRoom inserts the well-known global room when it is missing.
func EnsureGlobalRoom(db *gorm.DB, now time.Time) error {
	room := Room{
		ID:             GlobalRoomID,
		Name:           "Global ChatRoom",
		Description:    "Welcome to the global public chat room",
		Topic:          "General",
		IsPublic:       true,
		CreatedAtMilli: now.UTC().UnixMilli(),
	}
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&room).Error; err != nil {
		return newServiceError(opEnsureGlobal, "insert_failed", err)
	}
	return nil
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil {
		return noOpLogger
	}
	if s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("rooms service error", attrs...)
}
