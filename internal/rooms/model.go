package rooms

import (
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/polychat/internal/apperr"
)

// GlobalRoomID is the well-known id of the pre-seeded public room.
const GlobalRoomID = "00000000-0000-0000-0000-000000000000"

const maxIdentifierLength = 64

// Visibility filters room listings.
type Visibility string

const (
	VisibilityAll     Visibility = "all"
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// ParseVisibility accepts public, private, all or an empty string (all).
func ParseVisibility(raw string) (Visibility, error) {
	switch Visibility(strings.ToLower(strings.TrimSpace(raw))) {
	case "", VisibilityAll:
		return VisibilityAll, nil
	case VisibilityPublic:
		return VisibilityPublic, nil
	case VisibilityPrivate:
		return VisibilityPrivate, nil
	default:
		return "", fmt.Errorf("%w: unknown visibility %q", apperr.ErrInvalidInput, raw)
	}
}

// RoomID represents a validated room identifier.
type RoomID string

// NewRoomID validates raw input and returns a RoomID.
func NewRoomID(rawInput string) (RoomID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty room id", apperr.ErrInvalidInput)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: room id exceeds %d characters", apperr.ErrInvalidInput, maxIdentifierLength)
	}
	return RoomID(trimmed), nil
}

// String returns the underlying string identifier.
func (id RoomID) String() string {
	return string(id)
}

// Room is a named channel. Participants counts joins ever recorded and is
// never decremented; live occupancy comes from presence updates.
type Room struct {
	ID             string  `gorm:"column:id;primaryKey;size:64;not null"`
	Name           string  `gorm:"column:name;type:text;not null"`
	Description    string  `gorm:"column:description;type:text;not null;default:''"`
	Topic          string  `gorm:"column:topic;type:text;not null;default:''"`
	IsPublic       bool    `gorm:"column:is_public;not null"`
	Participants   int64   `gorm:"column:participants;not null;default:0"`
	CreatedBy      *string `gorm:"column:created_by;size:64;index"`
	CreatedAtMilli int64   `gorm:"column:created_at_ms;not null;index"`
}

// TableName provides the explicit table binding for GORM.
func (Room) TableName() string {
	return "chatrooms"
}

// Membership records that an identity joined a room at least once.
type Membership struct {
	UserID        string `gorm:"column:user_id;primaryKey;size:64;not null"`
	RoomID        string `gorm:"column:room_id;primaryKey;size:64;not null;index"`
	JoinedAtMilli int64  `gorm:"column:joined_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Membership) TableName() string {
	return "room_members"
}

// Member is a ledger row joined with its identity.
type Member struct {
	ID       string `gorm:"column:id"`
	Username string `gorm:"column:username"`
}

// CreateRoomInput carries the caller-supplied fields of a new room.
type CreateRoomInput struct {
	Name        string
	Description string
	Topic       string
	IsPublic    *bool
}
