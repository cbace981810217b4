package users

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/polychat/internal/apperr"
	"github.com/MarcoPoloResearchLab/polychat/internal/auth"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var validate = validator.New()

// ServiceConfig describes the dependencies required for identity management.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service registers, authenticates and resolves identities.
type Service struct {
	db     *gorm.DB
	now    func() time.Time
	logger *zap.Logger
	names  sync.Map
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:     cfg.Database,
		now:    clock,
		logger: logger,
	}, nil
}

type registration struct {
	Username string `validate:"required,min=3,max=50"`
	Email    string `validate:"required,email"`
	Password string `validate:"required,min=6,max=72"`
}

// Register creates an identity. Taken emails or usernames fail with apperr.ErrConflict.
func (s *Service) Register(ctx context.Context, username, email, password string) (User, error) {
	input := registration{
		Username: normalize(username),
		Email:    normalizeEmail(email),
		Password: password,
	}
	if err := validate.Struct(input); err != nil {
		return User{}, fmt.Errorf("%w: %v", apperr.ErrInvalidInput, err)
	}

	var existing int64
	if err := s.db.WithContext(ctx).Model(&User{}).
		Where("email = ? OR username = ?", input.Email, input.Username).
		Count(&existing).Error; err != nil {
		return User{}, fmt.Errorf("%w: %v", apperr.ErrInternal, err)
	}
	if existing > 0 {
		return User{}, fmt.Errorf("%w: email or username already taken", apperr.ErrConflict)
	}

	hash, err := auth.HashPassword(input.Password)
	if err != nil {
		return User{}, fmt.Errorf("%w: %v", apperr.ErrInternal, err)
	}
	identifier, err := uuid.NewV7()
	if err != nil {
		return User{}, fmt.Errorf("%w: %v", apperr.ErrInternal, err)
	}

	user := User{
		ID:             identifier.String(),
		Username:       input.Username,
		Email:          input.Email,
		PasswordHash:   hash,
		CreatedAtMilli: s.now().UTC().UnixMilli(),
	}
	if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return User{}, fmt.Errorf("%w: email or username already taken", apperr.ErrConflict)
		}
		s.logger.Error("user insert failed", zap.Error(err))
		return User{}, fmt.Errorf("%w: %v", apperr.ErrInternal, err)
	}

	s.names.Store(user.ID, user.Username)
	return user, nil
}

// Authenticate returns the identity matching the credentials.
func (s *Service) Authenticate(ctx context.Context, email, password string) (User, error) {
	var user User
	err := s.db.WithContext(ctx).Where("email = ?", normalizeEmail(email)).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, fmt.Errorf("%w: user not found", apperr.ErrInvalidInput)
	}
	if err != nil {
		return User{}, fmt.Errorf("%w: %v", apperr.ErrInternal, err)
	}
	if err := auth.ComparePassword(user.PasswordHash, password); err != nil {
		return User{}, fmt.Errorf("%w: invalid password", apperr.ErrInvalidInput)
	}
	s.names.Store(user.ID, user.Username)
	return user, nil
}

// Get loads an identity by id.
func (s *Service) Get(ctx context.Context, userID string) (User, error) {
	identifier := normalize(userID)
	if identifier == "" {
		return User{}, fmt.Errorf("%w: user id required", apperr.ErrInvalidInput)
	}
	var user User
	err := s.db.WithContext(ctx).Where("id = ?", identifier).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, fmt.Errorf("%w: user %s", apperr.ErrNotFound, identifier)
	}
	if err != nil {
		return User{}, fmt.Errorf("%w: %v", apperr.ErrInternal, err)
	}
	return user, nil
}

// DisplayName resolves the username of an identity, caching the result.
func (s *Service) DisplayName(ctx context.Context, userID string) (string, error) {
	if cached, ok := s.names.Load(userID); ok {
		if name, ok := cached.(string); ok {
			return name, nil
		}
	}
	user, err := s.Get(ctx, userID)
	if err != nil {
		return "", err
	}
	s.names.Store(user.ID, user.Username)
	return user.Username, nil
}
