package access

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ServiceConfig describes the dependencies required for voter grants.
type ServiceConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// Service tracks which users currently hold the voter role.
type Service struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewService constructs the grant service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("access: database connection required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: cfg.Database, logger: logger}, nil
}

// Grant records that userID voted for serverID at the given instant.
// A second grant for the same user replaces the first.
func (s *Service) Grant(ctx context.Context, userID, serverID string, at time.Time) error {
	userID = normalize(userID)
	if userID == "" {
		return ErrInvalidUserID
	}
	grant := Grant{
		UserID:           userID,
		ServerID:         normalize(serverID),
		GrantedAtSeconds: at.UTC().Unix(),
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"server_id", "granted_at_s"}),
		}).
		Create(&grant).Error
	if err != nil {
		return fmt.Errorf("access: grant %s: %w", userID, err)
	}
	return nil
}

// Holders returns every user currently holding a grant, ordered by user id.
func (s *Service) Holders(ctx context.Context) ([]Grant, error) {
	var grants []Grant
	if err := s.db.WithContext(ctx).Order("user_id ASC").Find(&grants).Error; err != nil {
		return nil, fmt.Errorf("access: list grants: %w", err)
	}
	return grants, nil
}

// ExpireAll removes every grant and returns the user ids that lost one.
func (s *Service) ExpireAll(ctx context.Context) ([]string, error) {
	var expired []string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var grants []Grant
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Order("user_id ASC").Find(&grants).Error; err != nil {
			return err
		}
		if len(grants) == 0 {
			return nil
		}
		userIDs := make([]string, 0, len(grants))
		for _, grant := range grants {
			userIDs = append(userIDs, grant.UserID)
		}
		if err := tx.Where("user_id IN ?", userIDs).Delete(&Grant{}).Error; err != nil {
			return err
		}
		expired = userIDs
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("access: expire grants: %w", err)
	}
	if len(expired) > 0 {
		s.logger.Info("voter grants expired", zap.Int("count", len(expired)))
	}
	return expired, nil
}
