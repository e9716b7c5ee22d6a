package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

const (
	opServiceNew          = "registry.service.new"
	opAddServer           = "registry.add_server"
	opGetServer           = "registry.get_server"
	opListServers         = "registry.list_servers"
	opUpdateServer        = "registry.update_server"
	opResetVoteCounts     = "registry.reset_vote_counts"
	queryServerID         = "server_id = ?"
	queryNameKey          = "name_key = ?"
	orderCreation         = "created_at_s ASC, server_id ASC"
	reasonMissingDatabase = "missing_database"
	reasonQueryFailed     = "query_failed"
	reasonInsertFailed    = "insert_failed"
	reasonUpdateFailed    = "update_failed"
	reasonIDFailed        = "id_generation_failed"
)

// ServiceError carries a stable "<operation>.<reason>" code alongside the cause.
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

// Code returns the stable error code.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: operation + "." + reason, err: cause}
}

// IDProvider issues synthetic server identifiers.
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

// ServiceConfig describes the dependencies of the registry.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service is the durable catalogue of listed servers.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewService validates the configuration and builds the registry.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDatabase, errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// AddServer registers a new server under a fresh synthetic identifier.
// Names are unique ignoring case. Premium defaults to true when an image is supplied.
func (s *Service) AddServer(ctx context.Context, spec Spec) (Server, error) {
	name, nameKey, err := normalizeName(spec.Name)
	if err != nil {
		return Server{}, err
	}

	server := Server{Name: name, NameKey: nameKey}
	if err := spec.Metadata.apply(&server); err != nil {
		return Server{}, err
	}
	server.IsPremium = server.ImageURL != ""
	if spec.Premium != nil {
		server.IsPremium = *spec.Premium
	}

	var existing int64
	if err := s.db.WithContext(ctx).Model(&Server{}).Where(queryNameKey, nameKey).Count(&existing).Error; err != nil {
		s.logError(opAddServer, reasonQueryFailed, err, zap.String("name", name))
		return Server{}, newServiceError(opAddServer, reasonQueryFailed, err)
	}
	if existing > 0 {
		return Server{}, fmt.Errorf("%w: %s", ErrDuplicateServerName, name)
	}

	serverID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opAddServer, reasonIDFailed, err, zap.String("name", name))
		return Server{}, newServiceError(opAddServer, reasonIDFailed, err)
	}
	server.ServerID = serverID
	server.CreatedAtSeconds = s.clock().UTC().Unix()

	if err := s.db.WithContext(ctx).Create(&server).Error; err != nil {
		if isUniqueViolation(err) {
			return Server{}, fmt.Errorf("%w: %s", ErrDuplicateServerName, name)
		}
		s.logError(opAddServer, reasonInsertFailed, err, zap.String("name", name))
		return Server{}, newServiceError(opAddServer, reasonInsertFailed, err)
	}

	s.logger.Info("server registered",
		zap.String("server_id", server.ServerID),
		zap.String("name", server.Name),
		zap.Bool("premium", server.IsPremium))
	return server, nil
}

// Get returns the server with the given identifier.
func (s *Service) Get(ctx context.Context, serverID string) (Server, error) {
	return s.take(ctx, queryServerID, strings.TrimSpace(serverID))
}

func (s *Service) take(ctx context.Context, query string, value string) (Server, error) {
	if value == "" {
		return Server{}, ErrServerNotFound
	}
	var server Server
	err := s.db.WithContext(ctx).Where(query, value).Take(&server).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Server{}, ErrServerNotFound
	}
	if err != nil {
		s.logError(opGetServer, reasonQueryFailed, err, zap.String("lookup", value))
		return Server{}, newServiceError(opGetServer, reasonQueryFailed, err)
	}
	return server, nil
}

// Exists reports whether a server with the identifier is registered.
func (s *Service) Exists(ctx context.Context, serverID string) (bool, error) {
	_, err := s.Get(ctx, serverID)
	if errors.Is(err, ErrServerNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// List returns every registered server in creation order.
func (s *Service) List(ctx context.Context) ([]Server, error) {
	var servers []Server
	if err := s.db.WithContext(ctx).Order(orderCreation).Find(&servers).Error; err != nil {
		s.logError(opListServers, reasonQueryFailed, err)
		return nil, newServiceError(opListServers, reasonQueryFailed, err)
	}
	return servers, nil
}

// MessageRefs returns the durable server to message mapping used to reattach controls.
func (s *Service) MessageRefs(ctx context.Context) ([]MessageRef, error) {
	servers, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	refs := make([]MessageRef, 0, len(servers))
	for _, server := range servers {
		if server.ListingMessageID == "" && server.LeaderboardMessageID == "" {
			continue
		}
		refs = append(refs, MessageRef{
			ServerID:             server.ServerID,
			Name:                 server.Name,
			ListingMessageID:     server.ListingMessageID,
			LeaderboardMessageID: server.LeaderboardMessageID,
		})
	}
	return refs, nil
}

// UpdateMetadata replaces the display fields of a server.
func (s *Service) UpdateMetadata(ctx context.Context, serverID string, metadata Metadata) (Server, error) {
	var staged Server
	if err := metadata.apply(&staged); err != nil {
		return Server{}, err
	}
	updates := map[string]interface{}{
		"chronicle":      staged.Chronicle,
		"style":          staged.Style,
		"rates":          staged.Rates,
		"spoil":          staged.Spoil,
		"website":        staged.Website,
		"discord_invite": staged.DiscordInvite,
		"thumbnail_url":  staged.ThumbnailURL,
		"image_url":      staged.ImageURL,
		"features":       staged.Features,
	}
	if err := s.update(ctx, serverID, updates); err != nil {
		return Server{}, err
	}
	return s.Get(ctx, serverID)
}

// SetPremium toggles the premium flag.
func (s *Service) SetPremium(ctx context.Context, serverID string, premium bool) error {
	return s.update(ctx, serverID, map[string]interface{}{"is_premium": premium})
}

// SetVoteCount stores the cached display vote count.
func (s *Service) SetVoteCount(ctx context.Context, serverID string, votes int64) error {
	return s.update(ctx, serverID, map[string]interface{}{"votes": votes})
}

// SetListingMessage records the server-list message that displays the server.
func (s *Service) SetListingMessage(ctx context.Context, serverID, messageID string) error {
	return s.update(ctx, serverID, map[string]interface{}{"listing_message_id": messageID})
}

// SetLeaderboardMessage records the leaderboard message that displays the server.
func (s *Service) SetLeaderboardMessage(ctx context.Context, serverID, messageID string) error {
	return s.update(ctx, serverID, map[string]interface{}{"leaderboard_message_id": messageID})
}

// ResetVoteCounts zeroes the cached display count of every server.
func (s *Service) ResetVoteCounts(ctx context.Context) error {
	err := s.db.WithContext(ctx).
		Model(&Server{}).
		Where("votes <> 0").
		Update("votes", 0).Error
	if err != nil {
		s.logError(opResetVoteCounts, reasonUpdateFailed, err)
		return newServiceError(opResetVoteCounts, reasonUpdateFailed, err)
	}
	return nil
}

func (s *Service) update(ctx context.Context, serverID string, updates map[string]interface{}) error {
	result := s.db.WithContext(ctx).
		Model(&Server{}).
		Where(queryServerID, strings.TrimSpace(serverID)).
		Updates(updates)
	if result.Error != nil {
		s.logError(opUpdateServer, reasonUpdateFailed, result.Error, zap.String("server_id", serverID))
		return newServiceError(opUpdateServer, reasonUpdateFailed, result.Error)
	}
	if result.RowsAffected == 0 {
		exists, err := s.Exists(ctx, serverID)
		if err != nil {
			return err
		}
		if !exists {
			return ErrServerNotFound
		}
	}
	return nil
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
	s.logger.Error("registry service error", attrs...)
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "unique constraint") || strings.Contains(message, "duplicate key")
}
