// Package registry управляет регистрацией клинических узлов, их токенами и конфигурацией синхронизации.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/iudanet/clinicsync/internal/crypto"
	"github.com/iudanet/clinicsync/internal/models"
	"github.com/iudanet/clinicsync/internal/server/storage"
	"github.com/iudanet/clinicsync/internal/validation"
)

const (
	// DefaultPushInterval период push по умолчанию для новых узлов
	DefaultPushInterval = 30 * time.Second
	// DefaultPullInterval период pull по умолчанию для новых узлов
	DefaultPullInterval = time.Minute
)

var (
	// ErrInvalidNode некорректные параметры регистрации
	ErrInvalidNode = errors.New("invalid node registration")
	// ErrUnauthorized токен не прошел проверку или отозван
	ErrUnauthorized = errors.New("unauthorized")
)

// RegisterParams параметры регистрации узла
type RegisterParams struct {
	SyncEnabled       *bool
	NodeID            string
	DisplayName       string
	SyncedCollections []string
	PushInterval      time.Duration
	PullInterval      time.Duration
}

// Service реестр узлов
type Service struct {
	store  storage.NodeStorage
	logger *slog.Logger
	tokens TokenConfig
	now    func() time.Time
}

// NewService создает новый экземпляр Service
func NewService(store storage.NodeStorage, tokens TokenConfig, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		logger: logger,
		tokens: tokens,
		now:    time.Now,
	}
}

// Register создает регистрацию и выдает authToken.
// Токен возвращается один раз, в реестре хранится только его отпечаток.
func (s *Service) Register(ctx context.Context, params RegisterParams) (*models.NodeRegistration, string, error) {
	if err := validation.ValidateNodeID(params.NodeID); err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidNode, err)
	}
	for _, c := range params.SyncedCollections {
		if err := validation.ValidateCollection(c); err != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrInvalidNode, err)
		}
	}
	if params.PushInterval < 0 || params.PullInterval < 0 {
		return nil, "", fmt.Errorf("%w: intervals must not be negative", ErrInvalidNode)
	}

	now := s.now()
	node := &models.NodeRegistration{
		NodeID:       params.NodeID,
		DisplayName:  params.DisplayName,
		SyncEnabled:  true,
		PushInterval: params.PushInterval,
		PullInterval: params.PullInterval,
		CreatedAt:    now,
	}
	if node.DisplayName == "" {
		node.DisplayName = params.NodeID
	}
	if params.SyncEnabled != nil {
		node.SyncEnabled = *params.SyncEnabled
	}
	if node.PushInterval == 0 {
		node.PushInterval = DefaultPushInterval
	}
	if node.PullInterval == 0 {
		node.PullInterval = DefaultPullInterval
	}
	if len(params.SyncedCollections) > 0 {
		node.SyncedCollections = slices.Compact(slices.Sorted(slices.Values(params.SyncedCollections)))
	}

	token, hash, err := s.issueToken(node.NodeID, now)
	if err != nil {
		return nil, "", err
	}
	node.TokenHash = hash

	if err := s.store.CreateNode(ctx, node); err != nil {
		return nil, "", err
	}

	s.logger.Info("Node registered", "node_id", node.NodeID, "collections", node.SyncedCollections)
	return node, token, nil
}

// RotateToken выпускает новый токен, старый перестает приниматься
func (s *Service) RotateToken(ctx context.Context, nodeID string) (string, error) {
	token, hash, err := s.issueToken(nodeID, s.now())
	if err != nil {
		return "", err
	}

	if err := s.store.UpdateNodeToken(ctx, nodeID, hash); err != nil {
		return "", err
	}

	s.logger.Info("Node token rotated", "node_id", nodeID)
	return token, nil
}

// Authenticate проверяет токен узла: подпись JWT, совпадение nodeId и отпечатка в реестре
func (s *Service) Authenticate(ctx context.Context, nodeID, token string) (*models.NodeRegistration, error) {
	claims, err := ValidateNodeToken(s.tokens, token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if claims.NodeID != nodeID {
		return nil, fmt.Errorf("%w: token issued for another node", ErrUnauthorized)
	}

	node, err := s.store.GetNode(ctx, nodeID)
	if err != nil {
		if errors.Is(err, storage.ErrNodeNotFound) {
			return nil, fmt.Errorf("%w: unknown node", ErrUnauthorized)
		}
		return nil, fmt.Errorf("failed to get node: %w", err)
	}

	if err := crypto.VerifyToken(token, node.TokenHash); err != nil {
		return nil, fmt.Errorf("%w: token revoked", ErrUnauthorized)
	}

	return node, nil
}

// UpdateLastSeen фиксирует успешный push или pull
func (s *Service) UpdateLastSeen(ctx context.Context, nodeID string, kind models.ContactKind) error {
	return s.store.TouchNode(ctx, nodeID, kind, s.now())
}

// GetConfig возвращает коллекции и периодичность синхронизации узла
func (s *Service) GetConfig(ctx context.Context, nodeID string) (*models.NodeConfig, error) {
	node, err := s.store.GetNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}

	return &models.NodeConfig{
		NodeID:            node.NodeID,
		SyncedCollections: node.SyncedCollections,
		PushInterval:      node.PushInterval,
		PullInterval:      node.PullInterval,
		SyncEnabled:       node.SyncEnabled,
	}, nil
}

// SetSyncEnabled включает или выключает синхронизацию узла
func (s *Service) SetSyncEnabled(ctx context.Context, nodeID string, enabled bool) error {
	if err := s.store.SetSyncEnabled(ctx, nodeID, enabled); err != nil {
		return err
	}
	s.logger.Info("Node sync toggled", "node_id", nodeID, "enabled", enabled)
	return nil
}

// List возвращает все зарегистрированные узлы
func (s *Service) List(ctx context.Context) ([]*models.NodeRegistration, error) {
	return s.store.ListNodes(ctx)
}

// ListOnline возвращает узлы, выходившие на связь не позже timeout назад
func (s *Service) ListOnline(ctx context.Context, timeout time.Duration) ([]*models.NodeRegistration, error) {
	nodes, err := s.store.ListNodes(ctx)
	if err != nil {
		return nil, err
	}

	now := s.now()
	online := make([]*models.NodeRegistration, 0, len(nodes))
	for _, n := range nodes {
		if n.Online(now, timeout) {
			online = append(online, n)
		}
	}
	return online, nil
}

func (s *Service) issueToken(nodeID string, now time.Time) (string, string, error) {
	token, err := GenerateNodeToken(s.tokens, nodeID, now)
	if err != nil {
		return "", "", err
	}

	hash, err := crypto.FingerprintToken(token)
	if err != nil {
		return "", "", fmt.Errorf("failed to fingerprint token: %w", err)
	}
	return token, hash, nil
}
