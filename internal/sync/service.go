package sync

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/lodestar/backend/internal/issues"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opServiceNew = "sync.service.new"
	opPull       = "sync.pull"
	opPush       = "sync.push"

	defaultPullRowLimit  = 3000
	defaultTxMaxAttempts = 10
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingStore    = errors.New("mutation store is required")
	noOpLogger         = zap.NewNop()
)

// Poker is the injected notification capability. Delivery is best-effort
// and never load-bearing for sync correctness.
type Poker interface {
	Poke(channel string)
}

type noOpPoker struct{}

func (noOpPoker) Poke(string) {}

// ServiceConfig wires the sync service dependencies.
type ServiceConfig struct {
	Database      *gorm.DB
	Store         *issues.Store
	Clock         func() time.Time
	Logger        *zap.Logger
	Poker         Poker
	PullRowLimit  int
	TxMaxAttempts int
}

// Service implements the CVR-based pull/push reconciliation protocol.
type Service struct {
	db            *gorm.DB
	store         *issues.Store
	clock         func() time.Time
	logger        *zap.Logger
	poker         Poker
	pullRowLimit  int
	txMaxAttempts int
}

// NewService validates the configuration and constructs the sync service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Store == nil {
		return nil, newServiceError(opServiceNew, "missing_store", errMissingStore)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	poker := cfg.Poker
	if poker == nil {
		poker = noOpPoker{}
	}
	pullRowLimit := cfg.PullRowLimit
	if pullRowLimit <= 0 {
		pullRowLimit = defaultPullRowLimit
	}
	txMaxAttempts := cfg.TxMaxAttempts
	if txMaxAttempts <= 0 {
		txMaxAttempts = defaultTxMaxAttempts
	}

	return &Service{
		db:            cfg.Database,
		store:         cfg.Store,
		clock:         clock,
		logger:        logger,
		poker:         poker,
		pullRowLimit:  pullRowLimit,
		txMaxAttempts: txMaxAttempts,
	}, nil
}

func (s *Service) nowMS() int64 {
	return s.clock().UTC().UnixMilli()
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
	s.logger.Error("sync service error", attrs...)
}

func validateClientGroupID(operation, value string) error {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return newValidationError(operation, "missing_client_group_id", nil)
	}
	if len(trimmed) > 190 {
		return newValidationError(operation, "client_group_id_too_long",
			fmt.Errorf("client group id exceeds 190 characters"))
	}
	return nil
}
