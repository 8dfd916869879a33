package record

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("batch id provider is required")
	noOpLogger           = zap.NewNop()
)

const (
	opServiceNew       = "record.service.new"
	opCreateInitial    = "record.create_initial_version"
	opSupersede        = "record.supersede"
	opResolveChainHead = "record.resolve_chain_head"
	opVersionChain     = "record.version_chain"
	opApplyBatch       = "record.apply_upload_batch"
	opForcePreserve    = "record.force_preserve_table"
	opDeleteRecords    = "record.delete_logical_records"
	opEraseRecord      = "record.erase_logical_record"
	opChildren         = "record.children"
	opCurrentRecords   = "record.current_records"
	opPendingVersions  = "record.pending_versions"
)

// IDProvider issues opaque identifiers for upload batches.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig describes the dependencies of the versioning service.
type ServiceConfig struct {
	Database        *gorm.DB
	Clock           func() time.Time
	BatchIDProvider IDProvider
	Logger          *zap.Logger
}

// Service applies the record identity, versioning, and lifecycle rules. It
// holds no mutable state between calls; every operation runs inside a single
// database transaction, and all invariants are expressed through what one
// committed transaction enforces.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewService validates the configuration and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.BatchIDProvider == nil {
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
		idProvider: cfg.BatchIDProvider,
		logger:     logger,
	}, nil
}

// WithTx returns a copy of the service bound to an open transaction, so a
// caller can compose several operations atomically. Nested operations then
// run as savepoints inside the caller's transaction.
func (s *Service) WithTx(tx *gorm.DB) *Service {
	if tx == nil {
		return s
	}
	clone := *s
	clone.db = tx
	return &clone
}

// ActingContext identifies who is performing a mutation and which upload
// batch (if any) it belongs to. It is passed explicitly into every operation;
// the service never reaches for ambient state.
type ActingContext struct {
	UserID        int64
	BatchTime     time.Time
	ClientVersion string
}

func (a ActingContext) userIDPtr() *int64 {
	if a.UserID <= 0 {
		return nil
	}
	id := a.UserID
	return &id
}

var columnNamePattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// validColumn guards column names that are interpolated into SQL fragments.
func validColumn(name string) error {
	if !columnNamePattern.MatchString(name) {
		return fmt.Errorf("record: invalid column name %q", name)
	}
	return nil
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
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
	s.loggerOrDefault().Error("record service error", attrs...)
}
