package finding

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"

	findingrepo "github.com/Ramsey-B/thistle/internal/repositories/finding"
	resourcerepo "github.com/Ramsey-B/thistle/internal/repositories/resource"
	"github.com/Ramsey-B/thistle/pkg/database"
	apperrors "github.com/Ramsey-B/thistle/pkg/errors"
	"github.com/Ramsey-B/thistle/pkg/locks"
	"github.com/Ramsey-B/thistle/pkg/metrics"
	"github.com/Ramsey-B/thistle/pkg/models"
	"github.com/Ramsey-B/thistle/pkg/tenancy"
	"github.com/Ramsey-B/thistle/pkg/tracing"
	"github.com/Ramsey-B/thistle/pkg/utils"
)

// MaxPageSize caps the limit of a list request.
const MaxPageSize = 100

// ConnectionProvider resolves a tenant to its target's connection.
type ConnectionProvider interface {
	ForTenant(ctx context.Context, tenantID string) (context.Context, database.DB, error)
}

// Publisher announces stored findings.
type Publisher interface {
	PublishFindingIngested(ctx context.Context, target string, finding models.Finding) error
}

// Locker serialises ingestion of one (tenant, external id) across replicas.
type Locker interface {
	Acquire(ctx context.Context, key string) (*locks.Lock, error)
}

type Service struct {
	connections ConnectionProvider
	logger      ectologger.Logger
	publisher   Publisher
	locker      Locker
	now         func() time.Time
}

type Option func(*Service)

func WithPublisher(p Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

func WithLocker(l Locker) Option {
	return func(s *Service) { s.locker = l }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(connections ConnectionProvider, logger ectologger.Logger, opts ...Option) *Service {
	s := &Service{
		connections: connections,
		logger:      logger,
		now:         findingrepo.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ingest stores a finding and its resource for tenantID. The tenant argument
// always wins over any tenant in the input. A finding whose external id the
// tenant already has is rejected with a duplicate error, whether caught by the
// pre-check or by the store's key constraint.
func (s *Service) Ingest(ctx context.Context, tenantID string, input models.FindingInput) (models.Finding, error) {
	ctx, span := tracing.StartSpan(ctx, "finding.Ingest")
	defer span.End()

	tenantID = strings.TrimSpace(tenantID)
	if err := checkTenantID(tenantID); err != nil {
		return models.Finding{}, err
	}
	if _, err := utils.Validate(input); err != nil {
		return models.Finding{}, apperrors.Validation(err)
	}

	ctx, db, err := s.connections.ForTenant(ctx, tenantID)
	if err != nil {
		tracing.RecordError(span, err)
		return models.Finding{}, err
	}

	target := db.Name()
	start := time.Now()
	finding, err := s.ingest(ctx, db, tenantID, input)
	metrics.IngestDuration.WithLabelValues(target).Observe(time.Since(start).Seconds())
	metrics.FindingsIngestedTotal.WithLabelValues(target, outcome(err)).Inc()
	if err != nil {
		tracing.RecordError(span, err)
		return models.Finding{}, err
	}

	s.logger.WithContext(ctx).WithFields(map[string]any{
		"tenant_id":   tenantID,
		"external_id": finding.ExternalID,
		"target":      target,
	}).Info("Ingested finding")

	if s.publisher != nil {
		if err := s.publisher.PublishFindingIngested(ctx, target, finding); err != nil {
			s.logger.WithContext(ctx).WithError(err).WithField("external_id", finding.ExternalID).Warn("Failed to publish finding event")
		}
	}

	return finding, nil
}

func (s *Service) ingest(ctx context.Context, db database.DB, tenantID string, input models.FindingInput) (models.Finding, error) {
	logger := s.logger.WithContext(ctx).WithFields(map[string]any{
		"tenant_id":   tenantID,
		"external_id": input.ExternalID,
		"target":      db.Name(),
	})

	if s.locker != nil {
		lock, err := s.locker.Acquire(ctx, locks.FindingKey(tenantID, input.ExternalID))
		// the pre-check and the key constraint decide duplicates; the lock only narrows the race
		switch {
		case errors.Is(err, locks.ErrLockNotAcquired):
			logger.Info("Finding lock still held by another ingestion, continuing without it")
		case err != nil:
			logger.WithError(err).Warn("Failed to acquire finding lock, continuing without it")
		default:
			defer func() {
				if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
					logger.WithError(err).Warn("Failed to release finding lock")
				}
			}()
		}
	}

	findings := findingrepo.NewRepository(db, s.logger)

	exists, err := findings.Exists(ctx, tenantID, input.ExternalID)
	if err != nil {
		return models.Finding{}, err
	}
	if exists {
		logger.Info("Finding already exists")
		return models.Finding{}, apperrors.Duplicate(input.ExternalID)
	}

	finding := input.ToFinding(tenantID, s.now())
	if err := s.persist(ctx, db, &finding); err != nil {
		// a concurrent writer of the same finding can win the resource insert first
		if !errors.Is(err, apperrors.ErrDuplicate) && database.IsUniqueViolation(err) {
			if exists, checkErr := findings.Exists(ctx, tenantID, input.ExternalID); checkErr == nil && exists {
				return models.Finding{}, apperrors.Duplicate(input.ExternalID)
			}
		}
		return models.Finding{}, err
	}
	return finding, nil
}

// persist writes the resource then the finding in one transaction.
func (s *Service) persist(ctx context.Context, db database.DB, finding *models.Finding) (err error) {
	ctx, tx, err := db.GetTx(ctx, nil)
	if err != nil {
		return apperrors.Storage(err, "failed to begin transaction")
	}
	defer func() {
		if err == nil {
			return
		}
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			s.logger.WithContext(ctx).WithError(rbErr).Error("Failed to roll back finding transaction")
		}
	}()

	if err = resourcerepo.NewRepository(db, s.logger).Create(ctx, &finding.Resource); err != nil {
		return err
	}
	if err = findingrepo.NewRepository(db, s.logger).Create(ctx, finding); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return apperrors.Storage(err, "failed to commit finding")
	}
	return nil
}

// ListByTenant returns one page of a tenant's findings. An empty page is not
// an error. Limits above MaxPageSize are clamped.
func (s *Service) ListByTenant(ctx context.Context, tenantID string, page, limit int) (models.Page[models.Finding], error) {
	ctx, span := tracing.StartSpan(ctx, "finding.ListByTenant")
	defer span.End()

	tenantID = strings.TrimSpace(tenantID)
	if err := checkTenantID(tenantID); err != nil {
		return models.Page[models.Finding]{}, err
	}
	if page < 1 {
		return models.Page[models.Finding]{}, apperrors.New(apperrors.KindValidation, "page must be at least 1")
	}
	if limit < 1 {
		return models.Page[models.Finding]{}, apperrors.New(apperrors.KindValidation, "limit must be at least 1")
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}

	ctx, db, err := s.connections.ForTenant(ctx, tenantID)
	if err != nil {
		tracing.RecordError(span, err)
		return models.Page[models.Finding]{}, err
	}

	result, err := s.list(ctx, db, tenantID, page, limit)
	metrics.ListRequestsTotal.WithLabelValues(db.Name(), outcome(err)).Inc()
	if err != nil {
		tracing.RecordError(span, err)
		return models.Page[models.Finding]{}, err
	}
	return result, nil
}

func (s *Service) list(ctx context.Context, db database.DB, tenantID string, page, limit int) (models.Page[models.Finding], error) {
	findings := findingrepo.NewRepository(db, s.logger)

	total, err := findings.CountByTenant(ctx, tenantID)
	if err != nil {
		return models.Page[models.Finding]{}, err
	}

	result := models.Page[models.Finding]{
		Items:      []models.Finding{},
		Page:       page,
		Limit:      limit,
		TotalCount: total,
		TotalPages: models.TotalPagesFor(total, limit),
	}

	// past the last page; also keeps (page-1)*limit below total so it cannot overflow
	if page > result.TotalPages {
		return result, nil
	}

	items, err := findings.ListByTenant(ctx, tenantID, (page-1)*limit, limit)
	if err != nil {
		return models.Page[models.Finding]{}, err
	}
	result.Items = items

	s.logger.WithContext(ctx).WithFields(map[string]any{
		"tenant_id":   tenantID,
		"page":        page,
		"limit":       limit,
		"total_count": total,
		"returned":    len(items),
	}).Debug("Listed findings")

	return result, nil
}

func checkTenantID(tenantID string) error {
	if tenantID == "" {
		return apperrors.New(apperrors.KindValidation, "tenantID is required")
	}
	if tenancy.IsReservedTenantID(tenantID) {
		return apperrors.New(apperrors.KindValidation, "tenantID "+tenantID+" is reserved")
	}
	return nil
}

func outcome(err error) string {
	if err == nil {
		return metrics.OutcomeSuccess
	}
	return apperrors.KindOf(err).String()
}
