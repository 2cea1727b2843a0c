package finding

import (
	"context"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/thistle/pkg/database"
	apperrors "github.com/Ramsey-B/thistle/pkg/errors"
	"github.com/Ramsey-B/thistle/pkg/models"
	"github.com/Ramsey-B/thistle/pkg/tracing"
)

// FindingRepository defines the interface for finding data access
type FindingRepository interface {
	Exists(ctx context.Context, tenantID, externalID string) (bool, error)
	Create(ctx context.Context, finding *models.Finding) error
	CountByTenant(ctx context.Context, tenantID string) (int64, error)
	ListByTenant(ctx context.Context, tenantID string, offset, limit int) ([]models.Finding, error)
}

// Repository implements FindingRepository against one target
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new finding repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Exists reports whether the tenant already has a finding with externalID
func (r *Repository) Exists(ctx context.Context, tenantID, externalID string) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "FindingRepository.Exists")
	defer span.End()

	sb := database.NewSelectBuilder(r.db.Flavor())
	sb.Select("COUNT(*)").From(findingsTable)
	sb.Where(
		sb.Equal("tenant_id", tenantID),
		sb.Equal("external_id", externalID),
	)
	query, args := sb.Build()

	var count int64
	if err := r.db.Executor(ctx).GetContext(ctx, &count, query, args...); err != nil {
		tracing.RecordError(span, err)
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"tenant_id":   tenantID,
			"external_id": externalID,
		}).Error("Failed to check for existing finding")
		return false, apperrors.Storage(err, "failed to check for existing finding")
	}

	return count > 0, nil
}

// Create inserts a finding. A key conflict is reported as a duplicate.
func (r *Repository) Create(ctx context.Context, finding *models.Finding) error {
	ctx, span := tracing.StartSpan(ctx, "FindingRepository.Create")
	defer span.End()

	ib := findingStruct.For(r.db.Flavor()).InsertInto(findingsTable, FromFinding(finding))
	query, args := ib.Build()

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"tenant_id":   finding.TenantID,
		"external_id": finding.ExternalID,
		"target":      r.db.Name(),
	}).Debug("Creating finding")

	_, err := r.db.Executor(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		tracing.RecordError(span, err)
		// the resource row is written first in the same transaction, so the
		// only unique key left to violate here is (tenant_id, external_id)
		if database.IsUniqueViolation(err) {
			r.logger.WithContext(ctx).WithField("external_id", finding.ExternalID).Warn("Finding key conflict on insert")
			return apperrors.Duplicate(finding.ExternalID)
		}
		r.logger.WithContext(ctx).WithError(err).WithField("external_id", finding.ExternalID).Error("Failed to create finding")
		return apperrors.Storage(err, "failed to create finding")
	}

	return nil
}

// CountByTenant returns the number of findings stored for a tenant
func (r *Repository) CountByTenant(ctx context.Context, tenantID string) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "FindingRepository.CountByTenant")
	defer span.End()

	sb := database.NewSelectBuilder(r.db.Flavor())
	sb.Select("COUNT(*)").From(findingsTable)
	sb.Where(sb.Equal("tenant_id", tenantID))
	query, args := sb.Build()

	var count int64
	if err := r.db.Executor(ctx).GetContext(ctx, &count, query, args...); err != nil {
		tracing.RecordError(span, err)
		r.logger.WithContext(ctx).WithError(err).WithField("tenant_id", tenantID).Error("Failed to count findings")
		return 0, apperrors.Storage(err, "failed to count findings")
	}

	return count, nil
}

// ListByTenant returns one window of a tenant's findings ordered by
// created_at then external_id
func (r *Repository) ListByTenant(ctx context.Context, tenantID string, offset, limit int) ([]models.Finding, error) {
	ctx, span := tracing.StartSpan(ctx, "FindingRepository.ListByTenant")
	defer span.End()

	sb := database.NewSelectBuilder(r.db.Flavor())
	sb.Select(selectColumns...).From(findingsTable)
	sb.Join(resourcesTable, "resources.unique_id = findings.resource_unique_id")
	sb.Where(sb.Equal("findings.tenant_id", tenantID))
	sb.OrderBy("findings.created_at", "findings.external_id").Asc()
	sb.Limit(limit).Offset(offset)
	query, args := sb.Build()

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"tenant_id": tenantID,
		"offset":    offset,
		"limit":     limit,
	}).Debug("Listing findings")

	var rows []FindingResourceRow
	if err := r.db.Executor(ctx).SelectContext(ctx, &rows, query, args...); err != nil {
		tracing.RecordError(span, err)
		r.logger.WithContext(ctx).WithError(err).WithField("tenant_id", tenantID).Error("Failed to list findings")
		return nil, apperrors.Storage(err, "failed to list findings")
	}

	return ToFindings(rows), nil
}
