package resource

import (
	"context"
	"fmt"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/thistle/pkg/database"
	apperrors "github.com/Ramsey-B/thistle/pkg/errors"
	"github.com/Ramsey-B/thistle/pkg/models"
	"github.com/Ramsey-B/thistle/pkg/tracing"
)

// ResourceRepository defines the interface for resource data access
type ResourceRepository interface {
	Create(ctx context.Context, resource *models.Resource) error
	Count(ctx context.Context) (int64, error)
}

// Repository implements ResourceRepository against one target
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new resource repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Create inserts a resource. Resources are never deduplicated, so an existing
// unique_id is a storage error.
func (r *Repository) Create(ctx context.Context, resource *models.Resource) error {
	ctx, span := tracing.StartSpan(ctx, "ResourceRepository.Create")
	defer span.End()

	ib := resourceStruct.For(r.db.Flavor()).InsertInto(resourcesTable, FromResource(resource))
	query, args := ib.Build()

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"unique_id": resource.UniqueID,
		"target":    r.db.Name(),
	}).Debug("Creating resource")

	_, err := r.db.Executor(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		tracing.RecordError(span, err)
		r.logger.WithContext(ctx).WithError(err).WithField("unique_id", resource.UniqueID).Error("Failed to create resource")
		if database.IsUniqueViolation(err) {
			return apperrors.Storage(err, fmt.Sprintf("resource %q already exists", resource.UniqueID))
		}
		return apperrors.Storage(err, "failed to create resource")
	}

	return nil
}

// Count returns the number of resources stored in the target
func (r *Repository) Count(ctx context.Context) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "ResourceRepository.Count")
	defer span.End()

	sb := database.NewSelectBuilder(r.db.Flavor())
	sb.Select("COUNT(*)").From(resourcesTable)
	query, args := sb.Build()

	var count int64
	if err := r.db.Executor(ctx).GetContext(ctx, &count, query, args...); err != nil {
		tracing.RecordError(span, err)
		r.logger.WithContext(ctx).WithError(err).Error("Failed to count resources")
		return 0, apperrors.Storage(err, "failed to count resources")
	}
	return count, nil
}
