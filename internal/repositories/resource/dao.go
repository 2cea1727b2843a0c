package resource

import (
	"database/sql"

	"github.com/Ramsey-B/thistle/pkg/database"
	"github.com/Ramsey-B/thistle/pkg/models"
)

const (
	resourcesTable = "resources"
)

// ResourceRow represents the database row for a resource
type ResourceRow struct {
	UniqueID     sql.NullString `db:"unique_id"`
	Name         sql.NullString `db:"name"`
	CloudAccount sql.NullString `db:"cloud_account"`
}

var resourceStruct = database.NewStruct(new(ResourceRow))

// FromResource converts a domain model to a database row
func FromResource(r *models.Resource) *ResourceRow {
	return &ResourceRow{
		UniqueID:     sql.NullString{String: r.UniqueID, Valid: r.UniqueID != ""},
		Name:         sql.NullString{String: r.Name, Valid: true},
		CloudAccount: sql.NullString{String: r.CloudAccount, Valid: true},
	}
}
