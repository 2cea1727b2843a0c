package finding

import (
	"database/sql"
	"time"

	"github.com/Ramsey-B/thistle/pkg/database"
	"github.com/Ramsey-B/thistle/pkg/models"
)

const (
	findingsTable  = "findings"
	resourcesTable = "resources"
)

// FindingRow represents the database row for a finding
type FindingRow struct {
	TenantID         sql.NullString `db:"tenant_id"`
	ExternalID       sql.NullString `db:"external_id"`
	Type             sql.NullString `db:"type"`
	Title            sql.NullString `db:"title"`
	Severity         sql.NullString `db:"severity"`
	CreatedAt        sql.NullTime   `db:"created_at"`
	Sensor           sql.NullString `db:"sensor"`
	ResourceUniqueID sql.NullString `db:"resource_unique_id"`
	IngestedAt       sql.NullTime   `db:"ingested_at"`
}

// FindingResourceRow is a finding joined with its resource
type FindingResourceRow struct {
	FindingRow
	ResourceName         sql.NullString `db:"resource_name"`
	ResourceCloudAccount sql.NullString `db:"resource_cloud_account"`
}

var findingStruct = database.NewStruct(new(FindingRow))

// selectColumns lists the joined columns read by list queries
var selectColumns = []string{
	"findings.tenant_id",
	"findings.external_id",
	"findings.type",
	"findings.title",
	"findings.severity",
	"findings.created_at",
	"findings.sensor",
	"findings.resource_unique_id",
	"findings.ingested_at",
	"resources.name AS resource_name",
	"resources.cloud_account AS resource_cloud_account",
}

// FromFinding converts a domain model to a database row
func FromFinding(f *models.Finding) *FindingRow {
	return &FindingRow{
		TenantID:         sql.NullString{String: f.TenantID, Valid: f.TenantID != ""},
		ExternalID:       sql.NullString{String: f.ExternalID, Valid: f.ExternalID != ""},
		Type:             sql.NullString{String: f.Type, Valid: true},
		Title:            sql.NullString{String: f.Title, Valid: true},
		Severity:         sql.NullString{String: string(f.Severity), Valid: f.Severity != ""},
		CreatedAt:        sql.NullTime{Time: f.CreatedAt, Valid: !f.CreatedAt.IsZero()},
		Sensor:           sql.NullString{String: f.Sensor, Valid: true},
		ResourceUniqueID: sql.NullString{String: f.Resource.UniqueID, Valid: f.Resource.UniqueID != ""},
		IngestedAt:       sql.NullTime{Time: f.IngestedAt, Valid: !f.IngestedAt.IsZero()},
	}
}

// ToFinding converts a joined database row to a domain model
func ToFinding(row *FindingResourceRow) models.Finding {
	return models.Finding{
		ExternalID: row.ExternalID.String,
		TenantID:   row.TenantID.String,
		Type:       row.Type.String,
		Title:      row.Title.String,
		Severity:   models.Severity(row.Severity.String),
		CreatedAt:  row.CreatedAt.Time.UTC(),
		Sensor:     row.Sensor.String,
		Resource: models.Resource{
			UniqueID:     row.ResourceUniqueID.String,
			Name:         row.ResourceName.String,
			CloudAccount: row.ResourceCloudAccount.String,
		},
		IngestedAt: row.IngestedAt.Time.UTC(),
	}
}

// ToFindings converts a slice of database rows to domain models
func ToFindings(rows []FindingResourceRow) []models.Finding {
	findings := make([]models.Finding, len(rows))
	for i := range rows {
		findings[i] = ToFinding(&rows[i])
	}
	return findings
}

// Now returns the current time in UTC at the precision every driver stores
func Now() time.Time {
	return models.StoredTime(time.Now())
}
