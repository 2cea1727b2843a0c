package models

import "time"

type Severity string

const (
	SeverityLow    Severity = "Low"
	SeverityMedium Severity = "Medium"
	SeverityHigh   Severity = "High"
)

func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh:
		return true
	}
	return false
}

// Resource is the cloud asset a finding points at.
type Resource struct {
	UniqueID     string `json:"uniqueId"`
	Name         string `json:"name"`
	CloudAccount string `json:"cloudAccount"`
}

// Finding is a scanner alert stored for one tenant. (TenantID, ExternalID) is unique.
type Finding struct {
	ExternalID string    `json:"externalId"`
	TenantID   string    `json:"tenantId"`
	Type       string    `json:"type"`
	Title      string    `json:"title"`
	Severity   Severity  `json:"severity"`
	CreatedAt  time.Time `json:"createdAt"`
	Sensor     string    `json:"sensor"`
	Resource   Resource  `json:"resource"`
	IngestedAt time.Time `json:"ingestedAt"`
}

type ResourceInput struct {
	UniqueID     string `json:"uniqueId" validate:"required,max=512"`
	Name         string `json:"name" validate:"required,max=255"`
	CloudAccount string `json:"cloudAccount" validate:"required,max=255"`
}

// FindingInput is the body of an ingestion request. TenantID is accepted for
// compatibility but the tenant in the path always wins.
type FindingInput struct {
	ExternalID string         `json:"externalId" validate:"required,max=255"`
	TenantID   string         `json:"tenantId,omitempty"`
	Type       string         `json:"type" validate:"required,max=255"`
	Title      string         `json:"title" validate:"required,max=1024"`
	Severity   Severity       `json:"severity,omitempty" validate:"omitempty,oneof=Low Medium High"`
	CreatedAt  *time.Time     `json:"createdAt,omitempty"`
	Sensor     string         `json:"sensor" validate:"required,max=255"`
	Resource   *ResourceInput `json:"resource" validate:"required"`
}

// ToFinding applies the defaults for omitted severity and creation time.
// Times are kept in UTC at microsecond precision, the finest both stores hold.
func (in FindingInput) ToFinding(tenantID string, now time.Time) Finding {
	now = StoredTime(now)
	f := Finding{
		ExternalID: in.ExternalID,
		TenantID:   tenantID,
		Type:       in.Type,
		Title:      in.Title,
		Severity:   in.Severity,
		Sensor:     in.Sensor,
		CreatedAt:  now,
		IngestedAt: now,
	}
	if f.Severity == "" {
		f.Severity = SeverityLow
	}
	if in.CreatedAt != nil && !in.CreatedAt.IsZero() {
		f.CreatedAt = StoredTime(*in.CreatedAt)
	}
	if in.Resource != nil {
		f.Resource = Resource{
			UniqueID:     in.Resource.UniqueID,
			Name:         in.Resource.Name,
			CloudAccount: in.Resource.CloudAccount,
		}
	}
	return f
}

// StoredTime normalises t to what the findings tables round-trip.
func StoredTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
