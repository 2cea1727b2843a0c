package finding_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	findingrepo "github.com/Ramsey-B/thistle/internal/repositories/finding"
	resourcerepo "github.com/Ramsey-B/thistle/internal/repositories/resource"
	"github.com/Ramsey-B/thistle/internal/services/finding"
	"github.com/Ramsey-B/thistle/internal/testutil"
	"github.com/Ramsey-B/thistle/pkg/database"
	apperrors "github.com/Ramsey-B/thistle/pkg/errors"
	"github.com/Ramsey-B/thistle/pkg/locks"
	"github.com/Ramsey-B/thistle/pkg/models"
	"github.com/Ramsey-B/thistle/pkg/tenancy"
)

func newRegistry(t *testing.T) *tenancy.Registry {
	t.Helper()
	dir, err := tenancy.ParseDirectory([]byte(`
default: {driver: sqlite, database: default.db}
databases:
  - {name: eu, driver: sqlite, database: eu.db, tenants: [tenant123, tenant456]}
`))
	require.NoError(t, err)
	registry := tenancy.NewRegistry(dir, testutil.StaticDialer(t), testutil.NopLogger())
	t.Cleanup(func() { _ = registry.Close() })
	return registry
}

func exampleInput() models.FindingInput {
	return models.FindingInput{
		ExternalID: "orca-32455",
		Type:       "public-s3-bucket",
		Title:      "S3 bucket is publicly accessible",
		Severity:   models.SeverityHigh,
		Sensor:     "orca",
		Resource: &models.ResourceInput{
			UniqueID:     "arn:aws:s3:::my-bucket-1",
			Name:         "my-bucket-1",
			CloudAccount: "475894653712",
		},
	}
}

func inputFor(externalID string) models.FindingInput {
	in := exampleInput()
	in.ExternalID = externalID
	in.Resource = &models.ResourceInput{
		UniqueID:     "arn:aws:s3:::" + externalID,
		Name:         externalID,
		CloudAccount: "475894653712",
	}
	return in
}

func counts(t *testing.T, registry *tenancy.Registry, target, tenantID string) (findings, resources int64) {
	t.Helper()
	ctx := context.Background()
	db, err := registry.GetConnection(ctx, target)
	require.NoError(t, err)
	findings, err = findingrepo.NewRepository(db, testutil.NopLogger()).CountByTenant(ctx, tenantID)
	require.NoError(t, err)
	resources, err = resourcerepo.NewRepository(db, testutil.NopLogger()).Count(ctx)
	require.NoError(t, err)
	return findings, resources
}

// tickingClock returns strictly increasing times so insertion order is creation order.
func tickingClock() func() time.Time {
	var n atomic.Int64
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		return base.Add(time.Duration(n.Add(1)) * time.Second)
	}
}

func TestIngest_ExampleThenDuplicate(t *testing.T) {
	ctx := context.Background()
	registry := newRegistry(t)
	svc := finding.NewService(registry, testutil.NopLogger())

	got, err := svc.Ingest(ctx, "tenant123", exampleInput())
	require.NoError(t, err)
	assert.Equal(t, "orca-32455", got.ExternalID)
	assert.Equal(t, "tenant123", got.TenantID)
	assert.Equal(t, models.SeverityHigh, got.Severity)
	assert.Equal(t, "arn:aws:s3:::my-bucket-1", got.Resource.UniqueID)
	assert.False(t, got.IngestedAt.IsZero())

	_, err = svc.Ingest(ctx, "tenant123", exampleInput())
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrDuplicate)
	assert.Contains(t, err.Error(), "orca-32455")

	findings, resources := counts(t, registry, "eu", "tenant123")
	assert.Equal(t, int64(1), findings)
	assert.Equal(t, int64(1), resources)
}

func TestIngest_RoutesByTenant(t *testing.T) {
	ctx := context.Background()
	registry := newRegistry(t)
	svc := finding.NewService(registry, testutil.NopLogger())

	_, err := svc.Ingest(ctx, "tenant123", inputFor("a"))
	require.NoError(t, err)
	_, err = svc.Ingest(ctx, "unmapped-tenant", inputFor("b"))
	require.NoError(t, err)

	euFindings, _ := counts(t, registry, "eu", "tenant123")
	defaultFindings, _ := counts(t, registry, "default", "unmapped-tenant")
	assert.Equal(t, int64(1), euFindings)
	assert.Equal(t, int64(1), defaultFindings)
	assert.Equal(t, []string{"default", "eu"}, registry.Connections())
}

func TestIngest_TenantFromPathOverridesBody(t *testing.T) {
	registry := newRegistry(t)
	svc := finding.NewService(registry, testutil.NopLogger())

	in := exampleInput()
	in.TenantID = "tenant456"
	got, err := svc.Ingest(context.Background(), "tenant123", in)
	require.NoError(t, err)
	assert.Equal(t, "tenant123", got.TenantID)

	page, err := svc.ListByTenant(context.Background(), "tenant456", 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(0), page.TotalCount)
}

func TestIngest_SameExternalIDDifferentTenants(t *testing.T) {
	registry := newRegistry(t)
	svc := finding.NewService(registry, testutil.NopLogger())

	_, err := svc.Ingest(context.Background(), "tenant123", inputFor("shared"))
	require.NoError(t, err)

	in := inputFor("shared")
	in.Resource.UniqueID = "another-resource"
	_, err = svc.Ingest(context.Background(), "tenant456", in)
	require.NoError(t, err)
}

type panicProvider struct{ t *testing.T }

func (p panicProvider) ForTenant(ctx context.Context, tenantID string) (context.Context, database.DB, error) {
	p.t.Fatal("storage must not be touched")
	return ctx, nil, nil
}

func TestIngest_ValidationBeforeAnyIO(t *testing.T) {
	svc := finding.NewService(panicProvider{t}, testutil.NopLogger())

	tests := map[string]func(in *models.FindingInput){
		"missing external id": func(in *models.FindingInput) { in.ExternalID = "" },
		"missing resource":    func(in *models.FindingInput) { in.Resource = nil },
		"bad severity":        func(in *models.FindingInput) { in.Severity = "Critical" },
		"missing sensor":      func(in *models.FindingInput) { in.Sensor = "" },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			in := exampleInput()
			mutate(&in)
			_, err := svc.Ingest(context.Background(), "tenant123", in)
			assert.ErrorIs(t, err, apperrors.ErrValidation)
		})
	}

	_, err := svc.Ingest(context.Background(), "  ", exampleInput())
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestReservedTenantIDsAreRejected(t *testing.T) {
	registry := newRegistry(t)
	svc := finding.NewService(registry, testutil.NopLogger())

	for _, tenantID := range []string{"metrics", "api"} {
		_, err := svc.Ingest(context.Background(), tenantID, exampleInput())
		assert.ErrorIs(t, err, apperrors.ErrValidation, tenantID)

		_, err = svc.ListByTenant(context.Background(), tenantID, 1, 10)
		assert.ErrorIs(t, err, apperrors.ErrValidation, tenantID)
	}

	// rejected before any target was dialled
	assert.Empty(t, registry.Connections())
}

func TestIngest_FindingWriteFailureRollsBackResource(t *testing.T) {
	ctx := context.Background()
	registry := newRegistry(t)
	svc := finding.NewService(registry, testutil.NopLogger())

	db, err := registry.GetConnection(ctx, "eu")
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `CREATE TRIGGER fail_finding BEFORE INSERT ON findings
		WHEN NEW.title = 'boom'
		BEGIN SELECT RAISE(ABORT, 'forced failure'); END;`)
	require.NoError(t, err)

	in := exampleInput()
	in.Title = "boom"
	_, err = svc.Ingest(ctx, "tenant123", in)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrStorage)

	findings, resources := counts(t, registry, "eu", "tenant123")
	assert.Equal(t, int64(0), findings)
	assert.Equal(t, int64(0), resources)

	// the pool is still usable after the rollback
	_, err = svc.Ingest(ctx, "tenant123", exampleInput())
	require.NoError(t, err)
}

func TestIngest_RepeatedResourceIsStorageError(t *testing.T) {
	ctx := context.Background()
	registry := newRegistry(t)
	svc := finding.NewService(registry, testutil.NopLogger())

	_, err := svc.Ingest(ctx, "tenant123", exampleInput())
	require.NoError(t, err)

	// new finding, same resource: resources are never reused
	in := exampleInput()
	in.ExternalID = "orca-99999"
	_, err = svc.Ingest(ctx, "tenant123", in)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrStorage)
	assert.NotErrorIs(t, err, apperrors.ErrDuplicate)

	findings, resources := counts(t, registry, "eu", "tenant123")
	assert.Equal(t, int64(1), findings)
	assert.Equal(t, int64(1), resources)
}

func TestIngest_ConcurrentSameKey(t *testing.T) {
	registry := newRegistry(t)
	svc := finding.NewService(registry, testutil.NopLogger())

	const callers = 8
	var wg sync.WaitGroup
	var successes, duplicates atomic.Int32
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Ingest(context.Background(), "tenant123", exampleInput())
			switch {
			case err == nil:
				successes.Add(1)
			case errors.Is(err, apperrors.ErrDuplicate):
				duplicates.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), successes.Load())
	assert.Equal(t, int32(callers-1), duplicates.Load())

	findings, resources := counts(t, registry, "eu", "tenant123")
	assert.Equal(t, int64(1), findings)
	assert.Equal(t, int64(1), resources)
}

type mockProvider struct{ db database.DB }

func (p mockProvider) ForTenant(ctx context.Context, tenantID string) (context.Context, database.DB, error) {
	return ctx, p.db, nil
}

func TestIngest_ConstraintViolationAfterPrecheckIsDuplicate(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()
	db := database.NewDatabaseInstance("pg", sqlx.NewDb(mockDB, "postgres"), testutil.NopLogger())

	// another writer commits between the pre-check and the insert
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM findings`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO resources`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO findings`).WillReturnError(&pq.Error{Code: "23505", Constraint: "findings_pkey"})
	mock.ExpectRollback()

	svc := finding.NewService(mockProvider{db}, testutil.NopLogger())
	_, err = svc.Ingest(context.Background(), "tenant123", exampleInput())

	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrDuplicate)
	assert.Contains(t, err.Error(), "orca-32455")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIngest_CommitFailureIsStorage(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()
	db := database.NewDatabaseInstance("pg", sqlx.NewDb(mockDB, "postgres"), testutil.NopLogger())

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM findings`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO resources`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO findings`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit().WillReturnError(errors.New("connection lost"))

	svc := finding.NewService(mockProvider{db}, testutil.NopLogger())
	_, err = svc.Ingest(context.Background(), "tenant123", exampleInput())

	assert.ErrorIs(t, err, apperrors.ErrStorage)
	assert.NoError(t, mock.ExpectationsWereMet())
}

type failingProvider struct{ err error }

func (p failingProvider) ForTenant(ctx context.Context, tenantID string) (context.Context, database.DB, error) {
	return ctx, nil, p.err
}

func TestIngest_ConnectionErrorPropagates(t *testing.T) {
	svc := finding.NewService(failingProvider{apperrors.Connection("eu", errors.New("refused"))}, testutil.NopLogger())

	_, err := svc.Ingest(context.Background(), "tenant123", exampleInput())
	assert.ErrorIs(t, err, apperrors.ErrConnection)

	_, err = svc.ListByTenant(context.Background(), "tenant123", 1, 10)
	assert.ErrorIs(t, err, apperrors.ErrConnection)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.Finding
	err    error
}

func (p *recordingPublisher) PublishFindingIngested(ctx context.Context, target string, f models.Finding) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, f)
	return p.err
}

func TestIngest_PublishesEventAfterCommit(t *testing.T) {
	publisher := &recordingPublisher{}
	svc := finding.NewService(newRegistry(t), testutil.NopLogger(), finding.WithPublisher(publisher))

	_, err := svc.Ingest(context.Background(), "tenant123", exampleInput())
	require.NoError(t, err)
	_, err = svc.Ingest(context.Background(), "tenant123", exampleInput())
	require.ErrorIs(t, err, apperrors.ErrDuplicate)

	require.Len(t, publisher.events, 1)
	assert.Equal(t, "orca-32455", publisher.events[0].ExternalID)
}

func TestIngest_PublishFailureDoesNotFailIngest(t *testing.T) {
	publisher := &recordingPublisher{err: errors.New("broker down")}
	svc := finding.NewService(newRegistry(t), testutil.NopLogger(), finding.WithPublisher(publisher))

	_, err := svc.Ingest(context.Background(), "tenant123", exampleInput())
	assert.NoError(t, err)
}

func TestIngest_HeldLockDefersToStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := locks.NewClientFromRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}), testutil.NopLogger())
	locker := locks.NewLocker(client, "thistle:", 5*time.Second, 0)

	registry := newRegistry(t)
	svc := finding.NewService(registry, testutil.NopLogger(), finding.WithLocker(locker))

	held, err := locker.Acquire(context.Background(), locks.FindingKey("tenant123", "orca-32455"))
	require.NoError(t, err)

	// nothing stored yet, so a held lock alone is not a duplicate
	stored, err := svc.Ingest(context.Background(), "tenant123", exampleInput())
	require.NoError(t, err)
	assert.Equal(t, "orca-32455", stored.ExternalID)

	findings, resources := counts(t, registry, "eu", "tenant123")
	assert.Equal(t, int64(1), findings)
	assert.Equal(t, int64(1), resources)

	// once stored, the pre-check reports the duplicate
	_, err = svc.Ingest(context.Background(), "tenant123", exampleInput())
	assert.ErrorIs(t, err, apperrors.ErrDuplicate)

	// the other holder's lock is left alone
	assert.True(t, mr.Exists("thistle:"+locks.FindingKey("tenant123", "orca-32455")))
	require.NoError(t, held.Release(context.Background()))
}

func TestIngest_ReleasesAcquiredLock(t *testing.T) {
	mr := miniredis.RunT(t)
	client := locks.NewClientFromRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}), testutil.NopLogger())
	locker := locks.NewLocker(client, "thistle:", 5*time.Second, 0)

	svc := finding.NewService(newRegistry(t), testutil.NopLogger(), finding.WithLocker(locker))

	_, err := svc.Ingest(context.Background(), "tenant123", exampleInput())
	require.NoError(t, err)
	assert.False(t, mr.Exists("thistle:"+locks.FindingKey("tenant123", "orca-32455")))
}

func TestListByTenant_Pagination(t *testing.T) {
	ctx := context.Background()
	svc := finding.NewService(newRegistry(t), testutil.NopLogger(), finding.WithClock(tickingClock()))

	for i := 0; i < 25; i++ {
		_, err := svc.Ingest(ctx, "tenant123", inputFor(fmt.Sprintf("orca-%02d", i)))
		require.NoError(t, err)
	}
	_, err := svc.Ingest(ctx, "tenant456", inputFor("other-tenant"))
	require.NoError(t, err)

	seen := map[string]bool{}
	var order []string
	for pageNum, want := range []int{10, 10, 5} {
		page, err := svc.ListByTenant(ctx, "tenant123", pageNum+1, 10)
		require.NoError(t, err)
		assert.Len(t, page.Items, want)
		assert.Equal(t, pageNum+1, page.Page)
		assert.Equal(t, int64(25), page.TotalCount)
		assert.Equal(t, 3, page.TotalPages)
		for _, item := range page.Items {
			assert.Equal(t, "tenant123", item.TenantID)
			assert.False(t, seen[item.ExternalID], "repeated %s", item.ExternalID)
			seen[item.ExternalID] = true
			order = append(order, item.ExternalID)
		}
	}
	assert.Len(t, seen, 25)
	assert.Equal(t, "orca-00", order[0])
	assert.Equal(t, "orca-24", order[24])

	beyond, err := svc.ListByTenant(ctx, "tenant123", 4, 10)
	require.NoError(t, err)
	assert.Empty(t, beyond.Items)
	assert.Equal(t, int64(25), beyond.TotalCount)
}

func TestListByTenant_MatchesIngestedFinding(t *testing.T) {
	ctx := context.Background()
	svc := finding.NewService(newRegistry(t), testutil.NopLogger())

	in := exampleInput()
	created := time.Date(2024, 3, 1, 10, 0, 0, 123456789, time.FixedZone("EST", -5*3600))
	in.CreatedAt = &created

	stored, err := svc.Ingest(ctx, "tenant123", in)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 1, 15, 0, 0, 123456000, time.UTC), stored.CreatedAt)

	page, err := svc.ListByTenant(ctx, "tenant123", 1, 10)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, stored, page.Items[0])
}

func TestListByTenant_EmptyStore(t *testing.T) {
	svc := finding.NewService(newRegistry(t), testutil.NopLogger())

	page, err := svc.ListByTenant(context.Background(), "tenant123", 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(0), page.TotalCount)
	assert.Equal(t, 0, page.TotalPages)
	assert.NotNil(t, page.Items)
	assert.Empty(t, page.Items)
}

func TestListByTenant_Arguments(t *testing.T) {
	svc := finding.NewService(newRegistry(t), testutil.NopLogger())

	_, err := svc.ListByTenant(context.Background(), "tenant123", 0, 10)
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	_, err = svc.ListByTenant(context.Background(), "tenant123", 1, 0)
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	page, err := svc.ListByTenant(context.Background(), "tenant123", 1, 1000)
	require.NoError(t, err)
	assert.Equal(t, finding.MaxPageSize, page.Limit)
}

func TestListByTenant_PageBeyondEnd(t *testing.T) {
	ctx := context.Background()
	svc := finding.NewService(newRegistry(t), testutil.NopLogger(), finding.WithClock(tickingClock()))

	for i := 0; i < 3; i++ {
		_, err := svc.Ingest(ctx, "tenant123", inputFor(fmt.Sprintf("orca-%02d", i)))
		require.NoError(t, err)
	}

	// (page-1)*limit overflows int for this page
	const hugePage = 1000000000000000001
	page, err := svc.ListByTenant(ctx, "tenant123", hugePage, 10)
	require.NoError(t, err)
	assert.Empty(t, page.Items)
	assert.Equal(t, hugePage, page.Page)
	assert.Equal(t, int64(3), page.TotalCount)
	assert.Equal(t, 1, page.TotalPages)

	page, err = svc.ListByTenant(ctx, "tenant123", 2, 10)
	require.NoError(t, err)
	assert.Empty(t, page.Items)
}
