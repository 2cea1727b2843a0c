package finding_test

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	findingservice "github.com/Ramsey-B/thistle/internal/services/finding"
	"github.com/Ramsey-B/thistle/internal/testutil"
	"github.com/Ramsey-B/thistle/pkg/middleware"
	"github.com/Ramsey-B/thistle/pkg/routes/finding"
	"github.com/Ramsey-B/thistle/pkg/tenancy"
)

const exampleBody = `{
	"externalId": "orca-32455",
	"type": "public-s3-bucket",
	"title": "S3 bucket is publicly accessible",
	"severity": "High",
	"sensor": "orca",
	"tenantId": "someone-else",
	"resource": {
		"uniqueId": "arn:aws:s3:::my-bucket-1",
		"name": "my-bucket-1",
		"cloudAccount": "475894653712"
	}
}`

func newServer(t *testing.T) *echo.Echo {
	t.Helper()
	dir, err := tenancy.ParseDirectory([]byte(`
default: {driver: sqlite, database: default.db}
databases:
  - {name: eu, driver: sqlite, database: eu.db, tenants: [tenant123]}
`))
	require.NoError(t, err)
	registry := tenancy.NewRegistry(dir, testutil.StaticDialer(t), testutil.NopLogger())
	t.Cleanup(func() { _ = registry.Close() })

	e := echo.New()
	e.HTTPErrorHandler = middleware.Error(testutil.NopLogger())
	e.Use(middleware.Context())
	finding.NewHandler(findingservice.NewService(registry, testutil.NopLogger())).RegisterRoutes(e)
	return e
}

func do(e *echo.Echo, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestIngest_CreatedThenConflict(t *testing.T) {
	e := newServer(t)

	rec := do(e, http.MethodPost, "/tenant123/add", exampleBody)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	body := decode(t, rec)
	assert.Equal(t, true, body["success"])
	data := body["data"].(map[string]any)
	assert.Equal(t, "orca-32455", data["externalId"])
	assert.Equal(t, "tenant123", data["tenantId"])
	assert.Equal(t, "High", data["severity"])
	assert.Equal(t, "my-bucket-1", data["resource"].(map[string]any)["name"])
	assert.NotEmpty(t, rec.Header().Get(echo.HeaderXRequestID))

	rec = do(e, http.MethodPost, "/tenant123/add", exampleBody)
	require.Equal(t, http.StatusConflict, rec.Code)
	body = decode(t, rec)
	assert.Contains(t, body["message"], "orca-32455")
	assert.Equal(t, "orca-32455", body["meta"].(map[string]any)["externalId"])
	assert.NotEmpty(t, body["request_id"])
}

func TestIngest_BadRequests(t *testing.T) {
	e := newServer(t)

	tests := map[string]string{
		"malformed json":    `{"externalId": `,
		"missing resource":  `{"externalId":"x","type":"t","title":"t","sensor":"s"}`,
		"unknown severity":  strings.Replace(exampleBody, `"High"`, `"Critical"`, 1),
		"missing sensor":    strings.Replace(exampleBody, `"sensor": "orca",`, ``, 1),
		"empty external id": strings.Replace(exampleBody, `"orca-32455"`, `""`, 1),
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			rec := do(e, http.MethodPost, "/tenant123/add", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
}

func TestIngest_ValidationErrorBody(t *testing.T) {
	e := newServer(t)

	rec := do(e, http.MethodPost, "/tenant123/add", strings.Replace(exampleBody, `"sensor": "orca",`, ``, 1))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode(t, rec)
	assert.Contains(t, body["message"], "invalid finding")
	assert.Contains(t, body["meta"].(map[string]any)["errors"], "sensor")
}

func TestIngest_ReservedTenantPath(t *testing.T) {
	e := newServer(t)

	rec := do(e, http.MethodPost, "/metrics/add", exampleBody)
	assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
}

func TestList_NotFoundWhenEmpty(t *testing.T) {
	e := newServer(t)

	rec := do(e, http.MethodGet, "/tenant123", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "No findings found for the provided tenantID", decode(t, rec)["message"])
}

func TestList_Pages(t *testing.T) {
	e := newServer(t)

	for i := 0; i < 12; i++ {
		body := strings.NewReplacer(
			"orca-32455", fmt.Sprintf("orca-%02d", i),
			"arn:aws:s3:::my-bucket-1", fmt.Sprintf("bucket-%02d", i),
		).Replace(exampleBody)
		rec := do(e, http.MethodPost, "/tenant123/add", body)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}

	rec := do(e, http.MethodGet, "/tenant123", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Len(t, body["data"], 10)
	assert.Equal(t, float64(1), body["page"])
	assert.Equal(t, float64(12), body["totalCount"])
	assert.Equal(t, float64(2), body["totalPages"])

	rec = do(e, http.MethodGet, "/tenant123?page=2&limit=10", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["data"], 2)

	rec = do(e, http.MethodGet, "/tenant123?page=3", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// findings are scoped to the path tenant
	rec = do(e, http.MethodGet, "/someone-else", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestList_InvalidQuery(t *testing.T) {
	e := newServer(t)

	for _, query := range []string{"page=0", "page=abc", "limit=-1", "limit=ten"} {
		rec := do(e, http.MethodGet, "/tenant123?"+query, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, query)
	}
}
