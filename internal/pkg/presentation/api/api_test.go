package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/matryer/is"

	"github.com/fieldsense/sensor-ingress/internal/pkg/application/credentials"
	"github.com/fieldsense/sensor-ingress/internal/pkg/application/devicemanagement"
	"github.com/fieldsense/sensor-ingress/internal/pkg/application/ingest"
	"github.com/fieldsense/sensor-ingress/internal/pkg/infrastructure/router"
	"github.com/fieldsense/sensor-ingress/internal/pkg/infrastructure/storage"
	"github.com/fieldsense/sensor-ingress/pkg/types"
	"github.com/fieldsense/sensor-ingress/pkg/validation"
)

const adminToken = "test-admin-token"

type deviceManagementMock struct {
	RegisterFunc      func(ctx context.Context, req devicemanagement.RegisterRequest) (types.Device, error)
	GetDeviceFunc     func(ctx context.Context, hardwareID string) (types.Device, error)
	ListDevicesFunc   func(ctx context.Context, limit int, pageToken string) (types.Page[types.Device], error)
	QueryReadingsFunc func(ctx context.Context, hardwareID string, fromMS, toMS int64, limit int, pageToken string) (types.Page[types.Reading], error)
	LatestReadingFunc func(ctx context.Context, hardwareID string) (types.Reading, error)
}

func (m *deviceManagementMock) Register(ctx context.Context, req devicemanagement.RegisterRequest) (types.Device, error) {
	return m.RegisterFunc(ctx, req)
}
func (m *deviceManagementMock) GetDevice(ctx context.Context, hardwareID string) (types.Device, error) {
	return m.GetDeviceFunc(ctx, hardwareID)
}
func (m *deviceManagementMock) ListDevices(ctx context.Context, limit int, pageToken string) (types.Page[types.Device], error) {
	return m.ListDevicesFunc(ctx, limit, pageToken)
}
func (m *deviceManagementMock) QueryReadings(ctx context.Context, hardwareID string, fromMS, toMS int64, limit int, pageToken string) (types.Page[types.Reading], error) {
	return m.QueryReadingsFunc(ctx, hardwareID, fromMS, toMS, limit, pageToken)
}
func (m *deviceManagementMock) LatestReading(ctx context.Context, hardwareID string) (types.Reading, error) {
	return m.LatestReadingFunc(ctx, hardwareID)
}

type ingestMock struct {
	UploadFunc func(ctx context.Context, readings []types.Reading) (ingest.Result, error)
}

func (m *ingestMock) Upload(ctx context.Context, readings []types.Reading) (ingest.Result, error) {
	return m.UploadFunc(ctx, readings)
}

type credentialsMock struct {
	ValidateFunc func(ctx context.Context, rawKey string) (types.APIKey, error)
	CreateFunc   func(ctx context.Context, description *string) (types.APIKey, string, error)
	ListFunc     func(ctx context.Context, limit int, pageToken string) (types.Page[types.APIKey], error)
	RevokeFunc   func(ctx context.Context, keyID string) error
}

func (m *credentialsMock) Validate(ctx context.Context, rawKey string) (types.APIKey, error) {
	if m.ValidateFunc != nil {
		return m.ValidateFunc(ctx, rawKey)
	}
	if rawKey == "" {
		return types.APIKey{}, credentials.ErrMissingKey
	}
	return types.APIKey{KeyID: "k-1", IsActive: true}, nil
}
func (m *credentialsMock) Create(ctx context.Context, description *string) (types.APIKey, string, error) {
	return m.CreateFunc(ctx, description)
}
func (m *credentialsMock) List(ctx context.Context, limit int, pageToken string) (types.Page[types.APIKey], error) {
	return m.ListFunc(ctx, limit, pageToken)
}
func (m *credentialsMock) Revoke(ctx context.Context, keyID string) error {
	return m.RevokeFunc(ctx, keyID)
}

func newTestServer(t *testing.T, devices *deviceManagementMock, uploads *ingestMock, creds *credentialsMock) *chi.Mux {
	t.Helper()

	r := router.New(ServiceName, "*")
	return RegisterHandlers(context.Background(), r, devices, uploads, creds, adminToken)
}

func doRequest(t *testing.T, mux *chi.Mux, method, target string, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, target, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorResponse {
	t.Helper()

	var resp errorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("error body is not valid JSON: %s", w.Body.String())
	}
	return resp
}

func TestHealthEndpoint(t *testing.T) {
	is := is.New(t)

	mux := newTestServer(t, &deviceManagementMock{}, &ingestMock{}, &credentialsMock{})

	w := doRequest(t, mux, http.MethodGet, "/health", "", nil)
	is.Equal(w.Code, http.StatusOK)

	var resp healthResponse
	is.NoErr(json.Unmarshal(w.Body.Bytes(), &resp))
	is.Equal(resp.Status, "healthy")
	is.Equal(resp.Service, "sensor-ingress")
	is.True(resp.RequestID != "")
}

func TestRegisterRequiresAPIKey(t *testing.T) {
	is := is.New(t)

	mux := newTestServer(t, &deviceManagementMock{}, &ingestMock{}, &credentialsMock{})

	w := doRequest(t, mux, http.MethodPost, "/register", `{}`, nil)
	is.Equal(w.Code, http.StatusUnauthorized)

	resp := decodeError(t, w)
	is.Equal(resp.Error, "MISSING_API_KEY")
	is.True(resp.Message != "")
	is.True(resp.RequestID != "")
}

func TestRegisterDevice(t *testing.T) {
	is := is.New(t)

	devices := &deviceManagementMock{
		RegisterFunc: func(ctx context.Context, req devicemanagement.RegisterRequest) (types.Device, error) {
			is.Equal(req.HardwareID, "AA:BB:CC:DD:EE:FF")
			return types.Device{
				HardwareID:     req.HardwareID,
				ConfirmationID: "7c9e6679-7425-40de-944b-e07fc1f90ae7",
				LastSeenAt:     "2026-01-15T10:30:00Z",
			}, nil
		},
	}

	mux := newTestServer(t, devices, &ingestMock{}, &credentialsMock{})

	body := `{
		"hardware_id": "AA:BB:CC:DD:EE:FF",
		"boot_id": "550e8400-e29b-41d4-a716-446655440000",
		"firmware_version": "1.0.16",
		"capabilities": {"sensors": ["bme280"], "features": {}}
	}`

	w := doRequest(t, mux, http.MethodPost, "/register", body, map[string]string{"X-API-Key": "raw-key"})
	is.Equal(w.Code, http.StatusOK)

	var resp registerResponse
	is.NoErr(json.Unmarshal(w.Body.Bytes(), &resp))
	is.Equal(resp.Status, "registered")
	is.Equal(resp.ConfirmationID, "7c9e6679-7425-40de-944b-e07fc1f90ae7")
	is.Equal(resp.RegisteredAt, "2026-01-15T10:30:00Z")
}

func TestRegisterValidationErrorShape(t *testing.T) {
	is := is.New(t)

	devices := &deviceManagementMock{
		RegisterFunc: func(ctx context.Context, req devicemanagement.RegisterRequest) (types.Device, error) {
			return types.Device{}, &validation.Error{Field: "hardware_id", Code: validation.CodeInvalidMAC, Message: "bad MAC"}
		},
	}

	mux := newTestServer(t, devices, &ingestMock{}, &credentialsMock{})

	w := doRequest(t, mux, http.MethodPost, "/register", `{"hardware_id":"nope"}`, map[string]string{"X-API-Key": "raw-key"})
	is.Equal(w.Code, http.StatusBadRequest)
	is.Equal(decodeError(t, w).Error, "INVALID_MAC")
}

func TestUploadReadings(t *testing.T) {
	is := is.New(t)

	uploads := &ingestMock{
		UploadFunc: func(ctx context.Context, readings []types.Reading) (ingest.Result, error) {
			is.Equal(len(readings), 1)
			return ingest.Result{
				AcknowledgedBatchIDs: []string{readings[0].BatchID},
				DuplicateBatchIDs:    []string{},
			}, nil
		},
	}

	mux := newTestServer(t, &deviceManagementMock{}, uploads, &credentialsMock{})

	body := `{"readings":[{
		"hardware_id": "AA:BB:CC:DD:EE:FF",
		"timestamp_ms": 1704067800000,
		"batch_id": "AA:BB:CC:DD:EE:FF_boot_1704067200000_1704067800000",
		"boot_id": "550e8400-e29b-41d4-a716-446655440000",
		"firmware_version": "1.0.16",
		"sensors": {"bme280_temp_c": 21.5},
		"sensor_status": {"bme280": "ok", "ds18b20": "disabled", "soil_moisture": "disabled"}
	}]}`

	w := doRequest(t, mux, http.MethodPost, "/data", body, map[string]string{"X-API-Key": "raw-key"})
	is.Equal(w.Code, http.StatusOK)

	var resp ingest.Result
	is.NoErr(json.Unmarshal(w.Body.Bytes(), &resp))
	is.Equal(resp.AcknowledgedBatchIDs, []string{"AA:BB:CC:DD:EE:FF_boot_1704067200000_1704067800000"})
	is.Equal(len(resp.DuplicateBatchIDs), 0)
}

func TestUploadBatchSizeExceeded(t *testing.T) {
	is := is.New(t)

	uploads := &ingestMock{
		UploadFunc: func(ctx context.Context, readings []types.Reading) (ingest.Result, error) {
			return ingest.Result{}, &validation.Error{
				Field: "readings", Code: validation.CodeBatchSizeExceeded, Message: "too many readings",
			}
		},
	}

	mux := newTestServer(t, &deviceManagementMock{}, uploads, &credentialsMock{})

	w := doRequest(t, mux, http.MethodPost, "/data", `{"readings":[]}`, map[string]string{"X-API-Key": "raw-key"})
	is.Equal(w.Code, http.StatusBadRequest)
	is.Equal(decodeError(t, w).Error, "BATCH_SIZE_EXCEEDED")
}

func TestRevokedKeyIsRejected(t *testing.T) {
	is := is.New(t)

	creds := &credentialsMock{
		ValidateFunc: func(ctx context.Context, rawKey string) (types.APIKey, error) {
			return types.APIKey{}, credentials.ErrKeyRevoked
		},
	}

	mux := newTestServer(t, &deviceManagementMock{}, &ingestMock{}, creds)

	w := doRequest(t, mux, http.MethodPost, "/data", `{"readings":[]}`, map[string]string{"X-API-Key": "revoked"})
	is.Equal(w.Code, http.StatusUnauthorized)
	is.Equal(decodeError(t, w).Error, "KEY_REVOKED")
}

func TestAdminPlaneRequiresBearerToken(t *testing.T) {
	is := is.New(t)

	mux := newTestServer(t, &deviceManagementMock{}, &ingestMock{}, &credentialsMock{})

	w := doRequest(t, mux, http.MethodGet, "/devices", "", nil)
	is.Equal(w.Code, http.StatusUnauthorized)
	is.Equal(decodeError(t, w).Error, "MISSING_TOKEN")

	w = doRequest(t, mux, http.MethodGet, "/devices", "", map[string]string{"Authorization": "Basic abc"})
	is.Equal(w.Code, http.StatusUnauthorized)
	is.Equal(decodeError(t, w).Error, "INVALID_TOKEN")

	w = doRequest(t, mux, http.MethodGet, "/devices", "", map[string]string{"Authorization": "Bearer wrong"})
	is.Equal(w.Code, http.StatusUnauthorized)
	is.Equal(decodeError(t, w).Error, "UNAUTHORIZED")
}

func TestListDevicesOmitsCapabilities(t *testing.T) {
	is := is.New(t)

	devices := &deviceManagementMock{
		ListDevicesFunc: func(ctx context.Context, limit int, pageToken string) (types.Page[types.Device], error) {
			return types.Page[types.Device]{
				Items: []types.Device{{
					HardwareID:      "AA:BB:CC:DD:EE:FF",
					FirmwareVersion: "1.0.16",
					LastSeenAt:      "2026-01-15T10:30:00Z",
					Capabilities:    types.Capabilities{Sensors: []string{"bme280"}},
				}},
				NextCursor: "next-page",
			}, nil
		},
	}

	mux := newTestServer(t, devices, &ingestMock{}, &credentialsMock{})

	w := doRequest(t, mux, http.MethodGet, "/devices", "", map[string]string{"Authorization": "Bearer " + adminToken})
	is.Equal(w.Code, http.StatusOK)
	is.True(!strings.Contains(w.Body.String(), "capabilities"))
	is.True(strings.Contains(w.Body.String(), `"next_cursor":"next-page"`))
}

func TestNotFoundSubKinds(t *testing.T) {
	is := is.New(t)

	devices := &deviceManagementMock{
		LatestReadingFunc: func(ctx context.Context, hardwareID string) (types.Reading, error) {
			if hardwareID == "00:00:00:00:00:00" {
				return types.Reading{}, devicemanagement.ErrDeviceNotFound
			}
			return types.Reading{}, devicemanagement.ErrNoReadings
		},
	}

	mux := newTestServer(t, devices, &ingestMock{}, &credentialsMock{})
	authz := map[string]string{"Authorization": "Bearer " + adminToken}

	w := doRequest(t, mux, http.MethodGet, "/devices/00:00:00:00:00:00/latest", "", authz)
	is.Equal(w.Code, http.StatusNotFound)
	is.Equal(decodeError(t, w).Error, "DEVICE_NOT_FOUND")

	w = doRequest(t, mux, http.MethodGet, "/devices/AA:BB:CC:DD:EE:FF/latest", "", authz)
	is.Equal(w.Code, http.StatusNotFound)
	is.Equal(decodeError(t, w).Error, "NO_READINGS")
}

func TestQueryReadingsRequiresRange(t *testing.T) {
	is := is.New(t)

	mux := newTestServer(t, &deviceManagementMock{}, &ingestMock{}, &credentialsMock{})
	authz := map[string]string{"Authorization": "Bearer " + adminToken}

	w := doRequest(t, mux, http.MethodGet, "/devices/AA:BB:CC:DD:EE:FF/readings", "", authz)
	is.Equal(w.Code, http.StatusBadRequest)
	is.Equal(decodeError(t, w).Error, "MISSING_FIELD")

	w = doRequest(t, mux, http.MethodGet, "/devices/AA:BB:CC:DD:EE:FF/readings?from=abc&to=123", "", authz)
	is.Equal(w.Code, http.StatusBadRequest)
	is.Equal(decodeError(t, w).Error, "INVALID_FORMAT")
}

func TestAPIKeyLifecycle(t *testing.T) {
	is := is.New(t)

	desc := "fleet-1"
	creds := &credentialsMock{
		CreateFunc: func(ctx context.Context, description *string) (types.APIKey, string, error) {
			is.Equal(*description, "fleet-1")
			return types.APIKey{
				KeyID:       "7c9e6679-7425-40de-944b-e07fc1f90ae7",
				APIKeyHash:  "super-secret-hash",
				CreatedAt:   "2026-01-15T10:30:00Z",
				IsActive:    true,
				Description: &desc,
			}, strings.Repeat("ab", 32), nil
		},
		ListFunc: func(ctx context.Context, limit int, pageToken string) (types.Page[types.APIKey], error) {
			return types.Page[types.APIKey]{
				Items: []types.APIKey{{
					KeyID:      "7c9e6679-7425-40de-944b-e07fc1f90ae7",
					APIKeyHash: "super-secret-hash",
					IsActive:   false,
				}},
			}, nil
		},
		RevokeFunc: func(ctx context.Context, keyID string) error {
			is.Equal(keyID, "7c9e6679-7425-40de-944b-e07fc1f90ae7")
			return nil
		},
	}

	mux := newTestServer(t, &deviceManagementMock{}, &ingestMock{}, creds)
	authz := map[string]string{"Authorization": "Bearer " + adminToken}

	w := doRequest(t, mux, http.MethodPost, "/api-keys", `{"description":"fleet-1"}`, authz)
	is.Equal(w.Code, http.StatusOK)

	var created createKeyResponse
	is.NoErr(json.Unmarshal(w.Body.Bytes(), &created))
	is.Equal(len(created.APIKey), 64)

	w = doRequest(t, mux, http.MethodDelete, "/api-keys/7c9e6679-7425-40de-944b-e07fc1f90ae7", "", authz)
	is.Equal(w.Code, http.StatusOK)

	w = doRequest(t, mux, http.MethodGet, "/api-keys", "", authz)
	is.Equal(w.Code, http.StatusOK)
	is.True(strings.Contains(w.Body.String(), `"is_active":false`))
	is.True(!strings.Contains(w.Body.String(), "super-secret-hash"))
}

func TestRevokeUnknownKey(t *testing.T) {
	is := is.New(t)

	creds := &credentialsMock{
		RevokeFunc: func(ctx context.Context, keyID string) error {
			return credentials.ErrKeyNotFound
		},
	}

	mux := newTestServer(t, &deviceManagementMock{}, &ingestMock{}, creds)

	w := doRequest(t, mux, http.MethodDelete, "/api-keys/nope", "", map[string]string{"Authorization": "Bearer " + adminToken})
	is.Equal(w.Code, http.StatusNotFound)
	is.Equal(decodeError(t, w).Error, "API_KEY_NOT_FOUND")
}

func TestGatewayPrefixesAreStripped(t *testing.T) {
	is := is.New(t)

	devices := &deviceManagementMock{
		ListDevicesFunc: func(ctx context.Context, limit int, pageToken string) (types.Page[types.Device], error) {
			return types.Page[types.Device]{}, nil
		},
	}

	mux := newTestServer(t, devices, &ingestMock{}, &credentialsMock{})
	authz := map[string]string{"Authorization": "Bearer " + adminToken}

	for _, path := range []string{"/devices", "/api/control/devices", "/devices/"} {
		w := doRequest(t, mux, http.MethodGet, path, "", authz)
		is.Equal(w.Code, http.StatusOK)
	}
}

func TestCORSHeadersOnErrorResponses(t *testing.T) {
	is := is.New(t)

	mux := newTestServer(t, &deviceManagementMock{}, &ingestMock{}, &credentialsMock{})

	w := doRequest(t, mux, http.MethodGet, "/devices", "", map[string]string{"Origin": "https://dashboard.example.com"})
	is.Equal(w.Code, http.StatusUnauthorized)
	is.Equal(w.Header().Get("Access-Control-Allow-Origin"), "*")
}

func TestCORSPreflight(t *testing.T) {
	is := is.New(t)

	mux := newTestServer(t, &deviceManagementMock{}, &ingestMock{}, &credentialsMock{})

	w := doRequest(t, mux, http.MethodOptions, "/data", "", map[string]string{
		"Origin":                         "https://dashboard.example.com",
		"Access-Control-Request-Method":  "POST",
		"Access-Control-Request-Headers": "X-API-Key",
	})

	is.Equal(w.Header().Get("Access-Control-Allow-Origin"), "*")
	is.True(strings.Contains(w.Header().Get("Access-Control-Allow-Methods"), "POST"))
	is.Equal(w.Header().Get("Access-Control-Max-Age"), "3600")
}

func TestUnknownRoute(t *testing.T) {
	is := is.New(t)

	mux := newTestServer(t, &deviceManagementMock{}, &ingestMock{}, &credentialsMock{})

	w := doRequest(t, mux, http.MethodGet, "/no/such/route", "", nil)
	is.Equal(w.Code, http.StatusNotFound)
	is.Equal(decodeError(t, w).Error, "NOT_FOUND")
}

func TestStorageFailureIsGeneric(t *testing.T) {
	is := is.New(t)

	devices := &deviceManagementMock{
		GetDeviceFunc: func(ctx context.Context, hardwareID string) (types.Device, error) {
			return types.Device{}, fmt.Errorf("%w: provisioned throughput exceeded", storage.ErrStoreFailed)
		},
	}

	mux := newTestServer(t, devices, &ingestMock{}, &credentialsMock{})

	w := doRequest(t, mux, http.MethodGet, "/devices/AA:BB:CC:DD:EE:FF", "", map[string]string{"Authorization": "Bearer " + adminToken})
	is.Equal(w.Code, http.StatusInternalServerError)

	resp := decodeError(t, w)
	is.Equal(resp.Error, "DATABASE_ERROR")
	is.True(!strings.Contains(resp.Message, "throughput")) // no store detail leaks
}
