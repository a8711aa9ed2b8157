// Package client is a small Go client for the sensor ingress API. The
// device-facing methods authenticate with an API key; the admin methods
// with the administrator bearer token.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"

	"github.com/fieldsense/sensor-ingress/pkg/types"
)

var tracer = otel.Tracer("sensor-ingress-client")

// APIError is a non-2xx response decoded from the service's uniform error
// body.
type APIError struct {
	StatusCode int
	Code       string `json:"error"`
	Message    string `json:"message"`
	RequestID  string `json:"request_id"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Code, e.StatusCode, e.Message)
}

type RegisterRequest struct {
	HardwareID      string             `json:"hardware_id"`
	BootID          string             `json:"boot_id"`
	FirmwareVersion string             `json:"firmware_version"`
	FriendlyName    *string            `json:"friendly_name,omitempty"`
	Capabilities    types.Capabilities `json:"capabilities"`
}

type RegisterResponse struct {
	Status         string `json:"status"`
	ConfirmationID string `json:"confirmation_id"`
	HardwareID     string `json:"hardware_id"`
	RegisteredAt   string `json:"registered_at"`
}

type UploadResponse struct {
	AcknowledgedBatchIDs []string `json:"acknowledged_batch_ids"`
	DuplicateBatchIDs    []string `json:"duplicate_batch_ids"`
}

type DeviceList struct {
	Devices    []types.Device `json:"devices"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type ReadingList struct {
	Readings   []types.Reading `json:"readings"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type Client struct {
	baseURL    string
	apiKey     string
	adminToken string
	httpClient http.Client
}

type Option func(*Client)

// WithAPIKey enables the device plane methods.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithAdminToken enables the admin plane methods.
func WithAdminToken(token string) Option {
	return func(c *Client) { c.adminToken = token }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		httpClient: http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register announces a device and returns its confirmation id.
func (c *Client) Register(ctx context.Context, req RegisterRequest) (RegisterResponse, error) {
	var err error
	ctx, span := tracer.Start(ctx, "register-device")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	var resp RegisterResponse
	err = c.do(ctx, http.MethodPost, "/register", req, &resp)
	return resp, err
}

// UploadReadings sends a batch of readings and reports which batch ids were
// new and which were replays.
func (c *Client) UploadReadings(ctx context.Context, readings []types.Reading) (UploadResponse, error) {
	var err error
	ctx, span := tracer.Start(ctx, "upload-readings")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	body := struct {
		Readings []types.Reading `json:"readings"`
	}{Readings: readings}

	var resp UploadResponse
	err = c.do(ctx, http.MethodPost, "/data", body, &resp)
	return resp, err
}

// ListDevices pages through the fleet most recently seen first. An empty
// cursor starts from the top; limit zero uses the server default.
func (c *Client) ListDevices(ctx context.Context, limit int, cursor string) (DeviceList, error) {
	var err error
	ctx, span := tracer.Start(ctx, "list-devices")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	var resp DeviceList
	err = c.do(ctx, http.MethodGet, "/devices"+pageQuery(limit, "cursor", cursor), nil, &resp)
	return resp, err
}

// GetDevice fetches one device's full record.
func (c *Client) GetDevice(ctx context.Context, hardwareID string) (types.Device, error) {
	var err error
	ctx, span := tracer.Start(ctx, "get-device")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	var resp types.Device
	err = c.do(ctx, http.MethodGet, "/devices/"+url.PathEscape(hardwareID), nil, &resp)
	return resp, err
}

// QueryReadings fetches a device's readings inside [fromMS, toMS], newest
// first.
func (c *Client) QueryReadings(ctx context.Context, hardwareID string, fromMS, toMS int64, limit int, cursor string) (ReadingList, error) {
	var err error
	ctx, span := tracer.Start(ctx, "query-readings")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	q := url.Values{}
	q.Set("from", strconv.FormatInt(fromMS, 10))
	q.Set("to", strconv.FormatInt(toMS, 10))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}

	var resp ReadingList
	err = c.do(ctx, http.MethodGet, "/devices/"+url.PathEscape(hardwareID)+"/readings?"+q.Encode(), nil, &resp)
	return resp, err
}

// LatestReading fetches the newest stored reading for a device.
func (c *Client) LatestReading(ctx context.Context, hardwareID string) (types.Reading, error) {
	var err error
	ctx, span := tracer.Start(ctx, "latest-reading")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	var resp types.Reading
	err = c.do(ctx, http.MethodGet, "/devices/"+url.PathEscape(hardwareID)+"/latest", nil, &resp)
	return resp, err
}

func pageQuery(limit int, cursorParam, cursor string) string {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set(cursorParam, cursor)
	}
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}

func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("could not marshal request body: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("could not create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	if c.adminToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.adminToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("could not read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if jsonErr := json.Unmarshal(respBody, apiErr); jsonErr != nil {
			apiErr.Code = "UNEXPECTED_RESPONSE"
			apiErr.Message = string(respBody)
		}
		return apiErr
	}

	if result == nil {
		return nil
	}

	if err := json.Unmarshal(respBody, result); err != nil {
		return fmt.Errorf("could not unmarshal response body: %w", err)
	}

	return nil
}
