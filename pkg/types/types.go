package types

import "fmt"

// Capabilities describes what a device reported about itself at first
// registration: the sensors it carries and a set of boolean feature flags.
type Capabilities struct {
	Sensors  []string        `json:"sensors" dynamodbav:"sensors"`
	Features map[string]bool `json:"features" dynamodbav:"features"`
}

// Device is a sensor endpoint identified by its MAC address. The
// confirmation id and first_registered_at are immutable after creation.
type Device struct {
	HardwareID        string       `json:"hardware_id"`
	ConfirmationID    string       `json:"confirmation_id"`
	FriendlyName      *string      `json:"friendly_name,omitempty"`
	FirmwareVersion   string       `json:"firmware_version"`
	Capabilities      Capabilities `json:"capabilities"`
	FirstRegisteredAt string       `json:"first_registered_at"`
	LastSeenAt        string       `json:"last_seen_at"`
	LastBootID        string       `json:"last_boot_id"`
}

// SensorValues holds one sample per attached sensor. Absent sensors are nil
// and are omitted from both JSON and stored attributes.
type SensorValues struct {
	BME280TempC     *float64 `json:"bme280_temp_c,omitempty" dynamodbav:"bme280_temp_c,omitempty"`
	DS18B20TempC    *float64 `json:"ds18b20_temp_c,omitempty" dynamodbav:"ds18b20_temp_c,omitempty"`
	HumidityPct     *float64 `json:"humidity_pct,omitempty" dynamodbav:"humidity_pct,omitempty"`
	PressureHPa     *float64 `json:"pressure_hpa,omitempty" dynamodbav:"pressure_hpa,omitempty"`
	SoilMoisturePct *float64 `json:"soil_moisture_pct,omitempty" dynamodbav:"soil_moisture_pct,omitempty"`
}

// SensorStatus reports the per-sensor health the device observed when it
// took the sample ("ok", "error", "disabled", ...).
type SensorStatus struct {
	BME280       string `json:"bme280" dynamodbav:"bme280"`
	DS18B20      string `json:"ds18b20" dynamodbav:"ds18b20"`
	SoilMoisture string `json:"soil_moisture" dynamodbav:"soil_moisture"`
}

// Reading is one timestamped tuple of sensor values from one device. The
// batch id is the client-chosen idempotency token for the upload attempt.
type Reading struct {
	HardwareID      string       `json:"hardware_id"`
	TimestampMS     int64        `json:"timestamp_ms"`
	BatchID         string       `json:"batch_id"`
	BootID          string       `json:"boot_id"`
	FirmwareVersion string       `json:"firmware_version"`
	FriendlyName    *string      `json:"friendly_name,omitempty"`
	Sensors         SensorValues `json:"sensors"`
	SensorStatus    SensorStatus `json:"sensor_status"`
}

// TsBatch builds the readings sort key. The 13 digit zero padding makes
// lexicographic order agree with chronological order for any timestamp the
// validators accept (everything below 10^13 ms).
func TsBatch(timestampMS int64, batchID string) string {
	return fmt.Sprintf("%013d#%s", timestampMS, batchID)
}

// APIKey is a stored device credential. The raw key only ever exists in the
// creation response and in the header of incoming requests; the stored form
// is a peppered SHA-256 and is never serialized back out.
type APIKey struct {
	KeyID       string  `json:"key_id"`
	APIKeyHash  string  `json:"-"`
	CreatedAt   string  `json:"created_at"`
	LastUsedAt  *string `json:"last_used_at,omitempty"`
	IsActive    bool    `json:"is_active"`
	Description *string `json:"description,omitempty"`
}

// Page is one page of a paginated query. NextCursor is empty when the query
// is exhausted; otherwise it is the opaque continuation token for the next
// page.
type Page[T any] struct {
	Items      []T
	NextCursor string
}
