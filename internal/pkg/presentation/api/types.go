package api

import "github.com/fieldsense/sensor-ingress/pkg/types"

type healthResponse struct {
	Status    string `json:"status"`
	Service   string `json:"service"`
	RequestID string `json:"request_id"`
}

type registerResponse struct {
	Status         string `json:"status"`
	ConfirmationID string `json:"confirmation_id"`
	HardwareID     string `json:"hardware_id"`
	RegisteredAt   string `json:"registered_at"`
}

type uploadRequest struct {
	Readings []types.Reading `json:"readings"`
}

// deviceSummary is the list view of a device. Capabilities are only in the
// detail view.
type deviceSummary struct {
	HardwareID        string  `json:"hardware_id"`
	FriendlyName      *string `json:"friendly_name,omitempty"`
	FirmwareVersion   string  `json:"firmware_version"`
	FirstRegisteredAt string  `json:"first_registered_at"`
	LastSeenAt        string  `json:"last_seen_at"`
	LastBootID        string  `json:"last_boot_id"`
}

type deviceListResponse struct {
	Devices    []deviceSummary `json:"devices"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type readingsResponse struct {
	Readings   []types.Reading `json:"readings"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type createKeyResponse struct {
	KeyID     string `json:"key_id"`
	APIKey    string `json:"api_key"`
	CreatedAt string `json:"created_at"`
	Message   string `json:"message"`
}

type listKeysResponse struct {
	APIKeys   []types.APIKey `json:"api_keys"`
	PageToken string         `json:"pageToken,omitempty"`
}

type revokeKeyResponse struct {
	Message string `json:"message"`
	KeyID   string `json:"key_id"`
}

func toDeviceSummary(d types.Device) deviceSummary {
	return deviceSummary{
		HardwareID:        d.HardwareID,
		FriendlyName:      d.FriendlyName,
		FirmwareVersion:   d.FirmwareVersion,
		FirstRegisteredAt: d.FirstRegisteredAt,
		LastSeenAt:        d.LastSeenAt,
		LastBootID:        d.LastBootID,
	}
}
