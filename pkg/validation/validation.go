package validation

import (
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

// Stable error codes for validation failures. These are part of the wire
// contract and must not change between releases.
const (
	CodeMissingField      = "MISSING_FIELD"
	CodeInvalidFormat     = "INVALID_FORMAT"
	CodeInvalidMAC        = "INVALID_MAC"
	CodeInvalidUUID       = "INVALID_UUID"
	CodeInvalidTimestamp  = "INVALID_TIMESTAMP"
	CodeInvalidBatchID    = "INVALID_BATCH_ID"
	CodeBatchSizeExceeded = "BATCH_SIZE_EXCEEDED"
)

// Readings carry epoch millisecond timestamps and must fall inside
// [2000-01-01, 2100-01-01]. The upper bound also keeps every accepted
// timestamp below 10^13, which the 13 digit sort key padding relies on.
const (
	MinTimestampMS int64 = 946_684_800_000
	MaxTimestampMS int64 = 4_102_444_800_000
)

// MaxBatchSize is the largest number of readings accepted in one upload.
const MaxBatchSize = 100

var macPattern = regexp.MustCompile(`^[0-9A-F]{2}:[0-9A-F]{2}:[0-9A-F]{2}:[0-9A-F]{2}:[0-9A-F]{2}:[0-9A-F]{2}$`)

// Error is a field level validation failure with its stable wire code.
type Error struct {
	Field   string
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("validation failed for field %q: %s", e.Field, e.Message)
}

func newError(field, code, message string) *Error {
	return &Error{Field: field, Code: code, Message: message}
}

// Required rejects empty values for mandatory string fields.
func Required(field, value string) error {
	if value == "" {
		return newError(field, CodeMissingField, "required field missing: "+field)
	}
	return nil
}

// MACAddress accepts the uppercase colon separated form XX:XX:XX:XX:XX:XX.
func MACAddress(mac string) error {
	if !macPattern.MatchString(mac) {
		return newError("hardware_id", CodeInvalidMAC,
			"MAC address must be in format XX:XX:XX:XX:XX:XX with uppercase hexadecimal")
	}
	return nil
}

// UUIDv4 accepts canonical UUIDs of version 4 only.
func UUIDv4(field, value string) error {
	id, err := uuid.Parse(value)
	if err != nil {
		return newError(field, CodeInvalidUUID, "invalid UUID format")
	}
	if id.Version() != 4 {
		return newError(field, CodeInvalidUUID,
			fmt.Sprintf("UUID must be version 4, got version %d", id.Version()))
	}
	return nil
}

// EpochMillis bounds reading timestamps to the years 2000-2100 inclusive.
func EpochMillis(timestampMS int64) error {
	if timestampMS < MinTimestampMS {
		return newError("timestamp_ms", CodeInvalidTimestamp,
			fmt.Sprintf("timestamp %d is before year 2000", timestampMS))
	}
	if timestampMS > MaxTimestampMS {
		return newError("timestamp_ms", CodeInvalidTimestamp,
			fmt.Sprintf("timestamp %d is after year 2100", timestampMS))
	}
	return nil
}

// BatchID accepts 1-256 characters of printable ASCII (0x20-0x7E). The id is
// otherwise opaque to the server.
func BatchID(batchID string) error {
	if batchID == "" {
		return newError("batch_id", CodeInvalidBatchID, "batch id cannot be empty")
	}
	if len(batchID) > 256 {
		return newError("batch_id", CodeInvalidBatchID,
			fmt.Sprintf("batch id length %d exceeds maximum of 256 characters", len(batchID)))
	}
	if !printableASCII(batchID) {
		return newError("batch_id", CodeInvalidBatchID,
			"batch id must contain only printable ASCII characters (0x20-0x7E)")
	}
	return nil
}

// FriendlyName accepts 1-64 characters of printable ASCII.
func FriendlyName(name string) error {
	if name == "" {
		return newError("friendly_name", CodeInvalidFormat, "friendly name cannot be empty")
	}
	if len(name) > 64 {
		return newError("friendly_name", CodeInvalidFormat,
			fmt.Sprintf("friendly name length %d exceeds maximum of 64 characters", len(name)))
	}
	if !printableASCII(name) {
		return newError("friendly_name", CodeInvalidFormat,
			"friendly name must contain only printable ASCII characters (0x20-0x7E)")
	}
	return nil
}

func printableASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < 0x20 || s[i] > 0x7e {
			return false
		}
	}
	return true
}
