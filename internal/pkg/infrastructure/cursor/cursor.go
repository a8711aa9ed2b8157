// Package cursor implements the opaque continuation tokens returned by the
// paginated endpoints. A cursor is the store's continuation key serialized
// as JSON and base64 encoded; clients treat it as opaque and the decoder
// tolerates arbitrary byte sequences by mapping anything malformed to
// ErrInvalidCursor.
package cursor

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidCursor is returned for any token that does not decode to the
// exact key shape of the endpoint it was presented to. A valid cursor from
// a different endpoint is just as malformed as random bytes.
var ErrInvalidCursor = errors.New("invalid cursor")

// DeviceKey resumes the device listing (by-activity index).
type DeviceKey struct {
	HardwareID string `json:"hardware_id"`
	GSI1SK     string `json:"gsi1sk"`
}

// ReadingKey resumes a readings range query.
type ReadingKey struct {
	HardwareID string `json:"hardware_id"`
	TsBatch    string `json:"ts_batch"`
}

// APIKeyKey resumes the credential listing (by-age index).
type APIKeyKey struct {
	KeyID  string `json:"key_id"`
	GSI1SK string `json:"gsi1sk"`
}

// Encode serializes a continuation key into its wire form.
func Encode[T any](key T) (string, error) {
	b, err := json.Marshal(key)
	if err != nil {
		return "", fmt.Errorf("could not encode cursor: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// Decode parses a wire token back into a continuation key. Unknown fields
// are rejected so that cursors cannot cross between endpoints whose key
// shapes differ.
func Decode[T any](token string) (T, error) {
	var key T

	b, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return key, fmt.Errorf("%w: %s", ErrInvalidCursor, "not valid base64")
	}

	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()

	if err := dec.Decode(&key); err != nil {
		return key, fmt.Errorf("%w: %s", ErrInvalidCursor, "not a valid continuation key")
	}

	if err := requireAllFields(b, key); err != nil {
		return key, err
	}

	return key, nil
}

// requireAllFields rejects tokens whose JSON is a strict subset of the key
// shape. Without it a readings token {hardware_id,ts_batch} would decode
// into a DeviceKey with an empty gsi1sk instead of failing.
func requireAllFields[T any](raw []byte, key T) error {
	var got map[string]json.RawMessage
	if err := json.Unmarshal(raw, &got); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidCursor, "not a JSON object")
	}

	want, err := json.Marshal(key)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidCursor, "unencodable key")
	}

	var wantFields map[string]json.RawMessage
	if err := json.Unmarshal(want, &wantFields); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidCursor, "unencodable key")
	}

	for field := range wantFields {
		if _, ok := got[field]; !ok {
			return fmt.Errorf("%w: missing field %s", ErrInvalidCursor, field)
		}
	}

	return nil
}
