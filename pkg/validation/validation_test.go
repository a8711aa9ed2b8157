package validation

import (
	"errors"
	"strings"
	"testing"

	"github.com/matryer/is"
)

func TestMACAddress(t *testing.T) {
	is := is.New(t)

	for _, mac := range []string{"AA:BB:CC:DD:EE:FF", "00:11:22:33:44:55", "FF:FF:FF:FF:FF:FF"} {
		is.NoErr(MACAddress(mac))
	}

	for _, mac := range []string{
		"aa:bb:cc:dd:ee:ff", // lowercase
		"AA:BB:CC:DD:EE",    // too short
		"AA:BB:CC:DD:EE:FF:00",
		"AA-BB-CC-DD-EE-FF", // wrong separator
		"AABBCCDDEEFF",
		"GG:BB:CC:DD:EE:FF", // not hex
		"",
	} {
		err := MACAddress(mac)
		is.True(err != nil)

		var verr *Error
		is.True(errors.As(err, &verr))
		is.Equal(verr.Code, CodeInvalidMAC)
	}
}

func TestUUIDv4(t *testing.T) {
	is := is.New(t)

	is.NoErr(UUIDv4("boot_id", "550e8400-e29b-41d4-a716-446655440000"))
	is.NoErr(UUIDv4("boot_id", "7c9e6679-7425-40de-944b-e07fc1f90ae7"))

	for _, id := range []string{
		"not-a-uuid",
		"550e8400-e29b-11d4-a716-446655440000", // version 1
		"",
	} {
		err := UUIDv4("boot_id", id)
		is.True(err != nil)

		var verr *Error
		is.True(errors.As(err, &verr))
		is.Equal(verr.Code, CodeInvalidUUID)
		is.Equal(verr.Field, "boot_id")
	}
}

func TestEpochMillis(t *testing.T) {
	is := is.New(t)

	is.NoErr(EpochMillis(1_704_067_800_000)) // 2024-01-01
	is.NoErr(EpochMillis(MinTimestampMS))
	is.NoErr(EpochMillis(MaxTimestampMS))

	for _, ts := range []int64{-1, 0, MinTimestampMS - 1, MaxTimestampMS + 1} {
		err := EpochMillis(ts)
		is.True(err != nil)

		var verr *Error
		is.True(errors.As(err, &verr))
		is.Equal(verr.Code, CodeInvalidTimestamp)
	}
}

func TestBatchID(t *testing.T) {
	is := is.New(t)

	is.NoErr(BatchID("AA:BB:CC:DD:EE:FF_7c9e6679_1704067200000_1704067800000"))
	is.NoErr(BatchID("simple-batch-id"))
	is.NoErr(BatchID("a"))
	is.NoErr(BatchID(strings.Repeat("a", 256)))

	for _, id := range []string{
		"",
		strings.Repeat("a", 257),
		"batch\nid",
		"batch\tid",
		"batch\x00id",
	} {
		err := BatchID(id)
		is.True(err != nil)

		var verr *Error
		is.True(errors.As(err, &verr))
		is.Equal(verr.Code, CodeInvalidBatchID)
	}
}

func TestFriendlyName(t *testing.T) {
	is := is.New(t)

	is.NoErr(FriendlyName("greenhouse-sensor-01"))
	is.NoErr(FriendlyName("My Device"))
	is.NoErr(FriendlyName(strings.Repeat("a", 64)))

	for _, name := range []string{"", strings.Repeat("a", 65), "device\nname"} {
		is.True(FriendlyName(name) != nil)
	}
}

func TestRequired(t *testing.T) {
	is := is.New(t)

	is.NoErr(Required("firmware_version", "1.0.16"))

	err := Required("firmware_version", "")
	is.True(err != nil)

	var verr *Error
	is.True(errors.As(err, &verr))
	is.Equal(verr.Code, CodeMissingField)
}
