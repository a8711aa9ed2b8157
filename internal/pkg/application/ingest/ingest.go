// Package ingest accepts authenticated reading uploads and commits each
// reading exactly once. Idempotency comes from a witness item written in
// the same atomic transaction as the reading, conditioned on its batch id
// never having been seen before.
package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"go.opentelemetry.io/otel"

	"github.com/fieldsense/sensor-ingress/internal/pkg/infrastructure/clock"
	"github.com/fieldsense/sensor-ingress/internal/pkg/infrastructure/storage"
	"github.com/fieldsense/sensor-ingress/pkg/types"
	"github.com/fieldsense/sensor-ingress/pkg/validation"
)

var tracer = otel.Tracer("sensor-ingress/ingest")

const operationTimeout = 25 * time.Second

//go:generate moq -rm -out readingstorage_mock.go . ReadingStorage
type ReadingStorage interface {
	StoreReading(ctx context.Context, reading types.Reading, receivedAt string, witnessExpiresAt int64, expiresAt *int64) error
}

// Result reports the idempotency outcome per batch id. The two lists are
// disjoint: a batch id is acknowledged on first commit and a duplicate on
// every replay after that.
type Result struct {
	AcknowledgedBatchIDs []string `json:"acknowledged_batch_ids"`
	DuplicateBatchIDs    []string `json:"duplicate_batch_ids"`
}

type Ingest interface {
	Upload(ctx context.Context, readings []types.Reading) (Result, error)
}

type service struct {
	storage          ReadingStorage
	clock            clock.Clock
	retentionSeconds int64
}

// New creates the upload service. retentionSeconds of zero disables reading
// expiry; the witness always expires 30 days after ingest.
func New(storage ReadingStorage, clk clock.Clock, retentionSeconds int64) Ingest {
	return &service{storage: storage, clock: clk, retentionSeconds: retentionSeconds}
}

// Upload validates and commits a batch in input order. The first store
// failure that is not a duplicate aborts the batch; readings committed
// before the failure stay persisted and their witnesses make any retry of
// the full batch safe.
func (s *service) Upload(ctx context.Context, readings []types.Reading) (Result, error) {
	var err error
	ctx, span := tracer.Start(ctx, "upload-readings")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	log := logging.GetFromContext(ctx)

	if err = validateBatch(readings); err != nil {
		return Result{}, err
	}

	result := Result{
		AcknowledgedBatchIDs: []string{},
		DuplicateBatchIDs:    []string{},
	}

	receivedAt := s.clock.NowRFC3339()
	witnessExpiresAt := s.clock.NowEpochSeconds() + int64(storage.WitnessRetention().Seconds())

	for _, reading := range readings {
		var expiresAt *int64
		if s.retentionSeconds > 0 {
			e := reading.TimestampMS/1000 + s.retentionSeconds
			expiresAt = &e
		}

		serr := s.storage.StoreReading(ctx, reading, receivedAt, witnessExpiresAt, expiresAt)
		if serr == nil {
			result.AcknowledgedBatchIDs = append(result.AcknowledgedBatchIDs, reading.BatchID)
			continue
		}

		if errors.Is(serr, storage.ErrPreconditionFailed) {
			result.DuplicateBatchIDs = append(result.DuplicateBatchIDs, reading.BatchID)
			continue
		}

		log.Error("aborting batch on store failure",
			"hardware_id", reading.HardwareID,
			"batch_id", reading.BatchID,
			"committed", len(result.AcknowledgedBatchIDs),
			"err", serr.Error())

		err = serr
		return Result{}, err
	}

	return result, nil
}

func validateBatch(readings []types.Reading) error {
	if len(readings) > validation.MaxBatchSize {
		return &validation.Error{
			Field:   "readings",
			Code:    validation.CodeBatchSizeExceeded,
			Message: "batch size exceeds maximum of 100 readings",
		}
	}

	for _, r := range readings {
		if err := validation.MACAddress(r.HardwareID); err != nil {
			return err
		}
		if err := validation.EpochMillis(r.TimestampMS); err != nil {
			return err
		}
		if err := validation.BatchID(r.BatchID); err != nil {
			return err
		}
		if err := validation.UUIDv4("boot_id", r.BootID); err != nil {
			return err
		}
	}

	return nil
}
