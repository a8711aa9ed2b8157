package storage

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/fieldsense/sensor-ingress/internal/pkg/infrastructure/cursor"
	"github.com/fieldsense/sensor-ingress/pkg/types"
)

type readingRecord struct {
	HardwareID      string             `dynamodbav:"hardware_id"`
	TsBatch         string             `dynamodbav:"ts_batch"`
	TimestampMS     int64              `dynamodbav:"timestamp_ms"`
	BatchID         string             `dynamodbav:"batch_id"`
	BootID          string             `dynamodbav:"boot_id"`
	FirmwareVersion string             `dynamodbav:"firmware_version"`
	FriendlyName    *string            `dynamodbav:"friendly_name,omitempty"`
	Sensors         types.SensorValues `dynamodbav:"sensors"`
	SensorStatus    types.SensorStatus `dynamodbav:"sensor_status"`
	ExpirationTime  *int64             `dynamodbav:"expiration_time,omitempty"`
}

type witnessRecord struct {
	BatchID        string `dynamodbav:"batch_id"`
	HardwareID     string `dynamodbav:"hardware_id"`
	ReceivedAt     string `dynamodbav:"received_at"`
	ExpirationTime int64  `dynamodbav:"expiration_time"`
}

func (r readingRecord) toReading() types.Reading {
	return types.Reading{
		HardwareID:      r.HardwareID,
		TimestampMS:     r.TimestampMS,
		BatchID:         r.BatchID,
		BootID:          r.BootID,
		FirmwareVersion: r.FirmwareVersion,
		FriendlyName:    r.FriendlyName,
		Sensors:         r.Sensors,
		SensorStatus:    r.SensorStatus,
	}
}

// StoreReading commits one reading and its idempotency witness in a single
// transaction. The witness put is conditioned on the batch id never having
// been seen, so a replayed upload cancels the whole transaction and
// surfaces as ErrPreconditionFailed without writing anything.
func (s *Storage) StoreReading(ctx context.Context, reading types.Reading, receivedAt string, witnessExpiresAt int64, expiresAt *int64) error {
	ctx, cancel := attemptContext(ctx)
	defer cancel()

	readingItem, err := attributevalue.MarshalMap(readingRecord{
		HardwareID:      reading.HardwareID,
		TsBatch:         types.TsBatch(reading.TimestampMS, reading.BatchID),
		TimestampMS:     reading.TimestampMS,
		BatchID:         reading.BatchID,
		BootID:          reading.BootID,
		FirmwareVersion: reading.FirmwareVersion,
		FriendlyName:    reading.FriendlyName,
		Sensors:         reading.Sensors,
		SensorStatus:    reading.SensorStatus,
		ExpirationTime:  expiresAt,
	})
	if err != nil {
		return fmt.Errorf("could not marshal reading: %w", err)
	}

	witnessItem, err := attributevalue.MarshalMap(witnessRecord{
		BatchID:        reading.BatchID,
		HardwareID:     reading.HardwareID,
		ReceivedAt:     receivedAt,
		ExpirationTime: witnessExpiresAt,
	})
	if err != nil {
		return fmt.Errorf("could not marshal batch witness: %w", err)
	}

	_, err = s.db.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []ddbtypes.TransactWriteItem{
			{
				Put: &ddbtypes.Put{
					TableName:           aws.String(s.cfg.ProcessedBatchesTable),
					Item:                witnessItem,
					ConditionExpression: aws.String("attribute_not_exists(batch_id)"),
				},
			},
			{
				Put: &ddbtypes.Put{
					TableName: aws.String(s.cfg.DeviceReadingsTable),
					Item:      readingItem,
				},
			},
		},
	})

	return classify(err)
}

// QueryReadings pages through one device's readings inside [fromMS, toMS],
// newest first. The sort key range covers every batch id suffix because the
// upper bound character compares above all printable ASCII.
func (s *Storage) QueryReadings(ctx context.Context, hardwareID string, fromMS, toMS int64, limit int32, startKey *cursor.ReadingKey) ([]types.Reading, *cursor.ReadingKey, error) {
	ctx, cancel := attemptContext(ctx)
	defer cancel()

	input := &dynamodb.QueryInput{
		TableName:              aws.String(s.cfg.DeviceReadingsTable),
		KeyConditionExpression: aws.String("hardware_id = :hw AND ts_batch BETWEEN :lo AND :hi"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":hw": &ddbtypes.AttributeValueMemberS{Value: hardwareID},
			":lo": &ddbtypes.AttributeValueMemberS{Value: fmt.Sprintf("%013d#", fromMS)},
			":hi": &ddbtypes.AttributeValueMemberS{Value: fmt.Sprintf("%013d#￿", toMS)},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(limit),
	}

	if startKey != nil {
		input.ExclusiveStartKey = map[string]ddbtypes.AttributeValue{
			"hardware_id": &ddbtypes.AttributeValueMemberS{Value: startKey.HardwareID},
			"ts_batch":    &ddbtypes.AttributeValueMemberS{Value: startKey.TsBatch},
		}
	}

	out, err := s.db.Query(ctx, input)
	if err != nil {
		return nil, nil, classify(err)
	}

	readings := make([]types.Reading, 0, len(out.Items))
	for _, item := range out.Items {
		var record readingRecord
		if err := attributevalue.UnmarshalMap(item, &record); err != nil {
			return nil, nil, fmt.Errorf("could not unmarshal reading: %w", err)
		}
		readings = append(readings, record.toReading())
	}

	var nextKey *cursor.ReadingKey
	if len(out.LastEvaluatedKey) > 0 {
		nextKey = &cursor.ReadingKey{
			HardwareID: stringAttr(out.LastEvaluatedKey, "hardware_id"),
			TsBatch:    stringAttr(out.LastEvaluatedKey, "ts_batch"),
		}
	}

	return readings, nextKey, nil
}

// LatestReading returns the newest stored reading for a device, or
// ErrNotFound when the device has never uploaded.
func (s *Storage) LatestReading(ctx context.Context, hardwareID string) (types.Reading, error) {
	ctx, cancel := attemptContext(ctx)
	defer cancel()

	out, err := s.db.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.cfg.DeviceReadingsTable),
		KeyConditionExpression: aws.String("hardware_id = :hw"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":hw": &ddbtypes.AttributeValueMemberS{Value: hardwareID},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(1),
	})
	if err != nil {
		return types.Reading{}, classify(err)
	}

	if len(out.Items) == 0 {
		return types.Reading{}, ErrNotFound
	}

	var record readingRecord
	if err := attributevalue.UnmarshalMap(out.Items[0], &record); err != nil {
		return types.Reading{}, fmt.Errorf("could not unmarshal reading: %w", err)
	}

	return record.toReading(), nil
}
