package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/fieldsense/sensor-ingress/internal/pkg/infrastructure/cursor"
	"github.com/fieldsense/sensor-ingress/pkg/types"
)

type deviceRecord struct {
	HardwareID        string             `dynamodbav:"hardware_id"`
	ConfirmationID    string             `dynamodbav:"confirmation_id"`
	FriendlyName      *string            `dynamodbav:"friendly_name,omitempty"`
	FirmwareVersion   string             `dynamodbav:"firmware_version"`
	Capabilities      types.Capabilities `dynamodbav:"capabilities"`
	FirstRegisteredAt string             `dynamodbav:"first_registered_at"`
	LastSeenAt        string             `dynamodbav:"last_seen_at"`
	LastBootID        string             `dynamodbav:"last_boot_id"`
	GSI1PK            string             `dynamodbav:"gsi1pk"`
	GSI1SK            string             `dynamodbav:"gsi1sk"`
}

func toDeviceRecord(d types.Device) deviceRecord {
	return deviceRecord{
		HardwareID:        d.HardwareID,
		ConfirmationID:    d.ConfirmationID,
		FriendlyName:      d.FriendlyName,
		FirmwareVersion:   d.FirmwareVersion,
		Capabilities:      d.Capabilities,
		FirstRegisteredAt: d.FirstRegisteredAt,
		LastSeenAt:        d.LastSeenAt,
		LastBootID:        d.LastBootID,
		GSI1PK:            devicesGSI1PK,
		GSI1SK:            d.LastSeenAt,
	}
}

func (r deviceRecord) toDevice() types.Device {
	return types.Device{
		HardwareID:        r.HardwareID,
		ConfirmationID:    r.ConfirmationID,
		FriendlyName:      r.FriendlyName,
		FirmwareVersion:   r.FirmwareVersion,
		Capabilities:      r.Capabilities,
		FirstRegisteredAt: r.FirstRegisteredAt,
		LastSeenAt:        r.LastSeenAt,
		LastBootID:        r.LastBootID,
	}
}

// GetDevice fetches one device by MAC address with a consistent read, so a
// registration immediately followed by a lookup sees the new item.
func (s *Storage) GetDevice(ctx context.Context, hardwareID string) (types.Device, error) {
	ctx, cancel := attemptContext(ctx)
	defer cancel()

	out, err := s.db.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.cfg.DevicesTable),
		Key: map[string]ddbtypes.AttributeValue{
			"hardware_id": &ddbtypes.AttributeValueMemberS{Value: hardwareID},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return types.Device{}, classify(err)
	}

	if len(out.Item) == 0 {
		return types.Device{}, ErrNotFound
	}

	var record deviceRecord
	if err := attributevalue.UnmarshalMap(out.Item, &record); err != nil {
		return types.Device{}, fmt.Errorf("could not unmarshal device: %w", err)
	}

	return record.toDevice(), nil
}

// PutDevice writes a full device item, replacing any existing item for the
// same MAC address.
func (s *Storage) PutDevice(ctx context.Context, device types.Device) error {
	ctx, cancel := attemptContext(ctx)
	defer cancel()

	item, err := attributevalue.MarshalMap(toDeviceRecord(device))
	if err != nil {
		return fmt.Errorf("could not marshal device: %w", err)
	}

	_, err = s.db.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.cfg.DevicesTable),
		Item:      item,
	})

	return classify(err)
}

// UpdateDeviceSeen records a re-registration: last seen, last boot and the
// activity index key move forward, everything else is left untouched. The
// condition keeps the update from resurrecting a device deleted between the
// caller's read and this write.
func (s *Storage) UpdateDeviceSeen(ctx context.Context, hardwareID, bootID, seenAt string) error {
	ctx, cancel := attemptContext(ctx)
	defer cancel()

	_, err := s.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.cfg.DevicesTable),
		Key: map[string]ddbtypes.AttributeValue{
			"hardware_id": &ddbtypes.AttributeValueMemberS{Value: hardwareID},
		},
		UpdateExpression:    aws.String("SET last_seen_at = :seen, last_boot_id = :boot, gsi1sk = :seen"),
		ConditionExpression: aws.String("attribute_exists(hardware_id)"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":seen": &ddbtypes.AttributeValueMemberS{Value: seenAt},
			":boot": &ddbtypes.AttributeValueMemberS{Value: bootID},
		},
	})

	if err := classify(err); err != nil {
		if errors.Is(err, ErrPreconditionFailed) {
			return ErrNotFound
		}
		return err
	}

	return nil
}

// ListDevices pages through the fleet most recently seen first.
func (s *Storage) ListDevices(ctx context.Context, limit int32, startKey *cursor.DeviceKey) ([]types.Device, *cursor.DeviceKey, error) {
	ctx, cancel := attemptContext(ctx)
	defer cancel()

	input := &dynamodb.QueryInput{
		TableName:              aws.String(s.cfg.DevicesTable),
		IndexName:              aws.String(gsi1IndexName),
		KeyConditionExpression: aws.String("gsi1pk = :pk"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":pk": &ddbtypes.AttributeValueMemberS{Value: devicesGSI1PK},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(limit),
	}

	if startKey != nil {
		input.ExclusiveStartKey = map[string]ddbtypes.AttributeValue{
			"hardware_id": &ddbtypes.AttributeValueMemberS{Value: startKey.HardwareID},
			"gsi1pk":      &ddbtypes.AttributeValueMemberS{Value: devicesGSI1PK},
			"gsi1sk":      &ddbtypes.AttributeValueMemberS{Value: startKey.GSI1SK},
		}
	}

	out, err := s.db.Query(ctx, input)
	if err != nil {
		return nil, nil, classify(err)
	}

	devices := make([]types.Device, 0, len(out.Items))
	for _, item := range out.Items {
		var record deviceRecord
		if err := attributevalue.UnmarshalMap(item, &record); err != nil {
			return nil, nil, fmt.Errorf("could not unmarshal device: %w", err)
		}
		devices = append(devices, record.toDevice())
	}

	var nextKey *cursor.DeviceKey
	if len(out.LastEvaluatedKey) > 0 {
		nextKey = &cursor.DeviceKey{
			HardwareID: stringAttr(out.LastEvaluatedKey, "hardware_id"),
			GSI1SK:     stringAttr(out.LastEvaluatedKey, "gsi1sk"),
		}
	}

	return devices, nextKey, nil
}

func stringAttr(item map[string]ddbtypes.AttributeValue, name string) string {
	if s, ok := item[name].(*ddbtypes.AttributeValueMemberS); ok {
		return s.Value
	}
	return ""
}
