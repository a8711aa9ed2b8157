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

type apiKeyRecord struct {
	KeyID       string  `dynamodbav:"key_id"`
	APIKeyHash  string  `dynamodbav:"api_key_hash"`
	CreatedAt   string  `dynamodbav:"created_at"`
	LastUsedAt  *string `dynamodbav:"last_used_at,omitempty"`
	IsActive    bool    `dynamodbav:"is_active"`
	Description *string `dynamodbav:"description,omitempty"`
	GSI1PK      string  `dynamodbav:"gsi1pk"`
	GSI1SK      string  `dynamodbav:"gsi1sk"`
}

func (r apiKeyRecord) toAPIKey() types.APIKey {
	return types.APIKey{
		KeyID:       r.KeyID,
		APIKeyHash:  r.APIKeyHash,
		CreatedAt:   r.CreatedAt,
		LastUsedAt:  r.LastUsedAt,
		IsActive:    r.IsActive,
		Description: r.Description,
	}
}

// PutAPIKey stores a freshly minted credential.
func (s *Storage) PutAPIKey(ctx context.Context, key types.APIKey) error {
	ctx, cancel := attemptContext(ctx)
	defer cancel()

	item, err := attributevalue.MarshalMap(apiKeyRecord{
		KeyID:       key.KeyID,
		APIKeyHash:  key.APIKeyHash,
		CreatedAt:   key.CreatedAt,
		LastUsedAt:  key.LastUsedAt,
		IsActive:    key.IsActive,
		Description: key.Description,
		GSI1PK:      apiKeysGSI1PK,
		GSI1SK:      key.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("could not marshal api key: %w", err)
	}

	_, err = s.db.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.cfg.APIKeysTable),
		Item:      item,
	})

	return classify(err)
}

// GetAPIKeyByHash resolves an incoming credential to its stored record via
// the by-hash index.
func (s *Storage) GetAPIKeyByHash(ctx context.Context, hash string) (types.APIKey, error) {
	ctx, cancel := attemptContext(ctx)
	defer cancel()

	out, err := s.db.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.cfg.APIKeysTable),
		IndexName:              aws.String(keyByHashIndex),
		KeyConditionExpression: aws.String("api_key_hash = :hash"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":hash": &ddbtypes.AttributeValueMemberS{Value: hash},
		},
		Limit: aws.Int32(1),
	})
	if err != nil {
		return types.APIKey{}, classify(err)
	}

	if len(out.Items) == 0 {
		return types.APIKey{}, ErrNotFound
	}

	var record apiKeyRecord
	if err := attributevalue.UnmarshalMap(out.Items[0], &record); err != nil {
		return types.APIKey{}, fmt.Errorf("could not unmarshal api key: %w", err)
	}

	return record.toAPIKey(), nil
}

// ListAPIKeys pages through credentials newest first.
func (s *Storage) ListAPIKeys(ctx context.Context, limit int32, startKey *cursor.APIKeyKey) ([]types.APIKey, *cursor.APIKeyKey, error) {
	ctx, cancel := attemptContext(ctx)
	defer cancel()

	input := &dynamodb.QueryInput{
		TableName:              aws.String(s.cfg.APIKeysTable),
		IndexName:              aws.String(gsi1IndexName),
		KeyConditionExpression: aws.String("gsi1pk = :pk"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":pk": &ddbtypes.AttributeValueMemberS{Value: apiKeysGSI1PK},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(limit),
	}

	if startKey != nil {
		input.ExclusiveStartKey = map[string]ddbtypes.AttributeValue{
			"key_id": &ddbtypes.AttributeValueMemberS{Value: startKey.KeyID},
			"gsi1pk": &ddbtypes.AttributeValueMemberS{Value: apiKeysGSI1PK},
			"gsi1sk": &ddbtypes.AttributeValueMemberS{Value: startKey.GSI1SK},
		}
	}

	out, err := s.db.Query(ctx, input)
	if err != nil {
		return nil, nil, classify(err)
	}

	keys := make([]types.APIKey, 0, len(out.Items))
	for _, item := range out.Items {
		var record apiKeyRecord
		if err := attributevalue.UnmarshalMap(item, &record); err != nil {
			return nil, nil, fmt.Errorf("could not unmarshal api key: %w", err)
		}
		keys = append(keys, record.toAPIKey())
	}

	var nextKey *cursor.APIKeyKey
	if len(out.LastEvaluatedKey) > 0 {
		nextKey = &cursor.APIKeyKey{
			KeyID:  stringAttr(out.LastEvaluatedKey, "key_id"),
			GSI1SK: stringAttr(out.LastEvaluatedKey, "gsi1sk"),
		}
	}

	return keys, nextKey, nil
}

// RevokeAPIKey flips a credential inactive. Revoking an unknown key id is
// ErrNotFound so the handler can answer 404 instead of silently creating a
// tombstone.
func (s *Storage) RevokeAPIKey(ctx context.Context, keyID string) error {
	ctx, cancel := attemptContext(ctx)
	defer cancel()

	_, err := s.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.cfg.APIKeysTable),
		Key: map[string]ddbtypes.AttributeValue{
			"key_id": &ddbtypes.AttributeValueMemberS{Value: keyID},
		},
		UpdateExpression:    aws.String("SET is_active = :inactive"),
		ConditionExpression: aws.String("attribute_exists(key_id)"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":inactive": &ddbtypes.AttributeValueMemberBOOL{Value: false},
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

// TouchAPIKeyLastUsed stamps the credential's last use. Best effort: the
// caller throttles and ignores failures.
func (s *Storage) TouchAPIKeyLastUsed(ctx context.Context, keyID, usedAt string) error {
	ctx, cancel := attemptContext(ctx)
	defer cancel()

	_, err := s.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.cfg.APIKeysTable),
		Key: map[string]ddbtypes.AttributeValue{
			"key_id": &ddbtypes.AttributeValueMemberS{Value: keyID},
		},
		UpdateExpression:    aws.String("SET last_used_at = :used"),
		ConditionExpression: aws.String("attribute_exists(key_id)"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":used": &ddbtypes.AttributeValueMemberS{Value: usedAt},
		},
	})

	return classify(err)
}
