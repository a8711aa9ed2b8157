// Package storage persists devices, credentials, readings and idempotency
// witnesses in DynamoDB. Each entity gets its own table; listing queries go
// through sparse GSIs so that pagination keys stay small and stable.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

var (
	ErrNotFound           = errors.New("item not found")
	ErrPreconditionFailed = errors.New("precondition failed")
	ErrStoreFailed        = errors.New("could not store data")
)

// The devices and api_keys tables each carry one overloaded listing GSI,
// keyed by a constant partition attribute so a single query can scan the
// whole collection in sort order.
const (
	gsi1IndexName    = "gsi1"
	keyByHashIndex   = "api_key_hash_index"
	devicesGSI1PK    = "devices"
	apiKeysGSI1PK    = "api_keys"
	attemptTimeout   = 10 * time.Second
	witnessRetention = 30 * 24 * time.Hour
)

type Config struct {
	DevicesTable          string
	APIKeysTable          string
	ProcessedBatchesTable string
	DeviceReadingsTable   string
}

// DynamoDBAPI is the slice of the DynamoDB client this service uses. The
// concrete *dynamodb.Client satisfies it; tests substitute a fake.
type DynamoDBAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

type Storage struct {
	db  DynamoDBAPI
	cfg Config
}

func New(db DynamoDBAPI, cfg Config) *Storage {
	return &Storage{db: db, cfg: cfg}
}

// WitnessRetention is how long a processed batch id keeps suppressing
// duplicate uploads.
func WitnessRetention() time.Duration {
	return witnessRetention
}

func attemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, attemptTimeout)
}

// classify folds the SDK's error taxonomy into the three outcomes callers
// act on. Conditional check failures surface both as their own type (single
// item writes) and as a cancellation reason (transactions).
func classify(err error) error {
	if err == nil {
		return nil
	}

	var conditionFailed *ddbtypes.ConditionalCheckFailedException
	if errors.As(err, &conditionFailed) {
		return ErrPreconditionFailed
	}

	var cancelled *ddbtypes.TransactionCanceledException
	if errors.As(err, &cancelled) {
		for _, reason := range cancelled.CancellationReasons {
			if reason.Code != nil && *reason.Code == "ConditionalCheckFailed" {
				return ErrPreconditionFailed
			}
		}
	}

	return errors.Join(ErrStoreFailed, err)
}
