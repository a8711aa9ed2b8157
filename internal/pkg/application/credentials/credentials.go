// Package credentials manages the device API keys: minting, validation on
// the hot ingest path, listing and revocation. Keys are stored as peppered
// SHA-256 digests; the raw key leaves the service exactly once, in the
// creation response.
package credentials

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"go.opentelemetry.io/otel"

	"github.com/fieldsense/sensor-ingress/internal/pkg/infrastructure/clock"
	"github.com/fieldsense/sensor-ingress/internal/pkg/infrastructure/cursor"
	"github.com/fieldsense/sensor-ingress/internal/pkg/infrastructure/idgen"
	"github.com/fieldsense/sensor-ingress/internal/pkg/infrastructure/storage"
	"github.com/fieldsense/sensor-ingress/pkg/types"
)

var tracer = otel.Tracer("sensor-ingress/credentials")

var (
	ErrMissingKey   = errors.New("api key missing")
	ErrInvalidKey   = errors.New("api key not recognized")
	ErrKeyRevoked   = errors.New("api key has been revoked")
	ErrKeyNotFound  = errors.New("api key not found")
	ErrPepperNotSet = errors.New("credential pepper is not configured")
)

// lastUsedThrottle bounds how often a busy device's key gets its
// last_used_at rewritten.
const lastUsedThrottle = 5 * time.Minute

const operationTimeout = 25 * time.Second

//go:generate moq -rm -out credentialstorage_mock.go . CredentialStorage
type CredentialStorage interface {
	PutAPIKey(ctx context.Context, key types.APIKey) error
	GetAPIKeyByHash(ctx context.Context, hash string) (types.APIKey, error)
	ListAPIKeys(ctx context.Context, limit int32, startKey *cursor.APIKeyKey) ([]types.APIKey, *cursor.APIKeyKey, error)
	RevokeAPIKey(ctx context.Context, keyID string) error
	TouchAPIKeyLastUsed(ctx context.Context, keyID, usedAt string) error
}

type Credentials interface {
	Validate(ctx context.Context, rawKey string) (types.APIKey, error)
	Create(ctx context.Context, description *string) (types.APIKey, string, error)
	List(ctx context.Context, limit int, pageToken string) (types.Page[types.APIKey], error)
	Revoke(ctx context.Context, keyID string) error
}

type service struct {
	storage CredentialStorage
	pepper  string
	clock   clock.Clock
	idgen   idgen.Generator
}

func New(storage CredentialStorage, pepper string, clk clock.Clock, ids idgen.Generator) Credentials {
	return &service{storage: storage, pepper: pepper, clock: clk, idgen: ids}
}

// Generate mints a raw key: 32 bytes from the CSPRNG as lowercase hex.
func Generate() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("could not generate api key: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Hash digests a raw key with the service pepper. A missing pepper is a
// deployment error and must fail closed rather than hash unpeppered.
func Hash(pepper, rawKey string) (string, error) {
	if pepper == "" {
		return "", ErrPepperNotSet
	}

	sum := sha256.Sum256(append([]byte(pepper), rawKey...))
	return hex.EncodeToString(sum[:]), nil
}

// Validate resolves a presented key to its stored credential. On success it
// may kick off a throttled, fire-and-forget last-used update; the caller
// never waits on that write and never sees its errors.
func (s *service) Validate(ctx context.Context, rawKey string) (types.APIKey, error) {
	var err error
	ctx, span := tracer.Start(ctx, "validate-api-key")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	if rawKey == "" {
		err = ErrMissingKey
		return types.APIKey{}, err
	}

	hash, err := Hash(s.pepper, rawKey)
	if err != nil {
		return types.APIKey{}, err
	}

	key, err := s.storage.GetAPIKeyByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			err = ErrInvalidKey
		}
		return types.APIKey{}, err
	}

	if !key.IsActive {
		err = ErrKeyRevoked
		return types.APIKey{}, err
	}

	if s.shouldTouchLastUsed(key.LastUsedAt) {
		s.touchLastUsed(ctx, key.KeyID)
	}

	return key, nil
}

// shouldTouchLastUsed is true when the stamp is absent, unreadable, or old
// enough that another write is worth its cost.
func (s *service) shouldTouchLastUsed(lastUsedAt *string) bool {
	if lastUsedAt == nil {
		return true
	}

	t, err := time.Parse(time.RFC3339, *lastUsedAt)
	if err != nil {
		return true
	}

	return s.clock.Now().Sub(t) >= lastUsedThrottle
}

func (s *service) touchLastUsed(ctx context.Context, keyID string) {
	log := logging.GetFromContext(ctx)
	usedAt := s.clock.NowRFC3339()

	// detached from the request so a client disconnect does not cancel it
	bgCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), operationTimeout)

	go func() {
		defer cancel()

		if err := s.storage.TouchAPIKeyLastUsed(bgCtx, keyID, usedAt); err != nil {
			log.Debug("could not update last_used_at", "key_id", keyID, "err", err.Error())
		}
	}()
}

// Create mints and stores a new credential, returning the stored record and
// the raw key. The raw key is not recoverable afterwards.
func (s *service) Create(ctx context.Context, description *string) (types.APIKey, string, error) {
	var err error
	ctx, span := tracer.Start(ctx, "create-api-key")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	rawKey, err := Generate()
	if err != nil {
		return types.APIKey{}, "", err
	}

	hash, err := Hash(s.pepper, rawKey)
	if err != nil {
		return types.APIKey{}, "", err
	}

	key := types.APIKey{
		KeyID:       s.idgen.UUIDv4(),
		APIKeyHash:  hash,
		CreatedAt:   s.clock.NowRFC3339(),
		IsActive:    true,
		Description: description,
	}

	if err = s.storage.PutAPIKey(ctx, key); err != nil {
		return types.APIKey{}, "", err
	}

	return key, rawKey, nil
}

// List pages through credentials newest first. The limit is clamped to
// [1, 100] with a default of 50.
func (s *service) List(ctx context.Context, limit int, pageToken string) (types.Page[types.APIKey], error) {
	var err error
	ctx, span := tracer.Start(ctx, "list-api-keys")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	var startKey *cursor.APIKeyKey
	if pageToken != "" {
		key, derr := cursor.Decode[cursor.APIKeyKey](pageToken)
		if derr != nil {
			err = derr
			return types.Page[types.APIKey]{}, err
		}
		startKey = &key
	}

	keys, nextKey, err := s.storage.ListAPIKeys(ctx, clampLimit(limit, 50, 100), startKey)
	if err != nil {
		return types.Page[types.APIKey]{}, err
	}

	page := types.Page[types.APIKey]{Items: keys}
	if nextKey != nil {
		page.NextCursor, err = cursor.Encode(*nextKey)
		if err != nil {
			return types.Page[types.APIKey]{}, err
		}
	}

	return page, nil
}

// Revoke marks a credential inactive. Revocation is permanent and
// idempotent in effect, but an unknown key id is reported as such.
func (s *service) Revoke(ctx context.Context, keyID string) error {
	var err error
	ctx, span := tracer.Start(ctx, "revoke-api-key")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	if err = s.storage.RevokeAPIKey(ctx, keyID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			err = ErrKeyNotFound
		}
		return err
	}

	return nil
}

func clampLimit(limit, def, max int) int32 {
	if limit == 0 {
		return int32(def)
	}
	if limit < 1 {
		return 1
	}
	if limit > max {
		return int32(max)
	}
	return int32(limit)
}
