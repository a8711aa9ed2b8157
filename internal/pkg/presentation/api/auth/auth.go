// Package auth holds the two authentication middlewares: the device API key
// check used by the data plane and the administrator bearer check used by
// the control plane.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"go.opentelemetry.io/otel"

	"github.com/fieldsense/sensor-ingress/internal/pkg/application/credentials"
	"github.com/fieldsense/sensor-ingress/pkg/types"
)

var tracer = otel.Tracer("sensor-ingress/auth")

var (
	ErrMissingToken       = errors.New("authorization header missing")
	ErrInvalidToken       = errors.New("authorization header is not a bearer token")
	ErrUnauthorized       = errors.New("administrator token mismatch")
	ErrTokenNotConfigured = errors.New("administrator token is not configured")
)

type apiKeyContextKey struct{}

// ErrorWriter renders an authentication failure in the service's wire
// format. The api package supplies its terminal error mapper here, keeping
// the response shape in one place.
type ErrorWriter func(w http.ResponseWriter, r *http.Request, err error)

// DeviceKey authenticates requests by the X-API-Key header. The validated
// credential is stored on the request context for handlers that want it.
func DeviceKey(creds credentials.Credentials, fail ErrorWriter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, span := tracer.Start(r.Context(), "check-api-key")

			key, err := creds.Validate(ctx, r.Header.Get("X-API-Key"))
			if err != nil {
				span.End()
				logging.GetFromContext(ctx).Info("rejected device request", "err", err.Error())
				fail(w, r, err)
				return
			}

			span.End()
			next.ServeHTTP(w, r.WithContext(withAPIKey(ctx, key)))
		})
	}
}

// AdminBearer authenticates requests by comparing the bearer token to the
// configured administrator secret. The comparison is constant time once the
// lengths match; the length check itself is not secret since the token
// length is public knowledge.
func AdminBearer(adminToken string, fail ErrorWriter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, span := tracer.Start(r.Context(), "check-admin-token")
			defer span.End()

			header := r.Header.Get("Authorization")
			if header == "" {
				fail(w, r, ErrMissingToken)
				return
			}

			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok {
				fail(w, r, ErrInvalidToken)
				return
			}

			if adminToken == "" {
				fail(w, r, ErrTokenNotConfigured)
				return
			}

			if !tokensEqual(token, adminToken) {
				logging.GetFromContext(r.Context()).Info("rejected admin request")
				fail(w, r, ErrUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func tokensEqual(presented, expected string) bool {
	if len(presented) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(expected)) == 1
}

func withAPIKey(ctx context.Context, key types.APIKey) context.Context {
	return context.WithValue(ctx, apiKeyContextKey{}, key)
}

// GetAPIKeyFromContext returns the credential the device authenticated
// with, if any.
func GetAPIKeyFromContext(ctx context.Context) (types.APIKey, bool) {
	key, ok := ctx.Value(apiKeyContextKey{}).(types.APIKey)
	return key, ok
}
