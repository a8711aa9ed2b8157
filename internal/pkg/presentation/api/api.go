package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/diwise/service-chassis/pkg/infrastructure/o11y"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"

	"github.com/fieldsense/sensor-ingress/internal/pkg/application/credentials"
	"github.com/fieldsense/sensor-ingress/internal/pkg/application/devicemanagement"
	"github.com/fieldsense/sensor-ingress/internal/pkg/application/ingest"
	"github.com/fieldsense/sensor-ingress/internal/pkg/presentation/api/auth"
	"github.com/fieldsense/sensor-ingress/pkg/types"
	"github.com/fieldsense/sensor-ingress/pkg/validation"
)

var tracer = otel.Tracer("sensor-ingress/api")

const ServiceName = "sensor-ingress"

// RegisterHandlers mounts the device-facing plane (/register, /data) behind
// the API key middleware and the admin plane (/devices, /api-keys) behind
// the bearer middleware.
func RegisterHandlers(ctx context.Context, router *chi.Mux, devices devicemanagement.DeviceManagement, uploads ingest.Ingest, creds credentials.Credentials, adminToken string) *chi.Mux {
	log := logging.GetFromContext(ctx)

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, healthResponse{
			Status:    "healthy",
			Service:   ServiceName,
			RequestID: middleware.GetReqID(r.Context()),
		})
	})

	router.Group(func(r chi.Router) {
		r.Use(auth.DeviceKey(creds, writeError))

		r.Post("/register", registerDeviceHandler(log, devices))
		r.Post("/data", uploadReadingsHandler(log, uploads))
	})

	router.Group(func(r chi.Router) {
		r.Use(auth.AdminBearer(adminToken, writeError))

		r.Route("/devices", func(r chi.Router) {
			r.Get("/", listDevicesHandler(log, devices))
			r.Get("/{hardwareID}", getDeviceHandler(log, devices))
			r.Get("/{hardwareID}/readings", queryReadingsHandler(log, devices))
			r.Get("/{hardwareID}/latest", latestReadingHandler(log, devices))
		})

		r.Route("/api-keys", func(r chi.Router) {
			r.Post("/", createAPIKeyHandler(log, creds))
			r.Get("/", listAPIKeysHandler(log, creds))
			r.Delete("/{keyID}", revokeAPIKeyHandler(log, creds))
		})
	})

	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, errorResponse{
			Error:     "NOT_FOUND",
			Message:   "no such route",
			RequestID: middleware.GetReqID(r.Context()),
		})
	})

	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{
			Error:     "METHOD_NOT_ALLOWED",
			Message:   "method not allowed on this route",
			RequestID: middleware.GetReqID(r.Context()),
		})
	})

	return router
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func registerDeviceHandler(log *slog.Logger, svc devicemanagement.DeviceManagement) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "register-device")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		var req devicemanagement.RegisterRequest
		if err = json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, &validation.Error{
				Field: "body", Code: validation.CodeInvalidFormat, Message: "request body is not valid JSON",
			})
			return
		}

		device, err := svc.Register(ctx, req)
		if err != nil {
			requestLogger.Error("could not register device", "hardware_id", req.HardwareID, "err", err.Error())
			writeError(w, r, err)
			return
		}

		requestLogger.Info("device registered", "hardware_id", device.HardwareID)

		writeJSON(w, http.StatusOK, registerResponse{
			Status:         "registered",
			ConfirmationID: device.ConfirmationID,
			HardwareID:     device.HardwareID,
			RegisteredAt:   device.LastSeenAt,
		})
	}
}

func uploadReadingsHandler(log *slog.Logger, svc ingest.Ingest) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "upload-readings")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		var req uploadRequest
		if err = json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, &validation.Error{
				Field: "body", Code: validation.CodeInvalidFormat, Message: "request body is not valid JSON",
			})
			return
		}

		result, err := svc.Upload(ctx, req.Readings)
		if err != nil {
			requestLogger.Error("could not ingest batch", "count", len(req.Readings), "err", err.Error())
			writeError(w, r, err)
			return
		}

		requestLogger.Info("batch ingested",
			"acknowledged", len(result.AcknowledgedBatchIDs),
			"duplicates", len(result.DuplicateBatchIDs))

		writeJSON(w, http.StatusOK, result)
	}
}

func listDevicesHandler(log *slog.Logger, svc devicemanagement.DeviceManagement) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "list-devices")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		limit, err := limitParam(r)
		if err != nil {
			writeError(w, r, err)
			return
		}

		page, err := svc.ListDevices(ctx, limit, r.URL.Query().Get("cursor"))
		if err != nil {
			requestLogger.Error("could not list devices", "err", err.Error())
			writeError(w, r, err)
			return
		}

		resp := deviceListResponse{Devices: make([]deviceSummary, 0, len(page.Items)), NextCursor: page.NextCursor}
		for _, d := range page.Items {
			resp.Devices = append(resp.Devices, toDeviceSummary(d))
		}

		writeJSON(w, http.StatusOK, resp)
	}
}

func getDeviceHandler(log *slog.Logger, svc devicemanagement.DeviceManagement) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "get-device")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		hardwareID := chi.URLParam(r, "hardwareID")

		device, err := svc.GetDevice(ctx, hardwareID)
		if err != nil {
			requestLogger.Debug("device lookup failed", "hardware_id", hardwareID, "err", err.Error())
			writeError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, device)
	}
}

func queryReadingsHandler(log *slog.Logger, svc devicemanagement.DeviceManagement) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "query-readings")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		hardwareID := chi.URLParam(r, "hardwareID")

		from, err := requiredEpochParam(r, "from")
		if err != nil {
			writeError(w, r, err)
			return
		}
		to, err := requiredEpochParam(r, "to")
		if err != nil {
			writeError(w, r, err)
			return
		}
		limit, err := limitParam(r)
		if err != nil {
			writeError(w, r, err)
			return
		}

		page, err := svc.QueryReadings(ctx, hardwareID, from, to, limit, r.URL.Query().Get("cursor"))
		if err != nil {
			requestLogger.Error("could not query readings", "hardware_id", hardwareID, "err", err.Error())
			writeError(w, r, err)
			return
		}

		resp := readingsResponse{Readings: page.Items, NextCursor: page.NextCursor}
		if resp.Readings == nil {
			resp.Readings = []types.Reading{}
		}

		writeJSON(w, http.StatusOK, resp)
	}
}

func latestReadingHandler(log *slog.Logger, svc devicemanagement.DeviceManagement) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "latest-reading")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		hardwareID := chi.URLParam(r, "hardwareID")

		reading, err := svc.LatestReading(ctx, hardwareID)
		if err != nil {
			requestLogger.Debug("latest reading lookup failed", "hardware_id", hardwareID, "err", err.Error())
			writeError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, reading)
	}
}

func createAPIKeyHandler(log *slog.Logger, creds credentials.Credentials) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "create-api-key")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		var req struct {
			Description *string `json:"description,omitempty"`
		}
		// the body is optional; a missing description is fine
		_ = json.NewDecoder(r.Body).Decode(&req)

		key, rawKey, err := creds.Create(ctx, req.Description)
		if err != nil {
			requestLogger.Error("could not create api key", "err", err.Error())
			writeError(w, r, err)
			return
		}

		requestLogger.Info("api key created", "key_id", key.KeyID)

		writeJSON(w, http.StatusOK, createKeyResponse{
			KeyID:     key.KeyID,
			APIKey:    rawKey,
			CreatedAt: key.CreatedAt,
			Message:   "store this key securely, it cannot be retrieved again",
		})
	}
}

func listAPIKeysHandler(log *slog.Logger, creds credentials.Credentials) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "list-api-keys")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		limit, err := limitParam(r)
		if err != nil {
			writeError(w, r, err)
			return
		}

		page, err := creds.List(ctx, limit, r.URL.Query().Get("pageToken"))
		if err != nil {
			requestLogger.Error("could not list api keys", "err", err.Error())
			writeError(w, r, err)
			return
		}

		resp := listKeysResponse{APIKeys: page.Items, PageToken: page.NextCursor}
		if resp.APIKeys == nil {
			resp.APIKeys = []types.APIKey{}
		}

		writeJSON(w, http.StatusOK, resp)
	}
}

func revokeAPIKeyHandler(log *slog.Logger, creds credentials.Credentials) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "revoke-api-key")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		keyID := chi.URLParam(r, "keyID")

		if err = creds.Revoke(ctx, keyID); err != nil {
			requestLogger.Error("could not revoke api key", "key_id", keyID, "err", err.Error())
			writeError(w, r, err)
			return
		}

		requestLogger.Info("api key revoked", "key_id", keyID)

		writeJSON(w, http.StatusOK, revokeKeyResponse{
			Message: "api key revoked",
			KeyID:   keyID,
		})
	}
}

func limitParam(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}

	limit, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &validation.Error{Field: "limit", Code: validation.CodeInvalidFormat, Message: "limit must be an integer"}
	}

	return limit, nil
}

func requiredEpochParam(r *http.Request, name string) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, &validation.Error{Field: name, Code: validation.CodeMissingField, Message: "required query parameter missing: " + name}
	}

	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, &validation.Error{Field: name, Code: validation.CodeInvalidFormat, Message: name + " must be epoch milliseconds"}
	}

	return value, nil
}
