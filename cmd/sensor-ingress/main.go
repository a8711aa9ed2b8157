package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/diwise/service-chassis/pkg/infrastructure/buildinfo"
	"github.com/diwise/service-chassis/pkg/infrastructure/env"
	k8shandlers "github.com/diwise/service-chassis/pkg/infrastructure/net/http/handlers"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/diwise/service-chassis/pkg/infrastructure/servicerunner"

	"github.com/fieldsense/sensor-ingress/internal/pkg/application/credentials"
	"github.com/fieldsense/sensor-ingress/internal/pkg/application/devicemanagement"
	"github.com/fieldsense/sensor-ingress/internal/pkg/application/ingest"
	"github.com/fieldsense/sensor-ingress/internal/pkg/infrastructure/clock"
	"github.com/fieldsense/sensor-ingress/internal/pkg/infrastructure/idgen"
	"github.com/fieldsense/sensor-ingress/internal/pkg/infrastructure/router"
	"github.com/fieldsense/sensor-ingress/internal/pkg/infrastructure/storage"
	"github.com/fieldsense/sensor-ingress/internal/pkg/presentation/api"
)

const serviceName string = "sensor-ingress"

type appConfig struct{}

type flagType int
type flagMap map[flagType]string

const (
	listenAddress flagType = iota
	servicePort
	controlPort
	enableTracing

	devicesTable
	apiKeysTable
	processedBatchesTable
	deviceReadingsTable

	apiKeyPepper
	adminToken
	corsAllowedOrigin
	readingRetention
)

var (
	webserver  = servicerunner.WithHTTPServeMux[appConfig]
	listen     = servicerunner.WithListenAddr[appConfig]
	port       = servicerunner.WithPort[appConfig]
	pprof      = servicerunner.WithPPROF[appConfig]
	liveness   = servicerunner.WithK8SLivenessProbe[appConfig]
	readiness  = servicerunner.WithK8SReadinessProbes[appConfig]
	tracing    = servicerunner.WithTracing[appConfig]
	muxinit    = servicerunner.OnMuxInit[appConfig]
	oninit     = servicerunner.OnInit[appConfig]
	onshutdown = servicerunner.OnShutdown[appConfig]
)

func defaultFlags() flagMap {
	return flagMap{
		listenAddress: "0.0.0.0",
		servicePort:   "8080",
		controlPort:   "8000",
		enableTracing: "true",

		devicesTable:          "",
		apiKeysTable:          "",
		processedBatchesTable: "",
		deviceReadingsTable:   "",

		apiKeyPepper:      "",
		adminToken:        "",
		corsAllowedOrigin: "*",
		readingRetention:  "0",
	}
}

func main() {
	ctx, flags := parseExternalConfig(context.Background(), defaultFlags())

	serviceVersion := buildinfo.SourceVersion()
	ctx, logger, cleanup := o11y.Init(ctx, serviceName, serviceVersion, "json")
	defer cleanup()

	runner, err := initialize(ctx, flags)
	exitIf(err, logger, "failed to initialize service runner")

	err = runner.Run(ctx)
	exitIf(err, logger, "failed to start service runner")
}

func initialize(ctx context.Context, flags flagMap) (servicerunner.Runner[appConfig], error) {
	log := logging.GetFromContext(ctx)

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("could not load aws configuration: %w", err)
	}

	store := storage.New(dynamodb.NewFromConfig(awsCfg), storage.Config{
		DevicesTable:          flags[devicesTable],
		APIKeysTable:          flags[apiKeysTable],
		ProcessedBatchesTable: flags[processedBatchesTable],
		DeviceReadingsTable:   flags[deviceReadingsTable],
	})

	retentionSeconds, err := strconv.ParseInt(flags[readingRetention], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("reading retention is not a number: %w", err)
	}

	sysClock := clock.NewSystemClock()
	ids := idgen.NewRandomGenerator()

	var creds credentials.Credentials
	var devices devicemanagement.DeviceManagement
	var uploads ingest.Ingest

	probes := map[string]k8shandlers.ServiceProber{
		"dynamodb": func(context.Context) (string, error) { return "ok", nil },
	}

	_, runner := servicerunner.New(ctx, appConfig{},
		webserver("control", listen(flags[listenAddress]), port(flags[controlPort]),
			pprof(), liveness(func() error { return nil }), readiness(probes),
		),
		webserver("public", listen(flags[listenAddress]), port(flags[servicePort]), tracing(flags[enableTracing] == "true"),
			muxinit(func(ctx context.Context, identifier string, port string, appCfg *appConfig, handler *http.ServeMux) error {
				r := router.New(serviceName, flags[corsAllowedOrigin])
				api.RegisterHandlers(ctx, r, devices, uploads, creds, flags[adminToken])
				handler.Handle("/", r)
				return nil
			}),
		),
		oninit(func(ctx context.Context, ac *appConfig) error {
			log.Debug("initializing servicerunner")

			creds = credentials.New(store, flags[apiKeyPepper], sysClock, ids)
			devices = devicemanagement.New(store, sysClock, ids)
			uploads = ingest.New(store, sysClock, retentionSeconds)

			return nil
		}),
		onshutdown(func(ctx context.Context, appCfg *appConfig) error {
			log.Debug("shutdown servicerunner")
			return nil
		}),
	)

	return runner, nil
}

func parseExternalConfig(ctx context.Context, flags flagMap) (context.Context, flagMap) {
	// Allow environment variables to override certain defaults
	envOrDef := env.GetVariableOrDefault

	flags[listenAddress] = envOrDef(ctx, "LISTEN_ADDRESS", flags[listenAddress])
	flags[controlPort] = envOrDef(ctx, "CONTROL_PORT", flags[controlPort])
	flags[servicePort] = envOrDef(ctx, "SERVICE_PORT", flags[servicePort])
	flags[enableTracing] = envOrDef(ctx, "ENABLE_TRACING", flags[enableTracing])

	flags[devicesTable] = envOrDef(ctx, "DEVICES_TABLE", flags[devicesTable])
	flags[apiKeysTable] = envOrDef(ctx, "API_KEYS_TABLE", flags[apiKeysTable])
	flags[processedBatchesTable] = envOrDef(ctx, "PROCESSED_BATCHES_TABLE", flags[processedBatchesTable])
	flags[deviceReadingsTable] = envOrDef(ctx, "DEVICE_READINGS_TABLE", flags[deviceReadingsTable])

	flags[apiKeyPepper] = envOrDef(ctx, "API_KEY_PEPPER", flags[apiKeyPepper])
	flags[adminToken] = envOrDef(ctx, "ADMIN_TOKEN", flags[adminToken])
	flags[corsAllowedOrigin] = envOrDef(ctx, "CORS_ALLOWED_ORIGIN", flags[corsAllowedOrigin])
	flags[readingRetention] = envOrDef(ctx, "READING_RETENTION_SECONDS", flags[readingRetention])

	apply := func(f flagType) func(string) error {
		return func(value string) error {
			flags[f] = value
			return nil
		}
	}

	// Allow command line arguments to override defaults and environment variables
	flag.Func("cors-origin", "allowed CORS origin", apply(corsAllowedOrigin))
	flag.Func("reading-retention", "reading retention in seconds, 0 disables expiry", apply(readingRetention))
	flag.Parse()

	return ctx, flags
}

func exitIf(err error, logger *slog.Logger, msg string, args ...any) {
	if err != nil {
		logger.With(args...).Error(msg, "err", err.Error())
		time.Sleep(2 * time.Second)
		os.Exit(1)
	}
}
