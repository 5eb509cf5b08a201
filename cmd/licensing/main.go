package main

import (
	"log"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"shopkey-licensing/internal/httpapi"
	"shopkey-licensing/pkg/authtoken"
	"shopkey-licensing/pkg/config"
	"shopkey-licensing/pkg/db"
	"shopkey-licensing/pkg/health"
	"shopkey-licensing/pkg/logger"
	"shopkey-licensing/pkg/redis"
	"shopkey-licensing/pkg/server"
	"shopkey-licensing/pkg/signing"
	"shopkey-licensing/pkg/task"
	"shopkey-licensing/services/apikey"
	"shopkey-licensing/services/license"
	licensetask "shopkey-licensing/services/license/task"
	"shopkey-licensing/services/submission"
)

func main() {
	opts := []fx.Option{
		config.Module,
		logger.Module,
		db.Module,
		redis.Module,
		task.Client,
		task.Server,
		signing.Module,
		authtoken.Module,
		health.Module,
		fx.Provide(
			provideSnowflakeNode,
			provideTracerProvider,
		),
		fx.Invoke(
			registerDBInstrumentation,
			autoMigrate,
		),
		license.Module,
		licensetask.Module,
		apikey.Module,
		httpapi.Module,
		server.ProvideHTTPServer,
		fxLogger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)

	app.Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})

func provideTracerProvider() trace.TracerProvider {
	return otel.GetTracerProvider()
}

func provideSnowflakeNode() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}

func registerDBInstrumentation(gdb *gorm.DB, tp trace.TracerProvider, cfg *config.Config) error {
	if err := db.Otel(gdb, tp); err != nil {
		return err
	}

	dbName := cfg.Database.DBNAME
	if dbName == "" {
		dbName = "licensing"
	}
	return db.Metric(gdb, dbName)
}

func autoMigrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(
		&submission.UserSubmission{},
		&license.LicenseKey{},
		&license.LicenseStatusLog{},
		&license.VerificationLog{},
		&apikey.APIKey{},
	)
}
