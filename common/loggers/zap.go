package loggers

import (
	"log"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/wastewhirl/go-pickup"
	"github.com/wastewhirl/go-pickup/common"
	"github.com/wastewhirl/go-pickup/models"
)

func NewLogger() models.Logger {
	level := zap.NewAtomicLevelAt(zap.InfoLevel)
	if os.Getenv(pickup.Env_Env) == pickup.EnvTag_Dev {
		level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}

	logLevel := os.Getenv(pickup.Env_LogLevel)
	if len(logLevel) > 0 {
		if parsedLevel, err := zap.ParseAtomicLevel(logLevel); err != nil {
			log.Fatalf("Error parsing log level %s: %v", logLevel, err)
		} else {
			level = parsedLevel
		}
	}

	var cfg zap.Config = zap.NewProductionConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.Level = level
	cfg.InitialFields = map[string]interface{}{"service": common.ServiceName}
	baseLogger := zap.Must(cfg.Build())
	return baseLogger.Sugar()
}

// NewTestLogger only prints warnings and above so that test output stays readable
func NewTestLogger() models.Logger {
	var cfg zap.Config = zap.NewDevelopmentConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	return zap.Must(cfg.Build()).Sugar()
}
