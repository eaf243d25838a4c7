// Package logging builds the process logger: a log/slog front end backed by
// a zap core.
package logging

import (
	"fmt"
	"log/slog"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/exp/zapslog"
	"go.uber.org/zap/zapcore"

	"github.com/quantenergx/trading-engine/internal/apperr"
)

// New returns a logger writing at level in the given format ("json" or
// "console") and a flush function to call before exit.
func New(level, format string) (*slog.Logger, func() error, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: log level %q", apperr.ErrConfiguration, level)
	}

	var enc zapcore.Encoder
	switch format {
	case "json":
		ec := zap.NewProductionEncoderConfig()
		ec.EncodeTime = zapcore.ISO8601TimeEncoder
		enc = zapcore.NewJSONEncoder(ec)
	case "console":
		ec := zap.NewDevelopmentEncoderConfig()
		ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
		enc = zapcore.NewConsoleEncoder(ec)
	default:
		return nil, nil, fmt.Errorf("%w: log format %q", apperr.ErrConfiguration, format)
	}

	core := zapcore.NewCore(enc, zapcore.Lock(os.Stdout), zap.NewAtomicLevelAt(lvl))
	logger := slog.New(zapslog.NewHandler(core, zapslog.WithCaller(true)))
	return logger.With("service", "trading-engine"), core.Sync, nil
}
