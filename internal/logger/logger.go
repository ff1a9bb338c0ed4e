// Package logger configures the process-wide zerolog logger used by every
// component in the message plane.
package logger

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/baechuer/clustercontroller/internal/pkg/reqctx"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

var Logger zerolog.Logger

func Init() {
	InitWithWriter(os.Stdout)
}

func InitWithWriter(w io.Writer) {
	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}
	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}

	format := os.Getenv("LOG_FORMAT")
	if format == "" {
		format = "console"
	}

	if format == "json" {
		Logger = zerolog.New(w).With().Timestamp().Logger().Level(level)
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        w,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger().Level(level)
	}

	zlog.Logger = Logger
}

// WithCtx returns a logger enriched with the trace id carried on ctx, if any.
func WithCtx(ctx context.Context) *zerolog.Logger {
	id := reqctx.TraceID(ctx)
	if id != "" {
		l := Logger.With().Str("trace_id", id).Logger()
		return &l
	}
	return &Logger
}
