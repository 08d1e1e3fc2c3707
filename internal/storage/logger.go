package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/utils"
)

// zeroLogger adapts gorm's logger interface to zerolog
type zeroLogger struct {
	log                       zerolog.Logger
	SlowThreshold             time.Duration
	LogLevel                  logger.LogLevel
	IgnoreRecordNotFoundError bool
}

// NewLogger returns a gorm logger that writes warnings and slow queries to log
func NewLogger(log zerolog.Logger) *zeroLogger {
	return &zeroLogger{
		log:                       log,
		SlowThreshold:             200 * time.Millisecond,
		LogLevel:                  logger.Warn,
		IgnoreRecordNotFoundError: true,
	}
}

func (z *zeroLogger) LogMode(level logger.LogLevel) logger.Interface {
	return &zeroLogger{
		log:                       z.log,
		SlowThreshold:             z.SlowThreshold,
		LogLevel:                  level,
		IgnoreRecordNotFoundError: z.IgnoreRecordNotFoundError,
	}
}

func (z *zeroLogger) Info(ctx context.Context, msg string, args ...interface{}) {
	if z.LogLevel >= logger.Info {
		z.log.Info().Msgf(msg, args...)
	}
}

func (z *zeroLogger) Warn(ctx context.Context, msg string, args ...interface{}) {
	if z.LogLevel >= logger.Warn {
		z.log.Warn().Msgf(msg, args...)
	}
}

func (z *zeroLogger) Error(ctx context.Context, msg string, args ...interface{}) {
	if z.LogLevel >= logger.Error {
		z.log.Error().Msgf(msg, args...)
	}
}

func (z *zeroLogger) Trace(ctx context.Context, begin time.Time, fc func() (sql string, rowsAffected int64), err error) {
	if z.LogLevel <= logger.Silent {
		return
	}
	elapsed := time.Since(begin)
	switch {
	case err != nil && z.LogLevel >= logger.Error && (!errors.Is(err, gorm.ErrRecordNotFound) || !z.IgnoreRecordNotFoundError):
		// callers wrap and log the error themselves; the statement is debug detail
		sql, rows := fc()
		z.log.Debug().
			Err(err).
			Str("line_number", utils.FileWithLineNum()).
			Int64("rows", rows).
			Float64("elapsed_ms", float64(elapsed.Nanoseconds())/1e6).
			Msg(sql)
	case elapsed > z.SlowThreshold && z.SlowThreshold != 0 && z.LogLevel >= logger.Warn:
		sql, rows := fc()
		z.log.Warn().
			Str("line_number", utils.FileWithLineNum()).
			Str("slow", fmt.Sprintf("SLOW SQL >= %v", z.SlowThreshold)).
			Int64("rows", rows).
			Float64("elapsed_ms", float64(elapsed.Nanoseconds())/1e6).
			Msg(sql)
	case z.LogLevel == logger.Info:
		sql, rows := fc()
		z.log.Info().
			Str("line_number", utils.FileWithLineNum()).
			Int64("rows", rows).
			Float64("elapsed_ms", float64(elapsed.Nanoseconds())/1e6).
			Msg(sql)
	}
}
