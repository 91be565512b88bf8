package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"testmakon/realtime/internal/logging"
)

const slowQueryThreshold = 200 * time.Millisecond

// gormLogger forwards gorm diagnostics to the structured logger.
type gormLogger struct {
	log   *logging.Logger
	level gormlogger.LogLevel
}

func newGormLogger(log *logging.Logger) gormlogger.Interface {
	return &gormLogger{log: log.With(logging.String("component", "postgres")), level: gormlogger.Warn}
}

func (g *gormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	clone := *g
	clone.level = level
	return &clone
}

func (g *gormLogger) Info(ctx context.Context, msg string, args ...any) {
	if g.level >= gormlogger.Info {
		g.from(ctx).Info(fmt.Sprintf(msg, args...))
	}
}

func (g *gormLogger) Warn(ctx context.Context, msg string, args ...any) {
	if g.level >= gormlogger.Warn {
		g.from(ctx).Warn(fmt.Sprintf(msg, args...))
	}
}

func (g *gormLogger) Error(ctx context.Context, msg string, args ...any) {
	if g.level >= gormlogger.Error {
		g.from(ctx).Error(fmt.Sprintf(msg, args...))
	}
}

func (g *gormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if g.level <= gormlogger.Silent {
		return
	}
	elapsed := time.Since(begin)
	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound) && g.level >= gormlogger.Error:
		sql, rows := fc()
		g.from(ctx).Error("query failed", logging.String("sql", sql), logging.Int64("rows", rows), logging.Duration("elapsed", elapsed), logging.Error(err))
	case elapsed > slowQueryThreshold && g.level >= gormlogger.Warn:
		sql, rows := fc()
		g.from(ctx).Warn("slow query", logging.String("sql", sql), logging.Int64("rows", rows), logging.Duration("elapsed", elapsed))
	case g.level >= gormlogger.Info:
		sql, rows := fc()
		g.from(ctx).Debug("query", logging.String("sql", sql), logging.Int64("rows", rows), logging.Duration("elapsed", elapsed))
	}
}

func (g *gormLogger) from(ctx context.Context) *logging.Logger {
	if logging.TraceIDFromContext(ctx) != "" {
		return logging.LoggerFromContext(ctx)
	}
	return g.log
}
