package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// slowQueryCutoff is where a statement against the coordination store stops
// being normal. The store lives on local disk with a single writer, so
// anything this slow usually means lock contention with another statement.
const slowQueryCutoff = 200 * time.Millisecond

// storeLogger routes GORM's internal logging into the daemon's zap stream.
// ErrRecordNotFound traces are suppressed: a missed lookup is ordinary
// control flow for the coordination tables (free port probes, lock checks,
// soft releases), not a store failure.
type storeLogger struct {
	log   *zap.Logger
	level gormlogger.LogLevel
}

// newStoreLogger wraps log as a gormlogger.Interface. At Warn (the daemon
// default) only errors and slow statements surface; Info additionally traces
// every statement at debug level.
func newStoreLogger(log *zap.Logger, level gormlogger.LogLevel) gormlogger.Interface {
	if level == 0 {
		level = gormlogger.Warn
	}
	return &storeLogger{log: log.Named("store"), level: level}
}

// LogMode implements gormlogger.Interface. GORM calls it for per-session
// overrides such as db.Debug().
func (l *storeLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	next := *l
	next.level = level
	return &next
}

func (l *storeLogger) Info(_ context.Context, msg string, args ...any) {
	if l.level >= gormlogger.Info {
		l.log.Info(fmt.Sprintf(msg, args...))
	}
}

func (l *storeLogger) Warn(_ context.Context, msg string, args ...any) {
	if l.level >= gormlogger.Warn {
		l.log.Warn(fmt.Sprintf(msg, args...))
	}
}

func (l *storeLogger) Error(_ context.Context, msg string, args ...any) {
	if l.level >= gormlogger.Error {
		l.log.Error(fmt.Sprintf(msg, args...))
	}
}

// Trace classifies each finished statement: store errors at error level,
// slow statements at warn, and everything else as a debug trace when full
// tracing is on.
func (l *storeLogger) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}

	elapsed := time.Since(begin)

	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
		sql, rows := fc()
		l.log.Error("store query failed",
			zap.String("sql", sql),
			zap.Int64("rows", rows),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))

	case elapsed >= slowQueryCutoff && l.level >= gormlogger.Warn:
		sql, rows := fc()
		l.log.Warn("slow store query",
			zap.String("sql", sql),
			zap.Int64("rows", rows),
			zap.Duration("elapsed", elapsed))

	case l.level >= gormlogger.Info:
		sql, rows := fc()
		l.log.Debug("store query",
			zap.String("sql", sql),
			zap.Int64("rows", rows),
			zap.Duration("elapsed", elapsed))
	}
}
