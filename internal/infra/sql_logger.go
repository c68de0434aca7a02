package infra

import (
	"context"
	"errors"
	"time"

	"trustcore/internal/logger"

	"go.uber.org/zap"
	gormLogger "gorm.io/gorm/logger"
)

// sqlLogger GORM 日志适配器
// SQL 轨迹输出到全局 zap，上下文携带请求 ID 时一并带出 request_id 字段。
// 记录未找到按正常结果处理，不产生错误日志。
type sqlLogger struct {
	level         gormLogger.LogLevel
	slowThreshold time.Duration
}

func newSQLLogger(level gormLogger.LogLevel, slowThreshold time.Duration) gormLogger.Interface {
	return &sqlLogger{level: level, slowThreshold: slowThreshold}
}

// LogMode 设置日志级别
func (l *sqlLogger) LogMode(level gormLogger.LogLevel) gormLogger.Interface {
	clone := *l
	clone.level = level
	return &clone
}

// Info 日志
func (l *sqlLogger) Info(ctx context.Context, msg string, data ...interface{}) {
	if l.level >= gormLogger.Info {
		logger.WithContext(ctx).Sugar().Infof(msg, data...)
	}
}

// Warn 日志
func (l *sqlLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	if l.level >= gormLogger.Warn {
		logger.WithContext(ctx).Sugar().Warnf(msg, data...)
	}
}

// Error 日志
func (l *sqlLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	if l.level >= gormLogger.Error {
		logger.WithContext(ctx).Sugar().Errorf(msg, data...)
	}
}

// Trace SQL 执行日志
func (l *sqlLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= gormLogger.Silent {
		return
	}

	elapsed := time.Since(begin)
	sql, rows := fc()

	log := logger.WithContext(ctx)
	fields := []zap.Field{
		zap.Duration("elapsed", elapsed),
		zap.String("sql", sql),
		zap.Int64("rows", rows),
	}

	switch {
	case err != nil && !errors.Is(err, gormLogger.ErrRecordNotFound):
		fields = append(fields, zap.Error(err))
		log.Error("SQL 执行错误", fields...)
	case l.slowThreshold > 0 && elapsed > l.slowThreshold:
		log.Warn("SQL 慢查询", fields...)
	case l.level >= gormLogger.Info:
		log.Debug("SQL 执行", fields...)
	}
}
