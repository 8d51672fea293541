// 本文件实现了结构化日志记录系统，提供统一的日志接口和管理功能。
// 支持多种日志级别、格式化输出、文件轮转和归档机制。
// 主要功能：
// 1. 基于 zap 的高性能结构化日志记录
// 2. 支持控制台和文件输出，文件输出基于 lumberjack 轮转
// 3. 上下文感知的日志字段提取
// 4. 全局日志管理器

package monitor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/Anniext/sqlpilot/config"
	"github.com/Anniext/sqlpilot/core"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LoggerManager 日志管理器，负责创建和管理日志记录器。
type LoggerManager struct {
	config    *config.LogConfig
	zapLogger *zap.Logger
	writers   []zapcore.WriteSyncer
	closed    bool
	mutex     sync.RWMutex
}

// NewLoggerManager 创建日志管理器实例。
func NewLoggerManager(cfg *config.LogConfig) (*LoggerManager, error) {
	if cfg == nil {
		return nil, fmt.Errorf("日志配置不能为空")
	}

	manager := &LoggerManager{config: cfg}
	if err := manager.initialize(); err != nil {
		return nil, fmt.Errorf("初始化日志管理器失败: %w", err)
	}

	return manager, nil
}

// initialize 初始化日志系统。
func (lm *LoggerManager) initialize() error {
	encoderConfig := lm.createEncoderConfig()

	var encoder zapcore.Encoder
	switch lm.config.Format {
	case "console":
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	default:
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	writeSyncers, err := lm.createWriteSyncers()
	if err != nil {
		return fmt.Errorf("创建写入器失败: %w", err)
	}
	lm.writers = writeSyncers

	level, err := lm.parseLogLevel(lm.config.Level)
	if err != nil {
		return fmt.Errorf("解析日志级别失败: %w", err)
	}

	cores := make([]zapcore.Core, 0, len(writeSyncers))
	for _, syncer := range writeSyncers {
		cores = append(cores, zapcore.NewCore(encoder, syncer, level))
	}

	lm.zapLogger = zap.New(zapcore.NewTee(cores...),
		zap.AddCaller(), zap.AddCallerSkip(1), zap.AddStacktrace(zapcore.ErrorLevel))

	return nil
}

// createEncoderConfig 创建编码器配置。
func (lm *LoggerManager) createEncoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "timestamp"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.LevelKey = "level"
	cfg.EncodeLevel = zapcore.LowercaseLevelEncoder
	cfg.CallerKey = "caller"
	cfg.EncodeCaller = zapcore.ShortCallerEncoder
	cfg.MessageKey = "message"
	cfg.StacktraceKey = "stacktrace"
	return cfg
}

// createWriteSyncers 创建写入器。
func (lm *LoggerManager) createWriteSyncers() ([]zapcore.WriteSyncer, error) {
	var syncers []zapcore.WriteSyncer

	switch lm.config.Output {
	case "stderr":
		syncers = append(syncers, zapcore.AddSync(os.Stderr))
	case "file":
		fileSyncer, err := lm.createFileSyncer()
		if err != nil {
			return nil, err
		}
		syncers = append(syncers, fileSyncer)
	case "both":
		syncers = append(syncers, zapcore.AddSync(os.Stdout))
		fileSyncer, err := lm.createFileSyncer()
		if err != nil {
			return nil, err
		}
		syncers = append(syncers, fileSyncer)
	default:
		syncers = append(syncers, zapcore.AddSync(os.Stdout))
	}

	return syncers, nil
}

// createFileSyncer 创建文件写入器，支持日志轮转。
func (lm *LoggerManager) createFileSyncer() (zapcore.WriteSyncer, error) {
	logDir := filepath.Dir(lm.config.FilePath)
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建日志目录失败: %w", err)
	}

	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   lm.config.FilePath,
		MaxSize:    lm.config.MaxSize,    // MB
		MaxBackups: lm.config.MaxBackups, // 保留的旧文件数量
		MaxAge:     lm.config.MaxAge,     // 天数
		Compress:   lm.config.Compress,
		LocalTime:  true,
	}), nil
}

// parseLogLevel 解析日志级别。
func (lm *LoggerManager) parseLogLevel(levelStr string) (zapcore.Level, error) {
	switch levelStr {
	case "debug":
		return zapcore.DebugLevel, nil
	case "info":
		return zapcore.InfoLevel, nil
	case "warn":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	case "fatal":
		return zapcore.FatalLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("不支持的日志级别: %s", levelStr)
	}
}

// GetLogger 获取日志记录器。
func (lm *LoggerManager) GetLogger() core.Logger {
	lm.mutex.RLock()
	defer lm.mutex.RUnlock()

	if lm.closed {
		return &noopLogger{}
	}
	return &sugaredWrapper{sugar: lm.zapLogger.Sugar()}
}

// GetNamedLogger 获取命名的日志记录器。
func (lm *LoggerManager) GetNamedLogger(name string) core.Logger {
	lm.mutex.RLock()
	defer lm.mutex.RUnlock()

	if lm.closed {
		return &noopLogger{}
	}
	return &sugaredWrapper{sugar: lm.zapLogger.Named(name).Sugar()}
}

// Sync 同步所有日志输出。
func (lm *LoggerManager) Sync() error {
	lm.mutex.RLock()
	defer lm.mutex.RUnlock()

	if lm.closed {
		return nil
	}
	return lm.zapLogger.Sync()
}

// Close 关闭日志管理器。
func (lm *LoggerManager) Close() error {
	lm.mutex.Lock()
	defer lm.mutex.Unlock()

	if lm.closed {
		return nil
	}
	lm.closed = true

	_ = lm.zapLogger.Sync()

	for _, writer := range lm.writers {
		if closer, ok := writer.(interface{ Close() error }); ok {
			if err := closer.Close(); err != nil {
				return fmt.Errorf("关闭写入器失败: %w", err)
			}
		}
	}
	return nil
}

// UpdateConfig 更新日志配置（热更新）。
func (lm *LoggerManager) UpdateConfig(cfg *config.LogConfig) error {
	lm.mutex.Lock()
	defer lm.mutex.Unlock()

	if lm.closed {
		return fmt.Errorf("日志管理器已关闭")
	}

	oldConfig := lm.config
	oldLogger := lm.zapLogger
	oldWriters := lm.writers

	lm.config = cfg
	if err := lm.initialize(); err != nil {
		lm.config = oldConfig
		lm.zapLogger = oldLogger
		lm.writers = oldWriters
		return fmt.Errorf("更新日志配置失败: %w", err)
	}

	if oldLogger != nil {
		_ = oldLogger.Sync()
	}
	for _, writer := range oldWriters {
		if closer, ok := writer.(interface{ Close() error }); ok {
			_ = closer.Close()
		}
	}
	return nil
}

// sugaredWrapper 基于 zap SugaredLogger 的 core.Logger 实现。
type sugaredWrapper struct {
	sugar *zap.SugaredLogger
}

func (w *sugaredWrapper) Debug(msg string, fields ...any) { w.sugar.Debugw(msg, fields...) }
func (w *sugaredWrapper) Info(msg string, fields ...any)  { w.sugar.Infow(msg, fields...) }
func (w *sugaredWrapper) Warn(msg string, fields ...any)  { w.sugar.Warnw(msg, fields...) }
func (w *sugaredWrapper) Error(msg string, fields ...any) { w.sugar.Errorw(msg, fields...) }
func (w *sugaredWrapper) Fatal(msg string, fields ...any) { w.sugar.Fatalw(msg, fields...) }

func (w *sugaredWrapper) With(fields ...any) core.Logger {
	return &sugaredWrapper{sugar: w.sugar.With(fields...)}
}

// ContextFields 从上下文中提取标准日志字段。
func ContextFields(ctx context.Context) []any {
	if ctx == nil {
		return nil
	}

	var fields []any
	for _, key := range []string{core.ContextKeyRequestID, core.ContextKeySessionID, core.ContextKeyUser, core.ContextKeyClientIP} {
		if value := ctx.Value(key); value != nil {
			if s, ok := value.(string); ok && s != "" {
				fields = append(fields, key, s)
			}
		}
	}
	return fields
}

// noopLogger 空操作日志记录器，用于关闭状态和测试。
type noopLogger struct{}

func (n *noopLogger) Debug(msg string, fields ...any) {}
func (n *noopLogger) Info(msg string, fields ...any)  {}
func (n *noopLogger) Warn(msg string, fields ...any)  {}
func (n *noopLogger) Error(msg string, fields ...any) {}
func (n *noopLogger) Fatal(msg string, fields ...any) {}
func (n *noopLogger) With(fields ...any) core.Logger  { return n }

// NewNoopLogger 创建空操作日志记录器。
func NewNoopLogger() core.Logger {
	return &noopLogger{}
}

// 全局日志管理器实例
var (
	globalLoggerManager *LoggerManager
	globalLoggerMutex   sync.RWMutex
)

// InitGlobalLogger 初始化全局日志管理器。
func InitGlobalLogger(cfg *config.LogConfig) error {
	globalLoggerMutex.Lock()
	defer globalLoggerMutex.Unlock()

	if globalLoggerManager != nil {
		_ = globalLoggerManager.Close()
	}

	manager, err := NewLoggerManager(cfg)
	if err != nil {
		return err
	}

	globalLoggerManager = manager
	return nil
}

// GetGlobalLogger 获取全局日志记录器。
func GetGlobalLogger() core.Logger {
	globalLoggerMutex.RLock()
	defer globalLoggerMutex.RUnlock()

	if globalLoggerManager == nil {
		return &noopLogger{}
	}
	return globalLoggerManager.GetLogger()
}

// CloseGlobalLogger 关闭全局日志管理器。
func CloseGlobalLogger() error {
	globalLoggerMutex.Lock()
	defer globalLoggerMutex.Unlock()

	if globalLoggerManager == nil {
		return nil
	}

	err := globalLoggerManager.Close()
	globalLoggerManager = nil
	return err
}
