package common

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	once   sync.Once
	mu     sync.RWMutex
	logger *zap.Logger = nil
)

// ZkLoggerAdapter routes zookeeper client messages into the shared logger.
type ZkLoggerAdapter struct{}

func (_ *ZkLoggerAdapter) Printf(fmt string, args ...interface{}) {
	SugaredLog().Infof("[ZooKeeper] "+fmt, args...)
}

func EmptyTimeEncoder(_ time.Time, _ zapcore.PrimitiveArrayEncoder) {
	// do nothing
}

func Log() *zap.Logger {
	once.Do(func() {
		mu.Lock()
		defer mu.Unlock()
		if logger != nil {
			return
		}
		loggerConfig := zap.NewDevelopmentConfig()
		loggerConfig.EncoderConfig.EncodeTime = EmptyTimeEncoder
		loggerConfig.EncoderConfig.EncodeCaller = nil
		loggerConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		l, err := loggerConfig.Build()
		if err != nil {
			panic(err)
		}
		logger = l
	})
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

func SugaredLog() *zap.SugaredLogger {
	return Log().Sugar()
}

// SetLog replaces the process-wide logger, e.g. with zap.NewNop() in tests
// or a production config in cmd/.
func SetLog(l *zap.Logger) {
	once.Do(func() {})
	mu.Lock()
	logger = l
	mu.Unlock()
}

// SetLevel rebuilds the default logger at the given level.
func SetLevel(level string) error {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return err
	}
	loggerConfig := zap.NewDevelopmentConfig()
	loggerConfig.Level = zap.NewAtomicLevelAt(lvl)
	loggerConfig.EncoderConfig.EncodeTime = EmptyTimeEncoder
	loggerConfig.EncoderConfig.EncodeCaller = nil
	loggerConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	l, err := loggerConfig.Build()
	if err != nil {
		return err
	}
	SetLog(l)
	return nil
}
