package logger

import (
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	global *zap.Logger
	mu     sync.RWMutex
)

// Init 初始化全局日志
// format 为 json 时输出结构化日志，否则输出带颜色的控制台格式
func Init(level, format string) *zap.Logger {
	var cfg zap.Config
	if strings.EqualFold(format, "json") {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	} else {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	l, err := cfg.Build()
	if err != nil {
		l = zap.NewExample()
	}

	mu.Lock()
	global = l
	mu.Unlock()
	zap.ReplaceGlobals(l)
	return l
}

// L 返回全局日志，未初始化时返回 Nop
func L() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	if global == nil {
		return zap.NewNop()
	}
	return global
}

// Named 返回带组件名的子日志
func Named(component string) *zap.Logger {
	return L().Named(component)
}

// Sync 刷新缓冲
func Sync() {
	_ = L().Sync()
}
