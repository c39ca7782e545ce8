package logging

import (
	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

type gocronLogger struct {
	sugar *zap.SugaredLogger
}

// NewGocronLogger 将 zap logger 适配为 gocron 的键值日志接口。
//
//nolint:ireturn // gocron.WithLogger takes the interface
func NewGocronLogger(l *zap.Logger) gocron.Logger {
	return &gocronLogger{sugar: OrNop(l).Named("scheduler").Sugar()}
}

func (g *gocronLogger) Debug(msg string, args ...any) { g.sugar.Debugw(msg, args...) }
func (g *gocronLogger) Info(msg string, args ...any)  { g.sugar.Infow(msg, args...) }
func (g *gocronLogger) Warn(msg string, args ...any)  { g.sugar.Warnw(msg, args...) }
func (g *gocronLogger) Error(msg string, args ...any) { g.sugar.Errorw(msg, args...) }
