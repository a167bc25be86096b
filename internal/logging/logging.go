// Package logging wires the pipeline's structured logging: zap for
// in-process structured logs, lumberjack for rotation, and an optional
// bridge to the host OS service manager's logger when running as a service.
package logging

import (
	"net/url"

	"github.com/kardianos/service"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// lumberjackSink adapts *lumberjack.Logger to the zap.Sink interface so it
// can be registered under a "lumberjack://" scheme and used as an
// OutputPath.
type lumberjackSink struct {
	*lumberjack.Logger
}

func (lumberjackSink) Sync() error { return nil }

var sinkRegistered bool

func registerSink() {
	if sinkRegistered {
		return
	}
	sinkRegistered = true
	zap.RegisterSink("lumberjack", func(u *url.URL) (zap.Sink, error) {
		return lumberjackSink{
			Logger: &lumberjack.Logger{
				Filename:   u.Path,
				MaxSize:    50, // megabytes
				MaxBackups: 5,
				MaxAge:     28, // days
				Compress:   true,
			},
		}, nil
	})
}

// Options configures New.
type Options struct {
	Debug      bool           // use a development (console, verbose) encoder
	LogFile    string         // path for the rotated log file; empty disables file output
	ServiceLog service.Logger // optional bridge to the OS service manager, nil if not running as a service
}

// serviceCore is a zapcore.Core that forwards entries to a service.Logger in
// addition to whatever the base core does, so that running "as a service"
// (via github.com/kardianos/service) surfaces errors to the platform's
// event log / syslog as well as the rotated file.
type serviceCore struct {
	zapcore.Core
	svc service.Logger
}

func (c serviceCore) With(fields []zapcore.Field) zapcore.Core {
	return serviceCore{Core: c.Core.With(fields), svc: c.svc}
}

func (c serviceCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	return ce.AddCore(ent, c)
}

func (c serviceCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	switch ent.Level {
	case zapcore.ErrorLevel, zapcore.DPanicLevel, zapcore.PanicLevel, zapcore.FatalLevel:
		c.svc.Error(ent.Message)
	case zapcore.WarnLevel:
		c.svc.Warning(ent.Message)
	default:
		c.svc.Info(ent.Message)
	}
	return nil
}

// New builds the pipeline's root logger. Callers derive per-worker loggers
// with logger.With(zap.String("worker", name)) or logger.Named(name).
func New(opts Options) (*zap.Logger, error) {
	var cfg zap.Config
	if opts.Debug {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	if opts.LogFile != "" {
		registerSink()
		cfg.OutputPaths = []string{"lumberjack://" + opts.LogFile}
		cfg.ErrorOutputPaths = []string{"lumberjack://" + opts.LogFile}
	}
	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	if opts.ServiceLog != nil {
		logger = logger.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
			return serviceCore{Core: core, svc: opts.ServiceLog}
		}))
	}
	return logger, nil
}

// Named returns a child logger tagged with the given worker/component name,
// the convention every pipeline worker follows when it registers itself.
func Named(base *zap.Logger, name string) *zap.Logger {
	return base.Named(name)
}
