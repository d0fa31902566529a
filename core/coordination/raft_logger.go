package coordination

import (
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/hashicorp/go-hclog"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zapio"
)

// raftLogger lets hashicorp/raft log through zap.
type raftLogger struct {
	logger *zap.Logger
	name   string
	level  zap.AtomicLevel
	args   []interface{}
}

func newRaftLogger(logger *zap.Logger) *raftLogger {
	initial := zap.InfoLevel
	if logger.Core().Enabled(zap.DebugLevel) {
		initial = zap.DebugLevel
	}
	return &raftLogger{logger: logger, level: zap.NewAtomicLevelAt(initial)}
}

func toZapLevel(level hclog.Level) zapcore.Level {
	switch level {
	case hclog.Trace, hclog.Debug:
		return zap.DebugLevel
	case hclog.Warn:
		return zap.WarnLevel
	case hclog.Error:
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}

func (z *raftLogger) Log(level hclog.Level, msg string, args ...interface{}) {
	z.log(toZapLevel(level), msg, args...)
}

func (z *raftLogger) Trace(msg string, args ...interface{}) { z.log(zap.DebugLevel, msg, args...) }
func (z *raftLogger) Debug(msg string, args ...interface{}) { z.log(zap.DebugLevel, msg, args...) }
func (z *raftLogger) Info(msg string, args ...interface{})  { z.log(zap.InfoLevel, msg, args...) }
func (z *raftLogger) Warn(msg string, args ...interface{})  { z.log(zap.WarnLevel, msg, args...) }
func (z *raftLogger) Error(msg string, args ...interface{}) { z.log(zap.ErrorLevel, msg, args...) }

func (z *raftLogger) log(level zapcore.Level, msg string, args ...interface{}) {
	// bolt emits this on every read-only transaction.
	if strings.Contains(msg, "tx closed") {
		return
	}
	if !z.level.Enabled(level) {
		return
	}
	if ce := z.logger.Check(level, msg); ce != nil {
		ce.Write(fieldsOf(args)...)
	}
}

func (z *raftLogger) IsTrace() bool { return z.level.Enabled(zap.DebugLevel) }
func (z *raftLogger) IsDebug() bool { return z.level.Enabled(zap.DebugLevel) }
func (z *raftLogger) IsInfo() bool  { return z.level.Enabled(zap.InfoLevel) }
func (z *raftLogger) IsWarn() bool  { return z.level.Enabled(zap.WarnLevel) }
func (z *raftLogger) IsError() bool { return z.level.Enabled(zap.ErrorLevel) }

func (z *raftLogger) ImpliedArgs() []interface{} { return z.args }

func (z *raftLogger) With(args ...interface{}) hclog.Logger {
	return &raftLogger{
		logger: z.logger.With(fieldsOf(args)...),
		name:   z.name,
		level:  z.level,
		args:   append(append([]interface{}{}, z.args...), args...),
	}
}

func (z *raftLogger) Name() string { return z.name }

func (z *raftLogger) Named(name string) hclog.Logger {
	full := name
	if z.name != "" {
		full = z.name + "." + name
	}
	return &raftLogger{logger: z.logger.Named(name), name: full, level: z.level, args: z.args}
}

func (z *raftLogger) ResetNamed(name string) hclog.Logger {
	return &raftLogger{logger: z.logger.Named(name), name: name, level: z.level, args: z.args}
}

func (z *raftLogger) SetLevel(level hclog.Level) { z.level.SetLevel(toZapLevel(level)) }

func (z *raftLogger) GetLevel() hclog.Level {
	switch z.level.Level() {
	case zapcore.DebugLevel:
		return hclog.Debug
	case zapcore.InfoLevel:
		return hclog.Info
	case zapcore.WarnLevel:
		return hclog.Warn
	case zapcore.ErrorLevel:
		return hclog.Error
	default:
		return hclog.NoLevel
	}
}

func (z *raftLogger) StandardLogger(opts *hclog.StandardLoggerOptions) *log.Logger {
	return log.New(z.StandardWriter(opts), "", 0)
}

func (z *raftLogger) StandardWriter(opts *hclog.StandardLoggerOptions) io.Writer {
	level := zap.InfoLevel
	if opts != nil && opts.ForceLevel != hclog.NoLevel {
		level = toZapLevel(opts.ForceLevel)
	}
	return &zapio.Writer{Log: z.logger, Level: level}
}

func fieldsOf(args []interface{}) []zap.Field {
	fields := make([]zap.Field, 0, len(args)/2)
	for i := 0; i < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprintf("arg%d", i)
		}
		if i+1 >= len(args) {
			fields = append(fields, zap.String(key, "(missing)"))
			break
		}
		fields = append(fields, zap.Any(key, args[i+1]))
	}
	return fields
}
