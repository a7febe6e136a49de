// Package logger содержит структурированный логгер, общий для всех пакетов.
package logger

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LogLevel уровни логирования
type LogLevel int

const (
	LogLevelTrace LogLevel = iota
	LogLevelDebug
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

var logLevelNames = map[LogLevel]string{
	LogLevelTrace: "trace",
	LogLevelDebug: "debug",
	LogLevelInfo:  "info",
	LogLevelWarn:  "warn",
	LogLevelError: "error",
}

func (l LogLevel) String() string {
	if name, ok := logLevelNames[l]; ok {
		return name
	}
	return "unknown"
}

// ParseLevel разбирает имя уровня. Неизвестное имя дает info.
func ParseLevel(s string) LogLevel {
	s = strings.ToLower(strings.TrimSpace(s))
	for lvl, name := range logLevelNames {
		if name == s {
			return lvl
		}
	}
	if s == "warning" {
		return LogLevelWarn
	}
	return LogLevelInfo
}

func (l LogLevel) zerolog() zerolog.Level {
	switch l {
	case LogLevelTrace:
		return zerolog.TraceLevel
	case LogLevelDebug:
		return zerolog.DebugLevel
	case LogLevelWarn:
		return zerolog.WarnLevel
	case LogLevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// StructuredLogger интерфейс для структурированного логирования
type StructuredLogger interface {
	Trace(ctx context.Context, msg string, fields ...Field)
	Debug(ctx context.Context, msg string, fields ...Field)
	Info(ctx context.Context, msg string, fields ...Field)
	Warn(ctx context.Context, msg string, fields ...Field)
	Error(ctx context.Context, msg string, fields ...Field)

	// LogError логирует ошибку вместе с ее цепочкой
	LogError(ctx context.Context, err error, msg string, fields ...Field)

	WithComponent(component string) StructuredLogger
	WithFields(fields ...Field) StructuredLogger

	SetLevel(level LogLevel)
	IsEnabled(level LogLevel) bool
}

// Field представляет поле лога
type Field struct {
	Key   string
	Value interface{}
}

func String(key, value string) Field                 { return Field{key, value} }
func Int(key string, value int) Field                { return Field{key, value} }
func Int64(key string, value int64) Field            { return Field{key, value} }
func Bool(key string, value bool) Field              { return Field{key, value} }
func Duration(key string, value time.Duration) Field { return Field{key, value} }
func Any(key string, value interface{}) Field        { return Field{key, value} }
func Err(err error) Field                            { return Field{"error", err} }

// ctxKey ключи значений контекста, попадающих в лог
type ctxKey string

const (
	ctxKeyCallID ctxKey = "call_id"
	ctxKeyOp     ctxKey = "op"
)

// WithCallID кладет идентификатор звонка в контекст
func WithCallID(ctx context.Context, callID int) context.Context {
	return context.WithValue(ctx, ctxKeyCallID, callID)
}

// WithOp кладет имя операции в контекст
func WithOp(ctx context.Context, op string) context.Context {
	return context.WithValue(ctx, ctxKeyOp, op)
}

// Config настройки логгера
type Config struct {
	Level  LogLevel
	Output io.Writer
	// Console включает человекочитаемый вывод вместо JSON
	Console bool
}

// ZeroLogger реализация StructuredLogger поверх zerolog
type ZeroLogger struct {
	base  zerolog.Logger
	level *levelHolder
}

type levelHolder struct {
	mu    sync.RWMutex
	level LogLevel
}

func (h *levelHolder) get() LogLevel {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.level
}

func (h *levelHolder) set(l LogLevel) {
	h.mu.Lock()
	h.level = l
	h.mu.Unlock()
}

// New создает логгер по конфигурации
func New(cfg Config) *ZeroLogger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.Console {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.StampMilli}
	}
	zl := zerolog.New(out).Level(zerolog.TraceLevel).With().Timestamp().Logger()
	return &ZeroLogger{base: zl, level: &levelHolder{level: cfg.Level}}
}

func (l *ZeroLogger) SetLevel(level LogLevel) { l.level.set(level) }

func (l *ZeroLogger) IsEnabled(level LogLevel) bool { return level >= l.level.get() }

func (l *ZeroLogger) WithComponent(component string) StructuredLogger {
	return &ZeroLogger{base: l.base.With().Str("component", component).Logger(), level: l.level}
}

func (l *ZeroLogger) WithFields(fields ...Field) StructuredLogger {
	c := l.base.With()
	for _, f := range fields {
		c = c.Interface(f.Key, fieldValue(f.Value))
	}
	return &ZeroLogger{base: c.Logger(), level: l.level}
}

func (l *ZeroLogger) Trace(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, LogLevelTrace, msg, fields)
}

func (l *ZeroLogger) Debug(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, LogLevelDebug, msg, fields)
}

func (l *ZeroLogger) Info(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, LogLevelInfo, msg, fields)
}

func (l *ZeroLogger) Warn(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, LogLevelWarn, msg, fields)
}

func (l *ZeroLogger) Error(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, LogLevelError, msg, fields)
}

func (l *ZeroLogger) LogError(ctx context.Context, err error, msg string, fields ...Field) {
	if err != nil {
		fields = append(fields, Err(err))
		// Разворачиваем цепочку, чтобы видеть первопричину отдельным полем
		root := err
		for {
			next := errors.Unwrap(root)
			if next == nil {
				break
			}
			root = next
		}
		if root != err {
			fields = append(fields, String("cause", root.Error()))
		}
	}
	l.log(ctx, LogLevelError, msg, fields)
}

func (l *ZeroLogger) log(ctx context.Context, level LogLevel, msg string, fields []Field) {
	if !l.IsEnabled(level) {
		return
	}
	ev := l.base.WithLevel(level.zerolog())
	if ev == nil {
		return
	}
	if ctx != nil {
		if id, ok := ctx.Value(ctxKeyCallID).(int); ok {
			ev = ev.Int("call_id", id)
		}
		if op, ok := ctx.Value(ctxKeyOp).(string); ok {
			ev = ev.Str("op", op)
		}
	}
	for _, f := range fields {
		switch v := f.Value.(type) {
		case error:
			ev = ev.AnErr(f.Key, v)
		case string:
			ev = ev.Str(f.Key, v)
		case int:
			ev = ev.Int(f.Key, v)
		case bool:
			ev = ev.Bool(f.Key, v)
		case time.Duration:
			ev = ev.Dur(f.Key, v)
		default:
			ev = ev.Interface(f.Key, v)
		}
	}
	ev.Msg(msg)
}

func fieldValue(v interface{}) interface{} {
	if err, ok := v.(error); ok {
		return err.Error()
	}
	return v
}

// NoOpLogger логгер, который ничего не пишет
type NoOpLogger struct{}

func (NoOpLogger) Trace(context.Context, string, ...Field)           {}
func (NoOpLogger) Debug(context.Context, string, ...Field)           {}
func (NoOpLogger) Info(context.Context, string, ...Field)            {}
func (NoOpLogger) Warn(context.Context, string, ...Field)            {}
func (NoOpLogger) Error(context.Context, string, ...Field)           {}
func (NoOpLogger) LogError(context.Context, error, string, ...Field) {}
func (n NoOpLogger) WithComponent(string) StructuredLogger           { return n }
func (n NoOpLogger) WithFields(...Field) StructuredLogger            { return n }
func (NoOpLogger) SetLevel(LogLevel)                                 {}
func (NoOpLogger) IsEnabled(LogLevel) bool                           { return false }

var (
	defaultMu     sync.RWMutex
	defaultLogger StructuredLogger = New(Config{Level: LogLevelInfo})
)

// SetDefaultLogger заменяет глобальный логгер
func SetDefaultLogger(l StructuredLogger) {
	if l == nil {
		l = NoOpLogger{}
	}
	defaultMu.Lock()
	defaultLogger = l
	defaultMu.Unlock()
}

// GetDefaultLogger возвращает глобальный логгер
func GetDefaultLogger() StructuredLogger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// OrDefault возвращает l или глобальный логгер, если l == nil
func OrDefault(l StructuredLogger) StructuredLogger {
	if l == nil {
		return GetDefaultLogger()
	}
	return l
}
