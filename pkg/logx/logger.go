package logx

import (
	"path/filepath"
	"strconv"
	"sync"

	"github.com/rs/zerolog"
)

type Level = zerolog.Level

const (
	LevelTrace = zerolog.TraceLevel
	LevelDebug = zerolog.DebugLevel
	LevelInfo  = zerolog.InfoLevel
	LevelWarn  = zerolog.WarnLevel
	LevelError = zerolog.ErrorLevel
)

const consoleTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// emitFrames is how far Event.Caller must climb from emit to reach the
// code that called Info, Warn and friends.
const emitFrames = 2

var globalsOnce sync.Once

// setGlobals configures zerolog's package-level field names once.
func setGlobals() {
	globalsOnce.Do(func() {
		zerolog.ErrorFieldName = "err"
		zerolog.TimeFieldFormat = consoleTimeFormat
		zerolog.CallerMarshalFunc = func(_ uintptr, file string, line int) string {
			return filepath.Base(file) + ":" + strconv.Itoa(line)
		}
	})
}

// sink resolves the zerolog logger an entry is written to. A Service is a
// sink that changes on Apply; fixedSink never changes.
type sink interface {
	current() zerolog.Logger
}

type fixedSink struct{ zl zerolog.Logger }

func (f fixedSink) current() zerolog.Logger { return f.zl }

// Logger carries a sink plus the fields bound with With and Component.
// The zero value discards everything.
type Logger struct {
	out    sink
	fields []Field
}

// Nop returns a logger that never writes anything. It is not IsZero.
func Nop() Logger { return Logger{out: fixedSink{zerolog.Nop()}} }

// NewConsole returns a standalone console logger, used before the config is
// loaded and by tools.
func NewConsole(level string) Logger {
	setGlobals()
	return Logger{out: fixedSink{newConsoleRoot(parseLevel(level, zerolog.InfoLevel))}}
}

func (l Logger) IsZero() bool { return l.out == nil && len(l.fields) == 0 }

func (l Logger) zl() zerolog.Logger {
	if l.out == nil {
		return zerolog.Nop()
	}
	return l.out.current()
}

// Enabled reports whether an entry at level would be written.
func (l Logger) Enabled(level Level) bool { return level >= l.zl().GetLevel() }

func (l Logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	bound := make([]Field, 0, len(l.fields)+len(fields))
	l.fields = append(append(bound, l.fields...), fields...)
	return l
}

// Component tags every entry with comp=name.
func (l Logger) Component(name string) Logger { return l.With(String("comp", name)) }

func (l Logger) Trace(msg string, fields ...Field) { l.emit(zerolog.TraceLevel, msg, fields) }
func (l Logger) Debug(msg string, fields ...Field) { l.emit(zerolog.DebugLevel, msg, fields) }
func (l Logger) Info(msg string, fields ...Field)  { l.emit(zerolog.InfoLevel, msg, fields) }
func (l Logger) Warn(msg string, fields ...Field)  { l.emit(zerolog.WarnLevel, msg, fields) }
func (l Logger) Error(msg string, fields ...Field) { l.emit(zerolog.ErrorLevel, msg, fields) }

func (l Logger) emit(level zerolog.Level, msg string, fields []Field) {
	zl := l.zl()
	e := zl.WithLevel(level)
	if e == nil {
		return
	}
	e.Caller(emitFrames)
	applyFields(e, l.fields)
	applyFields(e, fields)
	e.Msg(msg)
}
