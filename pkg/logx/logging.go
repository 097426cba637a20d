package logx

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

type Config struct {
	Level   string
	Console bool
	File    FileConfig
}

type FileConfig struct {
	Enabled bool
	Path    string // default ./beacon.log
}

const timeFormat = "2006-01-02T15:04:05.000Z07:00"

// Field adds one key to an event. Later fields with the same key win.
type Field func(e *zerolog.Event)

func String(k, v string) Field                 { return func(e *zerolog.Event) { e.Str(k, v) } }
func Int(k string, v int) Field                { return func(e *zerolog.Event) { e.Int(k, v) } }
func Int64(k string, v int64) Field            { return func(e *zerolog.Event) { e.Int64(k, v) } }
func Uint64(k string, v uint64) Field          { return func(e *zerolog.Event) { e.Uint64(k, v) } }
func Bool(k string, v bool) Field              { return func(e *zerolog.Event) { e.Bool(k, v) } }
func Float64(k string, v float64) Field        { return func(e *zerolog.Event) { e.Float64(k, v) } }
func Duration(k string, v time.Duration) Field { return func(e *zerolog.Event) { e.Dur(k, v) } }
func Time(k string, v time.Time) Field         { return func(e *zerolog.Event) { e.Time(k, v) } }
func Any(k string, v any) Field                { return func(e *zerolog.Event) { e.Interface(k, v) } }

// Err is a no-op for a nil error.
func Err(err error) Field {
	return func(e *zerolog.Event) {
		if err != nil {
			e.Err(err)
		}
	}
}

// Logger is a value-type structured logger. A Logger from New follows every
// Service.Apply; the zero value is reported by IsZero and writes nothing.
type Logger struct {
	svc    *Service
	nop    bool
	fields []Field
}

// Nop returns a logger that never writes anything.
func Nop() Logger { return Logger{nop: true} }

func (l Logger) IsZero() bool { return l.svc == nil && !l.nop && len(l.fields) == 0 }

func (l Logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	cp := l
	cp.fields = append(append([]Field(nil), l.fields...), fields...)
	return cp
}

func (l Logger) Debug(msg string, fields ...Field) { l.write(zerolog.DebugLevel, msg, fields) }
func (l Logger) Info(msg string, fields ...Field)  { l.write(zerolog.InfoLevel, msg, fields) }
func (l Logger) Warn(msg string, fields ...Field)  { l.write(zerolog.WarnLevel, msg, fields) }
func (l Logger) Error(msg string, fields ...Field) { l.write(zerolog.ErrorLevel, msg, fields) }

func (l Logger) write(level zerolog.Level, msg string, fields []Field) {
	if l.svc == nil {
		return
	}
	zl := l.svc.current()
	e := zl.WithLevel(level)
	if e == nil {
		return
	}
	if _, file, line, ok := runtime.Caller(2); ok {
		e.Str(zerolog.CallerFieldName, filepath.Base(file)+":"+strconv.Itoa(line))
	}
	for _, f := range l.fields {
		if f != nil {
			f(e)
		}
	}
	for _, f := range fields {
		if f != nil {
			f(e)
		}
	}
	e.Msg(msg)
}

// Service owns the sinks. Apply swaps level and outputs at runtime.
type Service struct {
	mu   sync.Mutex
	root atomic.Pointer[zerolog.Logger]
	file *os.File
}

// New applies cfg and returns the service with its root Logger.
func New(cfg Config) (*Service, Logger) {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = timeFormat

	s := &Service{}
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

func (s *Service) Close() error {
	s.mu.Lock()
	f := s.file
	s.file = nil
	s.mu.Unlock()
	if f != nil {
		return f.Close()
	}
	return nil
}

// Apply is safe to call concurrently with logging.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var writers []io.Writer
	if cfg.Console {
		writers = append(writers, consoleWriter(os.Stdout))
	}
	var file *os.File
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = "./beacon.log"
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logx: open log file %q: %v\n", path, err)
		} else {
			file = f
			writers = append(writers, zerolog.SyncWriter(f))
		}
	}
	if len(writers) == 0 {
		writers = append(writers, consoleWriter(os.Stdout))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).Level(parseLevel(cfg.Level)).With().Timestamp().Logger()
	s.root.Store(&zl)

	if s.file != nil {
		_ = s.file.Close()
	}
	s.file = file
}

func consoleWriter(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{
		Out:          w,
		TimeFormat:   timeFormat,
		FormatCaller: func(i any) string { s, _ := i.(string); return s },
	}
}

func parseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
