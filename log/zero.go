package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// nolint: varcheck, deadcode
const (
	colorRed      = 31
	colorGreen    = 32
	colorYellow   = 33
	colorBold     = 1
	colorDarkGray = 90
)

// ZeroOptions defines the available settings to adjust the behavior
// of a logger instance backed by the `zerolog` library.
type ZeroOptions struct {
	// Whether to print messages in a textual representation. If not enabled
	// messages are logged in a structured (JSON) format by default.
	PrettyPrint bool

	// ErrorField is the field name used to display error messages. If not
	// provided, `error` will be used by default.
	ErrorField string

	// A destination for all produced messages. This can be a file, network
	// connection, or any other element supporting the `io.Writer` interface.
	// If no sink is specified `os.Stderr` will be used by default.
	Sink io.Writer

	// Minimum level to emit. Defaults to `Info`.
	Level Level
}

// WithZero provides a log handler using the zerolog library.
func WithZero(options ZeroOptions) Logger {
	if options.Sink == nil {
		options.Sink = os.Stderr
	}
	if options.ErrorField == "" {
		options.ErrorField = "error"
	}
	if options.Level == "" {
		options.Level = Info
	}
	zerolog.ErrorFieldName = options.ErrorField
	handler := zerolog.New(options.Sink).With().Timestamp().Logger()
	if options.PrettyPrint {
		handler = handler.Output(zeroCW(options.Sink))
	}
	return &zeroHandler{
		log: handler,
		lvl: options.Level,
	}
}

type zeroHandler struct {
	mu     sync.Mutex
	log    zerolog.Logger
	lvl    Level
	fields Fields
}

func (zh *zeroHandler) Sub(tags Fields) Logger {
	merged := make(Fields, len(tags))
	for k, v := range tags {
		merged[k] = v
	}
	return &zeroHandler{
		log: zh.log.With().Fields(map[string]interface{}(merged)).Logger(),
		lvl: zh.lvl,
	}
}

func (zh *zeroHandler) WithFields(fields Fields) Logger {
	zh.mu.Lock()
	if zh.fields == nil {
		zh.fields = Fields{}
	}
	for k, v := range fields {
		zh.fields[k] = v
	}
	zh.mu.Unlock()
	return zh
}

func (zh *zeroHandler) WithField(key string, value interface{}) Logger {
	return zh.WithFields(Fields{key: value})
}

func (zh *zeroHandler) levelEnabled(lv Level) bool {
	order := map[Level]int{Debug: 0, Info: 1, Warning: 2, Error: 3, Panic: 4, Fatal: 5}
	return order[lv] >= order[zh.lvl]
}

func (zh *zeroHandler) Debug(args ...interface{}) {
	if !zh.levelEnabled(Debug) {
		return
	}
	zh.setFields(zh.log.Debug()).Msg(fmt.Sprint(sanitize(args...)...))
}

func (zh *zeroHandler) Debugf(format string, args ...interface{}) {
	if !zh.levelEnabled(Debug) {
		return
	}
	zh.setFields(zh.log.Debug()).Msgf(format, sanitize(args...)...)
}

func (zh *zeroHandler) Info(args ...interface{}) {
	if !zh.levelEnabled(Info) {
		return
	}
	zh.setFields(zh.log.Info()).Msg(fmt.Sprint(sanitize(args...)...))
}

func (zh *zeroHandler) Infof(format string, args ...interface{}) {
	if !zh.levelEnabled(Info) {
		return
	}
	zh.setFields(zh.log.Info()).Msgf(format, sanitize(args...)...)
}

func (zh *zeroHandler) Warning(args ...interface{}) {
	if !zh.levelEnabled(Warning) {
		return
	}
	zh.setFields(zh.log.Warn()).Msg(fmt.Sprint(sanitize(args...)...))
}

func (zh *zeroHandler) Warningf(format string, args ...interface{}) {
	if !zh.levelEnabled(Warning) {
		return
	}
	zh.setFields(zh.log.Warn()).Msgf(format, sanitize(args...)...)
}

func (zh *zeroHandler) Error(args ...interface{}) {
	if !zh.levelEnabled(Error) {
		return
	}
	zh.setFields(zh.log.Error()).Msg(fmt.Sprint(sanitize(args...)...))
}

func (zh *zeroHandler) Errorf(format string, args ...interface{}) {
	if !zh.levelEnabled(Error) {
		return
	}
	zh.setFields(zh.log.Error()).Msgf(format, sanitize(args...)...)
}

func (zh *zeroHandler) Panic(args ...interface{}) {
	zh.setFields(zh.log.Panic()).Msg(fmt.Sprint(sanitize(args...)...))
}

func (zh *zeroHandler) Panicf(format string, args ...interface{}) {
	zh.setFields(zh.log.Panic()).Msgf(format, sanitize(args...)...)
}

func (zh *zeroHandler) Fatal(args ...interface{}) {
	zh.setFields(zh.log.Fatal()).Msg(fmt.Sprint(sanitize(args...)...))
}

func (zh *zeroHandler) Fatalf(format string, args ...interface{}) {
	zh.setFields(zh.log.Fatal()).Msgf(format, sanitize(args...)...)
}

func (zh *zeroHandler) Print(level Level, args ...interface{}) {
	lprint(zh, level, sanitize(args...)...)
}

func (zh *zeroHandler) Printf(level Level, format string, args ...interface{}) {
	lprintf(zh, level, format, sanitize(args...)...)
}

func (zh *zeroHandler) setFields(ev *zerolog.Event) *zerolog.Event {
	zh.mu.Lock()
	if len(zh.fields) > 0 {
		ev.Fields(map[string]interface{}(zh.fields))
		zh.fields = nil
	}
	zh.mu.Unlock()
	return ev
}

// colorize wraps s in the given ANSI color code. Taken from the original
// console writer for zerolog.
func colorize(s interface{}, c int) string {
	return fmt.Sprintf("\x1b[%dm%v\x1b[0m", c, s)
}

func zeroCW(sink io.Writer) zerolog.ConsoleWriter {
	return zerolog.ConsoleWriter{
		Out:        sink,
		TimeFormat: time.RFC3339,
		FormatFieldName: func(i interface{}) string {
			return colorize(fmt.Sprintf("%s=", i), colorDarkGray)
		},
		FormatErrFieldName: func(i interface{}) string {
			return colorize(fmt.Sprintf("%s=", i), colorRed)
		},
		FormatLevel: func(i interface{}) string {
			ll, ok := i.(string)
			if !ok {
				return colorize("???", colorBold)
			}
			switch ll {
			case "debug":
				return colorize("DBG", colorDarkGray)
			case "info":
				return colorize("INF", colorGreen)
			case "warn":
				return colorize("WRN", colorYellow)
			case "error":
				return colorize("ERR", colorRed)
			case "fatal":
				return colorize(colorize("FTL", colorRed), colorBold)
			case "panic":
				return colorize(colorize("PNC", colorRed), colorBold)
			default:
				return colorize(strings.ToUpper(ll), colorBold)
			}
		},
	}
}
