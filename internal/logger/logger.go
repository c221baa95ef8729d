package logger

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Level is the log level
type Level = uint8

// about level
const (
	Debug Level = iota
	Info
	Warning
	Error
	Fatal
	Off
)

// TimeLayout is used to provide a parameter to time.Time.Format().
const TimeLayout = "2006-01-02 15:04:05"

// Logger is the logger used by detours and the tools.
type Logger interface {
	Printf(lv Level, src, format string, log ...interface{})
	Print(lv Level, src string, log ...interface{})
	Println(lv Level, src string, log ...interface{})
}

// Parse is used to parse logger level from string.
func Parse(level string) (Level, error) {
	lv := Level(0)
	switch level {
	case "debug":
		lv = Debug
	case "info":
		lv = Info
	case "warning":
		lv = Warning
	case "error":
		lv = Error
	case "fatal":
		lv = Fatal
	case "off":
		lv = Off
	default:
		return lv, fmt.Errorf("unknown logger level: %s", level)
	}
	return lv, nil
}

func levelName(level Level) string {
	switch level {
	case Debug:
		return "debug"
	case Info:
		return "info"
	case Warning:
		return "warning"
	case Error:
		return "error"
	case Fatal:
		return "fatal"
	}
	return "unknown"
}

// Prefix is used to print time, level and source to a buffer.
//
// [2020-11-27 00:00:00] [info] <detour> hooked 0x7FF6A0001000 with inline
func Prefix(time time.Time, level Level, src string) *bytes.Buffer {
	buf := bytes.Buffer{}
	buf.WriteString("[")
	buf.WriteString(time.Local().Format(TimeLayout))
	buf.WriteString("] [")
	buf.WriteString(levelName(level))
	buf.WriteString("] <")
	buf.WriteString(src)
	buf.WriteString("> ")
	return &buf
}

var (
	// Common is a common logger, the command line tool use it.
	Common Logger = New(os.Stdout)

	// Test is used to go test.
	Test Logger = &writerLogger{w: os.Stdout, prefix: []byte("[Test] ")}

	// Discard is used to discard log, it is the default of a Process.
	Discard Logger = new(discard)
)

type writerLogger struct {
	w      io.Writer
	prefix []byte
	mu     sync.Mutex
}

// New is used to create a logger that write log to w.
func New(w io.Writer) Logger {
	return &writerLogger{w: w}
}

func (wl *writerLogger) write(lv Level, src string, print func(io.Writer)) {
	output := new(bytes.Buffer)
	output.Write(wl.prefix)
	_, _ = io.Copy(output, Prefix(time.Now(), lv, src))
	print(output)
	if output.Bytes()[output.Len()-1] != '\n' {
		output.WriteByte('\n')
	}
	wl.mu.Lock()
	defer wl.mu.Unlock()
	_, _ = wl.w.Write(output.Bytes())
}

func (wl *writerLogger) Printf(lv Level, src, format string, log ...interface{}) {
	wl.write(lv, src, func(w io.Writer) { _, _ = fmt.Fprintf(w, format, log...) })
}

func (wl *writerLogger) Print(lv Level, src string, log ...interface{}) {
	wl.write(lv, src, func(w io.Writer) { _, _ = fmt.Fprint(w, log...) })
}

func (wl *writerLogger) Println(lv Level, src string, log ...interface{}) {
	wl.write(lv, src, func(w io.Writer) { _, _ = fmt.Fprintln(w, log...) })
}

type discard struct{}

func (discard) Printf(_ Level, _, _ string, _ ...interface{}) {}

func (discard) Print(_ Level, _ string, _ ...interface{}) {}

func (discard) Println(_ Level, _ string, _ ...interface{}) {}

type leveled struct {
	level  Level
	logger Logger
}

// NewLeveled returns a logger that drop log below lv.
func NewLeveled(lv Level, logger Logger) Logger {
	return &leveled{level: lv, logger: logger}
}

func (l *leveled) Printf(lv Level, src, format string, log ...interface{}) {
	if lv < l.level {
		return
	}
	l.logger.Printf(lv, src, format, log...)
}

func (l *leveled) Print(lv Level, src string, log ...interface{}) {
	if lv < l.level {
		return
	}
	l.logger.Print(lv, src, log...)
}

func (l *leveled) Println(lv Level, src string, log ...interface{}) {
	if lv < l.level {
		return
	}
	l.logger.Println(lv, src, log...)
}
