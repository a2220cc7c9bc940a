package logging

import (
	"io"
	"log"
	"os"
)

// Logger is a minimal printf-style logging contract injected into every
// component. No package-level global logger exists.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Nop returns a logger that discards all output.
func Nop() Logger {
	return nopLogger{}
}

// OrNop returns logger when non-nil, otherwise a no-op logger.
func OrNop(logger Logger) Logger {
	if logger == nil {
		return Nop()
	}
	return logger
}

type stdLogger struct {
	l     *log.Logger
	debug bool
}

// NewComponentLogger returns a stderr logger scoped to a component.
func NewComponentLogger(component string) Logger {
	return NewWriterLogger(os.Stderr, component, false)
}

// NewWriterLogger returns a logger writing to w with a component prefix.
func NewWriterLogger(w io.Writer, component string, debug bool) Logger {
	return &stdLogger{
		l:     log.New(w, "["+component+"] ", log.LstdFlags),
		debug: debug,
	}
}

func (s *stdLogger) Debug(format string, args ...any) {
	if s.debug {
		s.l.Printf("DEBUG "+format, args...)
	}
}

func (s *stdLogger) Info(format string, args ...any) {
	s.l.Printf("INFO "+format, args...)
}

func (s *stdLogger) Warn(format string, args ...any) {
	s.l.Printf("WARN "+format, args...)
}

func (s *stdLogger) Error(format string, args ...any) {
	s.l.Printf("ERROR "+format, args...)
}
