package aqua

import (
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// Logger is the logging surface the stack writes to. Embedding programs
// swap in their own with SetLogger; the default writes logrus text lines
// to stderr.
type Logger interface {
	Debug(...interface{})
	Info(...interface{})
	Warn(...interface{})
	Error(...interface{})

	Debugf(string, ...interface{})
	Infof(string, ...interface{})
	Warnf(string, ...interface{})
	Errorf(string, ...interface{})

	// ChildLogger returns a logger that carries fields on every line.
	ChildLogger(fields map[string]interface{}) Logger
}

var (
	loggerMu sync.Mutex
	logger   Logger
)

// SetLogger replaces the package logger.
func SetLogger(l Logger) {
	loggerMu.Lock()
	logger = l
	loggerMu.Unlock()
}

// GetLogger returns the package logger, building the default on first use.
func GetLogger() Logger {
	loggerMu.Lock()
	defer loggerMu.Unlock()

	if logger == nil {
		logger = newLogrusLogger()
	}
	return logger
}

// SetLogLevelMax turns on trace output. It only knows how to adjust the
// default logger; custom loggers manage their own level.
func SetLogLevelMax() {
	l := GetLogger()

	ll, ok := l.(*logrusLogger)
	if !ok {
		l.Warn("log level is fixed on a custom logger")
		return
	}
	ll.Entry.Logger.SetLevel(logrus.TraceLevel)
}

type logrusLogger struct {
	*logrus.Entry
}

func newLogrusLogger() *logrusLogger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})

	return &logrusLogger{Entry: logrus.NewEntry(l)}
}

func (l *logrusLogger) ChildLogger(fields map[string]interface{}) Logger {
	return &logrusLogger{Entry: l.Entry.WithFields(fields)}
}
