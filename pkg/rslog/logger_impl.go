package rslog

// Copyright (C) 2025 by Posit Software, PBC.

import (
	"io"
	"sync"

	"github.com/sirupsen/logrus"
)

const (
	ClientLog LogCategory = "CLIENT"
)

const timestampFormat = "2006-01-02T15:04:05.000Z"

// DefaultLoggerFactory may be replaced before the first call to
// DefaultLogger, typically by tests.
var DefaultLoggerFactory LoggerFactory

type LoggerFactoryImpl struct{}

func (f *LoggerFactoryImpl) DefaultLogger() Logger {
	lgr, _ := NewLoggerImpl(LoggerOptionsImpl{
		Output: []OutputDest{
			{Output: LogOutputStderr},
		},
		Format: TextFormat,
		Level:  InfoLevel,
	}, NewOutputLogBuilder(ClientLog, ""))
	return lgr
}

type LoggerImpl struct {
	*logrus.Logger
}

type OutputDest struct {
	Output      LogOutputType
	Filepath    string
	DefaultFile string
}

type LoggerOptionsImpl struct {
	Output []OutputDest
	Level  LogLevel
	Format OutputFormat
}

func NewLoggerImpl(options LoggerOptionsImpl, outputBuilder OutputBuilder) (*LoggerImpl, error) {
	var output []io.Writer

	l := logrus.New()

	for _, out := range options.Output {
		wrtr, err := outputBuilder.Build(out.Output, out.Filepath)
		if err != nil {
			return nil, err
		}
		output = append(output, wrtr)
	}

	l.SetOutput(io.MultiWriter(output...))
	l.SetFormatter(getFormatter(options.Format))
	l.SetLevel(getLevel(options.Level))

	return &LoggerImpl{
		Logger: l,
	}, nil
}

func getFormatter(outputFormat OutputFormat) logrus.Formatter {
	switch outputFormat {
	case JSONFormat:
		return &logrus.JSONFormatter{TimestampFormat: timestampFormat}
	default:
		return &logrus.TextFormatter{
			FullTimestamp:          true,
			TimestampFormat:        timestampFormat,
			DisableLevelTruncation: true,
		}
	}
}

func getLevel(level LogLevel) logrus.Level {
	switch level {
	case TraceLevel:
		return logrus.TraceLevel
	case DebugLevel:
		return logrus.DebugLevel
	case InfoLevel:
		return logrus.InfoLevel
	case WarningLevel:
		return logrus.WarnLevel
	case ErrorLevel:
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

func (l LoggerImpl) WithField(key string, value interface{}) Logger {
	return logrusEntryWrapper{Entry: l.Logger.WithField(key, value)}
}

func (l LoggerImpl) WithFields(fields Fields) Logger {
	return logrusEntryWrapper{Entry: l.Logger.WithFields(logrus.Fields(fields))}
}

func (l LoggerImpl) SetLevel(level LogLevel) {
	l.Logger.SetLevel(getLevel(level))
}

func (l LoggerImpl) SetFormatter(format OutputFormat) {
	l.Logger.SetFormatter(getFormatter(format))
}

func (l LoggerImpl) SetOutput(writers ...io.Writer) {
	l.Logger.SetOutput(io.MultiWriter(writers...))
}

type logrusEntryWrapper struct {
	*logrus.Entry
}

func (l logrusEntryWrapper) SetLevel(level LogLevel) {
	l.Entry.Logger.SetLevel(getLevel(level))
}

func (l logrusEntryWrapper) SetOutput(writers ...io.Writer) {
	l.Entry.Logger.SetOutput(io.MultiWriter(writers...))
}

func (l logrusEntryWrapper) SetFormatter(format OutputFormat) {
	l.Entry.Logger.SetFormatter(getFormatter(format))
}

func (l logrusEntryWrapper) WithField(key string, value interface{}) Logger {
	return logrusEntryWrapper{Entry: l.Entry.WithField(key, value)}
}

func (l logrusEntryWrapper) WithFields(fields Fields) Logger {
	return logrusEntryWrapper{Entry: l.Entry.WithFields(logrus.Fields(fields))}
}

var defaultLogger Logger
var once = &sync.Once{}
var mutex sync.RWMutex

func ensureDefaultLoggerReadLock() *sync.RWMutex {
	once.Do(func() {
		mutex.Lock()
		defer mutex.Unlock()

		if DefaultLoggerFactory == nil {
			DefaultLoggerFactory = &LoggerFactoryImpl{}
		}
		defaultLogger = DefaultLoggerFactory.DefaultLogger()
	})

	mutex.RLock()
	return &mutex
}

// UpdateDefaultLogger should be the only way to reconfigure the default
// logger after startup.
func UpdateDefaultLogger(options LoggerOptionsImpl, outputBuilder OutputBuilder) error {
	var output []io.Writer
	for _, out := range options.Output {
		w, err := outputBuilder.Build(out.Output, out.Filepath)
		if err != nil {
			return err
		}
		output = append(output, w)
	}

	lock := ensureDefaultLoggerReadLock()
	defer lock.RUnlock()
	defaultLogger.SetOutput(output...)
	defaultLogger.SetFormatter(options.Format)
	defaultLogger.SetLevel(options.Level)
	return nil
}

func DefaultLogger() Logger {
	lock := ensureDefaultLoggerReadLock()
	defer lock.RUnlock()
	return defaultLogger
}

// OrDefault returns lgr, or the default logger when lgr is nil. Config
// structs across the module leave their Logger field optional.
func OrDefault(lgr Logger) Logger {
	if lgr != nil {
		return lgr
	}
	return DefaultLogger()
}

func Debugf(msg string, args ...interface{}) {
	lock := ensureDefaultLoggerReadLock()
	defer lock.RUnlock()
	defaultLogger.Debugf(msg, args...)
}

func Infof(msg string, args ...interface{}) {
	lock := ensureDefaultLoggerReadLock()
	defer lock.RUnlock()
	defaultLogger.Infof(msg, args...)
}

func Warnf(msg string, args ...interface{}) {
	lock := ensureDefaultLoggerReadLock()
	defer lock.RUnlock()
	defaultLogger.Warnf(msg, args...)
}

func Errorf(msg string, args ...interface{}) {
	lock := ensureDefaultLoggerReadLock()
	defer lock.RUnlock()
	defaultLogger.Errorf(msg, args...)
}

func WithFields(fields Fields) Logger {
	lock := ensureDefaultLoggerReadLock()
	defer lock.RUnlock()
	return defaultLogger.WithFields(fields)
}
