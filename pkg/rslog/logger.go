package rslog

// Copyright (C) 2025 by Posit Software, PBC.

import (
	"fmt"
	"io"
	"strings"
)

// Logger is the logging surface shared by every package in this module.
// Workers, pollers and sources receive one through their Config and fall
// back to DefaultLogger when none is given.
type Logger interface {
	Tracef(msg string, args ...interface{})
	Debugf(msg string, args ...interface{})
	Infof(msg string, args ...interface{})
	Warnf(msg string, args ...interface{})
	Errorf(msg string, args ...interface{})
	Fatalf(msg string, args ...interface{})
	Panicf(msg string, args ...interface{})

	WithField(key string, value interface{}) Logger
	WithFields(fields Fields) Logger

	SetOutput(writers ...io.Writer)
	SetLevel(level LogLevel)
	SetFormatter(formatter OutputFormat)
}

type LoggerFactory interface {
	DefaultLogger() Logger
}

type Fields map[string]interface{}

// Concat returns a new Fields holding f overlaid with fields.
func (f Fields) Concat(fields Fields) Fields {
	result := Fields{}
	for key, value := range f {
		result[key] = value
	}
	for key, value := range fields {
		result[key] = value
	}
	return result
}

type OutputFormat string

const (
	JSONFormat OutputFormat = "JSON"
	TextFormat OutputFormat = "TEXT"
)

func (o *OutputFormat) UnmarshalText(text []byte) error {
	values := []OutputFormat{
		JSONFormat,
		TextFormat,
	}

	for _, currentValue := range values {
		if strings.EqualFold(string(text), string(currentValue)) {
			*o = currentValue
			return nil
		}
	}

	return fmt.Errorf("invalid Format value '%s'. Allowed values are %v", text, values)
}

type LogLevel string

const (
	TraceLevel   LogLevel = "TRACE"
	DebugLevel   LogLevel = "DEBUG"
	InfoLevel    LogLevel = "INFO"
	WarningLevel LogLevel = "WARN"
	ErrorLevel   LogLevel = "ERROR"
)

func (o *LogLevel) UnmarshalText(text []byte) error {
	values := []LogLevel{
		TraceLevel,
		DebugLevel,
		InfoLevel,
		WarningLevel,
		ErrorLevel,
	}

	for _, currentValue := range values {
		if strings.EqualFold(string(text), string(currentValue)) {
			*o = currentValue
			return nil
		}
	}

	return fmt.Errorf("invalid Log Level value '%s'. Allowed values are %v", text, values)
}
