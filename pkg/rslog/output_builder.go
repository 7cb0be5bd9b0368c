package rslog

// Copyright (C) 2025 by Posit Software, PBC.

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

type LogOutputType string

const (
	LogOutputStdout LogOutputType = "STDOUT"
	LogOutputFile   LogOutputType = "FILE"
	LogOutputStderr LogOutputType = "STDERR"

	// Used internally to tell an empty configuration apart from an explicit
	// choice of the default.
	LogOutputDefault LogOutputType = "DEFAULT"
)

type LogCategory string

func (c LogCategory) Text() string {
	lower := strings.ToLower(string(c))
	if lower == "" {
		return "Logs"
	}
	return strings.ToUpper(lower[:1]) + lower[1:] + " Logs"
}

func (t *LogOutputType) UnmarshalText(text []byte) error {
	values := []LogOutputType{
		LogOutputStdout,
		LogOutputFile,
		LogOutputStderr,
	}

	for _, currentValue := range values {
		if strings.EqualFold(string(text), string(currentValue)) {
			*t = currentValue
			return nil
		}
	}

	return fmt.Errorf("invalid LogOutputType value '%s'. Allowed values are %v", text, values)
}

type OutputBuilder interface {
	Build(output LogOutputType, logFilePath string) (io.Writer, error)
}

type outputBuilder struct {
	logCategory LogCategory
	defaultFile string
}

func NewOutputLogBuilder(logCategory LogCategory, defaultFile string) OutputBuilder {
	return outputBuilder{
		logCategory: logCategory,
		defaultFile: defaultFile,
	}
}

func (b outputBuilder) Build(output LogOutputType, logFilePath string) (io.Writer, error) {
	switch output {
	case LogOutputDefault, LogOutputStderr:
		return os.Stderr, nil
	case LogOutputStdout:
		return os.Stdout, nil
	case LogOutputFile:
		return b.createLogFile(logFilePath)
	default:
		return nil, fmt.Errorf("the output %q provided for the logging output configuration field isn't supported", output)
	}
}

func (b outputBuilder) createLogFile(logFilePath string) (io.Writer, error) {
	if strings.TrimSpace(logFilePath) == "" {
		if b.defaultFile == "" {
			return nil, fmt.Errorf("logging output is set to FILE, but no path was provided")
		}
		logFilePath = b.defaultFile
	}

	if err := os.MkdirAll(filepath.Dir(logFilePath), 0750); err != nil {
		return nil, fmt.Errorf("error creating logging directory for %s: %s", b.logCategory.Text(), err)
	}

	writer, err := os.OpenFile(logFilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("not possible to open or create the logging file %q: %s", logFilePath, err)
	}
	return writer, nil
}

// discardOutputBuilder sends every output to io.Discard.
type discardOutputBuilder struct{}

func (discardOutputBuilder) Build(LogOutputType, string) (io.Writer, error) {
	return io.Discard, nil
}
