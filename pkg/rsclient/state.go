package rsclient

// Copyright (C) 2025 by Posit Software, PBC.

import (
	"fmt"
	"strings"
)

// ServerState is the run state a server reports in its status.
type ServerState uint8

const (
	StateUnknown ServerState = iota
	StateRunning
	StateFailed
	StateNoConfiguration
	StateSuspended
	StateTest
	StateCommunicationFault
)

var stateNames = map[ServerState]string{
	StateUnknown:            "unknown",
	StateRunning:            "running",
	StateFailed:             "failed",
	StateNoConfiguration:    "noconfig",
	StateSuspended:          "suspended",
	StateTest:               "test",
	StateCommunicationFault: "commfault",
}

func (s ServerState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

func (s ServerState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *ServerState) UnmarshalText(text []byte) error {
	for state, name := range stateNames {
		if strings.EqualFold(name, string(text)) {
			*s = state
			return nil
		}
	}
	return fmt.Errorf("invalid server state '%s'", text)
}
