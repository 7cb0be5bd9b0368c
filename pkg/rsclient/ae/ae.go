// Package ae binds the generic client engine to alarms and events servers.
package ae

// Copyright (C) 2025 by Posit Software, PBC.

import (
	"sort"
	"time"

	"github.com/rstudio/opcclassic/pkg/rsclient"
	"github.com/rstudio/opcclassic/pkg/rsnotify/batch"
	"github.com/rstudio/opcclassic/pkg/rsnotify/notifier"
)

type EventType uint32

const (
	SimpleEvent    EventType = 0x1
	TrackingEvent  EventType = 0x2
	ConditionEvent EventType = 0x4
)

func (t EventType) String() string {
	switch t {
	case SimpleEvent:
		return "simple"
	case TrackingEvent:
		return "tracking"
	case ConditionEvent:
		return "condition"
	}
	return "unknown"
}

// Change mask bits of a condition event.
const (
	ChangeActiveState uint16 = 1 << iota
	ChangeAckState
	ChangeEnableState
	ChangeQuality
	ChangeSeverity
	ChangeSubcondition
	ChangeMessage
	ChangeAttribute
)

type Event struct {
	Source           string        `json:"source"`
	Time             time.Time     `json:"time"`
	Message          string        `json:"message"`
	Type             EventType     `json:"type"`
	Category         uint32        `json:"category"`
	Severity         uint32        `json:"severity"`
	ChangeMask       uint16        `json:"change_mask,omitempty"`
	NewState         uint16        `json:"new_state,omitempty"`
	ConditionName    string        `json:"condition,omitempty"`
	SubconditionName string        `json:"subcondition,omitempty"`
	Quality          uint16        `json:"quality,omitempty"`
	AckRequired      bool          `json:"ack_required,omitempty"`
	ActiveTime       time.Time     `json:"active_time,omitempty"`
	Cookie           uint32        `json:"cookie,omitempty"`
	ActorID          string        `json:"actor_id,omitempty"`
	Attributes       []interface{} `json:"attributes,omitempty"`
}

type ServerStatus struct {
	State          rsclient.ServerState `json:"state"`
	StartTime      time.Time            `json:"start_time"`
	CurrentTime    time.Time            `json:"current_time"`
	LastUpdateTime time.Time            `json:"last_update_time"`
	MajorVersion   uint16               `json:"major_version"`
	MinorVersion   uint16               `json:"minor_version"`
	BuildNumber    uint16               `json:"build_number"`
	VendorInfo     string               `json:"vendor_info"`
}

type (
	Server           = rsclient.Server[Event, ServerStatus]
	ServerConfig     = rsclient.ServerConfig[Event, ServerStatus]
	Connection       = rsclient.Connection[Event, ServerStatus]
	SubscriptionArgs = rsclient.SubscriptionArgs[Event]
)

func NewServer(cfg ServerConfig) (*Server, error) {
	return rsclient.NewServer(cfg)
}

// EventFunc receives every event of one notification.
type EventFunc func(origin batch.Handle, refresh, lastRefresh bool, events []Event) error

// NewSink adapts fn to a subscription sink. It detaches every event from
// the batch before calling fn.
func NewSink(fn EventFunc) notifier.Sink[Event] {
	return notifier.SinkFunc[Event](func(b *batch.Batch[Event]) error {
		events := make([]Event, 0, b.Len())
		for {
			e, ok := b.Detach()
			if !ok {
				break
			}
			events = append(events, e)
		}
		return fn(b.Origin, b.Refresh, b.LastRefresh, events)
	})
}

// Categories returns the distinct event categories in b, sorted.
func Categories(b *batch.Batch[Event]) []uint32 {
	seen := make(map[uint32]bool)
	result := make([]uint32, 0)
	for _, e := range b.Items() {
		if !seen[e.Category] {
			seen[e.Category] = true
			result = append(result, e.Category)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result
}

// FilterCategory returns the events of b in the given category without
// detaching them.
func FilterCategory(b *batch.Batch[Event], category uint32) []Event {
	result := make([]Event, 0)
	for _, e := range b.Items() {
		if e.Category == category {
			result = append(result, e)
		}
	}
	return result
}
