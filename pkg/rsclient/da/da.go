// Package da binds the generic client engine to data access servers. A
// subscription here corresponds to a group of items.
package da

// Copyright (C) 2025 by Posit Software, PBC.

import (
	"time"

	"github.com/rstudio/opcclassic/pkg/rsclient"
	"github.com/rstudio/opcclassic/pkg/rsnotify/batch"
	"github.com/rstudio/opcclassic/pkg/rsnotify/notifier"
	"github.com/rstudio/opcclassic/pkg/rsstatus"
)

// Quality is the quality word attached to an item value. The two high bits
// of the low byte hold the major quality.
type Quality uint16

const (
	QualityMask      Quality = 0xC0
	QualityBad       Quality = 0x00
	QualityUncertain Quality = 0x40
	QualityGood      Quality = 0xC0
)

func (q Quality) Good() bool {
	return q&QualityMask == QualityGood
}

func (q Quality) String() string {
	switch q & QualityMask {
	case QualityGood:
		return "good"
	case QualityUncertain:
		return "uncertain"
	case QualityBad:
		return "bad"
	}
	return "invalid"
}

// Operation tells which server callback produced a batch.
type Operation uint8

const (
	DataChange Operation = iota
	ReadComplete
	WriteComplete
)

func (o Operation) String() string {
	switch o {
	case DataChange:
		return "data-change"
	case ReadComplete:
		return "read-complete"
	case WriteComplete:
		return "write-complete"
	}
	return "unknown"
}

type ItemValue struct {
	Item      batch.Handle `json:"item"`
	Op        Operation    `json:"op"`
	Value     interface{}  `json:"value,omitempty"`
	Quality   Quality      `json:"quality"`
	Timestamp time.Time    `json:"timestamp"`
	Err       string       `json:"error,omitempty"`
}

type ServerStatus struct {
	State          rsclient.ServerState `json:"state"`
	StartTime      time.Time            `json:"start_time"`
	CurrentTime    time.Time            `json:"current_time"`
	LastUpdateTime time.Time            `json:"last_update_time"`
	GroupCount     uint32               `json:"group_count"`
	BandWidth      uint32               `json:"band_width"`
	MajorVersion   uint16               `json:"major_version"`
	MinorVersion   uint16               `json:"minor_version"`
	BuildNumber    uint16               `json:"build_number"`
	VendorInfo     string               `json:"vendor_info"`
}

type (
	Server           = rsclient.Server[ItemValue, ServerStatus]
	ServerConfig     = rsclient.ServerConfig[ItemValue, ServerStatus]
	Connection       = rsclient.Connection[ItemValue, ServerStatus]
	SubscriptionArgs = rsclient.SubscriptionArgs[ItemValue]
)

func NewServer(cfg ServerConfig) (*Server, error) {
	return rsclient.NewServer(cfg)
}

// MasterQuality reports whether every item in values has good quality.
func MasterQuality(values []ItemValue) bool {
	for _, v := range values {
		if !v.Quality.Good() {
			return false
		}
	}
	return true
}

// MasterError reports whether no item in values carries an error.
func MasterError(values []ItemValue) bool {
	for _, v := range values {
		if v.Err != "" {
			return false
		}
	}
	return true
}

// Callbacks receives the three kinds of group notifications. masterQuality
// is true when all values are good, masterError when none failed.
type Callbacks interface {
	DataChange(transaction uint32, group batch.Handle, masterQuality, masterError bool, values []ItemValue) error
	ReadComplete(transaction uint32, group batch.Handle, masterQuality, masterError bool, values []ItemValue) error
	WriteComplete(transaction uint32, group batch.Handle, masterError bool, values []ItemValue) error
}

// NewSink dispatches each batch to the matching callback. The operation of
// the first item decides; a batch never mixes operations. Empty batches are
// dropped, except an empty last refresh chunk, which arrives as a DataChange
// with no values.
func NewSink(cb Callbacks) notifier.Sink[ItemValue] {
	return notifier.SinkFunc[ItemValue](func(b *batch.Batch[ItemValue]) error {
		values := make([]ItemValue, 0, b.Len())
		for {
			v, ok := b.Detach()
			if !ok {
				break
			}
			values = append(values, v)
		}
		if len(values) == 0 {
			// An empty final refresh chunk still ends the refresh.
			if b.LastRefresh {
				return cb.DataChange(b.Transaction, b.Origin, true, true, values)
			}
			return nil
		}

		switch values[0].Op {
		case DataChange:
			return cb.DataChange(b.Transaction, b.Origin, MasterQuality(values), MasterError(values), values)
		case ReadComplete:
			return cb.ReadComplete(b.Transaction, b.Origin, MasterQuality(values), MasterError(values), values)
		case WriteComplete:
			return cb.WriteComplete(b.Transaction, b.Origin, MasterError(values), values)
		}
		return rsstatus.Newf(rsstatus.InvalidArgument, "unknown operation %d", values[0].Op)
	})
}
