// Package hda binds the generic client engine to historical data access
// servers.
package hda

// Copyright (C) 2025 by Posit Software, PBC.

import (
	"time"

	"github.com/rstudio/opcclassic/pkg/rsclient"
	"github.com/rstudio/opcclassic/pkg/rsnotify/batch"
	"github.com/rstudio/opcclassic/pkg/rsnotify/notifier"
)

// Quality flags of a historical sample.
const (
	QualityExtraData   uint32 = 0x00010000
	QualityInterpolate uint32 = 0x00020000
	QualityRaw         uint32 = 0x00040000
	QualityNoData      uint32 = 0x00080000
)

type Sample struct {
	Item      batch.Handle `json:"item"`
	Timestamp time.Time    `json:"timestamp"`
	Value     interface{}  `json:"value,omitempty"`
	Quality   uint32       `json:"quality"`
}

func (s Sample) HasData() bool {
	return s.Quality&QualityNoData == 0
}

type ServerStatus struct {
	State           rsclient.ServerState `json:"state"`
	StartTime       time.Time            `json:"start_time"`
	CurrentTime     time.Time            `json:"current_time"`
	MaxReturnValues uint32               `json:"max_return_values"`
	MajorVersion    uint16               `json:"major_version"`
	MinorVersion    uint16               `json:"minor_version"`
	BuildNumber     uint16               `json:"build_number"`
	StatusString    string               `json:"status_string"`
	VendorInfo      string               `json:"vendor_info"`
}

type (
	Server           = rsclient.Server[Sample, ServerStatus]
	ServerConfig     = rsclient.ServerConfig[Sample, ServerStatus]
	Connection       = rsclient.Connection[Sample, ServerStatus]
	SubscriptionArgs = rsclient.SubscriptionArgs[Sample]
)

func NewServer(cfg ServerConfig) (*Server, error) {
	return rsclient.NewServer(cfg)
}

type SampleFunc func(transaction uint32, origin batch.Handle, samples []Sample) error

// NewSink adapts fn to a subscription sink, detaching every sample.
func NewSink(fn SampleFunc) notifier.Sink[Sample] {
	return notifier.SinkFunc[Sample](func(b *batch.Batch[Sample]) error {
		samples := make([]Sample, 0, b.Len())
		for {
			s, ok := b.Detach()
			if !ok {
				break
			}
			samples = append(samples, s)
		}
		return fn(b.Transaction, b.Origin, samples)
	})
}

// ByItem groups samples by item handle, keeping their order within an item.
func ByItem(samples []Sample) map[batch.Handle][]Sample {
	result := make(map[batch.Handle][]Sample)
	for _, s := range samples {
		result[s.Item] = append(result[s.Item], s)
	}
	return result
}
