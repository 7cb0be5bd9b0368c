package rslog

// Copyright (C) 2025 by Posit Software, PBC.

import (
	"sort"
	"sync"
)

// ProductRegion is a numerical value assigned to an area of the library.
type ProductRegion int

const (
	RegionNotify ProductRegion = iota + 1
	RegionSubscription
	RegionPoll
	RegionSource
)

// debugMutex protects debugRegions and debugEnabled.
var debugMutex sync.RWMutex

var debugRegions = map[ProductRegion]string{
	RegionNotify:       "notify",
	RegionSubscription: "subscription",
	RegionPoll:         "poll",
	RegionSource:       "source",
}

var debugEnabled = map[ProductRegion]bool{}

// RegisterRegions adds or renames product debug regions. Applications
// embedding the library may register their own regions next to the
// built-in ones.
func RegisterRegions(regions map[ProductRegion]string) {
	debugMutex.Lock()
	defer debugMutex.Unlock()

	for region, name := range regions {
		debugRegions[region] = name
	}
}

// RegionNames returns the sorted names of all registered regions.
func RegionNames() []string {
	debugMutex.RLock()
	defer debugMutex.RUnlock()

	names := make([]string, 0, len(debugRegions))
	for _, name := range debugRegions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RegionByName returns the region registered under name, or zero.
func RegionByName(name string) ProductRegion {
	debugMutex.RLock()
	defer debugMutex.RUnlock()

	for region, regionName := range debugRegions {
		if name == regionName {
			return region
		}
	}
	return 0
}

func RegionName(region ProductRegion) string {
	debugMutex.RLock()
	defer debugMutex.RUnlock()

	return debugRegions[region]
}

// InitDebugLogs enables debug logging for exactly the given regions.
func InitDebugLogs(regions []ProductRegion) {
	debugMutex.Lock()
	defer debugMutex.Unlock()

	debugEnabled = make(map[ProductRegion]bool)
	for _, region := range regions {
		if region == 0 {
			continue
		}
		debugEnabled[region] = true
	}
}

// Enable turns on debug logging for region. Useful in test.
func Enable(region ProductRegion) {
	debugMutex.Lock()
	defer debugMutex.Unlock()

	debugEnabled[region] = true
}

// Disable turns off debug logging for region.
func Disable(region ProductRegion) {
	debugMutex.Lock()
	defer debugMutex.Unlock()

	debugEnabled[region] = false
}

func Enabled(region ProductRegion) bool {
	debugMutex.RLock()
	defer debugMutex.RUnlock()

	return debugEnabled[region]
}

type DebugLogger interface {
	Enabled() bool
	Debugf(msg string, args ...interface{})
	Tracef(msg string, args ...interface{})
	WithFields(fields Fields) DebugLogger
	WithSubRegion(subregion string) DebugLogger
}

type debugLogger struct {
	Logger
	region ProductRegion
}

// NewDebugLogger returns a logger tagged with the region name whose Debugf
// and Tracef only log while the region is enabled. A nil base uses the
// default logger.
func NewDebugLogger(region ProductRegion, base Logger) DebugLogger {
	entry := OrDefault(base).WithFields(Fields{
		"region": RegionName(region),
	})

	return &debugLogger{
		Logger: entry,
		region: region,
	}
}

func (l *debugLogger) Enabled() bool {
	return Enabled(l.region)
}

func (l *debugLogger) Debugf(message string, args ...interface{}) {
	if l.Enabled() {
		l.Logger.Debugf(message, args...)
	}
}

func (l *debugLogger) Tracef(message string, args ...interface{}) {
	if l.Enabled() {
		l.Logger.Tracef(message, args...)
	}
}

func (l *debugLogger) WithFields(fields Fields) DebugLogger {
	return &debugLogger{
		Logger: l.Logger.WithFields(fields),
		region: l.region,
	}
}

// WithSubRegion is equivalent to WithFields(Fields{"sub_region": subregion}).
func (l *debugLogger) WithSubRegion(subregion string) DebugLogger {
	return &debugLogger{
		Logger: l.Logger.WithField("sub_region", subregion),
		region: l.region,
	}
}
