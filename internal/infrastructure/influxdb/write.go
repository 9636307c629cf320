package influxdb

import (
	"maps"
	"slices"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	measurementDeviceMetrics = "device_metrics"
	measurementAvailability  = "device_availability"
	measurementCycles        = "tahoma_cycles"
)

// CycleStats summarises one committed reconciliation cycle.
type CycleStats struct {
	CycleID string

	// At is the commit time. Every point of the cycle uses it.
	At time.Time

	Events     int
	Changed    int
	Removed    int
	Executions int
	Resync     bool
	Refreshing bool
	Interval   time.Duration
}

// DeviceSample is the telemetry of one changed device.
type DeviceSample struct {
	DeviceID  string
	Available bool

	// Values maps state names to numeric values. Booleans are 0 or 1.
	Values map[string]float64
}

// WriteCycle writes one committed cycle: a point per sampled state, an
// availability point per device and the cycle statistics.
//
// Resync cycles reload every device, so they are flushed right away and
// never split across two batches.
func (c *Client) WriteCycle(stats CycleStats, samples []DeviceSample) {
	if !c.IsConnected() {
		return
	}
	for _, p := range cyclePoints(stats, samples) {
		c.writeAPI.WritePoint(p)
	}
	if stats.Resync {
		c.writeAPI.Flush()
	}
}

// cyclePoints builds the points of one cycle in a stable order. A zero At
// uses the current time.
func cyclePoints(stats CycleStats, samples []DeviceSample) []*write.Point {
	ts := stats.At
	if ts.IsZero() {
		ts = time.Now()
	}

	points := make([]*write.Point, 0, 2*len(samples)+1)
	for _, s := range samples {
		for _, name := range slices.Sorted(maps.Keys(s.Values)) {
			points = append(points, deviceMetricPoint(s.DeviceID, name, s.Values[name], ts))
		}
		points = append(points, availabilityPoint(s.DeviceID, s.Available, ts))
	}
	return append(points, cyclePoint(stats, ts))
}

func deviceMetricPoint(deviceID, state string, value float64, ts time.Time) *write.Point {
	return write.NewPoint(
		measurementDeviceMetrics,
		map[string]string{
			"device_id":   deviceID,
			"measurement": state,
		},
		map[string]interface{}{
			"value": value,
		},
		ts,
	)
}

func availabilityPoint(deviceID string, available bool, ts time.Time) *write.Point {
	return write.NewPoint(
		measurementAvailability,
		map[string]string{
			"device_id": deviceID,
		},
		map[string]interface{}{
			"available": available,
		},
		ts,
	)
}

// cyclePoint keeps the cycle ID as a field; as a tag it would create one
// series per cycle.
func cyclePoint(stats CycleStats, ts time.Time) *write.Point {
	return write.NewPoint(
		measurementCycles,
		map[string]string{
			"resync": boolTag(stats.Resync),
		},
		map[string]interface{}{
			"cycle_id":         stats.CycleID,
			"events":           stats.Events,
			"changed":          stats.Changed,
			"removed":          stats.Removed,
			"executions":       stats.Executions,
			"refreshing":       stats.Refreshing,
			"interval_seconds": stats.Interval.Seconds(),
		},
		ts,
	)
}

func boolTag(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
