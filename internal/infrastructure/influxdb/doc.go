// Package influxdb provides InfluxDB connectivity for the TaHoma bridge.
//
// It wraps the official influxdb-client-go v2 library for connection
// management, batched metric writes and health monitoring.
//
// # Purpose
//
// Each reconciliation cycle is written as one batch sharing a timestamp:
// the numeric and boolean states of changed devices (device_metrics),
// their availability (device_availability) and the cycle statistics
// (tahoma_cycles). Resync cycles are flushed immediately.
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB, cfg.Site.ID)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.WriteCycle(influxdb.CycleStats{CycleID: id, Events: 3}, []influxdb.DeviceSample{{
//	    DeviceID: "io://1234-5678-9012/1",
//	    Available: true,
//	    Values:    map[string]float64{"core:ClosureState": 40},
//	}})
//
// # Thread Safety
//
// All methods are safe for concurrent use from multiple goroutines.
// The underlying write API uses non-blocking batched writes.
//
// # Error Handling
//
// Write operations are non-blocking and batch errors are delivered via a
// callback (SetOnError). Connection and health check errors are returned
// directly.
package influxdb
