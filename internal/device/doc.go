// Package device provides the local device model for the TaHoma bridge.
//
// It mirrors the devices reported by the cloud gateway: their availability,
// classification tags and named states. The coordinator owns the Cache and
// is the only writer; everything else reads deep-copied snapshots.
//
// # Architecture
//
//	┌─────────────────────────────────────────────────────────────┐
//	│                       device package                         │
//	│                                                              │
//	│  ┌──────────────────┐  ┌──────────────────┐  ┌───────────┐  │
//	│  │      Cache       │  │    CastValue     │  │  History  │  │
//	│  │   (cache.go)     │  │    (cast.go)     │  │ (SQLite)  │  │
//	│  │                  │  │                  │  │           │  │
//	│  │ • ID -> Device   │  │ • raw -> typed   │  │ • snapshot│  │
//	│  │ • Clone/Snapshot │  │ • fixed table    │  │ • prune   │  │
//	│  └──────────────────┘  └──────────────────┘  └───────────┘  │
//	└─────────────────────────────────────────────────────────────┘
//
// # Key Types
//
//   - Device: one gateway device, keyed by its device URL
//   - State: a named value with its declared DataType and raw wire value
//   - DataType: the gateway's numeric type tag
//   - Cache: the ID -> Device map folded by the coordinator
//
// # Usage
//
//	cache := device.NewCache(devices...)
//	value, err := device.CastValue(device.DataTypeInteger, "42")
//	if err != nil {
//	    return err
//	}
//	err = cache.ApplyStateUpdate(id, "core:ClosureState", device.DataTypeInteger, value, "42")
//
// # Thread Safety
//
// Cache is not safe for concurrent use. SQLiteHistoryRepository is.
//
// # Related Documentation
//
//   - migrations/20260301_120000_state_history.up.sql: history schema
package device
