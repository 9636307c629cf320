// Package gateway defines the contract between the coordinator and the
// TaHoma cloud gateway.
//
// The coordinator never talks to the network directly. It consumes a Client
// (event feed, device list, login, state refresh) and a DeviceRegistry hook,
// and routes failures with Classify:
//
//   - ErrNotAuthenticated, ErrDisconnected: recoverable; re-login and resync
//   - ErrBadCredentials: fatal; the user must re-authenticate
//   - ErrTooManyRequests: fatal for the current cycle
//   - anything else: generic update failure
//
// FixtureClient replays a YAML scenario file and is used for offline runs
// and tests.
package gateway
