// Package coordinator implements the poll-driven reconciliation engine.
//
// Each cycle fetches one event batch from the gateway, folds it into a
// private copy of the device cache, the execution tracker and the
// refresh-in-progress flag, and commits that copy in a single swap. The poll
// cadence adapts: while command executions are in flight (or a full state
// refresh is outstanding) the scheduler runs fast, otherwise it polls at the
// default interval.
//
// # Components
//
//   - Tracker: set of in-flight execution IDs
//   - Fold / Settle: the pure event reconciler and end-of-batch rule
//   - Scheduler: two-mode (normal, fast) poll interval holder
//   - Coordinator: runs cycles, recovery and manual refreshes; owns state
//   - Poller: outer timer loop driving the coordinator
//   - Metrics: Prometheus collectors
//
// # Failure handling
//
//	not authenticated / disconnected -> re-login + full reload (success)
//	bad credentials                  -> UpdateFailedError{invalid_auth}
//	too many requests                -> UpdateFailedError{too_many_requests}
//	anything else, cast failures     -> UpdateFailedError{update_failed}
//
// Failed cycles commit nothing.
//
// # Usage
//
//	coord, _ := coordinator.New(coordinator.Options{Client: client, DefaultInterval: 30 * time.Second})
//	if err := coord.Setup(ctx); err != nil {
//	    return err
//	}
//	poller, _ := coordinator.NewPoller(coordinator.PollerOptions{Coordinator: coord})
//	poller.Start(ctx)
//	defer poller.Stop()
package coordinator
