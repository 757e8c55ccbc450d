// Package monitor implements the availability-check loop: a fixed set of
// TestFlight invite codes is fetched on a schedule, fetch results are cached
// with a TTL, transitions between availability states are classified, and
// "became available" transitions are pushed through a cooldown gate before
// notifying. Consecutive failed cycles back the schedule off exponentially
// with jitter; a clean cycle resets it.
//
// The package owns no I/O of its own: fetching, notifying and persistence
// enter through the Fetcher, Notifier and Journal interfaces.
package monitor
