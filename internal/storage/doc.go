// Package storage provides a minimal persistence layer for the monitor.
//
// It currently supports:
//   - Detection history appends (availability transitions, fetch failures)
//   - Notification cooldown marks (so restarts do not re-alert)
package storage
