// Package logx is tfmon's structured logging layer, a thin facade over
// zerolog. It renders a readable console stream (short timestamp, short
// caller), writes size-rotated JSON log files, and can mirror warn+
// lines into the notification channels through a rate-limited alert
// sink. Sinks and levels swap live on config reload.
package logx
