package monitor

import (
	"context"
	"fmt"
	"time"
)

// Availability is the observed state of one invite code.
// The zero value is Unknown (never observed).
type Availability uint8

const (
	Unknown Availability = iota
	Available
	Unavailable
)

func (a Availability) String() string {
	switch a {
	case Available:
		return "available"
	case Unavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// ParseAvailability is the inverse of String. Used when loading persisted
// records.
func ParseAvailability(s string) (Availability, error) {
	switch s {
	case "available":
		return Available, nil
	case "unavailable":
		return Unavailable, nil
	case "unknown", "":
		return Unknown, nil
	default:
		return Unknown, fmt.Errorf("unknown availability %q", s)
	}
}

func (a Availability) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Availability) UnmarshalText(b []byte) error {
	v, err := ParseAvailability(string(b))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// DetectionKind classifies what one check cycle observed for a target.
type DetectionKind string

const (
	Unchanged         DetectionKind = "unchanged"
	BecameAvailable   DetectionKind = "became_available"
	BecameUnavailable DetectionKind = "became_unavailable"
	FetchFailed       DetectionKind = "fetch_failed"
)

// Detection is the outcome of checking one target once.
//
// For FetchFailed, Previous and Current both carry the last known state
// (nothing changed) and Err holds the fetch error text.
type Detection struct {
	Target   string        `json:"target"`
	Kind     DetectionKind `json:"kind"`
	Previous Availability  `json:"previous"`
	Current  Availability  `json:"current"`
	At       time.Time     `json:"at"`
	Err      string        `json:"err,omitempty"`
}

// Notifiable reports whether this detection is one operators are told about.
// Only the unavailable-to-available edge notifies.
func (d Detection) Notifiable() bool { return d.Kind == BecameAvailable }

// Fetcher retrieves the current availability of one target.
// Implementations must honor ctx cancellation and deadlines.
type Fetcher interface {
	Fetch(ctx context.Context, target string) (Availability, error)
}

// Notifier delivers a detection to the configured channels.
// A nil return means at least one channel confirmed delivery.
type Notifier interface {
	Send(ctx context.Context, d Detection) error
}

// Journal persists detections and cooldown marks across restarts.
// All calls are best-effort from the loop's point of view.
type Journal interface {
	AppendDetection(ctx context.Context, d Detection) error
	PutCooldown(ctx context.Context, target string, at time.Time) error
}

// nopJournal is used when no storage driver is configured.
type nopJournal struct{}

func (nopJournal) AppendDetection(context.Context, Detection) error     { return nil }
func (nopJournal) PutCooldown(context.Context, string, time.Time) error { return nil }
