package notify

import (
	"context"

	logx "tfmon/pkg/logx"
)

// DryRun acks every message without delivering anything. It backs the
// -selftest run mode so the full pipeline can be exercised offline.
type DryRun struct {
	log logx.Logger
}

func NewDryRun(log logx.Logger) *DryRun {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &DryRun{log: log}
}

func (d *DryRun) Name() string { return "dryrun" }

func (d *DryRun) Send(_ context.Context, msg Message) error {
	d.log.Info("dry-run notification",
		logx.String("title", msg.Title),
		logx.String("target", msg.Target),
		logx.String("kind", msg.Kind),
	)
	return nil
}
